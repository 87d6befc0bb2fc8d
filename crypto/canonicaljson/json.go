/* Copyright 2016-2017 Vector Creations Ltd
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package canonicaljson

import (
	"errors"
	"sort"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

var ErrInvalidJSON = errors.New("invalid json")

// CanonicalJSON re-encodes the JSON in a canonical encoding. The encoding is
// the shortest possible encoding using integer values with sorted object keys.
// https://spec.matrix.org/v1.9/appendices/#canonical-json
func CanonicalJSON(input []byte) ([]byte, error) {
	if !gjson.ValidBytes(input) {
		return nil, ErrInvalidJSON
	}
	return CanonicalJSONAssumeValid(input), nil
}

// CanonicalJSONAssumeValid is the same as CanonicalJSON, but assumes the
// input is valid JSON
func CanonicalJSONAssumeValid(input []byte) []byte {
	input = CompactJSON(input, make([]byte, 0, len(input)))
	return SortJSON(input, make([]byte, 0, len(input)))
}

// SortJSON reencodes the JSON with the object keys sorted by lexicographically
// by codepoint. The input must be valid JSON.
func SortJSON(input, output []byte) []byte {
	return sortJSONValue(gjson.ParseBytes(input), output)
}

func sortJSONValue(input gjson.Result, output []byte) []byte {
	if input.IsArray() {
		return sortJSONArray(input, output)
	} else if input.IsObject() {
		return sortJSONObject(input, output)
	}
	return append(output, input.Raw...)
}

func sortJSONArray(input gjson.Result, output []byte) []byte {
	sep := byte('[')
	input.ForEach(func(_, value gjson.Result) bool {
		output = append(output, sep)
		sep = ','
		output = sortJSONValue(value, output)
		return true
	})
	if sep == '[' {
		// If sep is still '[' then the array was empty and we never wrote the
		// initial '[', so we write it now along with the closing ']'.
		output = append(output, '[')
	}
	return append(output, ']')
}

func sortJSONObject(input gjson.Result, output []byte) []byte {
	type entry struct {
		key    string
		rawKey string
		value  gjson.Result
	}
	var entries []entry
	input.ForEach(func(key, value gjson.Result) bool {
		entries = append(entries, entry{key.String(), key.Raw, value})
		return true
	})
	sort.Slice(entries, func(a, b int) bool {
		return entries[a].key < entries[b].key
	})

	sep := byte('{')
	for _, e := range entries {
		output = append(output, sep)
		sep = ','
		output = append(output, e.rawKey...)
		output = append(output, ':')
		output = sortJSONValue(e.value, output)
	}
	if sep == '{' {
		output = append(output, '{')
	}
	return append(output, '}')
}

// CompactJSON makes the encoded JSON as small as possible by removing
// whitespace and unneeded unicode escapes
func CompactJSON(input, output []byte) []byte {
	var i int
	for i < len(input) {
		c := input[i]
		i++
		// The valid whitespace characters are all less than or equal to SPACE 0x20.
		// The valid non-white characters are all greater than SPACE 0x20.
		// So we can check for whitespace by comparing against SPACE 0x20.
		if c <= ' ' {
			continue
		}
		output = append(output, c)
		if c == '"' {
			i, output = compactString(input, i, output)
		}
	}
	return output
}

// compactString copies the rest of a string starting after the opening quote,
// unescaping everything that doesn't need to be escaped.
func compactString(input []byte, i int, output []byte) (int, []byte) {
	for i < len(input) {
		c := input[i]
		i++
		if c == '"' {
			return i, append(output, c)
		} else if c != '\\' {
			output = append(output, c)
			continue
		} else if i >= len(input) {
			break
		}
		escape := input[i]
		i++
		switch escape {
		case 'u':
			if i+4 > len(input) {
				return len(input), output
			}
			r := rune(readHexDigits(input[i:]))
			i += 4
			if utf16.IsSurrogate(r) && i+6 <= len(input) && input[i] == '\\' && input[i+1] == 'u' {
				if combined := utf16.DecodeRune(r, rune(readHexDigits(input[i+2:]))); combined != utf8.RuneError {
					r = combined
					i += 6
				}
			}
			output = compactUnicodeEscape(r, output)
		case '/':
			output = append(output, '/')
		default:
			output = append(output, '\\', escape)
		}
	}
	return i, output
}

func compactUnicodeEscape(r rune, output []byte) []byte {
	const hex = "0123456789ABCDEF"
	switch r {
	case '\b':
		return append(output, '\\', 'b')
	case '\t':
		return append(output, '\\', 't')
	case '\n':
		return append(output, '\\', 'n')
	case '\f':
		return append(output, '\\', 'f')
	case '\r':
		return append(output, '\\', 'r')
	case '"':
		return append(output, '\\', '"')
	case '\\':
		return append(output, '\\', '\\')
	}
	if r < ' ' {
		return append(output, '\\', 'u', '0', '0', hex[(r>>4)&0xF], hex[r&0xF])
	}
	return utf8.AppendRune(output, r)
}

// readHexDigits reads 4 hex digits from the input and returns their value.
func readHexDigits(input []byte) uint32 {
	var value uint32
	for _, c := range input[:4] {
		value <<= 4
		switch {
		case c >= '0' && c <= '9':
			value |= uint32(c - '0')
		case c >= 'a' && c <= 'f':
			value |= uint32(c-'a') + 10
		case c >= 'A' && c <= 'F':
			value |= uint32(c-'A') + 10
		}
	}
	return value
}
