// Copyright (c) 2022 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package format

import (
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
	"go.mau.fi/util/exstrings"

	"maunium.net/go/mxverify/id"
)

var renderer = goldmark.New(
	goldmark.WithExtensions(extension.Strikethrough),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

var markdownEscaper = strings.NewReplacer(
	`\`, `\\`, "`", "\\`", "*", `\*`, "_", `\_`,
	"[", `\[`, "]", `\]`, "(", `\(`, ")", `\)`,
	"<", "&lt;", ">", "&gt;",
)

// MarkdownMention returns a markdown link that Matrix clients render as a user pill.
func MarkdownMention(userID id.UserID) string {
	escaped := markdownEscaper.Replace(userID.String())
	return fmt.Sprintf("[%s](https://matrix.to/#/%s)", escaped, escaped)
}

// SafeMarkdownCode wraps the text in an inline code span that the text itself can't close.
func SafeMarkdownCode[T ~string](text T) string {
	str := strings.ReplaceAll(string(text), "\n", " ")
	if str == "" {
		return "` `"
	}
	fence := strings.Repeat("`", exstrings.LongestSequenceOf(str, '`')+1)
	if str[0] == '`' || str[len(str)-1] == '`' {
		return fence + " " + str + " " + fence
	}
	return fence + str + fence
}

// RenderMarkdown renders markdown into HTML and returns the plain text
// fallback along with it. The HTML is empty if the text has no formatting.
func RenderMarkdown(text string) (body, htmlBody string) {
	var buf strings.Builder
	if err := renderer.Convert([]byte(text), &buf); err != nil {
		panic(fmt.Errorf("markdown parser errored: %w", err))
	}
	htmlBody = strings.TrimRight(buf.String(), "\n")
	// A lone paragraph is sent without the wrapping tags
	if inner, ok := strings.CutPrefix(htmlBody, "<p>"); ok && strings.HasSuffix(inner, "</p>") {
		inner = strings.TrimSuffix(inner, "</p>")
		if !strings.Contains(inner, "<p>") {
			htmlBody = inner
		}
	}
	body = HTMLToText(htmlBody)
	if body == htmlBody {
		return body, ""
	}
	return body, htmlBody
}
