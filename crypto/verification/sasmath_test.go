// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"maunium.net/go/mxverify/crypto/verification"
)

func TestBrokenB64Encode(t *testing.T) {
	// See example from the PR that fixed the issue:
	// https://gitlab.matrix.org/matrix-org/olm/-/merge_requests/16
	input := []byte{
		121, 105, 187, 19, 37, 94, 119, 248, 224, 34, 94, 29, 157, 5,
		15, 230, 246, 115, 236, 217, 80, 78, 56, 200, 80, 200, 82, 158,
		168, 179, 10, 230,
	}

	b64 := verification.BrokenB64Encode(input)
	assert.Equal(t, "eWm7NyVeVmXgbVhnYlZobllsWm9ibGxzV205aWJHeHo", b64)
}

func TestDecimalSAS(t *testing.T) {
	assert.Equal(t, [3]int{1000, 1000, 1000}, verification.DecimalSAS(make([]byte, 6)))
	assert.Equal(t, [3]int{9191, 9191, 9191}, verification.DecimalSAS(bytes.Repeat([]byte{0xff}, 6)))
	assert.Equal(t, [3]int{1130, 1260, 1520}, verification.DecimalSAS([]byte{0x04, 0x10, 0x41, 0x04, 0x10, 0x41}))
}

func TestEmojiSAS(t *testing.T) {
	for _, emoji := range verification.EmojiSAS(make([]byte, 6)) {
		assert.Equal(t, verification.Emoji{Emoji: "🐶", Description: "Dog"}, emoji)
	}
	for _, emoji := range verification.EmojiSAS(bytes.Repeat([]byte{0xff}, 6)) {
		assert.Equal(t, "Pin", emoji.Description)
	}
	for _, emoji := range verification.EmojiSAS([]byte{0x04, 0x10, 0x41, 0x04, 0x10, 0x41}) {
		assert.Equal(t, "Cat", emoji.Description)
	}
	emojis := verification.EmojiSAS([]byte{0xfc, 0x00, 0x00, 0x00, 0x00, 0x00})
	assert.Equal(t, "Pin", emojis[0].Description)
	assert.Equal(t, "Dog", emojis[1].Description)
}
