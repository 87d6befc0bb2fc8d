// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification

import (
	"encoding/base64"
	"strings"

	"maunium.net/go/mxverify/event"
	"maunium.net/go/mxverify/id"
)

// Emoji is one entry of the SAS emoji table.
type Emoji struct {
	Emoji       string
	Description string
}

var allEmojis = [64]Emoji{
	{"🐶", "Dog"}, {"🐱", "Cat"}, {"🦁", "Lion"}, {"🐎", "Horse"},
	{"🦄", "Unicorn"}, {"🐷", "Pig"}, {"🐘", "Elephant"}, {"🐰", "Rabbit"},
	{"🐼", "Panda"}, {"🐓", "Rooster"}, {"🐧", "Penguin"}, {"🐢", "Turtle"},
	{"🐟", "Fish"}, {"🐙", "Octopus"}, {"🦋", "Butterfly"}, {"🌷", "Flower"},
	{"🌳", "Tree"}, {"🌵", "Cactus"}, {"🍄", "Mushroom"}, {"🌏", "Globe"},
	{"🌙", "Moon"}, {"☁️", "Cloud"}, {"🔥", "Fire"}, {"🍌", "Banana"},
	{"🍎", "Apple"}, {"🍓", "Strawberry"}, {"🌽", "Corn"}, {"🍕", "Pizza"},
	{"🎂", "Cake"}, {"❤️", "Heart"}, {"😀", "Smiley"}, {"🤖", "Robot"},
	{"🎩", "Hat"}, {"👓", "Glasses"}, {"🔧", "Spanner"}, {"🎅", "Santa"},
	{"👍", "Thumbs Up"}, {"☂️", "Umbrella"}, {"⌛", "Hourglass"}, {"⏰", "Clock"},
	{"🎁", "Gift"}, {"💡", "Light Bulb"}, {"📕", "Book"}, {"✏️", "Pencil"},
	{"📎", "Paperclip"}, {"✂️", "Scissors"}, {"🔒", "Lock"}, {"🔑", "Key"},
	{"🔨", "Hammer"}, {"☎️", "Telephone"}, {"🏁", "Flag"}, {"🚂", "Train"},
	{"🚲", "Bicycle"}, {"✈️", "Aeroplane"}, {"🚀", "Rocket"}, {"🏆", "Trophy"},
	{"⚽", "Ball"}, {"🎸", "Guitar"}, {"🎺", "Trumpet"}, {"🔔", "Bell"},
	{"⚓", "Anchor"}, {"🎧", "Headphones"}, {"📁", "Folder"}, {"📌", "Pin"},
}

// sasBytesLength is enough for both the emoji (42 bits) and decimal (39 bits) methods.
const sasBytesLength = 6

// DecimalSAS turns the first 5 SAS bytes into three numbers between 1000 and 9191.
func DecimalSAS(sasBytes []byte) [3]int {
	return [3]int{
		(int(sasBytes[0])<<5 | int(sasBytes[1])>>3) + 1000,
		((int(sasBytes[1])&0x7)<<10 | int(sasBytes[2])<<2 | int(sasBytes[3])>>6) + 1000,
		((int(sasBytes[3])&0x3F)<<7 | int(sasBytes[4])>>1) + 1000,
	}
}

// EmojiSAS turns the first 42 bits of the SAS bytes into seven emojis.
func EmojiSAS(sasBytes []byte) [7]Emoji {
	var sasNum uint64
	for _, b := range sasBytes[:6] {
		sasNum = sasNum<<8 | uint64(b)
	}
	var emojis [7]Emoji
	for i := range emojis {
		emojis[i] = allEmojis[(sasNum>>uint(48-(i+1)*6))&0x3F]
	}
	return emojis
}

type sasParty struct {
	userID   id.UserID
	deviceID id.DeviceID
	key      []byte
}

// sasInfo is the HKDF info for the short authentication string. The party
// that sent the start event always comes first.
func sasInfo(starter, accepter sasParty, txnID id.VerificationTransactionID) []byte {
	return []byte(strings.Join([]string{
		"MATRIX_KEY_VERIFICATION_SAS",
		starter.userID.String(), starter.deviceID.String(), base64.RawStdEncoding.EncodeToString(starter.key),
		accepter.userID.String(), accepter.deviceID.String(), base64.RawStdEncoding.EncodeToString(accepter.key),
		txnID.String(),
	}, "|"))
}

// macInfo is the HKDF info for the MAC of a single key (or of the key list, with keyID = "KEY_IDS").
func macInfo(senderUser id.UserID, senderDevice id.DeviceID, receivingUser id.UserID, receivingDevice id.DeviceID, txnID id.VerificationTransactionID, keyID string) []byte {
	var infoBuf strings.Builder
	infoBuf.WriteString("MATRIX_KEY_VERIFICATION_MAC")
	infoBuf.WriteString(senderUser.String())
	infoBuf.WriteString(senderDevice.String())
	infoBuf.WriteString(receivingUser.String())
	infoBuf.WriteString(receivingDevice.String())
	infoBuf.WriteString(txnID.String())
	infoBuf.WriteString(keyID)
	return []byte(infoBuf.String())
}

// encodeMAC encodes a raw MAC the way the given MAC method expects.
func encodeMAC(method event.MACMethod, mac []byte) string {
	if method == event.MACMethodHKDFHMACSHA256 {
		return BrokenB64Encode(mac)
	}
	return base64.RawStdEncoding.EncodeToString(mac)
}

// BrokenB64Encode implements the incorrect base64 serialization in libolm for
// the hkdf-hmac-sha256 MAC method. The bug is caused by the input and output
// buffers being equal to one another during the base64 encoding.
//
// This function is literally a reimplementation of the broken libolm base64
// encoding on a 32 byte input.
func BrokenB64Encode(input []byte) string {
	const encodeBase64 = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

	output := make([]byte, 43)
	copy(output, input)

	pos := 0
	outputPos := 0
	for pos != 30 {
		value := int32(output[pos])
		value <<= 8
		value |= int32(output[pos+1])
		value <<= 8
		value |= int32(output[pos+2])
		pos += 3
		output[outputPos] = encodeBase64[(value>>18)&0x3F]
		output[outputPos+1] = encodeBase64[(value>>12)&0x3F]
		output[outputPos+2] = encodeBase64[(value>>6)&0x3F]
		output[outputPos+3] = encodeBase64[value&0x3F]
		outputPos += 4
	}
	// This is the mangling that libolm does to the base64 encoding.
	value := int32(output[pos])
	value <<= 8
	value |= int32(output[pos+1])
	value <<= 2
	output[outputPos] = encodeBase64[(value>>12)&0x3F]
	output[outputPos+1] = encodeBase64[(value>>6)&0x3F]
	output[outputPos+2] = encodeBase64[value&0x3F]
	return string(output)
}
