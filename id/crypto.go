// Copyright (c) 2020 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package id

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// KeyAlgorithm is the algorithm part of a key ID.
type KeyAlgorithm string

const (
	KeyAlgorithmEd25519    KeyAlgorithm = "ed25519"
	KeyAlgorithmCurve25519 KeyAlgorithm = "curve25519"
)

// A KeyID is a string formatted as <algorithm>:<key name> that is used as the key in verification MAC maps.
type KeyID string

// NewKeyID creates a key ID from an algorithm and a key name (usually a device ID or a base64 public key).
func NewKeyID(algorithm KeyAlgorithm, keyName string) KeyID {
	return KeyID(fmt.Sprintf("%s:%s", algorithm, keyName))
}

// Parse splits the key ID into the algorithm and the key name.
func (keyID KeyID) Parse() (algorithm KeyAlgorithm, keyName string) {
	index := strings.IndexRune(string(keyID), ':')
	if index < 0 || len(keyID) <= index+1 {
		return
	}
	algorithm = KeyAlgorithm(keyID[:index])
	keyName = string(keyID[index+1:])
	return
}

func (keyID KeyID) String() string {
	return string(keyID)
}

// Ed25519 is the unpadded base64 encoding of an Ed25519 public key.
type Ed25519 string

// Bytes decodes the key. It returns nil if the key is not valid unpadded base64.
func (ed25519 Ed25519) Bytes() []byte {
	val, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(string(ed25519), "="))
	if err != nil {
		return nil
	}
	return val
}

func (ed25519 Ed25519) Fingerprint() string {
	spacedSigningKey := make([]byte, len(ed25519)+(len(ed25519)-1)/4)
	var ptr = 0
	for i, chr := range ed25519 {
		spacedSigningKey[ptr] = byte(chr)
		ptr++
		if i%4 == 3 {
			spacedSigningKey[ptr] = ' '
			ptr++
		}
	}
	return string(spacedSigningKey)
}

func (ed25519 Ed25519) String() string {
	return string(ed25519)
}

// Ed25519FromBytes encodes a raw public key as unpadded base64.
func Ed25519FromBytes(key []byte) Ed25519 {
	return Ed25519(base64.RawStdEncoding.EncodeToString(key))
}

// Device contains the identity keys of a single device that are relevant for verification.
type Device struct {
	UserID     UserID     `json:"user_id"`
	DeviceID   DeviceID   `json:"device_id"`
	SigningKey Ed25519    `json:"signing_key"`
	Trust      TrustState `json:"trust"`
}
