// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package sas provides the key agreement and key derivation primitives used by
// short authentication string verification.
package sas

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"go.mau.fi/util/random"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrNoSharedSecret   = errors.New("the other party's key has not been set")
	ErrInvalidKeyLength = errors.New("invalid curve25519 key length")
	ErrWiped            = errors.New("the SAS has already been wiped")
)

// SAS contains an ephemeral Curve25519 key pair and the secret shared with the other party.
type SAS struct {
	privateKey []byte
	publicKey  []byte
	secret     []byte
	wiped      bool
}

// New creates a new SAS with a fresh ephemeral key pair.
func New() (*SAS, error) {
	return NewFromPrivateKey(random.Bytes(curve25519.ScalarSize))
}

// NewFromPrivateKey creates a SAS from an existing private key.
// The key is copied and can be wiped by the caller afterwards.
func NewFromPrivateKey(privateKey []byte) (*SAS, error) {
	if len(privateKey) != curve25519.ScalarSize {
		return nil, ErrInvalidKeyLength
	}
	priv := make([]byte, curve25519.ScalarSize)
	copy(priv, privateKey)
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	return &SAS{privateKey: priv, publicKey: pub}, nil
}

// PublicKey returns the raw ephemeral public key.
func (s *SAS) PublicKey() []byte {
	return s.publicKey
}

// SetTheirKey sets the raw public key of the other party and computes the shared secret.
func (s *SAS) SetTheirKey(key []byte) error {
	if s.wiped {
		return ErrWiped
	} else if len(key) != curve25519.PointSize {
		return ErrInvalidKeyLength
	}
	secret, err := curve25519.X25519(s.privateKey, key)
	if err != nil {
		return fmt.Errorf("failed to compute shared secret: %w", err)
	}
	s.secret = secret
	return nil
}

// GenerateBytes creates length bytes from the shared secret and info using HKDF-SHA256.
func (s *SAS) GenerateBytes(info []byte, length int) ([]byte, error) {
	if s.wiped {
		return nil, ErrWiped
	} else if s.secret == nil {
		return nil, ErrNoSharedSecret
	}
	output := make([]byte, length)
	if _, err := io.ReadFull(hkdf.New(sha256.New, s.secret, nil, info), output); err != nil {
		return nil, err
	}
	return output, nil
}

// CalculateMAC returns the raw HMAC-SHA256 of input, keyed with 32 bytes derived from info.
func (s *SAS) CalculateMAC(input, info []byte) ([]byte, error) {
	key, err := s.GenerateBytes(info, 32)
	if err != nil {
		return nil, err
	}
	defer Wipe(key)
	return HMACSHA256(key, input), nil
}

// Wipe zeroes the private key and the shared secret. The SAS can't be used afterwards.
func (s *SAS) Wipe() {
	Wipe(s.privateKey)
	Wipe(s.secret)
	s.secret = nil
	s.wiped = true
}

// Wipe overwrites b with zeros.
func Wipe(b []byte) {
	if len(b) == 0 {
		return
	}
	subtle.ConstantTimeCopy(1, b, make([]byte, len(b)))
}

// HMACSHA256 returns the HMAC-SHA256 of the input with the key.
func HMACSHA256(key, input []byte) []byte {
	hash := hmac.New(sha256.New, key)
	hash.Write(input)
	return hash.Sum(nil)
}

// Commitment returns the SHA-256 of the concatenation of the (encoded) public key
// and the canonical JSON of the start content.
func Commitment(encodedPublicKey string, canonicalStartContent []byte) []byte {
	hash := sha256.New()
	hash.Write([]byte(encodedPublicKey))
	hash.Write(canonicalStartContent)
	return hash.Sum(nil)
}
