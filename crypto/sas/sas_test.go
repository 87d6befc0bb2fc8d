// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package sas_test

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maunium.net/go/mxverify/crypto/sas"
)

var (
	alicePrivate = []byte{
		0x77, 0x07, 0x6D, 0x0A, 0x73, 0x18, 0xA5, 0x7D,
		0x3C, 0x16, 0xC1, 0x72, 0x51, 0xB2, 0x66, 0x45,
		0xDF, 0x4C, 0x2F, 0x87, 0xEB, 0xC0, 0x99, 0x2A,
		0xB1, 0x77, 0xFB, 0xA5, 0x1D, 0xB9, 0x2C, 0x2A,
	}
	bobPrivate = []byte{
		0x5D, 0xAB, 0x08, 0x7E, 0x62, 0x4A, 0x8A, 0x4B,
		0x79, 0xE1, 0x7F, 0x8B, 0x83, 0x80, 0x0E, 0xE6,
		0x6F, 0x3B, 0xB1, 0x29, 0x26, 0x18, 0xB6, 0xFD,
		0x1C, 0x2F, 0x8B, 0x27, 0xFF, 0x88, 0xE0, 0xEB,
	}
)

func initSAS(t *testing.T) (*sas.SAS, *sas.SAS) {
	aliceSAS, err := sas.NewFromPrivateKey(alicePrivate)
	require.NoError(t, err)
	bobSAS, err := sas.NewFromPrivateKey(bobPrivate)
	require.NoError(t, err)
	require.NoError(t, aliceSAS.SetTheirKey(bobSAS.PublicKey()))
	require.NoError(t, bobSAS.SetTheirKey(aliceSAS.PublicKey()))
	return aliceSAS, bobSAS
}

func TestPublicKey(t *testing.T) {
	aliceSAS, bobSAS := initSAS(t)
	assert.Equal(t, "hSDwCYkwp1R0i33ctD73Wg2/Og0mOBr066SpjqqbTmo", base64.RawStdEncoding.EncodeToString(aliceSAS.PublicKey()))
	assert.Equal(t, "3p7bfXt9wbTTW2HC7OQ1Nz+DQ8hbeGdNrfx+FG+IK08", base64.RawStdEncoding.EncodeToString(bobSAS.PublicKey()))
}

func TestGenerateBytes(t *testing.T) {
	aliceSAS, bobSAS := initSAS(t)
	aliceBytes, err := aliceSAS.GenerateBytes([]byte("SAS"), 6)
	require.NoError(t, err)
	bobBytes, err := bobSAS.GenerateBytes([]byte("SAS"), 6)
	require.NoError(t, err)
	assert.Len(t, aliceBytes, 6)
	assert.Equal(t, aliceBytes, bobBytes)

	otherInfo, err := aliceSAS.GenerateBytes([]byte("SAS2"), 6)
	require.NoError(t, err)
	assert.NotEqual(t, aliceBytes, otherInfo)
}

func TestCalculateMAC(t *testing.T) {
	aliceSAS, bobSAS := initSAS(t)
	aliceMAC, err := aliceSAS.CalculateMAC([]byte("Hello world!"), []byte("MAC"))
	require.NoError(t, err)
	bobMAC, err := bobSAS.CalculateMAC([]byte("Hello world!"), []byte("MAC"))
	require.NoError(t, err)
	assert.Len(t, aliceMAC, 32)
	assert.Equal(t, aliceMAC, bobMAC)
}

func TestNoSharedSecret(t *testing.T) {
	s, err := sas.New()
	require.NoError(t, err)
	_, err = s.GenerateBytes([]byte("SAS"), 6)
	assert.ErrorIs(t, err, sas.ErrNoSharedSecret)
	assert.ErrorIs(t, s.SetTheirKey([]byte{1, 2, 3}), sas.ErrInvalidKeyLength)
}

func TestWipe(t *testing.T) {
	aliceSAS, _ := initSAS(t)
	aliceSAS.Wipe()
	_, err := aliceSAS.GenerateBytes([]byte("SAS"), 6)
	assert.ErrorIs(t, err, sas.ErrWiped)

	buf := []byte{1, 2, 3, 4}
	sas.Wipe(buf)
	assert.Equal(t, []byte{0, 0, 0, 0}, buf)
}
