// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification_test

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maunium.net/go/mxverify/crypto/verification"
	"maunium.net/go/mxverify/id"
)

const (
	testTxnID  = id.VerificationTransactionID("MaTransaction")
	testKeyA   = id.Ed25519("ktEwcUP6su1xh+GuE+CYkQ3H6W/DIl+ybHFdaEOrolU")
	testKeyB   = id.Ed25519("TXluZKTZLvSRWOTPlOqLq534bA+/K4zLFKSu9cGLQaU")
	testSecret = "MTIzNDU2Nzg"

	crossSigningHex = "4d41545249580200000d4d615472616e73616374696f6e" +
		"92d1307143fab2ed7187e1ae13e098910dc7e96fc3225fb26c715d6843aba255" +
		"4d796e64a4d92ef49158e4cf94ea8bab9df86c0fbf2b8ccb14a4aef5c18b41a5" +
		"3132333435363738"
	selfTrustedHex = "4d41545249580201000d4d615472616e73616374696f6e" +
		"92d1307143fab2ed7187e1ae13e098910dc7e96fc3225fb26c715d6843aba255" +
		"4d796e64a4d92ef49158e4cf94ea8bab9df86c0fbf2b8ccb14a4aef5c18b41a5" +
		"3132333435363738"
	selfUntrustedHex = "4d41545249580202000d4d615472616e73616374696f6e" +
		"4d796e64a4d92ef49158e4cf94ea8bab9df86c0fbf2b8ccb14a4aef5c18b41a5" +
		"92d1307143fab2ed7187e1ae13e098910dc7e96fc3225fb26c715d6843aba255" +
		"3132333435363738"
)

func mustHex(t *testing.T, data string) []byte {
	t.Helper()
	decoded, err := hex.DecodeString(data)
	require.NoError(t, err)
	return decoded
}

func TestEncodeQRCode_Fixtures(t *testing.T) {
	testCases := []struct {
		name     string
		data     verification.QRCodeData
		expected string
	}{
		{
			"cross signing",
			verification.VerifyingAnotherUser{
				TransactionID:                  testTxnID,
				UserMasterCrossSigningKey:      testKeyA,
				OtherUserMasterCrossSigningKey: testKeyB,
				SharedSecret:                   testSecret,
			},
			crossSigningHex,
		},
		{
			"self verifying, master key trusted",
			verification.SelfVerifyingMasterKeyTrusted{
				TransactionID:             testTxnID,
				UserMasterCrossSigningKey: testKeyA,
				OtherDeviceKey:            testKeyB,
				SharedSecret:              testSecret,
			},
			selfTrustedHex,
		},
		{
			"self verifying, master key not trusted",
			verification.SelfVerifyingMasterKeyNotTrusted{
				TransactionID:             testTxnID,
				DeviceKey:                 testKeyB,
				UserMasterCrossSigningKey: testKeyA,
				SharedSecret:              testSecret,
			},
			selfUntrustedHex,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			encoded, err := verification.EncodeQRCode(tc.data)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, hex.EncodeToString(encoded))

			decoded, err := verification.DecodeQRCode(encoded)
			require.NoError(t, err)
			assert.Equal(t, tc.data, decoded)
		})
	}
}

func TestQRCode_Roundtrip(t *testing.T) {
	key1 := id.Ed25519FromBytes(bytes.Repeat([]byte{0x01}, 32))
	key2 := id.Ed25519FromBytes(bytes.Repeat([]byte{0x02}, 32))
	for _, length := range []int{0, 1, 13, 255, 256, 2048} {
		txnID := id.VerificationTransactionID(strings.Repeat("a", length))
		data := verification.SelfVerifyingMasterKeyTrusted{
			TransactionID:             txnID,
			UserMasterCrossSigningKey: key1,
			OtherDeviceKey:            key2,
			SharedSecret:              verification.GenerateSharedSecret(),
		}
		encoded, err := verification.EncodeQRCode(data)
		require.NoError(t, err)
		assert.Len(t, encoded, 10+length+64+8)

		decoded, err := verification.DecodeQRCode(encoded)
		require.NoError(t, err)
		assert.Equal(t, verification.QRCodeModeSelfVerifyingMasterKeyTrusted, decoded.Mode())
		assert.Equal(t, txnID, decoded.Transaction())
		assert.Equal(t, key1, decoded.KeyA())
		assert.Equal(t, key2, decoded.KeyB())
		assert.Equal(t, data.SharedSecret, decoded.Secret())
	}
}

func TestDecodeQRCode_ElementVectors(t *testing.T) {
	testCases := []struct {
		b64          string
		txnID        string
		key1         string
		key2         string
		sharedSecret string
	}{
		{
			"TUFUUklYAgEAIEduQWVDdnRXanpNT1ZXUVRrdDM1WVJVcnVqbVJQYzhhGDJ8w4zCpsK1wqdQV2cZXsOvwqDCmMKdNsOtehAuGD5Ow4TDgUUMwq4ZeMKZBsKSwpTCjsK3WcKWwq3DvXBqEcK6wqkpw48NwrjCiGdbw7MBwrBjLsKlw7Ngw4IEw6NyfXwdwrbCusKBHsKZwrh/Cg==",
			"GnAeCvtWjzMOVWQTkt35YRUrujmRPc8a",
			"GDJ8w4zCpsK1wqdQV2cZXsOvwqDCmMKdNsOtehAuGD4=",
			"TsOEw4FFDMKuGXjCmQbCksKUwo7Ct1nClsKtw71wahE=",
			"wrrCqSnDjw3CuMKIZ1vDswHCsGMuwqXDs2DDggTDo3J9fB3CtsK6woEewpnCuH8K",
		},
		{
			"TUFUUklYAgEAIGM1YjljNzE3ZWIzYjRmYzBiZDhhZjA0MDQ4NDY5MDdle4oLkpUdO1cTu5M3K3B4BlnpxtAbVgXCuQKOIqMmt+xAjVvaEXF39X0z5waRY9UE0b5PKiWvOBSJHEGkxX28Y2OEDLIWP/kCVUlyXXENlj0=",
			"c5b9c717eb3b4fc0bd8af0404846907e",
			"e4oLkpUdO1cTu5M3K3B4BlnpxtAbVgXCuQKOIqMmt+w=",
			"QI1b2hFxd/V9M+cGkWPVBNG+TyolrzgUiRxBpMV9vGM=",
			"Y4QMshY/+QJVSXJdcQ2WPQ==",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.txnID, func(t *testing.T) {
			qrcodeData, err := base64.StdEncoding.DecodeString(tc.b64)
			require.NoError(t, err)

			decoded, err := verification.DecodeQRCode(qrcodeData)
			require.NoError(t, err)
			require.IsType(t, verification.SelfVerifyingMasterKeyTrusted{}, decoded)
			assert.EqualValues(t, tc.txnID, decoded.Transaction())
			assert.EqualValues(t, strings.TrimRight(tc.key1, "="), decoded.KeyA())
			assert.EqualValues(t, strings.TrimRight(tc.key2, "="), decoded.KeyB())
			assert.Equal(t, strings.TrimRight(tc.sharedSecret, "="), decoded.Secret())
		})
	}
}

func TestDecodeQRCode_Invalid(t *testing.T) {
	valid := mustHex(t, crossSigningHex)
	withByte := func(index int, value byte) []byte {
		modified := bytes.Clone(valid)
		modified[index] = value
		return modified
	}
	testCases := []struct {
		name     string
		data     []byte
		expected error
	}{
		{"empty", nil, verification.ErrInvalidQRCodeHeader},
		{"wrong header", append([]byte("MATRIY"), valid[6:]...), verification.ErrInvalidQRCodeHeader},
		{"header only", []byte("MATRIX"), verification.ErrUnknownQRCodeVersion},
		{"wrong version", withByte(6, 0x01), verification.ErrUnknownQRCodeVersion},
		{"no transaction length", valid[:8], verification.ErrQRCodeTruncated},
		{"invalid mode", withByte(7, 0x03), verification.ErrInvalidQRCodeMode},
		{"truncated keys", valid[:10+13+40], verification.ErrQRCodeTruncated},
		{"transaction length beyond end", withByte(8, 0xff), verification.ErrQRCodeTruncated},
		{"no secret", valid[:10+13+64], verification.ErrQRCodeSecretTooShort},
		{"short secret", valid[:len(valid)-1], verification.ErrQRCodeSecretTooShort},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := verification.DecodeQRCode(tc.data)
			var decodeErr *verification.QRDecodeError
			require.ErrorAs(t, err, &decodeErr)
			assert.ErrorIs(t, err, tc.expected)
		})
	}
}

// A shorter declared transaction length shifts the key boundaries: the code
// still decodes as long as enough bytes remain for a secret.
func TestDecodeQRCode_ShorterDeclaredLength(t *testing.T) {
	data := mustHex(t, crossSigningHex)
	data[9] = 0x05
	decoded, err := verification.DecodeQRCode(data)
	require.NoError(t, err)
	assert.EqualValues(t, "MaTra", decoded.Transaction())
	assert.NotEqual(t, testKeyA, decoded.KeyA())
	assert.Len(t, mustDecode(t, decoded.Secret()), 16)
}

func TestEncodeQRCode_Invalid(t *testing.T) {
	_, err := verification.EncodeQRCode(verification.VerifyingAnotherUser{
		TransactionID:                  testTxnID,
		UserMasterCrossSigningKey:      "short",
		OtherUserMasterCrossSigningKey: testKeyB,
		SharedSecret:                   testSecret,
	})
	assert.ErrorIs(t, err, verification.ErrInvalidQRCodeKey)

	_, err = verification.EncodeQRCode(verification.VerifyingAnotherUser{
		TransactionID:                  testTxnID,
		UserMasterCrossSigningKey:      testKeyA,
		OtherUserMasterCrossSigningKey: testKeyB,
		SharedSecret:                   "MTIz",
	})
	assert.ErrorIs(t, err, verification.ErrQRCodeSecretTooShort)

	_, err = verification.EncodeQRCode(verification.VerifyingAnotherUser{
		TransactionID:                  id.VerificationTransactionID(strings.Repeat("a", 70000)),
		UserMasterCrossSigningKey:      testKeyA,
		OtherUserMasterCrossSigningKey: testKeyB,
		SharedSecret:                   testSecret,
	})
	assert.ErrorIs(t, err, verification.ErrQRCodeTxnIDTooLong)
}

func mustDecode(t *testing.T, val string) []byte {
	t.Helper()
	decoded, err := base64.RawStdEncoding.DecodeString(val)
	require.NoError(t, err)
	return decoded
}
