// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"

	"maunium.net/go/mxverify/id"
)

var (
	ErrInvalidQRCodeHeader  = errors.New("invalid QR code header")
	ErrUnknownQRCodeVersion = errors.New("invalid QR code version")
	ErrInvalidQRCodeMode    = errors.New("invalid QR code mode")
	ErrQRCodeTruncated      = errors.New("QR code is shorter than its declared layout")
	ErrQRCodeSecretTooShort = errors.New("QR code shared secret is too short")
	ErrInvalidQRCodeKey     = errors.New("QR code key is not a 32 byte key")
	ErrQRCodeTxnIDTooLong   = errors.New("transaction ID is too long for a QR code")
)

// QRDecodeError is returned when a QR code payload can't be used.
type QRDecodeError struct {
	Reason error
}

func (e *QRDecodeError) Error() string {
	return fmt.Sprintf("failed to decode QR code: %v", e.Reason)
}

func (e *QRDecodeError) Unwrap() error {
	return e.Reason
}

type QRCodeMode byte

const (
	QRCodeModeCrossSigning                    QRCodeMode = 0x00
	QRCodeModeSelfVerifyingMasterKeyTrusted   QRCodeMode = 0x01
	QRCodeModeSelfVerifyingMasterKeyUntrusted QRCodeMode = 0x02
)

func (mode QRCodeMode) String() string {
	switch mode {
	case QRCodeModeCrossSigning:
		return "verifying_another_user"
	case QRCodeModeSelfVerifyingMasterKeyTrusted:
		return "self_verifying_master_key_trusted"
	case QRCodeModeSelfVerifyingMasterKeyUntrusted:
		return "self_verifying_master_key_untrusted"
	default:
		return fmt.Sprintf("QRCodeMode(%d)", byte(mode))
	}
}

const (
	qrCodeHeader          = "MATRIX"
	qrCodeVersion         = 0x02
	qrCodeMinSecretLength = 8
	qrCodeKeyLength       = 32
)

// QRCodeData is the content of a verification QR code. The concrete type
// determines the mode and which key goes in which slot.
type QRCodeData interface {
	Mode() QRCodeMode
	Transaction() id.VerificationTransactionID
	// Secret is the unpadded base64 shared secret.
	Secret() string
	// KeyA and KeyB are the keys in the order they appear in the payload.
	KeyA() id.Ed25519
	KeyB() id.Ed25519
}

// VerifyingAnotherUser is shown when verifying a different user.
type VerifyingAnotherUser struct {
	TransactionID                  id.VerificationTransactionID
	UserMasterCrossSigningKey      id.Ed25519
	OtherUserMasterCrossSigningKey id.Ed25519
	SharedSecret                   string
}

func (q VerifyingAnotherUser) Mode() QRCodeMode                          { return QRCodeModeCrossSigning }
func (q VerifyingAnotherUser) Transaction() id.VerificationTransactionID { return q.TransactionID }
func (q VerifyingAnotherUser) Secret() string                            { return q.SharedSecret }
func (q VerifyingAnotherUser) KeyA() id.Ed25519                          { return q.UserMasterCrossSigningKey }
func (q VerifyingAnotherUser) KeyB() id.Ed25519                          { return q.OtherUserMasterCrossSigningKey }

// SelfVerifyingMasterKeyTrusted is shown by a device that trusts the master
// key to another device of the same user.
type SelfVerifyingMasterKeyTrusted struct {
	TransactionID             id.VerificationTransactionID
	UserMasterCrossSigningKey id.Ed25519
	OtherDeviceKey            id.Ed25519
	SharedSecret              string
}

func (q SelfVerifyingMasterKeyTrusted) Mode() QRCodeMode {
	return QRCodeModeSelfVerifyingMasterKeyTrusted
}
func (q SelfVerifyingMasterKeyTrusted) Transaction() id.VerificationTransactionID {
	return q.TransactionID
}
func (q SelfVerifyingMasterKeyTrusted) Secret() string   { return q.SharedSecret }
func (q SelfVerifyingMasterKeyTrusted) KeyA() id.Ed25519 { return q.UserMasterCrossSigningKey }
func (q SelfVerifyingMasterKeyTrusted) KeyB() id.Ed25519 { return q.OtherDeviceKey }

// SelfVerifyingMasterKeyNotTrusted is shown by a device that doesn't trust the
// master key yet. The device key comes first, unlike in the trusted mode.
type SelfVerifyingMasterKeyNotTrusted struct {
	TransactionID             id.VerificationTransactionID
	DeviceKey                 id.Ed25519
	UserMasterCrossSigningKey id.Ed25519
	SharedSecret              string
}

func (q SelfVerifyingMasterKeyNotTrusted) Mode() QRCodeMode {
	return QRCodeModeSelfVerifyingMasterKeyUntrusted
}
func (q SelfVerifyingMasterKeyNotTrusted) Transaction() id.VerificationTransactionID {
	return q.TransactionID
}
func (q SelfVerifyingMasterKeyNotTrusted) Secret() string   { return q.SharedSecret }
func (q SelfVerifyingMasterKeyNotTrusted) KeyA() id.Ed25519 { return q.DeviceKey }
func (q SelfVerifyingMasterKeyNotTrusted) KeyB() id.Ed25519 { return q.UserMasterCrossSigningKey }

func decodeUnpadded(val string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(val, "="))
}

func decodeQRKey(key id.Ed25519) ([]byte, error) {
	raw, err := decodeUnpadded(string(key))
	if err != nil || len(raw) != qrCodeKeyLength {
		return nil, ErrInvalidQRCodeKey
	}
	return raw, nil
}

// EncodeQRCode returns the bytes that need to be encoded in the QR code as defined in
// [Section 11.12.2.4.1] of the Matrix client-server API.
//
// [Section 11.12.2.4.1]: https://spec.matrix.org/v1.9/client-server-api/#qr-code-format
func EncodeQRCode(data QRCodeData) ([]byte, error) {
	keyA, err := decodeQRKey(data.KeyA())
	if err != nil {
		return nil, err
	}
	keyB, err := decodeQRKey(data.KeyB())
	if err != nil {
		return nil, err
	}
	secret, err := decodeUnpadded(data.Secret())
	if err != nil || len(secret) < qrCodeMinSecretLength {
		return nil, ErrQRCodeSecretTooShort
	}
	txnID := data.Transaction()
	if len(txnID) > math.MaxUint16 {
		return nil, ErrQRCodeTxnIDTooLong
	}

	var buf bytes.Buffer
	buf.WriteString(qrCodeHeader)
	buf.WriteByte(qrCodeVersion)
	buf.WriteByte(byte(data.Mode()))
	buf.Write(binary.BigEndian.AppendUint16(nil, uint16(len(txnID))))
	buf.WriteString(string(txnID))
	buf.Write(keyA)
	buf.Write(keyB)
	buf.Write(secret)
	return buf.Bytes(), nil
}

// DecodeQRCode parses the bytes from a QR code scan. All errors are of type [*QRDecodeError].
func DecodeQRCode(data []byte) (QRCodeData, error) {
	if !bytes.HasPrefix(data, []byte(qrCodeHeader)) {
		return nil, &QRDecodeError{ErrInvalidQRCodeHeader}
	} else if len(data) < 7 || data[6] != qrCodeVersion {
		return nil, &QRDecodeError{ErrUnknownQRCodeVersion}
	} else if len(data) < 10 {
		return nil, &QRDecodeError{ErrQRCodeTruncated}
	}
	mode := QRCodeMode(data[7])
	if mode > QRCodeModeSelfVerifyingMasterKeyUntrusted {
		return nil, &QRDecodeError{ErrInvalidQRCodeMode}
	}
	txnIDEnd := 10 + int(binary.BigEndian.Uint16(data[8:10]))
	keysEnd := txnIDEnd + 2*qrCodeKeyLength
	if len(data) < keysEnd {
		return nil, &QRDecodeError{ErrQRCodeTruncated}
	} else if len(data)-keysEnd < qrCodeMinSecretLength {
		return nil, &QRDecodeError{ErrQRCodeSecretTooShort}
	}

	txnID := id.VerificationTransactionID(data[10:txnIDEnd])
	keyA := id.Ed25519FromBytes(data[txnIDEnd : txnIDEnd+qrCodeKeyLength])
	keyB := id.Ed25519FromBytes(data[txnIDEnd+qrCodeKeyLength : keysEnd])
	secret := base64.RawStdEncoding.EncodeToString(data[keysEnd:])
	switch mode {
	case QRCodeModeCrossSigning:
		return VerifyingAnotherUser{
			TransactionID:                  txnID,
			UserMasterCrossSigningKey:      keyA,
			OtherUserMasterCrossSigningKey: keyB,
			SharedSecret:                   secret,
		}, nil
	case QRCodeModeSelfVerifyingMasterKeyTrusted:
		return SelfVerifyingMasterKeyTrusted{
			TransactionID:             txnID,
			UserMasterCrossSigningKey: keyA,
			OtherDeviceKey:            keyB,
			SharedSecret:              secret,
		}, nil
	default:
		return SelfVerifyingMasterKeyNotTrusted{
			TransactionID:             txnID,
			DeviceKey:                 keyA,
			UserMasterCrossSigningKey: keyB,
			SharedSecret:              secret,
		}, nil
	}
}
