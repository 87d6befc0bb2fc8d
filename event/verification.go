// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package event

import (
	"go.mau.fi/util/jsonbytes"
	"go.mau.fi/util/jsontime"
	"golang.org/x/exp/slices"

	"maunium.net/go/mxverify/id"
)

type VerificationMethod string

const (
	VerificationMethodSAS VerificationMethod = "m.sas.v1"

	VerificationMethodReciprocate VerificationMethod = "m.reciprocate.v1"
	VerificationMethodQRCodeShow  VerificationMethod = "m.qr_code.show.v1"
	VerificationMethodQRCodeScan  VerificationMethod = "m.qr_code.scan.v1"
)

// NormalizeMethods returns a sorted copy of the method list without duplicates.
func NormalizeMethods(methods []VerificationMethod) []VerificationMethod {
	out := slices.Clone(methods)
	slices.Sort(out)
	return slices.Compact(out)
}

// ToDeviceVerificationEvent contains the fields common to all to-device
// verification events.
type ToDeviceVerificationEvent struct {
	// TransactionID is an opaque identifier for the verification request. Must
	// be unique with respect to the devices involved.
	TransactionID id.VerificationTransactionID `json:"transaction_id,omitempty"`
}

// InRoomVerificationEvent contains the fields common to all in-room
// verification events.
type InRoomVerificationEvent struct {
	// RelatesTo indicates the m.key.verification.request that this message is
	// related to. Note that for encrypted messages, this property should be in
	// the unencrypted portion of the event.
	RelatesTo *RelatesTo `json:"m.relates_to,omitempty"`
}

// VerificationRequestEventContent represents the content of an
// m.key.verification.request to-device event, or of an m.room.message event
// with the m.key.verification.request msgtype.
//
// https://spec.matrix.org/v1.9/client-server-api/#mkeyverificationrequest
type VerificationRequestEventContent struct {
	ToDeviceVerificationEvent
	// FromDevice is the device ID which is initiating the request.
	FromDevice id.DeviceID `json:"from_device"`
	// Methods is a list of the verification methods supported by the sender.
	Methods []VerificationMethod `json:"methods"`
	// Timestamp is the time at which the request was made. Only present on the to-device form.
	Timestamp jsontime.UnixMilli `json:"timestamp,omitempty"`

	// The following fields are only used for in-room requests.
	MsgType       MessageType `json:"msgtype,omitempty"`
	To            id.UserID   `json:"to,omitempty"`
	Body          string      `json:"body,omitempty"`
	Format        Format      `json:"format,omitempty"`
	FormattedBody string      `json:"formatted_body,omitempty"`
}

// VerificationReadyEventContent represents the content of an
// m.key.verification.ready event.
//
// https://spec.matrix.org/v1.9/client-server-api/#mkeyverificationready
type VerificationReadyEventContent struct {
	ToDeviceVerificationEvent
	InRoomVerificationEvent

	// FromDevice is the device ID which is accepting the request.
	FromDevice id.DeviceID `json:"from_device"`
	// Methods is a list of the verification methods supported by the sender.
	Methods []VerificationMethod `json:"methods"`
}

type KeyAgreementProtocol string

const (
	KeyAgreementProtocolCurve25519           KeyAgreementProtocol = "curve25519"
	KeyAgreementProtocolCurve25519HKDFSHA256 KeyAgreementProtocol = "curve25519-hkdf-sha256"
)

type VerificationHashMethod string

const VerificationHashMethodSHA256 VerificationHashMethod = "sha256"

type MACMethod string

const (
	MACMethodHKDFHMACSHA256   MACMethod = "hkdf-hmac-sha256"
	MACMethodHKDFHMACSHA256V2 MACMethod = "hkdf-hmac-sha256.v2"
)

type SASMethod string

const (
	SASMethodDecimal SASMethod = "decimal"
	SASMethodEmoji   SASMethod = "emoji"
)

// VerificationStartEventContent represents the content of an
// m.key.verification.start event (both the m.sas.v1 and the m.reciprocate.v1
// variants).
//
// https://spec.matrix.org/v1.9/client-server-api/#mkeyverificationstart
type VerificationStartEventContent struct {
	ToDeviceVerificationEvent
	InRoomVerificationEvent

	// FromDevice is the device ID which is initiating the verification.
	FromDevice id.DeviceID `json:"from_device"`
	// Method is the verification method to use.
	Method VerificationMethod `json:"method"`

	// The following fields are only used for m.sas.v1.
	Hashes                     []VerificationHashMethod `json:"hashes,omitempty"`
	KeyAgreementProtocols      []KeyAgreementProtocol   `json:"key_agreement_protocols,omitempty"`
	MessageAuthenticationCodes []MACMethod              `json:"message_authentication_codes,omitempty"`
	ShortAuthenticationString  []SASMethod              `json:"short_authentication_string,omitempty"`

	// Secret is the shared secret from the QR code. Only used for m.reciprocate.v1.
	Secret jsonbytes.UnpaddedBytes `json:"secret,omitempty"`
}

// VerificationAcceptEventContent represents the content of an
// m.key.verification.accept event.
//
// https://spec.matrix.org/v1.9/client-server-api/#mkeyverificationaccept
type VerificationAcceptEventContent struct {
	ToDeviceVerificationEvent
	InRoomVerificationEvent

	// Commitment is the hash of the concatenation of the device's ephemeral
	// public key and the canonical JSON representation of the start content.
	Commitment                jsonbytes.UnpaddedBytes `json:"commitment"`
	Hash                      VerificationHashMethod  `json:"hash"`
	KeyAgreementProtocol      KeyAgreementProtocol    `json:"key_agreement_protocol"`
	MessageAuthenticationCode MACMethod               `json:"message_authentication_code"`
	ShortAuthenticationString []SASMethod             `json:"short_authentication_string"`
}

// VerificationKeyEventContent represents the content of an
// m.key.verification.key event.
//
// https://spec.matrix.org/v1.9/client-server-api/#mkeyverificationkey
type VerificationKeyEventContent struct {
	ToDeviceVerificationEvent
	InRoomVerificationEvent

	// Key is the device's ephemeral public key.
	Key jsonbytes.UnpaddedBytes `json:"key"`
}

// VerificationMACEventContent represents the content of an
// m.key.verification.mac event.
//
// https://spec.matrix.org/v1.9/client-server-api/#mkeyverificationmac
type VerificationMACEventContent struct {
	ToDeviceVerificationEvent
	InRoomVerificationEvent

	// Keys is the MAC of the comma-separated, sorted, list of key IDs given in MAC.
	Keys string `json:"keys"`
	// MAC is a map of the key ID to the MAC of the key.
	MAC map[id.KeyID]string `json:"mac"`
}

// VerificationDoneEventContent represents the content of an
// m.key.verification.done event.
type VerificationDoneEventContent struct {
	ToDeviceVerificationEvent
	InRoomVerificationEvent
}

// VerificationCancelEventContent represents the content of an
// m.key.verification.cancel event.
//
// https://spec.matrix.org/v1.9/client-server-api/#mkeyverificationcancel
type VerificationCancelEventContent struct {
	ToDeviceVerificationEvent
	InRoomVerificationEvent

	// Code is the error code for why the process/request was cancelled by the user.
	Code VerificationCancelCode `json:"code"`
	// Reason is a human readable description of the code.
	Reason string `json:"reason"`
}
