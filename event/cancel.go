// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package event

import (
	"encoding/json"
)

// VerificationCancelCode is the code for why a verification was cancelled.
// The set of codes is closed: anything unknown is read as VerificationCancelCodeUser.
type VerificationCancelCode string

const (
	VerificationCancelCodeUser               VerificationCancelCode = "m.user"
	VerificationCancelCodeTimeout            VerificationCancelCode = "m.timeout"
	VerificationCancelCodeUnknownTransaction VerificationCancelCode = "m.unknown_transaction"
	VerificationCancelCodeUnknownMethod      VerificationCancelCode = "m.unknown_method"
	VerificationCancelCodeUnexpectedMessage  VerificationCancelCode = "m.unexpected_message"
	VerificationCancelCodeKeyMismatch        VerificationCancelCode = "m.key_mismatch"
	VerificationCancelCodeUserMismatch       VerificationCancelCode = "m.user_mismatch"
	VerificationCancelCodeInvalidMessage     VerificationCancelCode = "m.invalid_message"
	VerificationCancelCodeAccepted           VerificationCancelCode = "m.accepted"
	VerificationCancelCodeSASMismatch        VerificationCancelCode = "m.mismatched_sas"
	VerificationCancelCodeCommitmentMismatch VerificationCancelCode = "m.mismatched_commitment"
	VerificationCancelCodeQRCodeInvalid      VerificationCancelCode = "m.qr_code.invalid"
	VerificationCancelCodeUserError          VerificationCancelCode = "m.user_error"
)

var cancelCodeReasons = map[VerificationCancelCode]string{
	VerificationCancelCodeUser:               "The user cancelled the verification.",
	VerificationCancelCodeTimeout:            "The verification process timed out.",
	VerificationCancelCodeUnknownTransaction: "The device does not know about that transaction.",
	VerificationCancelCodeUnknownMethod:      "The device can't agree on a key agreement, hash, MAC, or SAS method.",
	VerificationCancelCodeUnexpectedMessage:  "The device received an unexpected message.",
	VerificationCancelCodeKeyMismatch:        "The key was not verified.",
	VerificationCancelCodeUserMismatch:       "The expected user did not match the user verified.",
	VerificationCancelCodeInvalidMessage:     "The message received was invalid.",
	VerificationCancelCodeAccepted:           "The verification request was accepted by a different device.",
	VerificationCancelCodeSASMismatch:        "The short authentication strings did not match.",
	VerificationCancelCodeCommitmentMismatch: "The hash commitment did not match.",
	VerificationCancelCodeQRCodeInvalid:      "The scanned QR code was invalid.",
	VerificationCancelCodeUserError:          "The user made an error during the verification.",
}

// ParseVerificationCancelCode maps a wire string to a cancel code.
// Unknown strings map to VerificationCancelCodeUser.
func ParseVerificationCancelCode(code string) VerificationCancelCode {
	if _, ok := cancelCodeReasons[VerificationCancelCode(code)]; ok {
		return VerificationCancelCode(code)
	}
	return VerificationCancelCodeUser
}

// IsKnown returns true if the code is part of the closed set.
func (vcc VerificationCancelCode) IsKnown() bool {
	_, ok := cancelCodeReasons[vcc]
	return ok
}

// Reason returns a human-readable description of the code.
func (vcc VerificationCancelCode) Reason() string {
	return cancelCodeReasons[ParseVerificationCancelCode(string(vcc))]
}

func (vcc VerificationCancelCode) String() string {
	return string(vcc)
}

func (vcc *VerificationCancelCode) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*vcc = ParseVerificationCancelCode(str)
	return nil
}
