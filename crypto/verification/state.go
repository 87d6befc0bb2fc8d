// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification

import (
	"fmt"

	"maunium.net/go/mxverify/event"
)

// TxState is the state of a verification transaction. It is implemented by
// [SASState], [QRState], [Verified] and [Cancelled] only.
type TxState interface {
	fmt.Stringer
	IsTerminal() bool
	txState()
}

// SASState is a non-terminal step of a SAS verification. Steps only move forward.
type SASState int

const (
	SASStateSendingStart SASState = iota + 1
	SASStateStarted
	SASStateOnStarted
	SASStateSendingAccept
	SASStateAccepted
	SASStateOnAccepted
	SASStateSendingKey
	SASStateKeySent
	SASStateOnKeyReceived
	SASStateShortCodeReady
	SASStateShortCodeAccepted
	SASStateSendingMAC
	SASStateMACSent
	SASStateVerifying
)

func (state SASState) String() string {
	switch state {
	case SASStateSendingStart:
		return "sending_start"
	case SASStateStarted:
		return "started"
	case SASStateOnStarted:
		return "on_started"
	case SASStateSendingAccept:
		return "sending_accept"
	case SASStateAccepted:
		return "accepted"
	case SASStateOnAccepted:
		return "on_accepted"
	case SASStateSendingKey:
		return "sending_key"
	case SASStateKeySent:
		return "key_sent"
	case SASStateOnKeyReceived:
		return "on_key_received"
	case SASStateShortCodeReady:
		return "short_code_ready"
	case SASStateShortCodeAccepted:
		return "short_code_accepted"
	case SASStateSendingMAC:
		return "sending_mac"
	case SASStateMACSent:
		return "mac_sent"
	case SASStateVerifying:
		return "verifying"
	default:
		return fmt.Sprintf("SASState(%d)", int(state))
	}
}

func (state SASState) IsTerminal() bool { return false }
func (state SASState) txState()         {}

// QRState is a non-terminal step of a QR code verification.
type QRState int

const (
	// QRStateScannedByOther means the other device scanned our code and sent back the right secret.
	QRStateScannedByOther QRState = iota + 1
	// QRStateWaitingOtherReciprocateConfirm means we scanned their code and are waiting for their done.
	QRStateWaitingOtherReciprocateConfirm
)

func (state QRState) String() string {
	switch state {
	case QRStateScannedByOther:
		return "qr_scanned_by_other"
	case QRStateWaitingOtherReciprocateConfirm:
		return "waiting_other_reciprocate_confirm"
	default:
		return fmt.Sprintf("QRState(%d)", int(state))
	}
}

func (state QRState) IsTerminal() bool { return false }
func (state QRState) txState()         {}

// Verified is the terminal state of a successful verification.
type Verified struct{}

func (Verified) String() string   { return "verified" }
func (Verified) IsTerminal() bool { return true }
func (Verified) txState()         {}

// Cancelled is the terminal state of a failed or aborted verification.
type Cancelled struct {
	Code event.VerificationCancelCode
	// ByMe is true if this side sent the cancellation.
	ByMe bool
}

func (c Cancelled) String() string {
	if c.ByMe {
		return fmt.Sprintf("cancelled_by_me(%s)", c.Code)
	}
	return fmt.Sprintf("cancelled_by_them(%s)", c.Code)
}
func (Cancelled) IsTerminal() bool { return true }
func (Cancelled) txState()         {}

// stateOrder returns a number that increases along every valid path through the states.
func stateOrder(state TxState) int {
	switch typed := state.(type) {
	case SASState:
		return int(typed)
	case QRState:
		return int(typed)
	case Verified, Cancelled:
		return 1 << 16
	default:
		return 0
	}
}
