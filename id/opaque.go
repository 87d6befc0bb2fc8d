// Copyright (c) 2020 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package id

import (
	"go.mau.fi/util/random"
)

// A RoomID is a string starting with ! that references a specific room.
// In-room verification requests live in a room, usually a direct message.
type RoomID string

// An EventID is a string starting with $ that references a specific event.
//
// The event ID of an in-room verification request doubles as the transaction ID of the verification.
type EventID string

// A DeviceID is an arbitrary string that references a specific device.
type DeviceID string

// A VerificationTransactionID is the peer-visible identifier that correlates
// every message of one verification flow.
type VerificationTransactionID string

// NewVerificationTransactionID generates a random transaction ID for to-device verification requests.
func NewVerificationTransactionID() VerificationTransactionID {
	return VerificationTransactionID(random.String(32))
}

func (roomID RoomID) String() string {
	return string(roomID)
}

func (eventID EventID) String() string {
	return string(eventID)
}

func (deviceID DeviceID) String() string {
	return string(deviceID)
}

func (txnID VerificationTransactionID) String() string {
	return string(txnID)
}
