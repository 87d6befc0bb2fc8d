// Copyright (c) 2020 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package event

import (
	"encoding/json"
	"strings"
)

type EventTypeClass int

const (
	// Normal message events
	MessageEventType EventTypeClass = iota
	// Device-to-device events
	ToDeviceEventType
	// Unknown events
	UnknownEventType
)

type Type struct {
	Type  string
	Class EventTypeClass
}

func NewEventType(name string) Type {
	evtType := Type{Type: name}
	evtType.Class = evtType.GuessClass()
	return evtType
}

func (et *Type) IsToDevice() bool {
	return et.Class == ToDeviceEventType
}

// IsVerification returns true for every m.key.verification.* event type, regardless of class.
func (et *Type) IsVerification() bool {
	return strings.HasPrefix(et.Type, "m.key.verification.")
}

// GuessClass guesses the class of the event type. Verification types exist in both classes,
// so they are guessed as to-device and callers that know better should override the class.
func (et *Type) GuessClass() EventTypeClass {
	switch et.Type {
	case EventMessage.Type, EventEncrypted.Type:
		return MessageEventType
	case ToDeviceVerificationRequest.Type, ToDeviceVerificationReady.Type, ToDeviceVerificationStart.Type,
		ToDeviceVerificationAccept.Type, ToDeviceVerificationKey.Type, ToDeviceVerificationMAC.Type,
		ToDeviceVerificationDone.Type, ToDeviceVerificationCancel.Type:
		return ToDeviceEventType
	default:
		return UnknownEventType
	}
}

// WithClass returns a copy of the type with the given class.
func (et Type) WithClass(class EventTypeClass) Type {
	et.Class = class
	return et
}

func (et *Type) UnmarshalJSON(data []byte) error {
	err := json.Unmarshal(data, &et.Type)
	if err != nil {
		return err
	}
	et.Class = et.GuessClass()
	return nil
}

func (et Type) MarshalJSON() ([]byte, error) {
	return json.Marshal(&et.Type)
}

func (et Type) String() string {
	return et.Type
}

// Message events
var (
	EventMessage   = Type{"m.room.message", MessageEventType}
	EventEncrypted = Type{"m.room.encrypted", MessageEventType}

	InRoomVerificationReady  = Type{"m.key.verification.ready", MessageEventType}
	InRoomVerificationStart  = Type{"m.key.verification.start", MessageEventType}
	InRoomVerificationDone   = Type{"m.key.verification.done", MessageEventType}
	InRoomVerificationCancel = Type{"m.key.verification.cancel", MessageEventType}

	InRoomVerificationAccept = Type{"m.key.verification.accept", MessageEventType}
	InRoomVerificationKey    = Type{"m.key.verification.key", MessageEventType}
	InRoomVerificationMAC    = Type{"m.key.verification.mac", MessageEventType}
)

// Device-to-device events
var (
	ToDeviceVerificationRequest = Type{"m.key.verification.request", ToDeviceEventType}
	ToDeviceVerificationReady   = Type{"m.key.verification.ready", ToDeviceEventType}
	ToDeviceVerificationStart   = Type{"m.key.verification.start", ToDeviceEventType}
	ToDeviceVerificationDone    = Type{"m.key.verification.done", ToDeviceEventType}
	ToDeviceVerificationCancel  = Type{"m.key.verification.cancel", ToDeviceEventType}

	ToDeviceVerificationAccept = Type{"m.key.verification.accept", ToDeviceEventType}
	ToDeviceVerificationKey    = Type{"m.key.verification.key", ToDeviceEventType}
	ToDeviceVerificationMAC    = Type{"m.key.verification.mac", ToDeviceEventType}
)
