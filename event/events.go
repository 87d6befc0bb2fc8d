// Copyright (c) 2020 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package event

import (
	"encoding/json"

	"maunium.net/go/mxverify/id"
)

// Event represents a single inbound Matrix event as seen by the verification engine.
type Event struct {
	Sender    id.UserID       `json:"sender"`
	Type      Type            `json:"type"`
	Timestamp int64           `json:"origin_server_ts,omitempty"`
	ID        id.EventID      `json:"event_id,omitempty"`
	RoomID    id.RoomID       `json:"room_id,omitempty"`
	Content   json.RawMessage `json:"content"`
}

// MessageType is the sub-type of a m.room.message event.
type MessageType string

const (
	MsgText                MessageType = "m.text"
	MsgNotice              MessageType = "m.notice"
	MsgVerificationRequest MessageType = "m.key.verification.request"
)

// Format specifies the format of the formatted_body in m.room.message events.
type Format string

const FormatHTML Format = "org.matrix.custom.html"

type RelationType string

const RelReference RelationType = "m.reference"

// RelatesTo points an in-room verification event at the request event that started the flow.
type RelatesTo struct {
	Type    RelationType `json:"rel_type,omitempty"`
	EventID id.EventID   `json:"event_id,omitempty"`
}

// NewReference creates a m.reference relation to the given event.
func NewReference(eventID id.EventID) *RelatesTo {
	return &RelatesTo{Type: RelReference, EventID: eventID}
}

func (rel *RelatesTo) GetReferenceID() id.EventID {
	if rel != nil && rel.Type == RelReference {
		return rel.EventID
	}
	return ""
}
