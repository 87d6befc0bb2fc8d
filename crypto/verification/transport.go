// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/sjson"
	"go.mau.fi/util/exgjson"

	"maunium.net/go/mxverify/event"
	"maunium.net/go/mxverify/id"
)

// Sender delivers verification events to the other side. Delivery
// guarantees and retries are the sender's concern.
type Sender interface {
	SendToDevice(ctx context.Context, userID id.UserID, deviceIDs []id.DeviceID, evtType event.Type, content json.RawMessage) error
	SendInRoom(ctx context.Context, roomID id.RoomID, evtType event.Type, content json.RawMessage) (id.EventID, error)
}

// channel sends the events of a single request using one of the transports.
type channel interface {
	// sendRequest sends the initial request and returns the transaction ID it was assigned.
	sendRequest(ctx context.Context, content *event.VerificationRequestEventContent) (id.VerificationTransactionID, error)
	// send stamps the content with the transaction ID and sends it. The stamped
	// content is returned even if sending fails.
	send(ctx context.Context, evtType event.Type, content any) (json.RawMessage, error)
}

type toDeviceChannel struct {
	sender    Sender
	userID    id.UserID
	deviceIDs []id.DeviceID
	txnID     id.VerificationTransactionID
}

var _ channel = (*toDeviceChannel)(nil)

func (ch *toDeviceChannel) sendRequest(ctx context.Context, content *event.VerificationRequestEventContent) (id.VerificationTransactionID, error) {
	ch.txnID = id.NewVerificationTransactionID()
	_, err := ch.send(ctx, event.ToDeviceVerificationRequest, content)
	if err != nil {
		return "", err
	}
	return ch.txnID, nil
}

func (ch *toDeviceChannel) send(ctx context.Context, evtType event.Type, content any) (json.RawMessage, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s content: %w", evtType.Type, err)
	}
	raw, err = sjson.SetBytes(raw, "transaction_id", ch.txnID)
	if err != nil {
		return nil, fmt.Errorf("failed to set transaction ID: %w", err)
	}
	deviceIDs := ch.deviceIDs
	if len(deviceIDs) == 0 {
		deviceIDs = []id.DeviceID{"*"}
	}
	err = ch.sender.SendToDevice(ctx, ch.userID, deviceIDs, evtType.WithClass(event.ToDeviceEventType), raw)
	if err != nil {
		return raw, fmt.Errorf("failed to send %s to-device event: %w", evtType.Type, err)
	}
	return raw, nil
}

type inRoomChannel struct {
	sender Sender
	roomID id.RoomID
	txnID  id.VerificationTransactionID
}

var _ channel = (*inRoomChannel)(nil)

func (ch *inRoomChannel) sendRequest(ctx context.Context, content *event.VerificationRequestEventContent) (id.VerificationTransactionID, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request content: %w", err)
	}
	eventID, err := ch.sender.SendInRoom(ctx, ch.roomID, event.EventMessage, raw)
	if err != nil {
		return "", fmt.Errorf("failed to send in-room request: %w", err)
	}
	ch.txnID = id.VerificationTransactionID(eventID)
	return ch.txnID, nil
}

func (ch *inRoomChannel) send(ctx context.Context, evtType event.Type, content any) (json.RawMessage, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s content: %w", evtType.Type, err)
	}
	relatesTo, err := json.Marshal(event.NewReference(id.EventID(ch.txnID)))
	if err != nil {
		return nil, err
	}
	raw, err = sjson.SetRawBytes(raw, exgjson.Path("m.relates_to"), relatesTo)
	if err != nil {
		return nil, fmt.Errorf("failed to set relation: %w", err)
	}
	_, err = ch.sender.SendInRoom(ctx, ch.roomID, evtType.WithClass(event.MessageEventType), raw)
	if err != nil {
		return raw, fmt.Errorf("failed to send %s in-room event: %w", evtType.Type, err)
	}
	return raw, nil
}

// channelFor returns the channel for the request. To-device events go to the
// other device once it's known, or to all target devices before that.
func (s *Service) channelFor(req PendingRequest) channel {
	if req.RoomID != "" {
		return &inRoomChannel{sender: s.sender, roomID: req.RoomID, txnID: req.TransactionID}
	}
	devices := req.TargetDevices
	if req.OtherDeviceID != "" {
		devices = []id.DeviceID{req.OtherDeviceID}
	}
	return &toDeviceChannel{sender: s.sender, userID: req.OtherUserID, deviceIDs: devices, txnID: req.TransactionID}
}
