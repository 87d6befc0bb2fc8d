// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"go.mau.fi/util/exgjson"
	"go.mau.fi/util/jsontime"

	"maunium.net/go/mxverify/event"
	"maunium.net/go/mxverify/id"
)

// OnVerificationEvent handles an incoming verification event. In-room events
// must have the room ID set. Other events are ignored.
func (s *Service) OnVerificationEvent(ctx context.Context, evt *event.Event) {
	s.locked(func() {
		s.handleEvent(ctx, evt, true)
	})
}

// routeInfo extracts the transaction ID and the base event type of a verification event.
func routeInfo(evt *event.Event) (evtType string, txnID id.VerificationTransactionID, ok bool) {
	if evt.Type.Type == event.EventMessage.Type {
		if gjson.GetBytes(evt.Content, "msgtype").Str != string(event.MsgVerificationRequest) || evt.ID == "" {
			return "", "", false
		}
		return event.ToDeviceVerificationRequest.Type, id.VerificationTransactionID(evt.ID), true
	} else if !evt.Type.IsVerification() {
		return "", "", false
	}
	if evt.RoomID != "" {
		relatesTo := gjson.GetBytes(evt.Content, exgjson.Path("m.relates_to"))
		if relatesTo.Get("rel_type").Str != string(event.RelReference) {
			return "", "", false
		}
		txnID = id.VerificationTransactionID(relatesTo.Get("event_id").Str)
	} else {
		txnID = id.VerificationTransactionID(gjson.GetBytes(evt.Content, "transaction_id").Str)
	}
	return evt.Type.Type, txnID, txnID != ""
}

func (s *Service) handleEvent(ctx context.Context, evt *event.Event, allowBuffer bool) {
	evtType, txnID, ok := routeInfo(evt)
	if !ok {
		return
	}
	log := s.getLog(ctx).With().
		Str("event_type", evtType).
		Stringer("sender", evt.Sender).
		Stringer("transaction_id", txnID).
		Logger()
	ctx = log.WithContext(ctx)

	if evt.RoomID != "" && evt.Sender == s.own.UserID {
		// Echo of an event sent by us or by another one of our devices
		if evtType == event.InRoomVerificationReady.Type {
			s.handleOwnReadyEcho(ctx, evt, txnID)
		}
		return
	} else if evtType == event.ToDeviceVerificationRequest.Type {
		s.handleRequest(ctx, evt, txnID)
		return
	}

	req, ok := s.getRequest(evt.Sender, txnID)
	if !ok {
		if allowBuffer && s.sending[evt.Sender] > 0 {
			log.Debug().Msg("Buffering event for transaction that may still be being sent")
			s.buffered[evt.Sender] = append(s.buffered[evt.Sender], bufferedEvent{evt: evt, txnID: txnID, receivedAt: s.now()})
		} else {
			log.Debug().Msg("Ignoring event for unknown transaction")
		}
		return
	} else if req.RoomID != evt.RoomID {
		log.Warn().Msg("Ignoring event sent over a different transport than the request")
		return
	} else if req.IsFinished() {
		log.Debug().Msg("Ignoring event for finished request")
		return
	} else if req.HandledByOtherSession {
		log.Debug().Msg("Ignoring event for request handled by another session")
		return
	}

	switch evtType {
	case event.ToDeviceVerificationReady.Type:
		var content event.VerificationReadyEventContent
		if s.parseContent(ctx, evt, &content) {
			s.handleReady(ctx, req, &content)
		}
	case event.ToDeviceVerificationStart.Type:
		var content event.VerificationStartEventContent
		if s.parseContent(ctx, evt, &content) {
			s.handleStart(ctx, req, evt, &content)
		}
	case event.ToDeviceVerificationAccept.Type:
		var content event.VerificationAcceptEventContent
		if txn := s.sasTxnFor(ctx, req); txn != nil && s.parseContent(ctx, evt, &content) {
			s.onSASAccept(ctx, txn, &content)
		}
	case event.ToDeviceVerificationKey.Type:
		var content event.VerificationKeyEventContent
		if txn := s.sasTxnFor(ctx, req); txn != nil && s.parseContent(ctx, evt, &content) {
			s.onSASKey(ctx, txn, &content)
		}
	case event.ToDeviceVerificationMAC.Type:
		var content event.VerificationMACEventContent
		if txn := s.sasTxnFor(ctx, req); txn != nil && s.parseContent(ctx, evt, &content) {
			s.onSASMAC(ctx, txn, &content)
		}
	case event.ToDeviceVerificationDone.Type:
		s.handleDone(ctx, req)
	case event.ToDeviceVerificationCancel.Type:
		var content event.VerificationCancelEventContent
		if s.parseContent(ctx, evt, &content) {
			s.handleCancel(ctx, req, &content)
		}
	default:
		log.Debug().Msg("Ignoring unknown verification event type")
	}
}

func (s *Service) parseContent(ctx context.Context, evt *event.Event, into any) bool {
	err := json.Unmarshal(evt.Content, into)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to parse verification event content")
		return false
	}
	return true
}

// replayBuffered handles the events that arrived for a transaction before its request was sent.
func (s *Service) replayBuffered(ctx context.Context, userID id.UserID, txnID id.VerificationTransactionID) {
	var remaining []bufferedEvent
	var replay []*event.Event
	for _, buffered := range s.buffered[userID] {
		if buffered.txnID == txnID {
			replay = append(replay, buffered.evt)
		} else {
			remaining = append(remaining, buffered)
		}
	}
	s.buffered[userID] = remaining
	for _, evt := range replay {
		s.handleEvent(ctx, evt, false)
	}
}

func (s *Service) handleRequest(ctx context.Context, evt *event.Event, txnID id.VerificationTransactionID) {
	log := zerolog.Ctx(ctx)
	var content event.VerificationRequestEventContent
	if !s.parseContent(ctx, evt, &content) {
		return
	}
	ts := content.Timestamp
	if evt.RoomID != "" {
		if content.To != s.own.UserID {
			log.Debug().Msg("Ignoring in-room request for another user")
			return
		}
		ts = jsontime.UnixMilli{Time: time.UnixMilli(evt.Timestamp)}
	}
	if content.FromDevice == "" || len(content.Methods) == 0 || ts.IsZero() {
		log.Warn().Msg("Ignoring malformed verification request")
		return
	} else if evt.Sender == s.own.UserID && content.FromDevice == s.own.DeviceID {
		return
	} else if _, exists := s.getRequest(evt.Sender, txnID); exists {
		log.Debug().Msg("Ignoring duplicate verification request")
		return
	}
	req := PendingRequest{
		LocalID:       txnID.String(),
		TransactionID: txnID,
		OtherUserID:   evt.Sender,
		OtherDeviceID: content.FromDevice,
		RoomID:        evt.RoomID,
		IsIncoming:    true,
		RequestInfo: &RequestInfo{
			FromDevice: content.FromDevice,
			Methods:    content.Methods,
		},
		AgeLocalTS: ts,
	}
	if _, taken := s.requests[req.LocalID]; taken {
		req.LocalID = evt.Sender.String() + "|" + txnID.String()
	}
	if s.isExpired(req) {
		log.Debug().Time("request_ts", ts.Time).Msg("Ignoring expired verification request")
		return
	}
	log.Info().Stringer("from_device", content.FromDevice).Msg("Received verification request")
	s.putRequest(ctx, req, true)
}

// handleOwnReadyEcho marks incoming in-room requests that another one of our devices answered.
func (s *Service) handleOwnReadyEcho(ctx context.Context, evt *event.Event, txnID id.VerificationTransactionID) {
	if gjson.GetBytes(evt.Content, "from_device").Str == s.own.DeviceID.String() {
		return
	}
	for _, req := range s.requests {
		if req.RoomID == evt.RoomID && req.TransactionID == txnID && req.IsIncoming && !req.IsReady() && req.IsActionable() {
			s.markHandledByOtherSession(ctx, req)
			return
		}
	}
}

func (s *Service) markHandledByOtherSession(ctx context.Context, req PendingRequest) {
	zerolog.Ctx(ctx).Info().Msg("Verification request was handled by another session")
	req.HandledByOtherSession = true
	if s.config.ConcludeHandledByOtherSession {
		req.CancelConclusion = event.VerificationCancelCodeAccepted
	}
	s.dropShownQRCode(req.key())
	s.putRequest(ctx, req, false)
}

func (s *Service) handleReady(ctx context.Context, req PendingRequest, content *event.VerificationReadyEventContent) {
	log := zerolog.Ctx(ctx)
	if req.IsIncoming || req.IsReady() || !req.IsActionable() {
		log.Warn().Msg("Ignoring unexpected ready event")
		return
	} else if content.FromDevice == "" {
		log.Warn().Msg("Ignoring ready event without device ID")
		return
	} else if req.RoomID == "" && len(req.TargetDevices) > 0 && !containsDevice(req.TargetDevices, content.FromDevice) {
		log.Warn().Stringer("from_device", content.FromDevice).Msg("Ignoring ready event from device that wasn't asked")
		return
	} else if s.isExpired(req) {
		log.Warn().Time("request_ts", req.AgeLocalTS.Time).Msg("Received ready for expired request")
		s.cancelRequestLocked(ctx, req.LocalID, event.VerificationCancelCodeTimeout, true)
		return
	}
	req.ReadyInfo = &ReadyInfo{
		FromDevice: content.FromDevice,
		Methods:    content.Methods,
	}
	req.OtherDeviceID = content.FromDevice
	s.prepareQRCode(ctx, &req)
	s.putRequest(ctx, req, false)
	log.Info().Stringer("from_device", content.FromDevice).Msg("Verification request accepted")

	if req.RoomID == "" && s.config.CancelOtherDevicesOnReady && len(req.TargetDevices) > 1 {
		others := make([]id.DeviceID, 0, len(req.TargetDevices)-1)
		for _, deviceID := range req.TargetDevices {
			if deviceID != content.FromDevice {
				others = append(others, deviceID)
			}
		}
		ch := &toDeviceChannel{sender: s.sender, userID: req.OtherUserID, deviceIDs: others, txnID: req.TransactionID}
		_, err := ch.send(ctx, event.ToDeviceVerificationCancel, &event.VerificationCancelEventContent{
			Code:   event.VerificationCancelCodeAccepted,
			Reason: event.VerificationCancelCodeAccepted.Reason(),
		})
		if err != nil {
			log.Err(err).Msg("Failed to notify other devices that the request was accepted")
		}
	}
}

func containsDevice(devices []id.DeviceID, deviceID id.DeviceID) bool {
	for _, device := range devices {
		if device == deviceID {
			return true
		}
	}
	return false
}

func (s *Service) handleStart(ctx context.Context, req PendingRequest, evt *event.Event, content *event.VerificationStartEventContent) {
	log := zerolog.Ctx(ctx)
	if req.IsIncoming && !req.IsReady() && req.RoomID != "" {
		// Another one of our devices answered the request
		s.markHandledByOtherSession(ctx, req)
		return
	} else if !req.IsReady() || !req.IsActionable() {
		log.Warn().Msg("Received start for request that isn't ready")
		s.cancelRequestLocked(ctx, req.LocalID, event.VerificationCancelCodeUnexpectedMessage, true)
		return
	} else if content.FromDevice != req.OtherDeviceID {
		log.Warn().Stringer("from_device", content.FromDevice).Msg("Ignoring start from unexpected device")
		return
	}
	switch content.Method {
	case event.VerificationMethodSAS:
		if !req.IsSASSupported() {
			s.cancelRequestLocked(ctx, req.LocalID, event.VerificationCancelCodeUnknownMethod, true)
			return
		}
		s.onSASStart(ctx, req, evt.Content, content)
	case event.VerificationMethodReciprocate:
		s.onReciprocateStart(ctx, req, content)
	default:
		log.Warn().Str("method", string(content.Method)).Msg("Unknown verification method")
		s.cancelRequestLocked(ctx, req.LocalID, event.VerificationCancelCodeUnknownMethod, true)
	}
}

func (s *Service) handleDone(ctx context.Context, req PendingRequest) {
	txn, ok := s.transactions[req.key()]
	if !ok || txn.base().state.IsTerminal() {
		zerolog.Ctx(ctx).Debug().Msg("Ignoring done event without active transaction")
		return
	}
	switch typedTxn := txn.(type) {
	case *sasTransaction:
		s.onSASDone(ctx, typedTxn)
	case *qrTransaction:
		s.onQRDone(ctx, typedTxn)
	}
}

func (s *Service) handleCancel(ctx context.Context, req PendingRequest, content *event.VerificationCancelEventContent) {
	code := event.ParseVerificationCancelCode(string(content.Code))
	log := zerolog.Ctx(ctx)
	if code == event.VerificationCancelCodeAccepted && !req.IsReady() {
		s.markHandledByOtherSession(ctx, req)
		return
	}
	log.Info().
		Stringer("code", code).
		Str("reason", content.Reason).
		Msg("Verification cancelled by other side")
	s.onRemoteCancel(ctx, req, code)
}

// dropStaleBuffered removes buffered events that are older than the transaction timeout.
func (s *Service) dropStaleBuffered(now time.Time) {
	for userID, events := range s.buffered {
		var remaining []bufferedEvent
		for _, buffered := range events {
			if now.Sub(buffered.receivedAt) < s.config.TransactionTimeout {
				remaining = append(remaining, buffered)
			}
		}
		if len(remaining) == 0 {
			delete(s.buffered, userID)
		} else {
			s.buffered[userID] = remaining
		}
	}
}
