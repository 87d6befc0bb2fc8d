// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification

import (
	"time"

	"go.mau.fi/util/jsontime"
	"golang.org/x/exp/slices"

	"maunium.net/go/mxverify/event"
	"maunium.net/go/mxverify/id"
)

// RequestInfo is what the requesting side offered.
type RequestInfo struct {
	FromDevice id.DeviceID                `json:"from_device"`
	Methods    []event.VerificationMethod `json:"methods"`
}

// ReadyInfo is what the answering side accepted.
type ReadyInfo struct {
	FromDevice id.DeviceID                `json:"from_device"`
	Methods    []event.VerificationMethod `json:"methods"`
}

// PendingRequest is a method-agnostic verification request. Values are never
// modified in place: the [Service] replaces the whole value on every change,
// so a PendingRequest obtained from the service is a stable snapshot.
type PendingRequest struct {
	LocalID       string                       `json:"local_id"`
	TransactionID id.VerificationTransactionID `json:"transaction_id,omitempty"`
	OtherUserID   id.UserID                    `json:"other_user_id"`
	// OtherDeviceID is the device that requested (incoming) or answered (outgoing).
	OtherDeviceID id.DeviceID `json:"other_device_id,omitempty"`
	// RoomID is set if the request was sent in a room. Otherwise the request
	// was sent to-device to TargetDevices.
	RoomID        id.RoomID     `json:"room_id,omitempty"`
	TargetDevices []id.DeviceID `json:"target_devices,omitempty"`
	IsIncoming    bool          `json:"is_incoming"`

	RequestInfo *RequestInfo `json:"request_info,omitempty"`
	ReadyInfo   *ReadyInfo   `json:"ready_info,omitempty"`

	CancelConclusion      event.VerificationCancelCode `json:"cancel_conclusion,omitempty"`
	IsSuccessful          bool                         `json:"is_successful"`
	HandledByOtherSession bool                         `json:"handled_by_other_session"`

	AgeLocalTS jsontime.UnixMilli `json:"age_local_ts"`
	UpdatedAt  jsontime.UnixMilli `json:"updated_at"`

	// QRCode is the payload to display if this side can show a QR code. It is never persisted.
	QRCode []byte `json:"-"`
}

func (req PendingRequest) IsReady() bool {
	return req.ReadyInfo != nil
}

func (req PendingRequest) IsSent() bool {
	return req.TransactionID != ""
}

func (req PendingRequest) IsFinished() bool {
	return req.IsSuccessful || req.CancelConclusion != ""
}

// IsActionable returns true if the local user can still act on the request.
func (req PendingRequest) IsActionable() bool {
	return !req.IsFinished() && !req.HandledByOtherSession
}

// IsExpired checks the request timestamp against the validity window. Ready
// requests are not subject to the window.
func (req PendingRequest) IsExpired(now time.Time, maxAge, maxFutureSkew time.Duration) bool {
	if req.IsReady() {
		return false
	}
	ts := req.AgeLocalTS.Time
	return now.Sub(ts) > maxAge || ts.Sub(now) > maxFutureSkew
}

func (req PendingRequest) requestHas(method event.VerificationMethod) bool {
	return req.RequestInfo != nil && slices.Contains(req.RequestInfo.Methods, method)
}

func (req PendingRequest) readyHas(method event.VerificationMethod) bool {
	return req.ReadyInfo != nil && slices.Contains(req.ReadyInfo.Methods, method)
}

// IsSASSupported returns true if both sides listed SAS.
func (req PendingRequest) IsSASSupported() bool {
	return req.requestHas(event.VerificationMethodSAS) && req.readyHas(event.VerificationMethodSAS)
}

// OtherCanShowQRCode returns true if the other side can show a QR code that this side can scan.
func (req PendingRequest) OtherCanShowQRCode() bool {
	if req.IsIncoming {
		// They sent the request, we sent the ready
		return req.requestHas(event.VerificationMethodQRCodeShow) && req.readyHas(event.VerificationMethodQRCodeScan)
	}
	return req.requestHas(event.VerificationMethodQRCodeScan) && req.readyHas(event.VerificationMethodQRCodeShow)
}

// OtherCanScanQRCode returns true if this side can show a QR code that the other side can scan.
func (req PendingRequest) OtherCanScanQRCode() bool {
	if req.IsIncoming {
		return req.requestHas(event.VerificationMethodQRCodeScan) && req.readyHas(event.VerificationMethodQRCodeShow)
	}
	return req.requestHas(event.VerificationMethodQRCodeShow) && req.readyHas(event.VerificationMethodQRCodeScan)
}

func (req PendingRequest) key() requestKey {
	return requestKey{req.OtherUserID, req.TransactionID}
}

type requestKey struct {
	userID id.UserID
	txnID  id.VerificationTransactionID
}
