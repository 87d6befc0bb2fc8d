// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.mau.fi/util/jsontime"

	"maunium.net/go/mxverify/crypto/verification"
	"maunium.net/go/mxverify/event"
)

func readyRequest(incoming bool, requestMethods, readyMethods []event.VerificationMethod) verification.PendingRequest {
	return verification.PendingRequest{
		IsIncoming:  incoming,
		RequestInfo: &verification.RequestInfo{FromDevice: "REQUESTER", Methods: requestMethods},
		ReadyInfo:   &verification.ReadyInfo{FromDevice: "READIER", Methods: readyMethods},
	}
}

func TestPendingRequest_QRCodeCapabilities(t *testing.T) {
	show := []event.VerificationMethod{event.VerificationMethodQRCodeShow, event.VerificationMethodReciprocate}
	scan := []event.VerificationMethod{event.VerificationMethodQRCodeScan, event.VerificationMethodReciprocate}

	// They requested with show, we answered with scan: we can scan their code
	incoming := readyRequest(true, show, scan)
	assert.True(t, incoming.OtherCanShowQRCode())
	assert.False(t, incoming.OtherCanScanQRCode())

	// We requested with show, they answered with scan: they can scan our code
	outgoing := readyRequest(false, show, scan)
	assert.False(t, outgoing.OtherCanShowQRCode())
	assert.True(t, outgoing.OtherCanScanQRCode())

	both := append(append([]event.VerificationMethod{}, show...), event.VerificationMethodQRCodeScan)
	symmetric := readyRequest(true, both, both)
	assert.True(t, symmetric.OtherCanShowQRCode())
	assert.True(t, symmetric.OtherCanScanQRCode())

	notReady := verification.PendingRequest{RequestInfo: &verification.RequestInfo{Methods: both}}
	assert.False(t, notReady.OtherCanShowQRCode())
	assert.False(t, notReady.OtherCanScanQRCode())
}

func TestPendingRequest_IsSASSupported(t *testing.T) {
	sas := []event.VerificationMethod{event.VerificationMethodSAS}
	qr := []event.VerificationMethod{event.VerificationMethodQRCodeShow}
	assert.True(t, readyRequest(true, sas, sas).IsSASSupported())
	assert.False(t, readyRequest(true, sas, qr).IsSASSupported())
	assert.False(t, readyRequest(false, qr, sas).IsSASSupported())
}

func TestPendingRequest_IsExpired(t *testing.T) {
	now := time.Now()
	req := verification.PendingRequest{AgeLocalTS: jsontime.UnixMilli{Time: now.Add(-11 * time.Minute)}}
	assert.True(t, req.IsExpired(now, 10*time.Minute, 5*time.Minute))
	req.AgeLocalTS = jsontime.UnixMilli{Time: now.Add(-9 * time.Minute)}
	assert.False(t, req.IsExpired(now, 10*time.Minute, 5*time.Minute))
	req.AgeLocalTS = jsontime.UnixMilli{Time: now.Add(6 * time.Minute)}
	assert.True(t, req.IsExpired(now, 10*time.Minute, 5*time.Minute))
	req.AgeLocalTS = jsontime.UnixMilli{Time: now.Add(4 * time.Minute)}
	assert.False(t, req.IsExpired(now, 10*time.Minute, 5*time.Minute))

	req.AgeLocalTS = jsontime.UnixMilli{Time: now.Add(-time.Hour)}
	req.ReadyInfo = &verification.ReadyInfo{}
	assert.False(t, req.IsExpired(now, 10*time.Minute, 5*time.Minute))
}

func TestPendingRequest_Finished(t *testing.T) {
	var req verification.PendingRequest
	assert.False(t, req.IsFinished())
	assert.True(t, req.IsActionable())
	req.HandledByOtherSession = true
	assert.False(t, req.IsFinished())
	assert.False(t, req.IsActionable())
	req.CancelConclusion = event.VerificationCancelCodeAccepted
	assert.True(t, req.IsFinished())
}
