// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/sjson"

	"maunium.net/go/mxverify/crypto/verification"
	"maunium.net/go/mxverify/event"
	"maunium.net/go/mxverify/id"
)

// startSAS begins a SAS transaction from the requester and runs it until both
// sides show the short code.
func startSAS(t *testing.T, env *testEnv, starter, other *testDevice, txnID id.VerificationTransactionID) {
	t.Helper()
	startedTxnID, ok := starter.svc.BeginKeyVerification(env.ctx, event.VerificationMethodSAS, other.ident.UserID, txnID)
	require.True(t, ok)
	assert.Equal(t, txnID, startedTxnID)
	env.dispatch()

	starterTxn := starter.txn(t, other, txnID)
	otherTxn := other.txn(t, starter, txnID)
	require.Equal(t, verification.SASStateShortCodeReady, starterTxn.State)
	require.Equal(t, verification.SASStateShortCodeReady, otherTxn.State)
	assert.False(t, starterTxn.IsIncoming)
	assert.True(t, otherTxn.IsIncoming)
	assert.Equal(t, event.VerificationMethodSAS, starterTxn.Method)
	require.Len(t, starterTxn.Decimals, 3)
	assert.Equal(t, starterTxn.Decimals, otherTxn.Decimals)
	require.Len(t, starterTxn.Emojis, 7)
	assert.Equal(t, starterTxn.Emojis, otherTxn.Emojis)
}

func TestSAS_ToDevice(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addDevice(aliceUserID, "ALICE1")
	bob := env.addDevice(bobUserID, "BOB1")
	txnID := env.readyRequest(alice, bob)
	startSAS(t, env, alice, bob, txnID)

	require.True(t, alice.svc.UserHasVerifiedShortCode(env.ctx, bobUserID, txnID))
	assert.Equal(t, verification.SASStateMACSent, alice.txn(t, bob, txnID).State)
	require.True(t, bob.svc.UserHasVerifiedShortCode(env.ctx, aliceUserID, txnID))
	assert.False(t, bob.svc.UserHasVerifiedShortCode(env.ctx, aliceUserID, txnID), "confirming twice should fail")
	env.dispatch()

	assert.Equal(t, verification.Verified{}, alice.txn(t, bob, txnID).State)
	assert.Equal(t, verification.Verified{}, bob.txn(t, alice, txnID).State)
	assert.True(t, alice.request(t, bob, txnID).IsSuccessful)
	assert.True(t, bob.request(t, alice, txnID).IsSuccessful)
	assert.Equal(t, id.TrustStateVerified, alice.deviceTrust(t, bob))
	assert.Equal(t, id.TrustStateVerified, bob.deviceTrust(t, alice))
	assert.Equal(t, 1, alice.svc.Stats().VerifiedBySAS)
	assert.Equal(t, 1, bob.svc.Stats().VerifiedBySAS)
	assertMonotonic(t, alice.recorder.txnStates[txnID])
	assertMonotonic(t, bob.recorder.txnStates[txnID])

	// Everything after the terminal state is a no-op
	assert.False(t, alice.svc.Cancel(env.ctx, bobUserID, txnID))
	assert.False(t, alice.svc.ShortCodeDoesNotMatch(env.ctx, bobUserID, txnID))
	assert.Zero(t, env.dispatch())
	assert.Equal(t, verification.Verified{}, alice.txn(t, bob, txnID).State)
}

func TestSAS_MACBeforeConfirmation(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addDevice(aliceUserID, "ALICE1")
	bob := env.addDevice(bobUserID, "BOB1")
	txnID := env.readyRequest(alice, bob)
	startSAS(t, env, alice, bob, txnID)

	require.True(t, alice.svc.UserHasVerifiedShortCode(env.ctx, bobUserID, txnID))
	env.dispatch()
	assert.Equal(t, verification.SASStateShortCodeReady, bob.txn(t, alice, txnID).State)

	require.True(t, bob.svc.UserHasVerifiedShortCode(env.ctx, aliceUserID, txnID))
	assert.Equal(t, verification.SASStateVerifying, bob.txn(t, alice, txnID).State)
	env.dispatch()
	assert.Equal(t, verification.Verified{}, alice.txn(t, bob, txnID).State)
	assert.Equal(t, verification.Verified{}, bob.txn(t, alice, txnID).State)
}

func TestSAS_InRoom(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addDevice(aliceUserID, "ALICE1")
	bob := env.addDevice(bobUserID, "BOB1")
	roomID := env.hub.CreateRoom(aliceUserID, bobUserID)

	req, err := alice.svc.RequestInDirectMessage(env.ctx, nil, bobUserID, roomID)
	require.NoError(t, err)
	assert.Equal(t, roomID, req.RoomID)
	assert.NotEmpty(t, req.TransactionID)
	env.dispatch()

	inbox := env.hub.DeviceInbox[bobUserID]["BOB1"]
	require.NotEmpty(t, inbox)
	var requestContent event.VerificationRequestEventContent
	require.NoError(t, json.Unmarshal(inbox[0].Content, &requestContent))
	assert.Equal(t, event.MsgVerificationRequest, requestContent.MsgType)
	assert.Equal(t, event.FormatHTML, requestContent.Format)
	assert.Contains(t, requestContent.FormattedBody, `<a href="https://matrix.to/#/@alice:example.com">`)
	assert.Contains(t, requestContent.Body, "@alice:example.com (device ALICE1) is requesting to verify your device")

	incoming, ok := bob.svc.GetExistingVerificationRequestInRoom(roomID, req.TransactionID)
	require.True(t, ok)
	assert.True(t, incoming.IsIncoming)
	require.True(t, bob.svc.Ready(env.ctx, nil, aliceUserID, req.TransactionID))
	env.dispatch()

	startSAS(t, env, alice, bob, req.TransactionID)
	require.True(t, alice.svc.UserHasVerifiedShortCode(env.ctx, bobUserID, req.TransactionID))
	require.True(t, bob.svc.UserHasVerifiedShortCode(env.ctx, aliceUserID, req.TransactionID))
	env.dispatch()
	assert.Equal(t, verification.Verified{}, alice.txn(t, bob, req.TransactionID).State)
	assert.Equal(t, verification.Verified{}, bob.txn(t, alice, req.TransactionID).State)
	assert.Equal(t, roomID, alice.txn(t, bob, req.TransactionID).RoomID)
}

func TestSAS_ShortCodeDoesNotMatch(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addDevice(aliceUserID, "ALICE1")
	bob := env.addDevice(bobUserID, "BOB1")
	txnID := env.readyRequest(alice, bob)
	startSAS(t, env, alice, bob, txnID)

	require.True(t, bob.svc.ShortCodeDoesNotMatch(env.ctx, aliceUserID, txnID))
	env.dispatch()
	assert.Equal(t, verification.Cancelled{Code: event.VerificationCancelCodeSASMismatch, ByMe: true}, bob.txn(t, alice, txnID).State)
	assert.Equal(t, verification.Cancelled{Code: event.VerificationCancelCodeSASMismatch}, alice.txn(t, bob, txnID).State)
	assert.Equal(t, event.VerificationCancelCodeSASMismatch, alice.request(t, bob, txnID).CancelConclusion)
	assert.Equal(t, id.TrustStateUnset, alice.deviceTrust(t, bob))
	assert.False(t, alice.svc.UserHasVerifiedShortCode(env.ctx, bobUserID, txnID))
}

func TestSAS_TamperedMAC(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addDevice(aliceUserID, "ALICE1")
	bob := env.addDevice(bobUserID, "BOB1")
	txnID := env.readyRequest(alice, bob)
	startSAS(t, env, alice, bob, txnID)

	env.hub.Intercept = func(evt *event.Event, toUser id.UserID, toDevice id.DeviceID) *event.Event {
		if toUser == aliceUserID && evt.Type.Type == event.ToDeviceVerificationMAC.Type {
			tampered, err := sjson.SetBytes(evt.Content, "keys", "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
			require.NoError(t, err)
			evt.Content = tampered
		}
		return evt
	}
	require.True(t, alice.svc.UserHasVerifiedShortCode(env.ctx, bobUserID, txnID))
	require.True(t, bob.svc.UserHasVerifiedShortCode(env.ctx, aliceUserID, txnID))
	env.dispatch()

	assert.Equal(t, verification.Cancelled{Code: event.VerificationCancelCodeSASMismatch, ByMe: true}, alice.txn(t, bob, txnID).State)
	assert.Equal(t, verification.Cancelled{Code: event.VerificationCancelCodeSASMismatch}, bob.txn(t, alice, txnID).State)
	assert.Equal(t, id.TrustStateUnset, alice.deviceTrust(t, bob))
	// Bob verified Alice's MAC before the cancellation arrived, but never got a done event
	assert.False(t, bob.request(t, alice, txnID).IsSuccessful)
	assertMonotonic(t, alice.recorder.txnStates[txnID])
	assertMonotonic(t, bob.recorder.txnStates[txnID])
}

func TestSAS_StartCollision(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addDevice(aliceUserID, "ALICE1")
	bob := env.addDevice(bobUserID, "BOB1")
	txnID := env.readyRequest(alice, bob)

	_, ok := alice.svc.BeginKeyVerification(env.ctx, event.VerificationMethodSAS, bobUserID, txnID)
	require.True(t, ok)
	_, ok = bob.svc.BeginKeyVerification(env.ctx, event.VerificationMethodSAS, aliceUserID, txnID)
	require.True(t, ok)
	_, ok = bob.svc.BeginKeyVerification(env.ctx, event.VerificationMethodSAS, aliceUserID, txnID)
	assert.False(t, ok, "starting twice should fail")
	env.dispatch()

	// @alice sorts first, so her start event wins
	aliceTxn := alice.txn(t, bob, txnID)
	bobTxn := bob.txn(t, alice, txnID)
	require.Equal(t, verification.SASStateShortCodeReady, aliceTxn.State)
	require.Equal(t, verification.SASStateShortCodeReady, bobTxn.State)
	assert.False(t, aliceTxn.IsIncoming)
	assert.True(t, bobTxn.IsIncoming)
	assert.Equal(t, aliceTxn.Decimals, bobTxn.Decimals)
}

func TestSAS_StartWithoutReady(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addDevice(aliceUserID, "ALICE1")
	bob := env.addDevice(bobUserID, "BOB1")
	req, err := alice.svc.RequestDeviceVerification(env.ctx, nil, bobUserID, nil)
	require.NoError(t, err)
	env.dispatch()

	_, ok := bob.svc.BeginKeyVerification(env.ctx, event.VerificationMethodSAS, aliceUserID, req.TransactionID)
	assert.False(t, ok, "can't start before the request is ready")
}

func TestSAS_UnsupportedMethod(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addDevice(aliceUserID, "ALICE1")
	bob := env.addDevice(bobUserID, "BOB1")
	req, err := alice.svc.RequestDeviceVerification(env.ctx, []event.VerificationMethod{event.VerificationMethodQRCodeScan}, bobUserID, nil)
	require.NoError(t, err)
	env.dispatch()
	require.True(t, bob.svc.Ready(env.ctx, []event.VerificationMethod{event.VerificationMethodQRCodeShow}, aliceUserID, req.TransactionID))
	env.dispatch()

	assert.False(t, alice.request(t, bob, req.TransactionID).IsSASSupported())
	_, ok := alice.svc.BeginKeyVerification(env.ctx, event.VerificationMethodSAS, bobUserID, req.TransactionID)
	assert.False(t, ok)
}

func TestSAS_EventsAfterConclusion(t *testing.T) {
	for _, verified := range []bool{true, false} {
		t.Run(map[bool]string{true: "verified", false: "cancelled"}[verified], func(t *testing.T) {
			env := newTestEnv(t)
			alice := env.addDevice(aliceUserID, "ALICE1")
			bob := env.addDevice(bobUserID, "BOB1")
			txnID := env.readyRequest(alice, bob)
			startSAS(t, env, alice, bob, txnID)
			if verified {
				require.True(t, alice.svc.UserHasVerifiedShortCode(env.ctx, bobUserID, txnID))
				require.True(t, bob.svc.UserHasVerifiedShortCode(env.ctx, aliceUserID, txnID))
			} else {
				require.True(t, bob.svc.ShortCodeDoesNotMatch(env.ctx, aliceUserID, txnID))
			}
			env.dispatch()

			finalState := alice.txn(t, bob, txnID).State
			require.True(t, finalState.IsTerminal())
			statesSeen := len(alice.recorder.txnStates[txnID])
			requestUpdates := len(alice.recorder.requestsUpdated)
			stats := alice.svc.Stats()

			content := json.RawMessage(`{"transaction_id":"` + string(txnID) + `","from_device":"BOB1","method":"m.sas.v1",` +
				`"key":"AAAA","mac":{},"keys":"AAAA","code":"m.user","reason":"late"}`)
			for _, evtType := range []event.Type{
				event.ToDeviceVerificationStart,
				event.ToDeviceVerificationKey,
				event.ToDeviceVerificationMAC,
				event.ToDeviceVerificationDone,
				event.ToDeviceVerificationCancel,
			} {
				alice.svc.OnVerificationEvent(env.ctx, &event.Event{Sender: bobUserID, Type: evtType, Content: content})
			}

			assert.Zero(t, env.hub.Pending(), "nothing should be sent in response to late events")
			assert.Equal(t, finalState, alice.txn(t, bob, txnID).State)
			assert.Len(t, alice.recorder.txnStates[txnID], statesSeen)
			assert.Len(t, alice.recorder.requestsUpdated, requestUpdates)
			assert.Equal(t, stats, alice.svc.Stats())
			assertMonotonic(t, alice.recorder.txnStates[txnID])
		})
	}
}

func TestSAS_MACForUnknownKey(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addDevice(aliceUserID, "ALICE1")
	bob := env.addDevice(bobUserID, "BOB1")
	env.setMasterKey(aliceUserID, alice)
	// Bob has a different master key for Alice, so the one in her MAC event is unknown to him
	bob.trust.PutMasterKey(aliceUserID, newSigningKey(t), id.TrustStateUnset)
	txnID := env.readyRequest(alice, bob)
	startSAS(t, env, alice, bob, txnID)

	require.True(t, alice.svc.UserHasVerifiedShortCode(env.ctx, bobUserID, txnID))
	require.True(t, bob.svc.UserHasVerifiedShortCode(env.ctx, aliceUserID, txnID))
	env.dispatch()

	assert.Equal(t, verification.Verified{}, bob.txn(t, alice, txnID).State)
	assert.Equal(t, verification.Verified{}, alice.txn(t, bob, txnID).State)
	assert.Equal(t, id.TrustStateVerified, bob.deviceTrust(t, alice))
	assert.Equal(t, id.TrustStateUnset, bob.masterKeyTrust(t, aliceUserID))
}
