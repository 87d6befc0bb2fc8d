// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/sjson"

	"maunium.net/go/mxverify/crypto/verification"
	"maunium.net/go/mxverify/event"
	"maunium.net/go/mxverify/id"
)

// scanAndConfirm has the scanner scan the shower's QR code and runs the flow to completion.
func scanAndConfirm(t *testing.T, env *testEnv, shower, scanner *testDevice, txnID id.VerificationTransactionID, expectedMode verification.QRCodeMode) {
	t.Helper()
	payload := shower.request(t, scanner, txnID).QRCode
	require.NotEmpty(t, payload, "%s should show a QR code", shower.ident.DeviceID)
	decoded, err := verification.DecodeQRCode(payload)
	require.NoError(t, err)
	assert.Equal(t, expectedMode, decoded.Mode())

	require.NoError(t, scanner.svc.UserHasScannedOtherQRCode(env.ctx, shower.ident.UserID, txnID, payload))
	assert.Equal(t, verification.QRStateWaitingOtherReciprocateConfirm, scanner.txn(t, shower, txnID).State)
	env.dispatch()

	showerTxn := shower.txn(t, scanner, txnID)
	require.Equal(t, verification.QRStateScannedByOther, showerTxn.State)
	assert.Equal(t, expectedMode, showerTxn.QRCodeMode)
	assert.Equal(t, event.VerificationMethodReciprocate, showerTxn.Method)

	require.True(t, shower.svc.OtherUserScannedMyQRCode(env.ctx, scanner.ident.UserID, txnID))
	assert.False(t, shower.svc.OtherUserScannedMyQRCode(env.ctx, scanner.ident.UserID, txnID))
	env.dispatch()

	assert.Equal(t, verification.Verified{}, shower.txn(t, scanner, txnID).State)
	assert.Equal(t, verification.Verified{}, scanner.txn(t, shower, txnID).State)
	assert.True(t, shower.request(t, scanner, txnID).IsSuccessful)
	assert.True(t, scanner.request(t, shower, txnID).IsSuccessful)
	assert.Equal(t, 1, shower.svc.Stats().VerifiedByQR)
	assert.Equal(t, 1, scanner.svc.Stats().VerifiedByQR)
	assertMonotonic(t, shower.recorder.txnStates[txnID])
	assertMonotonic(t, scanner.recorder.txnStates[txnID])
}

func TestQR_CrossSigning(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addDevice(aliceUserID, "ALICE1")
	bob := env.addDevice(bobUserID, "BOB1")
	aliceMaster := env.setMasterKey(aliceUserID, alice)
	bobMaster := env.setMasterKey(bobUserID, bob)
	txnID := env.readyRequest(alice, bob)

	assert.True(t, alice.request(t, bob, txnID).OtherCanShowQRCode())
	assert.NotEmpty(t, alice.request(t, bob, txnID).QRCode)
	scanAndConfirm(t, env, bob, alice, txnID, verification.QRCodeModeCrossSigning)

	assert.Equal(t, id.TrustStateVerified, alice.masterKeyTrust(t, bobUserID))
	assert.Equal(t, id.TrustStateVerified, bob.masterKeyTrust(t, aliceUserID))
	key, _, err := alice.trust.GetMasterKey(env.ctx, bobUserID)
	require.NoError(t, err)
	assert.Equal(t, bobMaster, key)
	key, _, err = bob.trust.GetMasterKey(env.ctx, aliceUserID)
	require.NoError(t, err)
	assert.Equal(t, aliceMaster, key)
}

func TestQR_NoCodeWithoutTrustedMasterKey(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addDevice(aliceUserID, "ALICE1")
	bob := env.addDevice(bobUserID, "BOB1")
	env.setMasterKey(aliceUserID)
	env.setMasterKey(bobUserID, bob)
	txnID := env.readyRequest(alice, bob)

	assert.Empty(t, alice.request(t, bob, txnID).QRCode, "untrusted own master key can't be shown")
	assert.NotEmpty(t, bob.request(t, alice, txnID).QRCode)
}

func TestQR_SelfVerification(t *testing.T) {
	for _, mode := range []verification.QRCodeMode{verification.QRCodeModeSelfVerifyingMasterKeyTrusted, verification.QRCodeModeSelfVerifyingMasterKeyUntrusted} {
		t.Run(mode.String(), func(t *testing.T) {
			env := newTestEnv(t)
			trusted := env.addDevice(aliceUserID, "ALICE1")
			untrusted := env.addDevice(aliceUserID, "ALICE2")
			env.setMasterKey(aliceUserID, trusted)

			req, err := trusted.svc.RequestSelfVerification(env.ctx, nil)
			require.NoError(t, err)
			assert.Equal(t, []id.DeviceID{"ALICE2"}, req.TargetDevices)
			env.dispatch()
			require.True(t, untrusted.svc.Ready(env.ctx, nil, aliceUserID, req.TransactionID))
			env.dispatch()

			if mode == verification.QRCodeModeSelfVerifyingMasterKeyTrusted {
				scanAndConfirm(t, env, trusted, untrusted, req.TransactionID, mode)
			} else {
				scanAndConfirm(t, env, untrusted, trusted, req.TransactionID, mode)
			}
			assert.Equal(t, id.TrustStateVerified, trusted.deviceTrust(t, untrusted))
			assert.True(t, untrusted.masterKeyTrust(t, aliceUserID).IsTrusted())
		})
	}
}

func TestQR_InvalidPayload(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addDevice(aliceUserID, "ALICE1")
	bob := env.addDevice(bobUserID, "BOB1")
	env.setMasterKey(aliceUserID, alice)
	env.setMasterKey(bobUserID, bob)
	txnID := env.readyRequest(alice, bob)

	err := alice.svc.UserHasScannedOtherQRCode(env.ctx, bobUserID, txnID, []byte("definitely not a QR code"))
	var decodeErr *verification.QRDecodeError
	require.ErrorAs(t, err, &decodeErr)
	env.dispatch()
	assert.Equal(t, event.VerificationCancelCodeQRCodeInvalid, alice.request(t, bob, txnID).CancelConclusion)
	assert.Equal(t, event.VerificationCancelCodeQRCodeInvalid, bob.request(t, alice, txnID).CancelConclusion)
}

func TestQR_WrongTransaction(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addDevice(aliceUserID, "ALICE1")
	bob := env.addDevice(bobUserID, "BOB1")
	env.setMasterKey(aliceUserID, alice)
	env.setMasterKey(bobUserID, bob)
	firstTxnID := env.readyRequest(alice, bob)
	secondTxnID := env.readyRequest(alice, bob)

	err := alice.svc.UserHasScannedOtherQRCode(env.ctx, bobUserID, secondTxnID, bob.request(t, alice, firstTxnID).QRCode)
	var decodeErr *verification.QRDecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, event.VerificationCancelCodeQRCodeInvalid, alice.request(t, bob, secondTxnID).CancelConclusion)
	assert.False(t, alice.request(t, bob, firstTxnID).IsFinished())
}

func TestQR_KeyMismatch(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addDevice(aliceUserID, "ALICE1")
	bob := env.addDevice(bobUserID, "BOB1")
	env.setMasterKey(aliceUserID, alice)
	env.setMasterKey(bobUserID, bob)
	txnID := env.readyRequest(alice, bob)

	// Alice has a different idea of Bob's master key than Bob himself
	alice.trust.PutMasterKey(bobUserID, newSigningKey(t), id.TrustStateUnset)
	err := alice.svc.UserHasScannedOtherQRCode(env.ctx, bobUserID, txnID, bob.request(t, alice, txnID).QRCode)
	require.ErrorIs(t, err, verification.ErrQRCodeKeyMismatch)
	env.dispatch()
	assert.Equal(t, event.VerificationCancelCodeKeyMismatch, bob.request(t, alice, txnID).CancelConclusion)
	assert.Equal(t, id.TrustStateUnset, alice.masterKeyTrust(t, bobUserID))
}

func TestQR_SecretMismatch(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addDevice(aliceUserID, "ALICE1")
	bob := env.addDevice(bobUserID, "BOB1")
	env.setMasterKey(aliceUserID, alice)
	env.setMasterKey(bobUserID, bob)
	txnID := env.readyRequest(alice, bob)

	env.hub.Intercept = func(evt *event.Event, toUser id.UserID, toDevice id.DeviceID) *event.Event {
		if toUser == bobUserID && evt.Type.Type == event.ToDeviceVerificationStart.Type {
			tampered, err := sjson.SetBytes(evt.Content, "secret", "AAAAAAAAAAAAAAAAAAAAAA")
			require.NoError(t, err)
			evt.Content = tampered
		}
		return evt
	}
	require.NoError(t, alice.svc.UserHasScannedOtherQRCode(env.ctx, bobUserID, txnID, bob.request(t, alice, txnID).QRCode))
	env.dispatch()

	assert.Equal(t, event.VerificationCancelCodeQRCodeInvalid, bob.request(t, alice, txnID).CancelConclusion)
	assert.Equal(t, verification.Cancelled{Code: event.VerificationCancelCodeQRCodeInvalid}, alice.txn(t, bob, txnID).State)
	assert.Equal(t, id.TrustStateUnset, alice.masterKeyTrust(t, bobUserID))
}

func TestQR_OtherUserDidNotScan(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addDevice(aliceUserID, "ALICE1")
	bob := env.addDevice(bobUserID, "BOB1")
	env.setMasterKey(aliceUserID, alice)
	env.setMasterKey(bobUserID, bob)
	txnID := env.readyRequest(alice, bob)

	require.NoError(t, alice.svc.UserHasScannedOtherQRCode(env.ctx, bobUserID, txnID, bob.request(t, alice, txnID).QRCode))
	env.dispatch()
	require.True(t, bob.svc.OtherUserDidNotScanMyQRCode(env.ctx, aliceUserID, txnID))
	env.dispatch()

	assert.Equal(t, verification.Cancelled{Code: event.VerificationCancelCodeKeyMismatch, ByMe: true}, bob.txn(t, alice, txnID).State)
	assert.Equal(t, verification.Cancelled{Code: event.VerificationCancelCodeKeyMismatch}, alice.txn(t, bob, txnID).State)
	assert.Equal(t, id.TrustStateUnset, bob.masterKeyTrust(t, aliceUserID))
}
