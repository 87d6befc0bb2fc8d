// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification

import (
	"context"
	"time"

	"maunium.net/go/mxverify/event"
	"maunium.net/go/mxverify/id"
)

// transaction is the internal state of a SAS or QR verification.
type transaction interface {
	base() *txnBase
	snapshot() VerificationTransaction
	// wipe clears any secret material. It's called once the transaction reaches a terminal state.
	wipe()
}

type txnBase struct {
	key           requestKey
	localID       string
	otherDeviceID id.DeviceID
	roomID        id.RoomID
	isIncoming    bool
	method        event.VerificationMethod
	state         TxState
	lastActivity  time.Time
}

func (b *txnBase) base() *txnBase {
	return b
}

func (b *txnBase) baseSnapshot() VerificationTransaction {
	return VerificationTransaction{
		TransactionID: b.key.txnID,
		OtherUserID:   b.key.userID,
		OtherDeviceID: b.otherDeviceID,
		RoomID:        b.roomID,
		IsIncoming:    b.isIncoming,
		Method:        b.method,
		State:         b.state,
	}
}

func (s *Service) newTxnBase(req PendingRequest, method event.VerificationMethod, isIncoming bool, state TxState) txnBase {
	return txnBase{
		key:           req.key(),
		localID:       req.LocalID,
		otherDeviceID: req.OtherDeviceID,
		roomID:        req.RoomID,
		isIncoming:    isIncoming,
		method:        method,
		state:         state,
		lastActivity:  s.now(),
	}
}

// addTransaction registers a new transaction, replacing any previous one of the request.
func (s *Service) addTransaction(txn transaction) {
	key := txn.base().key
	if prev, ok := s.transactions[key]; ok {
		prev.wipe()
	}
	s.transactions[key] = txn
	snapshot := txn.snapshot()
	s.notify(func(l Listener) { l.TransactionCreated(snapshot) })
}

// setState moves the transaction forward. Terminal states are final and
// states never move backwards.
func (s *Service) setState(ctx context.Context, txn transaction, state TxState) bool {
	b := txn.base()
	if b.state.IsTerminal() || stateOrder(state) < stateOrder(b.state) {
		s.getLog(ctx).Warn().
			Stringer("transaction_id", b.key.txnID).
			Stringer("current_state", b.state).
			Stringer("new_state", state).
			Msg("Refusing invalid transaction state change")
		return false
	}
	b.state = state
	b.lastActivity = s.now()
	snapshot := txn.snapshot()
	s.notify(func(l Listener) { l.TransactionUpdated(snapshot) })
	return true
}

// finishTransaction moves the transaction of the request (if any) to a terminal state and wipes it.
func (s *Service) finishTransaction(ctx context.Context, req PendingRequest, state TxState) {
	if !req.IsSent() {
		return
	}
	txn, ok := s.transactions[req.key()]
	if !ok || txn.base().state.IsTerminal() {
		return
	}
	s.setState(ctx, txn, state)
	txn.wipe()
}

// markVerified concludes a transaction and its request successfully.
func (s *Service) markVerified(ctx context.Context, txn transaction) {
	b := txn.base()
	if !s.setState(ctx, txn, Verified{}) {
		return
	}
	txn.wipe()
	req, ok := s.requests[b.localID]
	if ok && !req.IsFinished() {
		req.IsSuccessful = true
		s.putRequest(ctx, req, false)
	}
	s.dropShownQRCode(b.key)
	if b.method == event.VerificationMethodSAS {
		s.stats.VerifiedBySAS++
	} else {
		s.stats.VerifiedByQR++
	}
	s.getLog(ctx).Info().
		Stringer("transaction_id", b.key.txnID).
		Stringer("other_user_id", b.key.userID).
		Stringer("other_device_id", b.otherDeviceID).
		Str("method", string(b.method)).
		Msg("Verification successful")
}

// cancelTxn cancels the request that owns the transaction and sends the cancellation.
func (s *Service) cancelTxn(ctx context.Context, txn transaction, code event.VerificationCancelCode) {
	s.cancelRequestLocked(ctx, txn.base().localID, code, true)
}

func (s *Service) sendTxnEvent(ctx context.Context, txn transaction, evtType event.Type, content any) ([]byte, error) {
	req, ok := s.requests[txn.base().localID]
	if !ok {
		return nil, ErrUnknownVerificationRequest
	}
	return s.channelFor(req).send(ctx, evtType, content)
}
