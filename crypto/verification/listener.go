// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification

import (
	"fmt"

	"maunium.net/go/mxverify/id"
)

// Listener receives lifecycle events from a [Service]. Listeners are called
// outside the service lock, so they may call back into the service.
type Listener interface {
	RequestCreated(req PendingRequest)
	RequestUpdated(req PendingRequest)
	TransactionCreated(txn VerificationTransaction)
	TransactionUpdated(txn VerificationTransaction)
	MarkedAsManuallyVerified(userID id.UserID, deviceID id.DeviceID)
}

// ListenerFuncs is a [Listener] where every callback is optional.
type ListenerFuncs struct {
	OnRequestCreated           func(req PendingRequest)
	OnRequestUpdated           func(req PendingRequest)
	OnTransactionCreated       func(txn VerificationTransaction)
	OnTransactionUpdated       func(txn VerificationTransaction)
	OnMarkedAsManuallyVerified func(userID id.UserID, deviceID id.DeviceID)
}

var _ Listener = (*ListenerFuncs)(nil)

func (lf *ListenerFuncs) RequestCreated(req PendingRequest) {
	if lf.OnRequestCreated != nil {
		lf.OnRequestCreated(req)
	}
}

func (lf *ListenerFuncs) RequestUpdated(req PendingRequest) {
	if lf.OnRequestUpdated != nil {
		lf.OnRequestUpdated(req)
	}
}

func (lf *ListenerFuncs) TransactionCreated(txn VerificationTransaction) {
	if lf.OnTransactionCreated != nil {
		lf.OnTransactionCreated(txn)
	}
}

func (lf *ListenerFuncs) TransactionUpdated(txn VerificationTransaction) {
	if lf.OnTransactionUpdated != nil {
		lf.OnTransactionUpdated(txn)
	}
}

func (lf *ListenerFuncs) MarkedAsManuallyVerified(userID id.UserID, deviceID id.DeviceID) {
	if lf.OnMarkedAsManuallyVerified != nil {
		lf.OnMarkedAsManuallyVerified(userID, deviceID)
	}
}

// AddListener registers a listener. Listeners are called in registration order.
func (s *Service) AddListener(listener Listener) {
	s.listenersLock.Lock()
	defer s.listenersLock.Unlock()
	s.listeners = append(s.listeners, listener)
}

// RemoveListener unregisters a listener that was previously added with AddListener.
func (s *Service) RemoveListener(listener Listener) {
	s.listenersLock.Lock()
	defer s.listenersLock.Unlock()
	for i, l := range s.listeners {
		if l == listener {
			s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
			return
		}
	}
}

type notification func(Listener)

// dispatch calls every listener with every notification. A panicking listener
// doesn't prevent delivery to the others.
func (s *Service) dispatch(notifications []notification) {
	if len(notifications) == 0 {
		return
	}
	s.listenersLock.RLock()
	listeners := s.listeners
	s.listenersLock.RUnlock()
	for _, notify := range notifications {
		for _, listener := range listeners {
			s.callListener(listener, notify)
		}
	}
}

func (s *Service) callListener(listener Listener, notify notification) {
	defer func() {
		if err := recover(); err != nil {
			s.log.Error().
				Str("panic", fmt.Sprint(err)).
				Msg("Verification listener panicked")
		}
	}()
	notify(listener)
}
