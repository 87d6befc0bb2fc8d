// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"
	"golang.org/x/exp/slices"

	"maunium.net/go/mxverify/crypto/sas"
	"maunium.net/go/mxverify/event"
	"maunium.net/go/mxverify/format"
	"maunium.net/go/mxverify/id"
)

var (
	ErrInvalidOtherUser     = errors.New("invalid user ID")
	ErrNoOtherDevices       = errors.New("no other devices to verify with")
	ErrNoMethods            = errors.New("no verification methods given")
	ErrCantVerifySelfInRoom = errors.New("can't request in-room verification with yourself")
	ErrQRCodeNotExpected    = errors.New("the request is not in a state where a QR code can be scanned")
	ErrTransactionExists    = errors.New("the request already has a transaction")
	ErrQRCodeKeyMismatch    = errors.New("the keys in the QR code don't match the known keys")
)

// Identity is the local user and device.
type Identity struct {
	UserID     id.UserID
	DeviceID   id.DeviceID
	SigningKey id.Ed25519
}

// KeyAgreement is the ephemeral key agreement used by a single SAS transaction.
// [sas.SAS] implements it.
type KeyAgreement interface {
	PublicKey() []byte
	SetTheirKey(key []byte) error
	GenerateBytes(info []byte, length int) ([]byte, error)
	CalculateMAC(input, info []byte) ([]byte, error)
	Wipe()
}

var _ KeyAgreement = (*sas.SAS)(nil)

func defaultKeyAgreement() (KeyAgreement, error) {
	return sas.New()
}

// Stats counts verification outcomes. Manual verifications are counted
// separately from protocol verifications even though both set the same trust.
type Stats struct {
	VerifiedBySAS    int
	VerifiedByQR     int
	ManuallyVerified int
	CancelledByMe    int
	CancelledByThem  int
	// Expired counts incoming requests that were never answered.
	Expired int
}

// VerificationTransaction is a snapshot of a running or finished SAS or QR verification.
type VerificationTransaction struct {
	TransactionID id.VerificationTransactionID
	OtherUserID   id.UserID
	OtherDeviceID id.DeviceID
	RoomID        id.RoomID
	IsIncoming    bool
	Method        event.VerificationMethod
	State         TxState

	// Decimals and Emojis are set on SAS transactions once the short code is ready.
	Decimals []int
	Emojis   []Emoji
	// QRCodeMode is the mode of the QR code that was scanned (by either side).
	QRCodeMode QRCodeMode
}

type bufferedEvent struct {
	evt        *event.Event
	txnID      id.VerificationTransactionID
	receivedAt time.Time
}

// Service is the verification engine of a single user session. It owns all
// requests and transactions: every change goes through its lock.
type Service struct {
	own    Identity
	sender Sender
	trust  TrustStore
	store  RequestStore
	config Config
	log    zerolog.Logger

	// NewKeyAgreement creates the ephemeral key pair of a SAS transaction.
	NewKeyAgreement func() (KeyAgreement, error)
	now             func() time.Time

	lock         sync.Mutex
	requests     map[string]PendingRequest
	byTxn        map[requestKey]string
	transactions map[requestKey]transaction
	shownQRCodes map[requestKey]*shownQRCode
	sending      map[id.UserID]int
	buffered     map[id.UserID][]bufferedEvent
	queued       []notification
	stats        Stats

	listenersLock sync.RWMutex
	listeners     []Listener
}

// NewService creates a verification service. The store may be nil, in which
// case requests only live in memory.
func NewService(own Identity, sender Sender, trust TrustStore, store RequestStore, config Config, log zerolog.Logger) *Service {
	config.fillDefaults()
	if store == nil {
		store = NewMemoryRequestStore()
	}
	return &Service{
		own:    own,
		sender: sender,
		trust:  trust,
		store:  store,
		config: config,
		log: log.With().
			Str("component", "verification").
			Stringer("device_id", own.DeviceID).
			Logger(),

		NewKeyAgreement: defaultKeyAgreement,
		now:             time.Now,

		requests:     map[string]PendingRequest{},
		byTxn:        map[requestKey]string{},
		transactions: map[requestKey]transaction{},
		shownQRCodes: map[requestKey]*shownQRCode{},
		sending:      map[id.UserID]int{},
		buffered:     map[id.UserID][]bufferedEvent{},
	}
}

// SetClock replaces the clock used for timestamps and timeouts.
func (s *Service) SetClock(now func() time.Time) {
	s.lock.Lock()
	s.now = now
	s.lock.Unlock()
}

func (s *Service) Config() Config {
	return s.config
}

func (s *Service) Identity() Identity {
	return s.own
}

func (s *Service) getLog(ctx context.Context) *zerolog.Logger {
	if log := zerolog.Ctx(ctx); log.GetLevel() != zerolog.Disabled {
		return log
	}
	return &s.log
}

// locked runs fn with the lock held and delivers the notifications it queued after unlocking.
func (s *Service) locked(fn func()) {
	s.lock.Lock()
	fn()
	notifications := s.queued
	s.queued = nil
	s.lock.Unlock()
	s.dispatch(notifications)
}

func (s *Service) notify(n notification) {
	s.queued = append(s.queued, n)
}

// putRequest replaces the current value of the request and persists it.
func (s *Service) putRequest(ctx context.Context, req PendingRequest, created bool) {
	req.UpdatedAt = jsontime.UnixMilli{Time: s.now()}
	s.requests[req.LocalID] = req
	if req.IsSent() {
		s.byTxn[req.key()] = req.LocalID
	}
	if err := s.store.PutRequest(ctx, req); err != nil {
		s.getLog(ctx).Err(err).Str("local_id", req.LocalID).Msg("Failed to persist verification request")
	}
	if created {
		s.notify(func(l Listener) { l.RequestCreated(req) })
	} else {
		s.notify(func(l Listener) { l.RequestUpdated(req) })
	}
}

func (s *Service) removeRequest(ctx context.Context, req PendingRequest) {
	delete(s.requests, req.LocalID)
	if req.IsSent() {
		key := req.key()
		delete(s.byTxn, key)
		if txn, ok := s.transactions[key]; ok {
			txn.wipe()
			delete(s.transactions, key)
		}
		s.dropShownQRCode(key)
	}
	if err := s.store.DeleteRequest(ctx, req.LocalID); err != nil {
		s.getLog(ctx).Err(err).Str("local_id", req.LocalID).Msg("Failed to delete verification request")
	}
}

func (s *Service) getRequest(otherUserID id.UserID, txnID id.VerificationTransactionID) (PendingRequest, bool) {
	localID, ok := s.byTxn[requestKey{otherUserID, txnID}]
	if !ok {
		return PendingRequest{}, false
	}
	req, ok := s.requests[localID]
	return req, ok
}

func (s *Service) isExpired(req PendingRequest) bool {
	return req.IsExpired(s.now(), s.config.RequestMaxAge, s.config.RequestMaxFutureSkew)
}

// Load restores unfinished requests from the request store.
func (s *Service) Load(ctx context.Context) error {
	reqs, err := s.store.GetAllRequests(ctx)
	if err != nil {
		return fmt.Errorf("failed to load verification requests: %w", err)
	}
	s.locked(func() {
		for _, req := range reqs {
			if req.IsFinished() || s.isExpired(req) {
				continue
			}
			s.requests[req.LocalID] = req
			if req.IsSent() {
				s.byTxn[req.key()] = req.LocalID
			}
		}
	})
	return nil
}

func (s *Service) methodsOrDefault(methods []event.VerificationMethod) []event.VerificationMethod {
	if len(methods) == 0 {
		return slices.Clone(s.config.Methods)
	}
	return methods
}

func (s *Service) newOutgoingRequest(methods []event.VerificationMethod, otherUserID id.UserID) PendingRequest {
	return PendingRequest{
		LocalID:     xid.New().String(),
		OtherUserID: otherUserID,
		RequestInfo: &RequestInfo{
			FromDevice: s.own.DeviceID,
			Methods:    s.methodsOrDefault(methods),
		},
		AgeLocalTS: jsontime.UnixMilli{Time: s.now()},
	}
}

// RequestInDirectMessage sends a verification request to another user in a room.
// The request gets its transaction ID (the event ID of the request) once the
// request has been sent.
func (s *Service) RequestInDirectMessage(ctx context.Context, methods []event.VerificationMethod, otherUserID id.UserID, roomID id.RoomID) (PendingRequest, error) {
	if _, _, err := otherUserID.Parse(); err != nil {
		return PendingRequest{}, fmt.Errorf("%w: %w", ErrInvalidOtherUser, err)
	} else if otherUserID == s.own.UserID {
		return PendingRequest{}, ErrCantVerifySelfInRoom
	}
	req := s.newOutgoingRequest(methods, otherUserID)
	req.RoomID = roomID
	body, html := format.RenderMarkdown(fmt.Sprintf(
		"%s (device %s) is requesting to verify your device, but your client does not support in-chat key verification. "+
			"You will need to use legacy key verification to verify keys.",
		format.MarkdownMention(s.own.UserID), format.SafeMarkdownCode(s.own.DeviceID)))
	content := &event.VerificationRequestEventContent{
		FromDevice: s.own.DeviceID,
		Methods:    req.RequestInfo.Methods,
		MsgType:    event.MsgVerificationRequest,
		To:         otherUserID,
		Body:       body,
	}
	if html != "" {
		content.Format = event.FormatHTML
		content.FormattedBody = html
	}
	return s.sendNewRequest(ctx, req, content)
}

// RequestSelfVerification sends a to-device verification request to all other known devices of the own user.
func (s *Service) RequestSelfVerification(ctx context.Context, methods []event.VerificationMethod) (PendingRequest, error) {
	return s.RequestDeviceVerification(ctx, methods, s.own.UserID, nil)
}

// RequestDeviceVerification sends a to-device verification request to the
// given devices of a user, or all known devices if none are given.
func (s *Service) RequestDeviceVerification(ctx context.Context, methods []event.VerificationMethod, otherUserID id.UserID, deviceIDs []id.DeviceID) (PendingRequest, error) {
	if _, _, err := otherUserID.Parse(); err != nil {
		return PendingRequest{}, fmt.Errorf("%w: %w", ErrInvalidOtherUser, err)
	}
	if len(deviceIDs) == 0 {
		devices, err := s.trust.GetDevices(ctx, otherUserID)
		if err != nil {
			return PendingRequest{}, fmt.Errorf("failed to get devices of %s: %w", otherUserID, err)
		}
		for _, device := range devices {
			if otherUserID != s.own.UserID || device.DeviceID != s.own.DeviceID {
				deviceIDs = append(deviceIDs, device.DeviceID)
			}
		}
		slices.Sort(deviceIDs)
	}
	if len(deviceIDs) == 0 {
		return PendingRequest{}, ErrNoOtherDevices
	}
	req := s.newOutgoingRequest(methods, otherUserID)
	req.TargetDevices = deviceIDs
	content := &event.VerificationRequestEventContent{
		FromDevice: s.own.DeviceID,
		Methods:    req.RequestInfo.Methods,
		Timestamp:  req.AgeLocalTS,
	}
	return s.sendNewRequest(ctx, req, content)
}

// sendNewRequest registers the request, sends it without holding the lock and
// then assigns the transaction ID. Events for the new transaction that arrive
// while the request is being sent are buffered and replayed afterwards.
func (s *Service) sendNewRequest(ctx context.Context, req PendingRequest, content *event.VerificationRequestEventContent) (PendingRequest, error) {
	log := s.getLog(ctx).With().
		Str("verification_action", "send request").
		Str("local_id", req.LocalID).
		Stringer("other_user_id", req.OtherUserID).
		Logger()
	ctx = log.WithContext(ctx)
	if len(req.RequestInfo.Methods) == 0 {
		return PendingRequest{}, ErrNoMethods
	}

	s.locked(func() {
		s.sending[req.OtherUserID]++
		s.putRequest(ctx, req, true)
	})
	txnID, err := s.channelFor(req).sendRequest(ctx, content)
	s.locked(func() {
		s.sending[req.OtherUserID]--
		defer func() {
			if s.sending[req.OtherUserID] <= 0 {
				delete(s.sending, req.OtherUserID)
				delete(s.buffered, req.OtherUserID)
			}
		}()
		current, ok := s.requests[req.LocalID]
		if !ok {
			return
		}
		if err != nil {
			log.Err(err).Msg("Failed to send verification request")
			if !current.IsFinished() {
				current.CancelConclusion = event.VerificationCancelCodeUserError
				s.putRequest(ctx, current, false)
			}
			req = current
			return
		}
		log.Info().Stringer("transaction_id", txnID).Msg("Sent verification request")
		current.TransactionID = txnID
		s.putRequest(ctx, current, false)
		if current.IsFinished() {
			// Cancelled while sending
			s.sendCancel(ctx, current, current.CancelConclusion)
		} else {
			s.replayBuffered(ctx, current.OtherUserID, txnID)
		}
		req = s.requests[req.LocalID]
	})
	return req, err
}

// Ready accepts an incoming request with the given methods. It returns false
// if the request is unknown, outgoing, already answered or no longer actionable.
func (s *Service) Ready(ctx context.Context, methods []event.VerificationMethod, otherUserID id.UserID, txnID id.VerificationTransactionID) (ok bool) {
	log := s.getLog(ctx).With().
		Str("verification_action", "ready").
		Stringer("transaction_id", txnID).
		Logger()
	ctx = log.WithContext(ctx)
	s.locked(func() {
		req, found := s.getRequest(otherUserID, txnID)
		if !found || !req.IsIncoming || req.IsReady() || !req.IsActionable() {
			log.Warn().Msg("Ignoring ready for unknown or non-actionable request")
			return
		} else if s.isExpired(req) {
			log.Warn().Msg("Ignoring ready for expired request")
			return
		}
		req.ReadyInfo = &ReadyInfo{
			FromDevice: s.own.DeviceID,
			Methods:    s.methodsOrDefault(methods),
		}
		s.prepareQRCode(ctx, &req)
		s.putRequest(ctx, req, false)
		_, err := s.channelFor(req).send(ctx, event.ToDeviceVerificationReady, &event.VerificationReadyEventContent{
			FromDevice: req.ReadyInfo.FromDevice,
			Methods:    req.ReadyInfo.Methods,
		})
		if err != nil {
			log.Err(err).Msg("Failed to send ready event")
		}
		ok = true
	})
	return
}

// CancelRequest cancels the request with the user cancel code. Unsent requests
// are concluded locally and cancelled remotely once sending finishes.
func (s *Service) CancelRequest(ctx context.Context, req PendingRequest) (ok bool) {
	s.locked(func() {
		ok = s.cancelRequestLocked(ctx, req.LocalID, event.VerificationCancelCodeUser, true)
	})
	return
}

// Cancel cancels the request and its transaction with the user cancel code.
func (s *Service) Cancel(ctx context.Context, otherUserID id.UserID, txnID id.VerificationTransactionID) bool {
	return s.CancelTransaction(ctx, otherUserID, txnID, event.VerificationCancelCodeUser)
}

// CancelTransaction cancels the request and its transaction with the given code.
func (s *Service) CancelTransaction(ctx context.Context, otherUserID id.UserID, txnID id.VerificationTransactionID, code event.VerificationCancelCode) (ok bool) {
	s.locked(func() {
		localID, found := s.byTxn[requestKey{otherUserID, txnID}]
		if found {
			ok = s.cancelRequestLocked(ctx, localID, code, true)
		}
	})
	return
}

// cancelRequestLocked concludes the request and cancels its transaction. The
// state changes before the cancel event is sent.
func (s *Service) cancelRequestLocked(ctx context.Context, localID string, code event.VerificationCancelCode, sendEvent bool) bool {
	req, ok := s.requests[localID]
	if !ok || req.IsFinished() {
		return false
	}
	s.getLog(ctx).Info().
		Str("local_id", localID).
		Stringer("transaction_id", req.TransactionID).
		Stringer("code", code).
		Msg("Cancelling verification")
	req.CancelConclusion = code
	s.finishTransaction(ctx, req, Cancelled{Code: code, ByMe: true})
	s.dropShownQRCode(req.key())
	s.putRequest(ctx, req, false)
	s.stats.CancelledByMe++
	if sendEvent && req.IsSent() {
		s.sendCancel(ctx, req, code)
	}
	return true
}

// onRemoteCancel concludes the request after the other side cancelled it.
func (s *Service) onRemoteCancel(ctx context.Context, req PendingRequest, code event.VerificationCancelCode) {
	req.CancelConclusion = code
	s.finishTransaction(ctx, req, Cancelled{Code: code, ByMe: false})
	s.dropShownQRCode(req.key())
	s.putRequest(ctx, req, false)
	s.stats.CancelledByThem++
}

func (s *Service) sendCancel(ctx context.Context, req PendingRequest, code event.VerificationCancelCode) {
	_, err := s.channelFor(req).send(ctx, event.ToDeviceVerificationCancel, &event.VerificationCancelEventContent{
		Code:   code,
		Reason: code.Reason(),
	})
	if err != nil {
		s.getLog(ctx).Err(err).Msg("Failed to send cancellation")
	}
}

// BeginKeyVerification starts a SAS verification on a ready request. It
// returns false if the request isn't ready or SAS isn't supported by both sides.
func (s *Service) BeginKeyVerification(ctx context.Context, method event.VerificationMethod, otherUserID id.UserID, txnID id.VerificationTransactionID) (startedTxnID id.VerificationTransactionID, ok bool) {
	log := s.getLog(ctx).With().
		Str("verification_action", "begin key verification").
		Stringer("transaction_id", txnID).
		Logger()
	ctx = log.WithContext(ctx)
	s.locked(func() {
		req, found := s.getRequest(otherUserID, txnID)
		if !found || !req.IsReady() || !req.IsActionable() {
			log.Warn().Msg("Can't begin verification on unknown or non-ready request")
			return
		} else if method != event.VerificationMethodSAS || !req.IsSASSupported() {
			log.Warn().Str("method", string(method)).Msg("Method is not supported by both sides")
			return
		} else if txn, exists := s.transactions[req.key()]; exists && !txn.base().state.IsTerminal() {
			log.Warn().Msg("Request already has an active transaction")
			return
		}
		s.startSAS(ctx, req)
		startedTxnID, ok = req.TransactionID, true
	})
	return
}

// GetExistingTransaction returns a snapshot of the transaction of the given request.
func (s *Service) GetExistingTransaction(otherUserID id.UserID, txnID id.VerificationTransactionID) (snapshot VerificationTransaction, ok bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	txn, ok := s.transactions[requestKey{otherUserID, txnID}]
	if ok {
		snapshot = txn.snapshot()
	}
	return
}

// GetExistingVerificationRequests returns all live requests with the given user.
func (s *Service) GetExistingVerificationRequests(otherUserID id.UserID) []PendingRequest {
	s.lock.Lock()
	defer s.lock.Unlock()
	var reqs []PendingRequest
	for _, req := range s.requests {
		if req.OtherUserID == otherUserID {
			reqs = append(reqs, req)
		}
	}
	slices.SortFunc(reqs, func(a, b PendingRequest) int {
		return a.AgeLocalTS.Compare(b.AgeLocalTS.Time)
	})
	return reqs
}

// GetExistingVerificationRequest returns the request with the given transaction ID.
func (s *Service) GetExistingVerificationRequest(otherUserID id.UserID, txnID id.VerificationTransactionID) (PendingRequest, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.getRequest(otherUserID, txnID)
}

// GetExistingVerificationRequestInRoom returns the in-room request with the given transaction ID.
func (s *Service) GetExistingVerificationRequestInRoom(roomID id.RoomID, txnID id.VerificationTransactionID) (PendingRequest, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, req := range s.requests {
		if req.RoomID == roomID && req.TransactionID == txnID {
			return req, true
		}
	}
	return PendingRequest{}, false
}

// MarkedLocallyAsManuallyVerified trusts a device without any verification protocol.
func (s *Service) MarkedLocallyAsManuallyVerified(ctx context.Context, userID id.UserID, deviceID id.DeviceID) error {
	err := s.trust.MarkDeviceVerified(ctx, userID, deviceID)
	if err != nil {
		return fmt.Errorf("failed to mark device as verified: %w", err)
	}
	s.getLog(ctx).Info().
		Stringer("user_id", userID).
		Stringer("device_id", deviceID).
		Msg("Device manually marked as verified")
	s.locked(func() {
		s.stats.ManuallyVerified++
		s.notify(func(l Listener) { l.MarkedAsManuallyVerified(userID, deviceID) })
	})
	return nil
}

func (s *Service) Stats() Stats {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.stats
}
