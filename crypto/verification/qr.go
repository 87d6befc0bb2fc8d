// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"filippo.io/edwards25519"

	"maunium.net/go/mxverify/event"
	"maunium.net/go/mxverify/id"
)

var errQRCodeTransactionMismatch = errors.New("QR code is for a different transaction")

// shownQRCode is a QR code we generated for a ready request.
type shownQRCode struct {
	data   QRCodeData
	secret []byte
}

type qrTransaction struct {
	txnBase
	mode QRCodeMode
	// weScanned is true if we scanned the other device's code.
	weScanned bool
	// secret is the shared secret of the code that was scanned.
	secret []byte

	// Keys to mark as trusted once the other side confirms.
	trustDevice    bool
	trustMasterKey id.Ed25519
	trustMasterOf  id.UserID
}

var _ transaction = (*qrTransaction)(nil)

func (txn *qrTransaction) snapshot() VerificationTransaction {
	snapshot := txn.baseSnapshot()
	snapshot.QRCodeMode = txn.mode
	return snapshot
}

func (txn *qrTransaction) wipe() {
	for i := range txn.secret {
		txn.secret[i] = 0
	}
	txn.secret = nil
}

func (s *Service) dropShownQRCode(key requestKey) {
	if shown, ok := s.shownQRCodes[key]; ok {
		for i := range shown.secret {
			shown.secret[i] = 0
		}
		delete(s.shownQRCodes, key)
	}
}

// prepareQRCode generates the QR code to show if the other side can scan it
// and we know the keys needed for one of the modes.
func (s *Service) prepareQRCode(ctx context.Context, req *PendingRequest) {
	if !req.OtherCanScanQRCode() {
		return
	}
	log := s.getLog(ctx)
	data, err := s.qrCodeDataFor(ctx, *req)
	if err != nil {
		log.Err(err).Msg("Failed to get keys for QR code")
		return
	} else if data == nil {
		log.Debug().Msg("Not enough trusted keys to show a QR code")
		return
	}
	encoded, err := EncodeQRCode(data)
	if err != nil {
		log.Err(err).Msg("Failed to encode QR code")
		return
	}
	secret, _ := decodeUnpadded(data.Secret())
	s.shownQRCodes[req.key()] = &shownQRCode{data: data, secret: secret}
	req.QRCode = encoded
}

func (s *Service) qrCodeDataFor(ctx context.Context, req PendingRequest) (QRCodeData, error) {
	ownMasterKey, ownTrust, err := s.trust.GetMasterKey(ctx, s.own.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to get own master key: %w", err)
	}
	secret := GenerateSharedSecret()
	if req.OtherUserID != s.own.UserID {
		theirMasterKey, _, err := s.trust.GetMasterKey(ctx, req.OtherUserID)
		if err != nil {
			return nil, fmt.Errorf("failed to get master key of %s: %w", req.OtherUserID, err)
		} else if ownMasterKey == "" || !ownTrust.IsTrusted() || theirMasterKey == "" {
			return nil, nil
		}
		return VerifyingAnotherUser{
			TransactionID:                  req.TransactionID,
			UserMasterCrossSigningKey:      ownMasterKey,
			OtherUserMasterCrossSigningKey: theirMasterKey,
			SharedSecret:                   secret,
		}, nil
	} else if ownMasterKey == "" {
		return nil, nil
	} else if ownTrust.IsTrusted() {
		otherDevice, err := s.trust.GetDevice(ctx, s.own.UserID, req.OtherDeviceID)
		if err != nil {
			return nil, fmt.Errorf("failed to get other device: %w", err)
		} else if otherDevice == nil {
			return nil, nil
		}
		return SelfVerifyingMasterKeyTrusted{
			TransactionID:             req.TransactionID,
			UserMasterCrossSigningKey: ownMasterKey,
			OtherDeviceKey:            otherDevice.SigningKey,
			SharedSecret:              secret,
		}, nil
	}
	return SelfVerifyingMasterKeyNotTrusted{
		TransactionID:             req.TransactionID,
		DeviceKey:                 s.own.SigningKey,
		UserMasterCrossSigningKey: ownMasterKey,
		SharedSecret:              secret,
	}, nil
}

// UserHasScannedOtherQRCode handles the payload of a QR code shown by the
// other device. If the code is valid and matches the known keys, a
// reciprocate start event is sent and the transaction waits for the other
// side to confirm. Invalid codes cancel the request.
func (s *Service) UserHasScannedOtherQRCode(ctx context.Context, otherUserID id.UserID, txnID id.VerificationTransactionID, payload []byte) (retErr error) {
	log := s.getLog(ctx).With().
		Str("verification_action", "scanned qr code").
		Stringer("transaction_id", txnID).
		Logger()
	ctx = log.WithContext(ctx)
	s.locked(func() {
		req, ok := s.getRequest(otherUserID, txnID)
		if !ok {
			retErr = ErrUnknownVerificationRequest
			return
		} else if !req.IsReady() || !req.IsActionable() || !req.OtherCanShowQRCode() {
			retErr = ErrQRCodeNotExpected
			return
		} else if txn, exists := s.transactions[req.key()]; exists && !txn.base().state.IsTerminal() {
			retErr = ErrTransactionExists
			return
		}

		txn, code, err := s.checkScannedQRCode(ctx, req, payload)
		if err != nil {
			log.Warn().Err(err).Msg("Scanned QR code was rejected")
			s.cancelRequestLocked(ctx, req.LocalID, code, true)
			retErr = err
			return
		}
		s.addTransaction(txn)
		_, err = s.sendTxnEvent(ctx, txn, event.ToDeviceVerificationStart, &event.VerificationStartEventContent{
			FromDevice: s.own.DeviceID,
			Method:     event.VerificationMethodReciprocate,
			Secret:     txn.secret,
		})
		if err != nil {
			log.Err(err).Msg("Failed to send reciprocate start event")
		}
		log.Info().Stringer("mode", txn.mode).Msg("Scanned QR code, waiting for the other device to confirm")
	})
	return
}

// checkScannedQRCode decodes the payload and compares its keys with the ones we know.
func (s *Service) checkScannedQRCode(ctx context.Context, req PendingRequest, payload []byte) (*qrTransaction, event.VerificationCancelCode, error) {
	data, err := DecodeQRCode(payload)
	if err != nil {
		return nil, event.VerificationCancelCodeQRCodeInvalid, err
	} else if data.Transaction() != req.TransactionID {
		return nil, event.VerificationCancelCodeQRCodeInvalid, &QRDecodeError{errQRCodeTransactionMismatch}
	}
	for _, key := range []id.Ed25519{data.KeyA(), data.KeyB()} {
		if _, err = new(edwards25519.Point).SetBytes(key.Bytes()); err != nil {
			return nil, event.VerificationCancelCodeQRCodeInvalid, &QRDecodeError{fmt.Errorf("%w: %w", ErrInvalidQRCodeKey, err)}
		}
	}
	isSelf := req.OtherUserID == s.own.UserID
	if (data.Mode() == QRCodeModeCrossSigning) == isSelf {
		return nil, event.VerificationCancelCodeUserMismatch, fmt.Errorf("%w: mode %s can't be used with %s", ErrQRCodeKeyMismatch, data.Mode(), req.OtherUserID)
	}

	ownMasterKey, _, err := s.trust.GetMasterKey(ctx, s.own.UserID)
	if err != nil {
		return nil, event.VerificationCancelCodeUserError, err
	}
	txn := &qrTransaction{
		txnBase:   s.newTxnBase(req, event.VerificationMethodReciprocate, false, QRStateWaitingOtherReciprocateConfirm),
		mode:      data.Mode(),
		weScanned: true,
	}
	txn.secret, _ = decodeUnpadded(data.Secret())
	switch typedData := data.(type) {
	case VerifyingAnotherUser:
		theirMasterKey, _, err := s.trust.GetMasterKey(ctx, req.OtherUserID)
		if err != nil {
			return nil, event.VerificationCancelCodeUserError, err
		} else if !keysEqual(typedData.UserMasterCrossSigningKey, theirMasterKey) || !keysEqual(typedData.OtherUserMasterCrossSigningKey, ownMasterKey) {
			return nil, event.VerificationCancelCodeKeyMismatch, ErrQRCodeKeyMismatch
		}
		txn.trustMasterKey, txn.trustMasterOf = theirMasterKey, req.OtherUserID
	case SelfVerifyingMasterKeyTrusted:
		if !keysEqual(typedData.UserMasterCrossSigningKey, ownMasterKey) || !keysEqual(typedData.OtherDeviceKey, s.own.SigningKey) {
			return nil, event.VerificationCancelCodeKeyMismatch, ErrQRCodeKeyMismatch
		}
		txn.trustMasterKey, txn.trustMasterOf = ownMasterKey, s.own.UserID
	case SelfVerifyingMasterKeyNotTrusted:
		otherDevice, err := s.trust.GetDevice(ctx, s.own.UserID, req.OtherDeviceID)
		if err != nil {
			return nil, event.VerificationCancelCodeUserError, err
		} else if otherDevice == nil || !keysEqual(typedData.DeviceKey, otherDevice.SigningKey) || !keysEqual(typedData.UserMasterCrossSigningKey, ownMasterKey) {
			return nil, event.VerificationCancelCodeKeyMismatch, ErrQRCodeKeyMismatch
		}
		txn.trustDevice = true
	}
	return txn, "", nil
}

// onReciprocateStart handles the other device scanning our QR code.
func (s *Service) onReciprocateStart(ctx context.Context, req PendingRequest, content *event.VerificationStartEventContent) {
	log := s.getLog(ctx)
	shown, ok := s.shownQRCodes[req.key()]
	if !ok {
		log.Warn().Msg("Received reciprocate start but no QR code was shown")
		s.cancelRequestLocked(ctx, req.LocalID, event.VerificationCancelCodeUnknownMethod, true)
		return
	} else if txn, exists := s.transactions[req.key()]; exists && !txn.base().state.IsTerminal() {
		log.Warn().Msg("Received reciprocate start while a transaction is already in progress")
		s.cancelRequestLocked(ctx, req.LocalID, event.VerificationCancelCodeUnexpectedMessage, true)
		return
	} else if subtle.ConstantTimeCompare(shown.secret, content.Secret) != 1 {
		log.Warn().Msg("Reciprocated shared secret doesn't match")
		s.cancelRequestLocked(ctx, req.LocalID, event.VerificationCancelCodeQRCodeInvalid, true)
		return
	}
	txn := &qrTransaction{
		txnBase: s.newTxnBase(req, event.VerificationMethodReciprocate, true, QRStateScannedByOther),
		mode:    shown.data.Mode(),
		secret:  append([]byte(nil), shown.secret...),
	}
	switch typedData := shown.data.(type) {
	case VerifyingAnotherUser:
		txn.trustMasterKey, txn.trustMasterOf = typedData.OtherUserMasterCrossSigningKey, req.OtherUserID
	case SelfVerifyingMasterKeyTrusted:
		txn.trustDevice = true
	case SelfVerifyingMasterKeyNotTrusted:
		txn.trustMasterKey, txn.trustMasterOf = typedData.UserMasterCrossSigningKey, s.own.UserID
	}
	s.addTransaction(txn)
	log.Info().Stringer("mode", txn.mode).Msg("Other device scanned our QR code")
}

func (s *Service) qrTxnFor(otherUserID id.UserID, txnID id.VerificationTransactionID, state QRState) (*qrTransaction, bool) {
	txn, ok := s.transactions[requestKey{otherUserID, txnID}].(*qrTransaction)
	if !ok || txn.state != state {
		return nil, false
	}
	return txn, true
}

// OtherUserScannedMyQRCode confirms that the other device shows the
// confirmation of a successful scan. The keys are marked as trusted and a
// done event is sent.
func (s *Service) OtherUserScannedMyQRCode(ctx context.Context, otherUserID id.UserID, txnID id.VerificationTransactionID) (ok bool) {
	s.locked(func() {
		var txn *qrTransaction
		txn, ok = s.qrTxnFor(otherUserID, txnID, QRStateScannedByOther)
		if !ok {
			s.getLog(ctx).Warn().Stringer("transaction_id", txnID).Msg("No QR code transaction waiting for confirmation")
			return
		}
		s.finishQR(ctx, txn)
	})
	return
}

// OtherUserDidNotScanMyQRCode cancels the QR code transaction with m.key_mismatch.
func (s *Service) OtherUserDidNotScanMyQRCode(ctx context.Context, otherUserID id.UserID, txnID id.VerificationTransactionID) (ok bool) {
	s.locked(func() {
		var txn *qrTransaction
		txn, ok = s.qrTxnFor(otherUserID, txnID, QRStateScannedByOther)
		if ok {
			s.cancelTxn(ctx, txn, event.VerificationCancelCodeKeyMismatch)
		}
	})
	return
}

func (s *Service) onQRDone(ctx context.Context, txn *qrTransaction) {
	if !txn.weScanned || txn.state != QRStateWaitingOtherReciprocateConfirm {
		s.getLog(ctx).Debug().Stringer("state", txn.state).Msg("Ignoring done event for QR code transaction")
		return
	}
	s.finishQR(ctx, txn)
}

// finishQR marks the keys as trusted, sends the done event and concludes the transaction.
func (s *Service) finishQR(ctx context.Context, txn *qrTransaction) {
	log := s.getLog(ctx)
	if txn.trustDevice {
		if err := s.trust.MarkDeviceVerified(ctx, txn.key.userID, txn.otherDeviceID); err != nil {
			log.Err(err).Msg("Failed to mark device as verified")
		}
	}
	if txn.trustMasterKey != "" {
		if err := s.trust.MarkMasterKeyVerified(ctx, txn.trustMasterOf, txn.trustMasterKey); err != nil {
			log.Err(err).Msg("Failed to mark master key as verified")
		}
	}
	_, err := s.sendTxnEvent(ctx, txn, event.ToDeviceVerificationDone, &event.VerificationDoneEventContent{})
	if err != nil {
		log.Err(err).Msg("Failed to send done event")
	}
	s.markVerified(ctx, txn)
}
