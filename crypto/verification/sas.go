// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"strings"

	"golang.org/x/exp/slices"

	"maunium.net/go/mxverify/crypto/canonicaljson"
	"maunium.net/go/mxverify/crypto/sas"
	"maunium.net/go/mxverify/event"
	"maunium.net/go/mxverify/id"
)

var (
	supportedMACMethods = []event.MACMethod{event.MACMethodHKDFHMACSHA256V2, event.MACMethodHKDFHMACSHA256}
	supportedSASMethods = []event.SASMethod{event.SASMethodDecimal, event.SASMethodEmoji}
)

type sasTransaction struct {
	txnBase
	weStarted    bool
	keyAgreement KeyAgreement

	// startContent is the canonical JSON of the start event as it was sent.
	startContent []byte
	// commitment is the hash the other side committed to in its accept event.
	commitment []byte

	macMethod  event.MACMethod
	sasMethods []event.SASMethod
	theirKey   []byte
	sasBytes   []byte

	theirMAC     *event.VerificationMACEventContent
	doneReceived bool

	verifiedDevice    bool
	verifiedMasterKey id.Ed25519
}

var _ transaction = (*sasTransaction)(nil)

func (txn *sasTransaction) snapshot() VerificationTransaction {
	snapshot := txn.baseSnapshot()
	if len(txn.sasBytes) == sasBytesLength {
		decimals := DecimalSAS(txn.sasBytes)
		snapshot.Decimals = decimals[:]
		if slices.Contains(txn.sasMethods, event.SASMethodEmoji) {
			emojis := EmojiSAS(txn.sasBytes)
			snapshot.Emojis = emojis[:]
		}
	}
	return snapshot
}

func (txn *sasTransaction) wipe() {
	if txn.keyAgreement != nil {
		txn.keyAgreement.Wipe()
	}
	sas.Wipe(txn.sasBytes)
	txn.sasBytes = nil
	txn.commitment = nil
	txn.theirMAC = nil
}

func (s *Service) newSASTransaction(req PendingRequest, weStarted bool, state SASState) (*sasTransaction, error) {
	keyAgreement, err := s.NewKeyAgreement()
	if err != nil {
		return nil, err
	}
	return &sasTransaction{
		txnBase:      s.newTxnBase(req, event.VerificationMethodSAS, !weStarted, state),
		weStarted:    weStarted,
		keyAgreement: keyAgreement,
	}, nil
}

func (s *Service) sasTxnFor(ctx context.Context, req PendingRequest) *sasTransaction {
	txn, ok := s.transactions[req.key()]
	if !ok {
		s.getLog(ctx).Warn().Msg("Received SAS event without a transaction")
		s.cancelRequestLocked(ctx, req.LocalID, event.VerificationCancelCodeUnexpectedMessage, true)
		return nil
	} else if txn.base().state.IsTerminal() {
		return nil
	}
	sasTxn, ok := txn.(*sasTransaction)
	if !ok {
		s.getLog(ctx).Warn().Msg("Received SAS event for a QR code transaction")
		s.cancelRequestLocked(ctx, req.LocalID, event.VerificationCancelCodeUnexpectedMessage, true)
		return nil
	}
	return sasTxn
}

// startSAS creates a SAS transaction as the starting side and sends the start event.
func (s *Service) startSAS(ctx context.Context, req PendingRequest) {
	log := s.getLog(ctx)
	txn, err := s.newSASTransaction(req, true, SASStateSendingStart)
	if err != nil {
		log.Err(err).Msg("Failed to create key agreement")
		s.cancelRequestLocked(ctx, req.LocalID, event.VerificationCancelCodeUserError, true)
		return
	}
	s.addTransaction(txn)
	raw, err := s.sendTxnEvent(ctx, txn, event.ToDeviceVerificationStart, &event.VerificationStartEventContent{
		FromDevice:                 s.own.DeviceID,
		Method:                     event.VerificationMethodSAS,
		Hashes:                     []event.VerificationHashMethod{event.VerificationHashMethodSHA256},
		KeyAgreementProtocols:      []event.KeyAgreementProtocol{event.KeyAgreementProtocolCurve25519HKDFSHA256},
		MessageAuthenticationCodes: supportedMACMethods,
		ShortAuthenticationString:  supportedSASMethods,
	})
	if err != nil {
		log.Err(err).Msg("Failed to send start event")
		if raw == nil {
			s.cancelTxn(ctx, txn, event.VerificationCancelCodeUserError)
			return
		}
	}
	txn.startContent, err = canonicaljson.CanonicalJSON(raw)
	if err != nil {
		log.Err(err).Msg("Failed to canonicalize start event")
		s.cancelTxn(ctx, txn, event.VerificationCancelCodeUserError)
		return
	}
	s.setState(ctx, txn, SASStateStarted)
}

// theyWinStartCollision decides which start event wins when both sides
// started at the same time: the one from the lexicographically smaller user
// (and device) ID.
func (s *Service) theyWinStartCollision(req PendingRequest) bool {
	if req.OtherUserID != s.own.UserID {
		return req.OtherUserID < s.own.UserID
	}
	return req.OtherDeviceID < s.own.DeviceID
}

func (s *Service) onSASStart(ctx context.Context, req PendingRequest, rawContent json.RawMessage, content *event.VerificationStartEventContent) {
	log := s.getLog(ctx)
	if existing, ok := s.transactions[req.key()]; ok && !existing.base().state.IsTerminal() {
		existingSAS, isSAS := existing.(*sasTransaction)
		if !isSAS || !existingSAS.weStarted || existingSAS.state != SASStateStarted {
			log.Warn().Msg("Received start event while a transaction is already in progress")
			s.cancelRequestLocked(ctx, req.LocalID, event.VerificationCancelCodeUnexpectedMessage, true)
			return
		} else if !s.theyWinStartCollision(req) {
			log.Debug().Msg("Ignoring start event that lost the start collision")
			return
		}
		log.Debug().Msg("Other side won the start collision, accepting their start event")
	}

	if !slices.Contains(content.KeyAgreementProtocols, event.KeyAgreementProtocolCurve25519HKDFSHA256) ||
		!slices.Contains(content.Hashes, event.VerificationHashMethodSHA256) {
		log.Warn().Msg("No supported key agreement protocol or hash method")
		s.cancelRequestLocked(ctx, req.LocalID, event.VerificationCancelCodeUnknownMethod, true)
		return
	}
	var macMethod event.MACMethod
	for _, method := range supportedMACMethods {
		if slices.Contains(content.MessageAuthenticationCodes, method) {
			macMethod = method
			break
		}
	}
	var sasMethods []event.SASMethod
	for _, method := range supportedSASMethods {
		if slices.Contains(content.ShortAuthenticationString, method) {
			sasMethods = append(sasMethods, method)
		}
	}
	if macMethod == "" || !slices.Contains(sasMethods, event.SASMethodDecimal) {
		log.Warn().Msg("No supported MAC or short authentication string method")
		s.cancelRequestLocked(ctx, req.LocalID, event.VerificationCancelCodeUnknownMethod, true)
		return
	}
	startContent, err := canonicaljson.CanonicalJSON(rawContent)
	if err != nil {
		log.Err(err).Msg("Failed to canonicalize start event")
		s.cancelRequestLocked(ctx, req.LocalID, event.VerificationCancelCodeInvalidMessage, true)
		return
	}

	txn, err := s.newSASTransaction(req, false, SASStateOnStarted)
	if err != nil {
		log.Err(err).Msg("Failed to create key agreement")
		s.cancelRequestLocked(ctx, req.LocalID, event.VerificationCancelCodeUserError, true)
		return
	}
	txn.startContent = startContent
	txn.macMethod = macMethod
	txn.sasMethods = sasMethods
	s.addTransaction(txn)

	s.setState(ctx, txn, SASStateSendingAccept)
	_, err = s.sendTxnEvent(ctx, txn, event.ToDeviceVerificationAccept, &event.VerificationAcceptEventContent{
		Commitment:                sas.Commitment(base64.RawStdEncoding.EncodeToString(txn.keyAgreement.PublicKey()), startContent),
		Hash:                      event.VerificationHashMethodSHA256,
		KeyAgreementProtocol:      event.KeyAgreementProtocolCurve25519HKDFSHA256,
		MessageAuthenticationCode: macMethod,
		ShortAuthenticationString: sasMethods,
	})
	if err != nil {
		log.Err(err).Msg("Failed to send accept event")
	}
	s.setState(ctx, txn, SASStateAccepted)
}

func (s *Service) onSASAccept(ctx context.Context, txn *sasTransaction, content *event.VerificationAcceptEventContent) {
	log := s.getLog(ctx)
	if !txn.weStarted || txn.state != SASStateStarted {
		log.Warn().Stringer("state", txn.state).Msg("Received unexpected accept event")
		s.cancelTxn(ctx, txn, event.VerificationCancelCodeUnexpectedMessage)
		return
	}
	if content.KeyAgreementProtocol != event.KeyAgreementProtocolCurve25519HKDFSHA256 ||
		content.Hash != event.VerificationHashMethodSHA256 ||
		!slices.Contains(supportedMACMethods, content.MessageAuthenticationCode) ||
		!slices.Contains(content.ShortAuthenticationString, event.SASMethodDecimal) ||
		len(content.Commitment) == 0 {
		log.Warn().Msg("Accept event chose unsupported methods")
		s.cancelTxn(ctx, txn, event.VerificationCancelCodeUnknownMethod)
		return
	}
	for _, method := range content.ShortAuthenticationString {
		if slices.Contains(supportedSASMethods, method) {
			txn.sasMethods = append(txn.sasMethods, method)
		}
	}
	txn.commitment = content.Commitment
	txn.macMethod = content.MessageAuthenticationCode
	s.setState(ctx, txn, SASStateOnAccepted)

	s.setState(ctx, txn, SASStateSendingKey)
	_, err := s.sendTxnEvent(ctx, txn, event.ToDeviceVerificationKey, &event.VerificationKeyEventContent{
		Key: txn.keyAgreement.PublicKey(),
	})
	if err != nil {
		log.Err(err).Msg("Failed to send key event")
	}
	s.setState(ctx, txn, SASStateKeySent)
}

func (s *Service) onSASKey(ctx context.Context, txn *sasTransaction, content *event.VerificationKeyEventContent) {
	log := s.getLog(ctx)
	if txn.theirKey != nil {
		log.Warn().Msg("Received duplicate key event")
		s.cancelTxn(ctx, txn, event.VerificationCancelCodeUnexpectedMessage)
		return
	}
	if txn.weStarted {
		if txn.state != SASStateKeySent {
			log.Warn().Stringer("state", txn.state).Msg("Received unexpected key event")
			s.cancelTxn(ctx, txn, event.VerificationCancelCodeUnexpectedMessage)
			return
		}
		expected := sas.Commitment(base64.RawStdEncoding.EncodeToString(content.Key), txn.startContent)
		if subtle.ConstantTimeCompare(expected, txn.commitment) != 1 {
			log.Warn().Msg("Key doesn't match the commitment")
			s.cancelTxn(ctx, txn, event.VerificationCancelCodeCommitmentMismatch)
			return
		}
	} else if txn.state != SASStateAccepted {
		log.Warn().Stringer("state", txn.state).Msg("Received unexpected key event")
		s.cancelTxn(ctx, txn, event.VerificationCancelCodeUnexpectedMessage)
		return
	}
	if err := txn.keyAgreement.SetTheirKey(content.Key); err != nil {
		log.Err(err).Msg("Invalid key in key event")
		s.cancelTxn(ctx, txn, event.VerificationCancelCodeInvalidMessage)
		return
	}
	txn.theirKey = content.Key

	if !txn.weStarted {
		s.setState(ctx, txn, SASStateSendingKey)
		_, err := s.sendTxnEvent(ctx, txn, event.ToDeviceVerificationKey, &event.VerificationKeyEventContent{
			Key: txn.keyAgreement.PublicKey(),
		})
		if err != nil {
			log.Err(err).Msg("Failed to send key event")
		}
		s.setState(ctx, txn, SASStateKeySent)
	}
	s.setState(ctx, txn, SASStateOnKeyReceived)

	own := sasParty{s.own.UserID, s.own.DeviceID, txn.keyAgreement.PublicKey()}
	other := sasParty{txn.key.userID, txn.otherDeviceID, txn.theirKey}
	info := sasInfo(other, own, txn.key.txnID)
	if txn.weStarted {
		info = sasInfo(own, other, txn.key.txnID)
	}
	sasBytes, err := txn.keyAgreement.GenerateBytes(info, sasBytesLength)
	if err != nil {
		log.Err(err).Msg("Failed to generate short authentication string")
		s.cancelTxn(ctx, txn, event.VerificationCancelCodeUserError)
		return
	}
	txn.sasBytes = sasBytes
	s.setState(ctx, txn, SASStateShortCodeReady)
}

// UserHasVerifiedShortCode confirms that the short codes match on both
// devices and sends the MAC of our keys.
func (s *Service) UserHasVerifiedShortCode(ctx context.Context, otherUserID id.UserID, txnID id.VerificationTransactionID) (ok bool) {
	s.locked(func() {
		txn, found := s.transactions[requestKey{otherUserID, txnID}].(*sasTransaction)
		if !found || txn.state != SASStateShortCodeReady {
			s.getLog(ctx).Warn().Stringer("transaction_id", txnID).Msg("No SAS transaction waiting for short code confirmation")
			return
		}
		s.setState(ctx, txn, SASStateShortCodeAccepted)
		s.sendSASMAC(ctx, txn)
		ok = true
		if txn.theirMAC != nil && !txn.state.IsTerminal() {
			s.verifySASMAC(ctx, txn, txn.theirMAC)
		}
	})
	return
}

// ShortCodeDoesNotMatch cancels the SAS transaction with m.mismatched_sas.
func (s *Service) ShortCodeDoesNotMatch(ctx context.Context, otherUserID id.UserID, txnID id.VerificationTransactionID) (ok bool) {
	s.locked(func() {
		txn, found := s.transactions[requestKey{otherUserID, txnID}].(*sasTransaction)
		if !found || txn.state.IsTerminal() {
			return
		}
		s.cancelTxn(ctx, txn, event.VerificationCancelCodeSASMismatch)
		ok = true
	})
	return
}

func (s *Service) sendSASMAC(ctx context.Context, txn *sasTransaction) {
	log := s.getLog(ctx)
	s.setState(ctx, txn, SASStateSendingMAC)
	keys := map[id.KeyID]id.Ed25519{
		id.NewKeyID(id.KeyAlgorithmEd25519, s.own.DeviceID.String()): s.own.SigningKey,
	}
	masterKey, trust, err := s.trust.GetMasterKey(ctx, s.own.UserID)
	if err != nil {
		log.Err(err).Msg("Failed to get own master key")
	} else if masterKey != "" && trust.IsTrusted() {
		keys[id.NewKeyID(id.KeyAlgorithmEd25519, masterKey.String())] = masterKey
	}

	content := &event.VerificationMACEventContent{MAC: map[id.KeyID]string{}}
	keyIDs := make([]string, 0, len(keys))
	for keyID, key := range keys {
		mac, err := txn.keyAgreement.CalculateMAC([]byte(key), macInfo(s.own.UserID, s.own.DeviceID, txn.key.userID, txn.otherDeviceID, txn.key.txnID, keyID.String()))
		if err != nil {
			log.Err(err).Msg("Failed to calculate key MAC")
			s.cancelTxn(ctx, txn, event.VerificationCancelCodeUserError)
			return
		}
		content.MAC[keyID] = encodeMAC(txn.macMethod, mac)
		keyIDs = append(keyIDs, keyID.String())
	}
	slices.Sort(keyIDs)
	keysMAC, err := txn.keyAgreement.CalculateMAC([]byte(strings.Join(keyIDs, ",")), macInfo(s.own.UserID, s.own.DeviceID, txn.key.userID, txn.otherDeviceID, txn.key.txnID, "KEY_IDS"))
	if err != nil {
		log.Err(err).Msg("Failed to calculate key list MAC")
		s.cancelTxn(ctx, txn, event.VerificationCancelCodeUserError)
		return
	}
	content.Keys = encodeMAC(txn.macMethod, keysMAC)
	_, err = s.sendTxnEvent(ctx, txn, event.ToDeviceVerificationMAC, content)
	if err != nil {
		log.Err(err).Msg("Failed to send MAC event")
	}
	s.setState(ctx, txn, SASStateMACSent)
}

func (s *Service) onSASMAC(ctx context.Context, txn *sasTransaction, content *event.VerificationMACEventContent) {
	log := s.getLog(ctx)
	switch {
	case txn.theirMAC != nil:
		log.Warn().Msg("Received duplicate MAC event")
		s.cancelTxn(ctx, txn, event.VerificationCancelCodeUnexpectedMessage)
	case txn.state == SASStateShortCodeReady:
		// The user hasn't confirmed the short code yet
		txn.theirMAC = content
		txn.lastActivity = s.now()
	case txn.state == SASStateMACSent:
		s.verifySASMAC(ctx, txn, content)
	default:
		log.Warn().Stringer("state", txn.state).Msg("Received unexpected MAC event")
		s.cancelTxn(ctx, txn, event.VerificationCancelCodeUnexpectedMessage)
	}
}

func (s *Service) verifySASMAC(ctx context.Context, txn *sasTransaction, content *event.VerificationMACEventContent) {
	log := s.getLog(ctx)
	txn.theirMAC = content
	info := func(keyID string) []byte {
		return macInfo(txn.key.userID, txn.otherDeviceID, s.own.UserID, s.own.DeviceID, txn.key.txnID, keyID)
	}
	checkMAC := func(input []byte, keyID, received string) bool {
		mac, err := txn.keyAgreement.CalculateMAC(input, info(keyID))
		if err != nil {
			log.Err(err).Msg("Failed to calculate MAC")
			return false
		}
		return subtle.ConstantTimeCompare([]byte(encodeMAC(txn.macMethod, mac)), []byte(received)) == 1
	}

	keyIDs := make([]string, 0, len(content.MAC))
	for keyID := range content.MAC {
		keyIDs = append(keyIDs, keyID.String())
	}
	slices.Sort(keyIDs)
	if !checkMAC([]byte(strings.Join(keyIDs, ",")), "KEY_IDS", content.Keys) {
		log.Warn().Msg("MAC of key list doesn't match")
		s.cancelTxn(ctx, txn, event.VerificationCancelCodeSASMismatch)
		return
	}

	device, err := s.trust.GetDevice(ctx, txn.key.userID, txn.otherDeviceID)
	if err != nil {
		log.Err(err).Msg("Failed to get other device")
		s.cancelTxn(ctx, txn, event.VerificationCancelCodeUserError)
		return
	}
	masterKey, _, err := s.trust.GetMasterKey(ctx, txn.key.userID)
	if err != nil {
		log.Err(err).Msg("Failed to get master key of other user")
		s.cancelTxn(ctx, txn, event.VerificationCancelCodeUserError)
		return
	}
	var verifiedAny bool
	for keyID, mac := range content.MAC {
		algorithm, keyName := keyID.Parse()
		if algorithm != id.KeyAlgorithmEd25519 {
			continue
		}
		var key id.Ed25519
		if device != nil && keyName == txn.otherDeviceID.String() {
			key = device.SigningKey
		} else if masterKey != "" && keyName == masterKey.String() {
			key = masterKey
		} else {
			log.Debug().Stringer("key_id", keyID).Msg("Ignoring MAC of unknown key")
			continue
		}
		if !checkMAC([]byte(key), keyID.String(), mac) {
			log.Warn().Stringer("key_id", keyID).Msg("Key MAC doesn't match")
			s.cancelTxn(ctx, txn, event.VerificationCancelCodeKeyMismatch)
			return
		}
		if key == masterKey {
			txn.verifiedMasterKey = masterKey
		} else {
			txn.verifiedDevice = true
		}
		verifiedAny = true
	}
	if !verifiedAny {
		log.Warn().Msg("MAC event didn't contain any known keys")
		s.cancelTxn(ctx, txn, event.VerificationCancelCodeKeyMismatch)
		return
	}

	s.setState(ctx, txn, SASStateVerifying)
	_, err = s.sendTxnEvent(ctx, txn, event.ToDeviceVerificationDone, &event.VerificationDoneEventContent{})
	if err != nil {
		log.Err(err).Msg("Failed to send done event")
	}
	if txn.doneReceived {
		s.finishSAS(ctx, txn)
	}
}

func (s *Service) onSASDone(ctx context.Context, txn *sasTransaction) {
	switch {
	case txn.state == SASStateVerifying:
		s.finishSAS(ctx, txn)
	case stateOrder(txn.state) >= stateOrder(SASStateShortCodeReady):
		txn.doneReceived = true
	default:
		s.getLog(ctx).Warn().Stringer("state", txn.state).Msg("Received unexpected done event")
		s.cancelTxn(ctx, txn, event.VerificationCancelCodeUnexpectedMessage)
	}
}

// finishSAS marks the keys whose MACs were verified as trusted.
func (s *Service) finishSAS(ctx context.Context, txn *sasTransaction) {
	log := s.getLog(ctx)
	if txn.verifiedDevice {
		if err := s.trust.MarkDeviceVerified(ctx, txn.key.userID, txn.otherDeviceID); err != nil {
			log.Err(err).Msg("Failed to mark device as verified")
		}
	}
	if txn.verifiedMasterKey != "" {
		if err := s.trust.MarkMasterKeyVerified(ctx, txn.key.userID, txn.verifiedMasterKey); err != nil {
			log.Err(err).Msg("Failed to mark master key as verified")
		}
	}
	s.markVerified(ctx, txn)
}

// keysEqual compares two unpadded base64 keys by their decoded bytes.
func keysEqual(a, b id.Ed25519) bool {
	aBytes, bBytes := a.Bytes(), b.Bytes()
	return aBytes != nil && bytes.Equal(aBytes, bBytes)
}
