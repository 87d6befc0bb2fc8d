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
)

// Tick cancels requests and transactions that have been idle for too long
// and drops finished requests after the retention period.
func (s *Service) Tick(ctx context.Context) {
	s.locked(func() {
		now := s.now()
		for _, req := range s.requests {
			s.checkTimeout(ctx, now, req)
		}
		s.dropStaleBuffered(now)
	})
}

func (s *Service) checkTimeout(ctx context.Context, now time.Time, req PendingRequest) {
	log := s.getLog(ctx).With().
		Str("local_id", req.LocalID).
		Stringer("transaction_id", req.TransactionID).
		Logger()
	if req.IsFinished() || req.HandledByOtherSession {
		if now.Sub(req.UpdatedAt.Time) > s.config.FinishedRetention {
			log.Debug().Msg("Dropping finished verification request")
			s.removeRequest(ctx, req)
		}
		return
	} else if !req.IsSent() {
		return
	}
	if !req.IsReady() {
		if !s.isExpired(req) {
			return
		} else if req.IsIncoming {
			log.Debug().Msg("Incoming verification request expired")
			s.expireRequestLocked(ctx, req)
		} else {
			log.Debug().Msg("Verification request expired")
			s.cancelRequestLocked(ctx, req.LocalID, event.VerificationCancelCodeTimeout, true)
		}
		return
	}
	lastActivity := req.UpdatedAt.Time
	if txn, ok := s.transactions[req.key()]; ok && txn.base().lastActivity.After(lastActivity) {
		lastActivity = txn.base().lastActivity
	}
	if now.Sub(lastActivity) > s.config.TransactionTimeout {
		log.Debug().Msg("Verification timed out")
		s.cancelRequestLocked(ctx, req.LocalID, event.VerificationCancelCodeTimeout, true)
	}
}

// expireRequestLocked concludes an unanswered incoming request with m.timeout
// without sending anything. It doesn't count as a cancellation by either side.
func (s *Service) expireRequestLocked(ctx context.Context, req PendingRequest) {
	req.CancelConclusion = event.VerificationCancelCodeTimeout
	s.putRequest(ctx, req, false)
	s.stats.Expired++
}

// Run calls Tick periodically until the context is cancelled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}
