// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification

import (
	"time"

	"maunium.net/go/mxverify/event"
)

// Config contains the tunables of the verification service.
type Config struct {
	// Methods are the methods offered in requests and ready events by default.
	Methods []event.VerificationMethod `yaml:"methods"`

	// TransactionTimeout is how long a transaction (or a ready request without
	// a transaction) may stay idle before it's cancelled with m.timeout.
	TransactionTimeout time.Duration `yaml:"transaction_timeout"`
	// RequestMaxAge and RequestMaxFutureSkew define the validity window of requests that aren't ready yet.
	RequestMaxAge        time.Duration `yaml:"request_max_age"`
	RequestMaxFutureSkew time.Duration `yaml:"request_max_future_skew"`
	// FinishedRetention is how long finished requests stay visible before they're dropped.
	FinishedRetention time.Duration `yaml:"finished_retention"`
	// TickInterval is how often Run checks for timeouts.
	TickInterval time.Duration `yaml:"tick_interval"`

	// CancelOtherDevicesOnReady makes the requester send m.accepted cancellations
	// to the devices that didn't answer first.
	CancelOtherDevicesOnReady bool `yaml:"cancel_other_devices_on_ready"`
	// ConcludeHandledByOtherSession also concludes requests that another of our
	// devices answered, instead of only marking them.
	ConcludeHandledByOtherSession bool `yaml:"conclude_handled_by_other_session"`
}

func DefaultConfig() Config {
	return Config{
		Methods: []event.VerificationMethod{
			event.VerificationMethodSAS,
			event.VerificationMethodQRCodeShow,
			event.VerificationMethodQRCodeScan,
			event.VerificationMethodReciprocate,
		},
		TransactionTimeout:        10 * time.Minute,
		RequestMaxAge:             10 * time.Minute,
		RequestMaxFutureSkew:      5 * time.Minute,
		FinishedRetention:         10 * time.Minute,
		TickInterval:              30 * time.Second,
		CancelOtherDevicesOnReady: true,
	}
}

// fillDefaults replaces zero durations with the defaults.
func (cfg *Config) fillDefaults() {
	def := DefaultConfig()
	if len(cfg.Methods) == 0 {
		cfg.Methods = def.Methods
	}
	if cfg.TransactionTimeout <= 0 {
		cfg.TransactionTimeout = def.TransactionTimeout
	}
	if cfg.RequestMaxAge <= 0 {
		cfg.RequestMaxAge = def.RequestMaxAge
	}
	if cfg.RequestMaxFutureSkew <= 0 {
		cfg.RequestMaxFutureSkew = def.RequestMaxFutureSkew
	}
	if cfg.FinishedRetention <= 0 {
		cfg.FinishedRetention = def.FinishedRetention
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
}
