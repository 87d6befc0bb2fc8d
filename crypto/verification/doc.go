// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package verification implements interactive device verification between
// Matrix devices: verification requests, SAS (emoji and decimal) and QR code
// verification, over to-device or in-room transports.
//
// The [Service] is the entry point. Incoming verification events are passed
// to [Service.OnVerificationEvent] and outgoing events go through a [Sender].
// State changes are reported to [Listener]s.
package verification
