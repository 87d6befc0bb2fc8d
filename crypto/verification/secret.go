// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification

import (
	"encoding/base64"

	"go.mau.fi/util/random"
)

const (
	sharedSecretBytes = 8
	// SharedSecretLength is the length of the strings returned by GenerateSharedSecret.
	SharedSecretLength = 11
)

// GenerateSharedSecret returns a random unpadded base64 secret for binding a
// QR code scan to a verification.
func GenerateSharedSecret() string {
	return base64.RawStdEncoding.EncodeToString(random.Bytes(sharedSecretBytes))
}
