// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package sqlverificationstore

import (
	"context"
	"fmt"

	"go.mau.fi/util/dbutil"

	"maunium.net/go/mxverify/id"
)

const (
	// The stored trust is kept as long as the signing key doesn't change.
	upsertDeviceQuery = `
		INSERT INTO verification_device (user_id, device_id, signing_key, trust)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, device_id) DO UPDATE
			SET trust = CASE
			        WHEN verification_device.signing_key = excluded.signing_key THEN verification_device.trust
			        ELSE excluded.trust
			    END,
			    signing_key = excluded.signing_key
	`
	getDeviceQuery          = `SELECT user_id, device_id, signing_key, trust FROM verification_device WHERE user_id = $1 AND device_id = $2`
	getDevicesQuery         = `SELECT user_id, device_id, signing_key, trust FROM verification_device WHERE user_id = $1 ORDER BY device_id`
	markDeviceVerifiedQuery = `UPDATE verification_device SET trust = $3 WHERE user_id = $1 AND device_id = $2`
	deleteDeviceQuery       = `DELETE FROM verification_device WHERE user_id = $1 AND device_id = $2`

	upsertMasterKeyQuery = `
		INSERT INTO verification_master_key (user_id, master_key, trust)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
			SET trust = CASE
			        WHEN verification_master_key.master_key = excluded.master_key THEN verification_master_key.trust
			        ELSE excluded.trust
			    END,
			    master_key = excluded.master_key
	`
	getMasterKeyQuery          = `SELECT user_id, master_key, trust FROM verification_master_key WHERE user_id = $1`
	markMasterKeyVerifiedQuery = `UPDATE verification_master_key SET trust = $3 WHERE user_id = $1 AND master_key = $2`
)

type deviceRow struct {
	id.Device
}

func (row *deviceRow) Scan(scannable dbutil.Scannable) (*deviceRow, error) {
	err := scannable.Scan(&row.UserID, &row.DeviceID, &row.SigningKey, &row.Trust)
	if err != nil {
		return nil, err
	}
	return row, nil
}

type masterKeyRow struct {
	UserID id.UserID
	Key    id.Ed25519
	Trust  id.TrustState
}

func (row *masterKeyRow) Scan(scannable dbutil.Scannable) (*masterKeyRow, error) {
	err := scannable.Scan(&row.UserID, &row.Key, &row.Trust)
	if err != nil {
		return nil, err
	}
	return row, nil
}

// PutDevice stores the identity key of a device. The stored trust state is
// only replaced if the signing key changed.
func (store *SQLVerificationStore) PutDevice(ctx context.Context, device id.Device) error {
	return store.devices.Exec(ctx, upsertDeviceQuery, device.UserID, device.DeviceID, device.SigningKey, int(device.Trust))
}

func (store *SQLVerificationStore) DeleteDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) error {
	return store.devices.Exec(ctx, deleteDeviceQuery, userID, deviceID)
}

func (store *SQLVerificationStore) GetDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (*id.Device, error) {
	row, err := store.devices.QueryOne(ctx, getDeviceQuery, userID, deviceID)
	if err != nil || row == nil {
		return nil, err
	}
	return &row.Device, nil
}

func (store *SQLVerificationStore) GetDevices(ctx context.Context, userID id.UserID) ([]*id.Device, error) {
	rows, err := store.devices.QueryMany(ctx, getDevicesQuery, userID)
	if err != nil {
		return nil, err
	}
	devices := make([]*id.Device, len(rows))
	for i, row := range rows {
		devices[i] = &row.Device
	}
	return devices, nil
}

func (store *SQLVerificationStore) MarkDeviceVerified(ctx context.Context, userID id.UserID, deviceID id.DeviceID) error {
	res, err := store.Exec(ctx, markDeviceVerifiedQuery, userID, deviceID, int(id.TrustStateVerified))
	return expectAffected(res, err, fmt.Errorf("unknown device %s of %s", deviceID, userID))
}

// PutMasterKey stores the master cross-signing key of a user. The stored
// trust state is only replaced if the key changed.
func (store *SQLVerificationStore) PutMasterKey(ctx context.Context, userID id.UserID, key id.Ed25519, trust id.TrustState) error {
	return store.masterKeys.Exec(ctx, upsertMasterKeyQuery, userID, key, int(trust))
}

func (store *SQLVerificationStore) GetMasterKey(ctx context.Context, userID id.UserID) (id.Ed25519, id.TrustState, error) {
	row, err := store.masterKeys.QueryOne(ctx, getMasterKeyQuery, userID)
	if err != nil || row == nil {
		return "", id.TrustStateUnset, err
	}
	return row.Key, row.Trust, nil
}

func (store *SQLVerificationStore) MarkMasterKeyVerified(ctx context.Context, userID id.UserID, key id.Ed25519) error {
	res, err := store.Exec(ctx, markMasterKeyVerifiedQuery, userID, key, int(id.TrustStateVerified))
	return expectAffected(res, err, fmt.Errorf("%w for %s", ErrMasterKeyMismatch, userID))
}
