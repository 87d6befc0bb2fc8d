// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package sqlverificationstore implements the verification request and trust
// stores on top of an SQL database (SQLite or Postgres).
package sqlverificationstore

import (
	"errors"
	"fmt"

	"go.mau.fi/util/dbutil"

	"maunium.net/go/mxverify/crypto/verification"
	"maunium.net/go/mxverify/sqlverificationstore/upgrades"
)

const VersionTableName = "mxverify_version"

var ErrMasterKeyMismatch = errors.New("master key doesn't match")

type SQLVerificationStore struct {
	*dbutil.Database

	requests   *dbutil.QueryHelper[*requestRow]
	devices    *dbutil.QueryHelper[*deviceRow]
	masterKeys *dbutil.QueryHelper[*masterKeyRow]
}

var (
	_ verification.RequestStore = (*SQLVerificationStore)(nil)
	_ verification.TrustStore   = (*SQLVerificationStore)(nil)
)

// New wraps the given database. The tables are created or upgraded by calling Upgrade.
func New(db *dbutil.Database, log dbutil.DatabaseLogger) *SQLVerificationStore {
	child := db.Child(VersionTableName, upgrades.Table, log)
	return &SQLVerificationStore{
		Database:   child,
		requests:   dbutil.MakeQueryHelper(child, newRequestRow),
		devices:    dbutil.MakeQueryHelper(child, newDeviceRow),
		masterKeys: dbutil.MakeQueryHelper(child, newMasterKeyRow),
	}
}

func newRequestRow(_ *dbutil.QueryHelper[*requestRow]) *requestRow {
	return &requestRow{}
}

func newDeviceRow(_ *dbutil.QueryHelper[*deviceRow]) *deviceRow {
	return &deviceRow{}
}

func newMasterKeyRow(_ *dbutil.QueryHelper[*masterKeyRow]) *masterKeyRow {
	return &masterKeyRow{}
}

func expectAffected(res interface{ RowsAffected() (int64, error) }, err error, notFound error) error {
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	} else if affected == 0 {
		return notFound
	}
	return nil
}
