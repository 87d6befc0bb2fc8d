// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package sqlverificationstore

import (
	"context"
	"database/sql"
	"time"

	"go.mau.fi/util/dbutil"
	"go.mau.fi/util/jsontime"

	"maunium.net/go/mxverify/crypto/verification"
	"maunium.net/go/mxverify/event"
	"maunium.net/go/mxverify/id"
)

const (
	requestColumns = `
		local_id, transaction_id, other_user_id, other_device_id, room_id, target_devices, is_incoming,
		request_info, ready_info, cancel_conclusion, is_successful, handled_by_other_session,
		age_local_ts, updated_at
	`
	upsertRequestQuery = `
		INSERT INTO verification_request (` + requestColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (local_id) DO UPDATE
			SET transaction_id = excluded.transaction_id,
			    other_device_id = excluded.other_device_id,
			    target_devices = excluded.target_devices,
			    request_info = excluded.request_info,
			    ready_info = excluded.ready_info,
			    cancel_conclusion = excluded.cancel_conclusion,
			    is_successful = excluded.is_successful,
			    handled_by_other_session = excluded.handled_by_other_session,
			    updated_at = excluded.updated_at
	`
	deleteRequestQuery        = `DELETE FROM verification_request WHERE local_id = $1`
	getRequestQuery           = `SELECT ` + requestColumns + ` FROM verification_request WHERE local_id = $1`
	getAllRequestsQuery       = `SELECT ` + requestColumns + ` FROM verification_request ORDER BY age_local_ts`
	deleteFinishedBeforeQuery = `
		DELETE FROM verification_request
		WHERE (is_successful OR cancel_conclusion IS NOT NULL OR handled_by_other_session) AND updated_at < $1
	`
)

type requestRow struct {
	verification.PendingRequest
}

func (row *requestRow) Scan(scannable dbutil.Scannable) (*requestRow, error) {
	var txnID, otherDeviceID, roomID, cancelConclusion sql.NullString
	var ageLocalTS, updatedAt int64
	req := &row.PendingRequest
	err := scannable.Scan(
		&req.LocalID, &txnID, &req.OtherUserID, &otherDeviceID, &roomID,
		dbutil.JSON{Data: &req.TargetDevices}, &req.IsIncoming,
		dbutil.JSON{Data: &req.RequestInfo}, dbutil.JSON{Data: &req.ReadyInfo},
		&cancelConclusion, &req.IsSuccessful, &req.HandledByOtherSession,
		&ageLocalTS, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	req.TransactionID = id.VerificationTransactionID(txnID.String)
	req.OtherDeviceID = id.DeviceID(otherDeviceID.String)
	req.RoomID = id.RoomID(roomID.String)
	req.CancelConclusion = event.VerificationCancelCode(cancelConclusion.String)
	req.AgeLocalTS = jsontime.UnixMilli{Time: time.UnixMilli(ageLocalTS)}
	req.UpdatedAt = jsontime.UnixMilli{Time: time.UnixMilli(updatedAt)}
	return row, nil
}

func (row *requestRow) sqlVariables() []any {
	req := &row.PendingRequest
	var targetDevices, requestInfo, readyInfo any
	if len(req.TargetDevices) > 0 {
		targetDevices = dbutil.JSON{Data: req.TargetDevices}
	}
	if req.RequestInfo != nil {
		requestInfo = dbutil.JSON{Data: req.RequestInfo}
	}
	if req.ReadyInfo != nil {
		readyInfo = dbutil.JSON{Data: req.ReadyInfo}
	}
	return []any{
		req.LocalID, dbutil.StrPtr(req.TransactionID), req.OtherUserID, dbutil.StrPtr(req.OtherDeviceID),
		dbutil.StrPtr(req.RoomID), targetDevices, req.IsIncoming,
		requestInfo, readyInfo, dbutil.StrPtr(req.CancelConclusion), req.IsSuccessful, req.HandledByOtherSession,
		req.AgeLocalTS.UnixMilli(), req.UpdatedAt.UnixMilli(),
	}
}

func (store *SQLVerificationStore) PutRequest(ctx context.Context, req verification.PendingRequest) error {
	return store.requests.Exec(ctx, upsertRequestQuery, (&requestRow{req}).sqlVariables()...)
}

func (store *SQLVerificationStore) DeleteRequest(ctx context.Context, localID string) error {
	return store.requests.Exec(ctx, deleteRequestQuery, localID)
}

func (store *SQLVerificationStore) GetRequest(ctx context.Context, localID string) (verification.PendingRequest, error) {
	row, err := store.requests.QueryOne(ctx, getRequestQuery, localID)
	if err != nil {
		return verification.PendingRequest{}, err
	} else if row == nil {
		return verification.PendingRequest{}, verification.ErrUnknownVerificationRequest
	}
	return row.PendingRequest, nil
}

func (store *SQLVerificationStore) GetAllRequests(ctx context.Context) ([]verification.PendingRequest, error) {
	rows, err := store.requests.QueryMany(ctx, getAllRequestsQuery)
	if err != nil {
		return nil, err
	}
	requests := make([]verification.PendingRequest, len(rows))
	for i, row := range rows {
		requests[i] = row.PendingRequest
	}
	return requests, nil
}

// DeleteFinishedBefore removes concluded requests that were last updated before the given time.
func (store *SQLVerificationStore) DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := store.Exec(ctx, deleteFinishedBeforeQuery, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
