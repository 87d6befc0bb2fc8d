// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package redisverificationstore implements a verification request store
// where requests expire from Redis on their own.
package redisverificationstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"maunium.net/go/mxverify/crypto/verification"
)

type RedisRequestStore struct {
	rdb    redis.UniversalClient
	prefix string
	// PendingTTL is how long unfinished requests are kept.
	PendingTTL time.Duration
	// FinishedTTL is how long finished requests are kept.
	FinishedTTL time.Duration
}

var _ verification.RequestStore = (*RedisRequestStore)(nil)

// New creates a request store with TTLs derived from the verification config.
func New(rdb redis.UniversalClient, prefix string, cfg verification.Config) *RedisRequestStore {
	if prefix == "" {
		prefix = "mxverify"
	}
	return &RedisRequestStore{
		rdb:         rdb,
		prefix:      prefix,
		PendingTTL:  cfg.RequestMaxAge + cfg.TransactionTimeout,
		FinishedTTL: cfg.FinishedRetention,
	}
}

func (r *RedisRequestStore) requestKey(localID string) string {
	return fmt.Sprintf("%s:request:%s", r.prefix, localID)
}

func (r *RedisRequestStore) indexKey() string {
	return r.prefix + ":requests"
}

func (r *RedisRequestStore) PutRequest(ctx context.Context, req verification.PendingRequest) error {
	data, err := json.Marshal(&req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	ttl := r.PendingTTL
	if req.IsFinished() {
		ttl = r.FinishedTTL
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.requestKey(req.LocalID), data, ttl)
		pipe.SAdd(ctx, r.indexKey(), req.LocalID)
		return nil
	})
	return err
}

func (r *RedisRequestStore) DeleteRequest(ctx context.Context, localID string) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.requestKey(localID))
		pipe.SRem(ctx, r.indexKey(), localID)
		return nil
	})
	return err
}

func (r *RedisRequestStore) GetRequest(ctx context.Context, localID string) (verification.PendingRequest, error) {
	data, err := r.rdb.Get(ctx, r.requestKey(localID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return verification.PendingRequest{}, verification.ErrUnknownVerificationRequest
	} else if err != nil {
		return verification.PendingRequest{}, err
	}
	var req verification.PendingRequest
	if err = json.Unmarshal(data, &req); err != nil {
		return verification.PendingRequest{}, fmt.Errorf("failed to unmarshal request %s: %w", localID, err)
	}
	return req, nil
}

// GetAllRequests returns all requests that haven't expired yet. Index entries
// of expired requests are removed.
func (r *RedisRequestStore) GetAllRequests(ctx context.Context) ([]verification.PendingRequest, error) {
	localIDs, err := r.rdb.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, err
	} else if len(localIDs) == 0 {
		return nil, nil
	}
	keys := make([]string, len(localIDs))
	for i, localID := range localIDs {
		keys[i] = r.requestKey(localID)
	}
	values, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	requests := make([]verification.PendingRequest, 0, len(values))
	var expired []any
	for i, value := range values {
		data, ok := value.(string)
		if !ok {
			expired = append(expired, localIDs[i])
			continue
		}
		var req verification.PendingRequest
		if err = json.Unmarshal([]byte(data), &req); err != nil {
			return nil, fmt.Errorf("failed to unmarshal request %s: %w", localIDs[i], err)
		}
		requests = append(requests, req)
	}
	if len(expired) > 0 {
		if err = r.rdb.SRem(ctx, r.indexKey(), expired...).Err(); err != nil {
			return requests, fmt.Errorf("failed to remove expired requests from index: %w", err)
		}
	}
	return requests, nil
}
