// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"maunium.net/go/mxverify/id"
)

var ErrUnknownVerificationRequest = errors.New("unknown verification request")

// RequestStore persists verification requests. Transactions and their secrets are never stored.
type RequestStore interface {
	// PutRequest inserts or replaces the request with the same local ID.
	PutRequest(ctx context.Context, req PendingRequest) error
	// DeleteRequest deletes the request with the given local ID. Deleting an unknown request is not an error.
	DeleteRequest(ctx context.Context, localID string) error
	// GetRequest returns [ErrUnknownVerificationRequest] if there's no request with the given local ID.
	GetRequest(ctx context.Context, localID string) (PendingRequest, error)
	GetAllRequests(ctx context.Context) ([]PendingRequest, error)
}

// TrustStore provides the identity keys of users and devices and records trust in them.
type TrustStore interface {
	// GetDevice returns nil if the device is unknown.
	GetDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (*id.Device, error)
	GetDevices(ctx context.Context, userID id.UserID) ([]*id.Device, error)
	// GetMasterKey returns an empty key if the user has no known master key.
	GetMasterKey(ctx context.Context, userID id.UserID) (id.Ed25519, id.TrustState, error)

	MarkDeviceVerified(ctx context.Context, userID id.UserID, deviceID id.DeviceID) error
	MarkMasterKeyVerified(ctx context.Context, userID id.UserID, key id.Ed25519) error
}

type MemoryRequestStore struct {
	lock     sync.Mutex
	requests map[string]PendingRequest
}

var _ RequestStore = (*MemoryRequestStore)(nil)

func NewMemoryRequestStore() *MemoryRequestStore {
	return &MemoryRequestStore{requests: map[string]PendingRequest{}}
}

func (m *MemoryRequestStore) PutRequest(ctx context.Context, req PendingRequest) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.requests[req.LocalID] = req
	return nil
}

func (m *MemoryRequestStore) DeleteRequest(ctx context.Context, localID string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.requests, localID)
	return nil
}

func (m *MemoryRequestStore) GetRequest(ctx context.Context, localID string) (PendingRequest, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	req, ok := m.requests[localID]
	if !ok {
		return PendingRequest{}, ErrUnknownVerificationRequest
	}
	return req, nil
}

func (m *MemoryRequestStore) GetAllRequests(ctx context.Context) ([]PendingRequest, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	requests := make([]PendingRequest, 0, len(m.requests))
	for _, req := range m.requests {
		requests = append(requests, req)
	}
	return requests, nil
}

type masterKeyEntry struct {
	key   id.Ed25519
	trust id.TrustState
}

// MemoryTrustStore is a [TrustStore] that keeps everything in memory.
type MemoryTrustStore struct {
	lock       sync.RWMutex
	devices    map[id.UserID]map[id.DeviceID]*id.Device
	masterKeys map[id.UserID]masterKeyEntry
}

var _ TrustStore = (*MemoryTrustStore)(nil)

func NewMemoryTrustStore() *MemoryTrustStore {
	return &MemoryTrustStore{
		devices:    map[id.UserID]map[id.DeviceID]*id.Device{},
		masterKeys: map[id.UserID]masterKeyEntry{},
	}
}

// PutDevice adds or replaces a device.
func (m *MemoryTrustStore) PutDevice(device id.Device) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.devices[device.UserID] == nil {
		m.devices[device.UserID] = map[id.DeviceID]*id.Device{}
	}
	m.devices[device.UserID][device.DeviceID] = &device
}

// PutMasterKey sets the master key of a user.
func (m *MemoryTrustStore) PutMasterKey(userID id.UserID, key id.Ed25519, trust id.TrustState) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.masterKeys[userID] = masterKeyEntry{key, trust}
}

func (m *MemoryTrustStore) GetDevice(_ context.Context, userID id.UserID, deviceID id.DeviceID) (*id.Device, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	device, ok := m.devices[userID][deviceID]
	if !ok {
		return nil, nil
	}
	deviceCopy := *device
	return &deviceCopy, nil
}

func (m *MemoryTrustStore) GetDevices(_ context.Context, userID id.UserID) ([]*id.Device, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	devices := make([]*id.Device, 0, len(m.devices[userID]))
	for _, device := range m.devices[userID] {
		deviceCopy := *device
		devices = append(devices, &deviceCopy)
	}
	return devices, nil
}

func (m *MemoryTrustStore) GetMasterKey(_ context.Context, userID id.UserID) (id.Ed25519, id.TrustState, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	entry := m.masterKeys[userID]
	return entry.key, entry.trust, nil
}

func (m *MemoryTrustStore) MarkDeviceVerified(_ context.Context, userID id.UserID, deviceID id.DeviceID) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	device, ok := m.devices[userID][deviceID]
	if !ok {
		return fmt.Errorf("unknown device %s of %s", deviceID, userID)
	}
	device.Trust = id.TrustStateVerified
	return nil
}

func (m *MemoryTrustStore) MarkMasterKeyVerified(_ context.Context, userID id.UserID, key id.Ed25519) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	entry, ok := m.masterKeys[userID]
	if !ok || entry.key != key {
		return fmt.Errorf("master key of %s doesn't match", userID)
	}
	entry.trust = id.TrustStateVerified
	m.masterKeys[userID] = entry
	return nil
}
