// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mockserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.mau.fi/util/random"

	"maunium.net/go/mxverify/event"
	"maunium.net/go/mxverify/id"
)

// EventHandler receives the events delivered to a device.
type EventHandler func(ctx context.Context, evt *event.Event)

// Interceptor can modify or drop (by returning nil) an event before it's delivered.
type Interceptor func(evt *event.Event, toUser id.UserID, toDevice id.DeviceID) *event.Event

type deviceKey struct {
	userID   id.UserID
	deviceID id.DeviceID
}

type delivery struct {
	to  deviceKey
	evt *event.Event
}

// Hub is an in-memory homeserver that routes to-device and room events
// between registered devices. Events are queued until Dispatch is called.
type Hub struct {
	lock     sync.Mutex
	devices  map[id.UserID][]id.DeviceID
	handlers map[deviceKey]EventHandler
	rooms    map[id.RoomID][]id.UserID
	queue    []delivery

	// DeviceInbox contains every event that was queued for each device, including already dispatched ones.
	DeviceInbox map[id.UserID]map[id.DeviceID][]*event.Event
	Intercept   Interceptor
	// Autodispatch delivers events in a goroutine as soon as they're sent instead of waiting for Dispatch.
	Autodispatch bool
}

func NewHub() *Hub {
	return &Hub{
		devices:     map[id.UserID][]id.DeviceID{},
		handlers:    map[deviceKey]EventHandler{},
		rooms:       map[id.RoomID][]id.UserID{},
		DeviceInbox: map[id.UserID]map[id.DeviceID][]*event.Event{},
	}
}

// Register adds a device to the hub and returns a sender that sends as that device.
func (h *Hub) Register(userID id.UserID, deviceID id.DeviceID, handler EventHandler) *HubSender {
	h.lock.Lock()
	defer h.lock.Unlock()
	key := deviceKey{userID, deviceID}
	if _, exists := h.handlers[key]; !exists {
		h.devices[userID] = append(h.devices[userID], deviceID)
	}
	h.handlers[key] = handler
	return &HubSender{hub: h, userID: userID, deviceID: deviceID}
}

// SetHandler replaces the event handler of a registered device.
func (h *Hub) SetHandler(userID id.UserID, deviceID id.DeviceID, handler EventHandler) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.handlers[deviceKey{userID, deviceID}] = handler
}

// CreateRoom creates a room with the given members.
func (h *Hub) CreateRoom(members ...id.UserID) id.RoomID {
	h.lock.Lock()
	defer h.lock.Unlock()
	roomID := id.RoomID(fmt.Sprintf("!%s:example.com", random.String(18)))
	h.rooms[roomID] = members
	return roomID
}

func (h *Hub) enqueue(to deviceKey, evt *event.Event) {
	if h.DeviceInbox[to.userID] == nil {
		h.DeviceInbox[to.userID] = map[id.DeviceID][]*event.Event{}
	}
	h.DeviceInbox[to.userID][to.deviceID] = append(h.DeviceInbox[to.userID][to.deviceID], evt)
	h.queue = append(h.queue, delivery{to: to, evt: evt})
}

func (h *Hub) afterSend() {
	if h.Autodispatch {
		go h.Dispatch(context.Background())
	}
}

func (h *Hub) sendToDevice(sender deviceKey, userID id.UserID, deviceIDs []id.DeviceID, evtType event.Type, content json.RawMessage) error {
	h.lock.Lock()
	defer h.lock.Unlock()
	known := h.devices[userID]
	if len(deviceIDs) == 1 && deviceIDs[0] == "*" {
		deviceIDs = known
	}
	for _, deviceID := range deviceIDs {
		if _, ok := h.handlers[deviceKey{userID, deviceID}]; !ok {
			continue
		}
		h.enqueue(deviceKey{userID, deviceID}, &event.Event{
			Sender:  sender.userID,
			Type:    evtType.WithClass(event.ToDeviceEventType),
			Content: append(json.RawMessage(nil), content...),
		})
	}
	defer h.afterSend()
	return nil
}

func (h *Hub) sendInRoom(sender deviceKey, roomID id.RoomID, evtType event.Type, content json.RawMessage) (id.EventID, error) {
	h.lock.Lock()
	defer h.lock.Unlock()
	members, ok := h.rooms[roomID]
	if !ok {
		return "", fmt.Errorf("unknown room %s", roomID)
	}
	eventID := id.EventID(fmt.Sprintf("$%s", random.String(43)))
	ts := time.Now().UnixMilli()
	for _, member := range members {
		for _, deviceID := range h.devices[member] {
			h.enqueue(deviceKey{member, deviceID}, &event.Event{
				Sender:    sender.userID,
				Type:      evtType.WithClass(event.MessageEventType),
				Timestamp: ts,
				ID:        eventID,
				RoomID:    roomID,
				Content:   append(json.RawMessage(nil), content...),
			})
		}
	}
	defer h.afterSend()
	return eventID, nil
}

func (h *Hub) pop() (EventHandler, delivery, bool) {
	h.lock.Lock()
	defer h.lock.Unlock()
	for len(h.queue) > 0 {
		next := h.queue[0]
		h.queue = h.queue[1:]
		if h.Intercept != nil {
			next.evt = h.Intercept(next.evt, next.to.userID, next.to.deviceID)
			if next.evt == nil {
				continue
			}
		}
		return h.handlers[next.to], next, true
	}
	return nil, delivery{}, false
}

// Dispatch delivers queued events, including the ones queued by the handlers
// while dispatching, until the queue is empty. It returns the number of
// events that were delivered.
func (h *Hub) Dispatch(ctx context.Context) (count int) {
	for {
		handler, next, ok := h.pop()
		if !ok {
			return
		}
		if handler != nil {
			handler(ctx, next.evt)
		}
		count++
	}
}

// Pending returns the number of events waiting to be dispatched.
func (h *Hub) Pending() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.queue)
}

// HubSender sends events to the hub as a specific device.
type HubSender struct {
	hub      *Hub
	userID   id.UserID
	deviceID id.DeviceID
	// FailNext makes the next send fail with the given error.
	FailNext error
}

func (hs *HubSender) takeFailure() error {
	hs.hub.lock.Lock()
	defer hs.hub.lock.Unlock()
	err := hs.FailNext
	hs.FailNext = nil
	return err
}

func (hs *HubSender) SendToDevice(_ context.Context, userID id.UserID, deviceIDs []id.DeviceID, evtType event.Type, content json.RawMessage) error {
	if err := hs.takeFailure(); err != nil {
		return err
	}
	return hs.hub.sendToDevice(deviceKey{hs.userID, hs.deviceID}, userID, deviceIDs, evtType, content)
}

func (hs *HubSender) SendInRoom(_ context.Context, roomID id.RoomID, evtType event.Type, content json.RawMessage) (id.EventID, error) {
	if err := hs.takeFailure(); err != nil {
		return "", err
	}
	return hs.hub.sendInRoom(deviceKey{hs.userID, hs.deviceID}, roomID, evtType, content)
}
