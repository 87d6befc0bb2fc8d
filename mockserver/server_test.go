// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mockserver_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maunium.net/go/mxverify/event"
	"maunium.net/go/mxverify/id"
	"maunium.net/go/mxverify/mockserver"
)

func login(t *testing.T, ctx context.Context, url string, userID id.UserID, deviceID id.DeviceID) *mockserver.Client {
	t.Helper()
	cli, err := mockserver.NewClient(url, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, cli.Login(ctx, userID, deviceID))
	assert.Equal(t, deviceID, cli.DeviceID)
	assert.NotEmpty(t, cli.AccessToken)
	return cli
}

func TestServer_ToDeviceOverWebsocket(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv := mockserver.NewServer(zerolog.Nop())
	httpServer := httptest.NewServer(srv)
	defer httpServer.Close()

	aliceCli := login(t, ctx, httpServer.URL, alice, "ALICE1")
	bobCli := login(t, ctx, httpServer.URL, bob, "BOB1")

	// Sent before bob starts listening, so it's delivered from the backlog
	err := aliceCli.SendToDevice(ctx, bob, []id.DeviceID{"BOB1"}, event.ToDeviceVerificationRequest, json.RawMessage(`{"transaction_id":"txn"}`))
	require.NoError(t, err)

	received := make(chan *event.Event, 1)
	listenCtx, stopListening := context.WithCancel(ctx)
	defer stopListening()
	go func() {
		_ = bobCli.Listen(listenCtx, func(_ context.Context, evt *event.Event) {
			received <- evt
		})
	}()

	select {
	case evt := <-received:
		assert.Equal(t, alice, evt.Sender)
		assert.Equal(t, event.ToDeviceVerificationRequest.Type, evt.Type.Type)
		assert.Equal(t, event.ToDeviceEventType, evt.Type.Class)
		assert.JSONEq(t, `{"transaction_id":"txn"}`, string(evt.Content))
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}

func TestServer_RoomEvents(t *testing.T) {
	ctx := context.Background()
	srv := mockserver.NewServer(zerolog.Nop())
	httpServer := httptest.NewServer(srv)
	defer httpServer.Close()

	aliceCli := login(t, ctx, httpServer.URL, alice, "ALICE1")
	login(t, ctx, httpServer.URL, bob, "BOB1")
	roomID, err := aliceCli.CreateRoom(ctx, bob)
	require.NoError(t, err)
	require.NotEmpty(t, roomID)

	eventID, err := aliceCli.SendInRoom(ctx, roomID, event.EventMessage, json.RawMessage(`{"msgtype":"m.text","body":"hi"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, eventID)

	_, err = aliceCli.SendInRoom(ctx, "!nope:example.com", event.EventMessage, json.RawMessage(`{}`))
	var httpErr *mockserver.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusForbidden, httpErr.StatusCode)
	assert.Equal(t, "M_FORBIDDEN", httpErr.ErrCode)
}

func TestServer_RejectsUnknownToken(t *testing.T) {
	ctx := context.Background()
	srv := mockserver.NewServer(zerolog.Nop())
	httpServer := httptest.NewServer(srv)
	defer httpServer.Close()

	cli, err := mockserver.NewClient(httpServer.URL, zerolog.Nop())
	require.NoError(t, err)
	cli.AccessToken = "invalid"
	err = cli.SendToDevice(ctx, bob, []id.DeviceID{"BOB1"}, event.ToDeviceVerificationDone, json.RawMessage(`{}`))
	var httpErr *mockserver.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusUnauthorized, httpErr.StatusCode)
}
