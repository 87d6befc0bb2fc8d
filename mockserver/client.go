// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mockserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"maunium.net/go/mxverify"
	"maunium.net/go/mxverify/event"
	"maunium.net/go/mxverify/id"
)

// Client talks to a [Server] as a single device. It implements the sender
// interface of the verification service.
type Client struct {
	BaseURL     *url.URL
	HTTP        *http.Client
	AccessToken string
	UserID      id.UserID
	DeviceID    id.DeviceID
	Log         zerolog.Logger
}

// HTTPError is returned when the server responds with a non-2xx status.
type HTTPError struct {
	StatusCode int
	RespError
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s: %s", e.StatusCode, e.ErrCode, e.Err)
}

func NewClient(baseURL string, log zerolog.Logger) (*Client, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL: %w", err)
	}
	return &Client{BaseURL: parsed, HTTP: http.DefaultClient, Log: log}, nil
}

func (cli *Client) buildURL(path ...string) string {
	escaped := make([]string, len(path))
	for i, part := range path {
		escaped[i] = url.PathEscape(part)
	}
	return cli.BaseURL.JoinPath("_matrix", "client").String() + "/" + strings.Join(escaped, "/")
}

func (cli *Client) makeRequest(ctx context.Context, method, reqURL string, reqData, respData any) error {
	var body io.Reader
	if reqData != nil {
		data, err := json.Marshal(reqData)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return fmt.Errorf("failed to prepare request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", mxverify.DefaultUserAgent)
	if cli.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+cli.AccessToken)
	}
	resp, err := cli.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		httpErr := &HTTPError{StatusCode: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(&httpErr.RespError)
		return httpErr
	}
	if respData != nil {
		if err = json.NewDecoder(resp.Body).Decode(respData); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

// Login logs in as the given device and stores the access token.
func (cli *Client) Login(ctx context.Context, userID id.UserID, deviceID id.DeviceID) error {
	var resp RespLogin
	err := cli.makeRequest(ctx, http.MethodPost, cli.buildURL("v3", "login"), &ReqLogin{UserID: userID, DeviceID: deviceID}, &resp)
	if err != nil {
		return err
	}
	cli.AccessToken = resp.AccessToken
	cli.UserID = resp.UserID
	cli.DeviceID = resp.DeviceID
	cli.Log = cli.Log.With().Stringer("user_id", resp.UserID).Stringer("device_id", resp.DeviceID).Logger()
	return nil
}

// CreateRoom creates a room with the given users in it.
func (cli *Client) CreateRoom(ctx context.Context, invite ...id.UserID) (id.RoomID, error) {
	var resp RespCreateRoom
	err := cli.makeRequest(ctx, http.MethodPost, cli.buildURL("v3", "createRoom"), &ReqCreateRoom{Invite: invite}, &resp)
	return resp.RoomID, err
}

func (cli *Client) SendToDevice(ctx context.Context, userID id.UserID, deviceIDs []id.DeviceID, evtType event.Type, content json.RawMessage) error {
	req := &ReqSendToDevice{Messages: map[id.UserID]map[id.DeviceID]json.RawMessage{userID: {}}}
	for _, deviceID := range deviceIDs {
		req.Messages[userID][deviceID] = content
	}
	return cli.makeRequest(ctx, http.MethodPut, cli.buildURL("v3", "sendToDevice", evtType.Type, xid.New().String()), req, nil)
}

func (cli *Client) SendInRoom(ctx context.Context, roomID id.RoomID, evtType event.Type, content json.RawMessage) (id.EventID, error) {
	var resp RespSendEvent
	err := cli.makeRequest(ctx, http.MethodPut, cli.buildURL("v3", "rooms", roomID.String(), "send", evtType.Type, xid.New().String()), content, &resp)
	return resp.EventID, err
}

// Listen opens the event websocket and calls the handler for every event
// until the context is cancelled or the connection breaks.
func (cli *Client) Listen(ctx context.Context, handler EventHandler) error {
	wsURL := *cli.BaseURL.JoinPath("_matrix", "client", "unstable", "net.maunium.mxverify", "events")
	if wsURL.Scheme == "http" {
		wsURL.Scheme = "ws"
	} else if wsURL.Scheme == "https" {
		wsURL.Scheme = "wss"
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL.String(), http.Header{
		"Authorization": []string{"Bearer " + cli.AccessToken},
	})
	if resp != nil && resp.StatusCode >= 400 {
		return &HTTPError{StatusCode: resp.StatusCode}
	} else if err != nil {
		return fmt.Errorf("failed to open websocket: %w", err)
	}
	cli.Log.Debug().Msg("Event websocket connected")
	go func() {
		<-ctx.Done()
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
		_ = conn.Close()
	}()
	for {
		var evt event.Event
		err = conn.ReadJSON(&evt)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			} else if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read from websocket: %w", err)
		}
		if evt.RoomID == "" {
			evt.Type.Class = event.ToDeviceEventType
		} else {
			evt.Type.Class = event.MessageEventType
		}
		handler(ctx, &evt)
	}
}
