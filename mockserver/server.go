// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mockserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.mau.fi/util/random"

	"maunium.net/go/mxverify/event"
	"maunium.net/go/mxverify/id"
)

// ReqLogin is the body of a login request. There are no passwords: any user can log in.
type ReqLogin struct {
	UserID   id.UserID   `json:"user_id"`
	DeviceID id.DeviceID `json:"device_id,omitempty"`
}

type RespLogin struct {
	AccessToken string      `json:"access_token"`
	UserID      id.UserID   `json:"user_id"`
	DeviceID    id.DeviceID `json:"device_id"`
}

type ReqSendToDevice struct {
	Messages map[id.UserID]map[id.DeviceID]json.RawMessage `json:"messages"`
}

type ReqCreateRoom struct {
	Invite []id.UserID `json:"invite"`
}

type RespCreateRoom struct {
	RoomID id.RoomID `json:"room_id"`
}

type RespSendEvent struct {
	EventID id.EventID `json:"event_id"`
}

type RespError struct {
	ErrCode string `json:"errcode"`
	Err     string `json:"error"`
}

type session struct {
	userID   id.UserID
	deviceID id.DeviceID
	sender   *HubSender

	connLock sync.Mutex
	conn     *websocket.Conn
	backlog  []*event.Event
}

// Server exposes a [Hub] over a minimal subset of the Matrix client-server
// API. Events are pushed to clients over a websocket.
type Server struct {
	Hub    *Hub
	Router *mux.Router
	Log    zerolog.Logger

	upgrader     websocket.Upgrader
	sessionsLock sync.RWMutex
	sessions     map[string]*session
}

func NewServer(log zerolog.Logger) *Server {
	hub := NewHub()
	hub.Autodispatch = true
	srv := &Server{
		Hub:      hub,
		Router:   mux.NewRouter(),
		Log:      log,
		sessions: map[string]*session{},
	}
	srv.Router.HandleFunc("/_matrix/client/v3/login", srv.postLogin).Methods(http.MethodPost)
	srv.Router.HandleFunc("/_matrix/client/v3/createRoom", srv.postCreateRoom).Methods(http.MethodPost)
	srv.Router.HandleFunc("/_matrix/client/v3/sendToDevice/{type}/{txnID}", srv.putSendToDevice).Methods(http.MethodPut)
	srv.Router.HandleFunc("/_matrix/client/v3/rooms/{roomID}/send/{type}/{txnID}", srv.putSendEvent).Methods(http.MethodPut)
	srv.Router.HandleFunc("/_matrix/client/unstable/net.maunium.mxverify/events", srv.getEvents).Methods(http.MethodGet)
	return srv
}

func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	srv.Router.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, errCode, message string) {
	writeJSON(w, status, &RespError{ErrCode: errCode, Err: message})
}

func (srv *Server) getSession(r *http.Request) *session {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	srv.sessionsLock.RLock()
	defer srv.sessionsLock.RUnlock()
	return srv.sessions[token]
}

func (srv *Server) postLogin(w http.ResponseWriter, r *http.Request) {
	var req ReqLogin
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "M_NOT_JSON", "Request body is not valid JSON")
		return
	} else if _, _, err = req.UserID.ParseAndValidate(); err != nil {
		writeError(w, http.StatusBadRequest, "M_INVALID_USERNAME", err.Error())
		return
	}
	if req.DeviceID == "" {
		req.DeviceID = id.DeviceID(random.String(10))
	}
	sess := &session{userID: req.UserID, deviceID: req.DeviceID}
	sess.sender = srv.Hub.Register(req.UserID, req.DeviceID, sess.push)
	accessToken := random.String(30)
	srv.sessionsLock.Lock()
	srv.sessions[accessToken] = sess
	srv.sessionsLock.Unlock()
	srv.Log.Debug().
		Stringer("user_id", req.UserID).
		Stringer("device_id", req.DeviceID).
		Msg("Device logged in")
	writeJSON(w, http.StatusOK, &RespLogin{AccessToken: accessToken, UserID: req.UserID, DeviceID: req.DeviceID})
}

func (srv *Server) postCreateRoom(w http.ResponseWriter, r *http.Request) {
	sess := srv.getSession(r)
	if sess == nil {
		writeError(w, http.StatusUnauthorized, "M_UNKNOWN_TOKEN", "Unknown access token")
		return
	}
	var req ReqCreateRoom
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "M_NOT_JSON", "Request body is not valid JSON")
		return
	}
	roomID := srv.Hub.CreateRoom(append([]id.UserID{sess.userID}, req.Invite...)...)
	writeJSON(w, http.StatusOK, &RespCreateRoom{RoomID: roomID})
}

func (srv *Server) putSendToDevice(w http.ResponseWriter, r *http.Request) {
	sess := srv.getSession(r)
	if sess == nil {
		writeError(w, http.StatusUnauthorized, "M_UNKNOWN_TOKEN", "Unknown access token")
		return
	}
	var req ReqSendToDevice
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "M_NOT_JSON", "Request body is not valid JSON")
		return
	}
	evtType := event.Type{Type: mux.Vars(r)["type"], Class: event.ToDeviceEventType}
	for userID, devices := range req.Messages {
		for deviceID, content := range devices {
			_ = sess.sender.SendToDevice(r.Context(), userID, []id.DeviceID{deviceID}, evtType, content)
		}
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (srv *Server) putSendEvent(w http.ResponseWriter, r *http.Request) {
	sess := srv.getSession(r)
	if sess == nil {
		writeError(w, http.StatusUnauthorized, "M_UNKNOWN_TOKEN", "Unknown access token")
		return
	}
	vars := mux.Vars(r)
	var content json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&content); err != nil {
		writeError(w, http.StatusBadRequest, "M_NOT_JSON", "Request body is not valid JSON")
		return
	}
	evtType := event.Type{Type: vars["type"], Class: event.MessageEventType}
	eventID, err := sess.sender.SendInRoom(r.Context(), id.RoomID(vars["roomID"]), evtType, content)
	if err != nil {
		writeError(w, http.StatusForbidden, "M_FORBIDDEN", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, &RespSendEvent{EventID: eventID})
}

// getEvents upgrades the request to a websocket that receives every event
// delivered to the device. Events received before the socket was opened are
// sent first.
func (srv *Server) getEvents(w http.ResponseWriter, r *http.Request) {
	sess := srv.getSession(r)
	if sess == nil {
		writeError(w, http.StatusUnauthorized, "M_UNKNOWN_TOKEN", "Unknown access token")
		return
	}
	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.Log.Warn().Err(err).Msg("Failed to upgrade websocket")
		return
	}
	sess.connLock.Lock()
	if sess.conn != nil {
		_ = sess.conn.Close()
	}
	sess.conn = conn
	for _, evt := range sess.backlog {
		if err = conn.WriteJSON(evt); err != nil {
			break
		}
	}
	sess.backlog = nil
	sess.connLock.Unlock()

	// Read until the client goes away so that close frames are handled.
	for {
		if _, _, err = conn.ReadMessage(); err != nil {
			break
		}
	}
	sess.connLock.Lock()
	if sess.conn == conn {
		sess.conn = nil
	}
	sess.connLock.Unlock()
	_ = conn.Close()
}

func (sess *session) push(_ context.Context, evt *event.Event) {
	sess.connLock.Lock()
	defer sess.connLock.Unlock()
	if sess.conn == nil || sess.conn.WriteJSON(evt) != nil {
		sess.backlog = append(sess.backlog, evt)
	}
}
