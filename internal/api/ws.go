// Rollcall - Event Check-In and Live Attendance
// Copyright 2026 Rollcall Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rollcall-app/rollcall

package api

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/rollcall-app/rollcall/internal/logging"
	"github.com/rollcall-app/rollcall/internal/metrics"
	"github.com/rollcall-app/rollcall/internal/models"
	"github.com/rollcall-app/rollcall/internal/store"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = 50 * time.Second

	// wsSendBuffer bounds per-client queued events; a client that cannot
	// keep up loses events rather than stalling the channel.
	wsSendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Cross-origin policy is enforced by the CORS middleware; browsers
	// send the token explicitly so origin checks add nothing here.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsMessage is the frame sent to live stream clients.
type wsMessage struct {
	Type  string    `json:"type"`
	Table string    `json:"table,omitempty"`
	Op    string    `json:"op,omitempty"`
	Row   store.Row `json:"row,omitempty"`
}

// LiveStream upgrades to WebSocket and forwards change events. Query
// parameters scope the stream: table (default checkins) and event_id.
func (h *Handler) LiveStream(w http.ResponseWriter, r *http.Request) {
	table := r.URL.Query().Get("table")
	if table == "" {
		table = models.TableCheckIns
	}
	if table != models.TableCheckIns && table != models.TableEvents {
		writeError(w, http.StatusBadRequest, "table must be checkins or events")
		return
	}

	var filter *store.Filter
	if eventID := r.URL.Query().Get("event_id"); eventID != "" {
		column := "event_id"
		if table == models.TableEvents {
			column = "id"
		}
		filter = &store.Filter{Column: column, Value: eventID}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger := logging.Ctx(r.Context())
		logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	metrics.WebSocketConnections.Inc()
	defer metrics.WebSocketConnections.Dec()

	send := make(chan store.ChangeEvent, wsSendBuffer)
	unsub, err := h.mux.Subscribe(table, filter, func(ev store.ChangeEvent) {
		select {
		case send <- ev:
		default:
			logging.Debug().Str("table", ev.Table).Msg("websocket client behind, dropping event")
		}
	})
	if err != nil {
		_ = conn.Close()
		return
	}
	defer unsub()

	closed := make(chan struct{})
	go wsReadLoop(conn, closed)
	wsWriteLoop(conn, send, closed)
}

// wsReadLoop consumes client frames to surface closes and pongs.
func wsReadLoop(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// wsWriteLoop forwards events and keepalive pings until the client goes away.
func wsWriteLoop(conn *websocket.Conn, send <-chan store.ChangeEvent, closed <-chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case <-closed:
			return
		case ev := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			msg := wsMessage{Type: "change", Table: ev.Table, Op: string(ev.Op), Row: ev.Row}
			data, err := json.Marshal(msg)
			if err != nil {
				logging.Error().Err(err).Msg("encode websocket message")
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
