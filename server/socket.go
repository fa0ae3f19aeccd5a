// Copyright 2024 The MallQuest Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// socketSession is one live WebSocket connection. Writes go through a send
// channel so only the write pump touches the connection.
type socketSession struct {
	id       string
	tenantID string
	userID   string
	conn     *websocket.Conn
	send     chan []byte
	logger   *zap.Logger
	config   *SocketConfig

	closeOnce sync.Once
	onClose   func(*socketSession)
}

// SocketRegistry maintains live sessions per user. This is thread-safe.
type SocketRegistry struct {
	sync.RWMutex
	logger   *zap.Logger
	config   *SocketConfig
	metrics  Metrics
	sessions map[string]map[string]*socketSession // userID -> sessionID -> session
}

func NewSocketRegistry(logger *zap.Logger, config Config, metrics Metrics) *SocketRegistry {
	return &SocketRegistry{
		logger:   logger,
		config:   config.GetSocket(),
		metrics:  metrics,
		sessions: make(map[string]map[string]*socketSession),
	}
}

// Add registers a connection and starts its pumps.
func (r *SocketRegistry) Add(tenantID, userID string, conn *websocket.Conn) *socketSession {
	s := &socketSession{
		id:       newID(),
		tenantID: tenantID,
		userID:   userID,
		conn:     conn,
		send:     make(chan []byte, 64),
		logger:   r.logger,
		config:   r.config,
		onClose:  r.remove,
	}

	r.Lock()
	byID, ok := r.sessions[userID]
	if !ok {
		byID = make(map[string]*socketSession, 1)
		r.sessions[userID] = byID
	}
	byID[s.id] = s
	r.Unlock()
	r.metrics.WebsocketOpened()

	go s.writePump()
	go s.readPump()
	return s
}

func (r *SocketRegistry) remove(s *socketSession) {
	r.Lock()
	if byID, ok := r.sessions[s.userID]; ok {
		if _, found := byID[s.id]; found {
			delete(byID, s.id)
			if len(byID) == 0 {
				delete(r.sessions, s.userID)
			}
		}
	}
	r.Unlock()
	r.metrics.WebsocketClosed()
}

// PushToUser delivers data to every live session of a user. Returns true if
// at least one session accepted the message.
func (r *SocketRegistry) PushToUser(userID string, data []byte) bool {
	r.RLock()
	byID := r.sessions[userID]
	targets := make([]*socketSession, 0, len(byID))
	for _, s := range byID {
		targets = append(targets, s)
	}
	r.RUnlock()

	delivered := false
	for _, s := range targets {
		select {
		case s.send <- data:
			delivered = true
		default:
			// A slow consumer does not block fan-out; close it.
			s.close()
		}
	}
	return delivered
}

// Stop closes every live session.
func (r *SocketRegistry) Stop() {
	r.Lock()
	all := make([]*socketSession, 0)
	for _, byID := range r.sessions {
		for _, s := range byID {
			all = append(all, s)
		}
	}
	r.Unlock()
	for _, s := range all {
		s.close()
	}
}

// inboundSocketMessage is what clients may send: pings and location updates.
// Location updates are accepted and ignored: they have no effect on the core
// and are not forwarded anywhere.
type inboundSocketMessage struct {
	Kind string  `json:"kind"`
	X    float64 `json:"x,omitempty"`
	Y    float64 `json:"y,omitempty"`
}

func (s *socketSession) readPump() {
	defer s.close()
	s.conn.SetReadLimit(s.config.MaxMessageSize)
	pongWait := time.Duration(s.config.PongWaitMs) * time.Millisecond
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("Socket read error", zap.String("user_id", s.userID), zap.Error(err))
			}
			return
		}
		var msg inboundSocketMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Kind {
		case "ping":
			_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		case "location_update":
			// Out of scope for the core; intentionally ignored here.
		}
	}
}

func (s *socketSession) writePump() {
	pingPeriod := time.Duration(s.config.PingPeriodMs) * time.Millisecond
	writeWait := time.Duration(s.config.WriteWaitMs) * time.Millisecond
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *socketSession) close() {
	// The send channel is never closed: a concurrent PushToUser may still
	// hold a reference. Removal from the registry stops new fan-out and the
	// connection close unblocks both pumps.
	s.closeOnce.Do(func() {
		s.onClose(s)
		_ = s.conn.Close()
	})
}
