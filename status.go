package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi"
	"github.com/gorilla/websocket"
)

const DefaultStatusListen = "127.0.0.1:8991"

type feedMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type feedClient struct {
	conn *websocket.Conn
	send chan []byte
}

func (c *feedClient) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// StatusServer is a small local HTTP API standing in for the connector
// window: it reports status, accepts the user's buttons, and streams every
// change over a websocket at /ws.
type StatusServer struct {
	controller Controller
	logger     *slog.Logger
	upgrader   websocket.Upgrader

	mu      sync.RWMutex
	clients map[*feedClient]bool
}

func NewStatusServer(controller Controller, logger *slog.Logger) *StatusServer {
	return &StatusServer{
		controller: controller,
		logger:     logger,
		clients:    map[*feedClient]bool{},
	}
}

func (s *StatusServer) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/status", s.handleStatus)
	r.Post("/connect", s.handleConnect)
	r.Post("/disconnect", s.handleDisconnect)
	r.Put("/server", s.handleServer)
	r.Get("/ws", s.handleFeed)

	return r
}

func (s *StatusServer) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("Serving status API.", "addr", addr)

	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	s.mu.Lock()
	for c := range s.clients {
		delete(s.clients, c)
		close(c.send)
	}
	s.mu.Unlock()

	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *StatusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.Status())
}

func (s *StatusServer) handleConnect(w http.ResponseWriter, r *http.Request) {
	token, err := s.controller.Connect()
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *StatusServer) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.Disconnect(); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *StatusServer) handleServer(w http.ResponseWriter, r *http.Request) {
	var cs CustomServer
	if err := json.NewDecoder(r.Body).Decode(&cs); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.controller.SetCustomServer(cs); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *StatusServer) handleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("Websocket upgrade failed.", "err", err)
		return
	}

	c := &feedClient{conn: conn, send: make(chan []byte, 16)}
	if data, err := json.Marshal(feedMessage{Type: "status", Payload: s.controller.Status()}); err == nil {
		c.send <- data
	}
	go c.writePump()

	s.mu.Lock()
	s.clients[c] = true
	s.mu.Unlock()

	// Reads only serve to notice the peer going away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	s.removeClient(c)
}

func (s *StatusServer) removeClient(c *feedClient) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
}

func (s *StatusServer) broadcast(msg feedMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("Unable to marshal feed message.", "err", err)
		return
	}

	var slow []*feedClient

	s.mu.RLock()
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range slow {
		s.logger.Warn("Feed client too slow, dropping it.")
		s.removeClient(c)
	}
}

func (s *StatusServer) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *StatusServer) broadcastStatus() {
	s.broadcast(feedMessage{Type: "status", Payload: s.controller.Status()})
}

func (s *StatusServer) StateChanged(State) { s.broadcastStatus() }

func (s *StatusServer) TokenChanged(string) { s.broadcastStatus() }

func (s *StatusServer) ConnectEnabled(bool) { s.broadcastStatus() }

func (s *StatusServer) IndicatorChanged(Indicator) { s.broadcastStatus() }

func (s *StatusServer) Notify(n Notification) {
	s.broadcast(feedMessage{Type: "notification", Payload: n})
}
