// Copyright © 2019 Niko Carpenter <nikoacarpenter@gmail.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jorge-ivan-jimenez-reyes/odooapp/pkg/notify"
	"github.com/jorge-ivan-jimenez-reyes/odooapp/pkg/relay"
)

const (
	// StatsPasswordHeader carries the stats password.
	StatsPasswordHeader = "X-Stats-Password"

	// TokenRegisteredReply is the body returned after a token is registered.
	TokenRegisteredReply = "Token registrado"

	maxRegisterBody = 4096
)

// statsFailureDelay slows down password guessing.
var statsFailureDelay = 2 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Mobile clients send no Origin header, and browsers may connect from anywhere.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Stats contains summary information about a running server.
type Stats struct {
	Relay            relay.Stats   `json:"relay"`
	Notifications    *notify.Stats `json:"notifications,omitempty"`
	RegisteredTokens int           `json:"registered_tokens"`
}

// Handler returns the HTTP handler serving every route of the server.
func (srv *Server) Handler() http.Handler {
	srv.init()

	r := mux.NewRouter()
	r.HandleFunc("/", srv.handleRoot).Methods(http.MethodGet)
	r.HandleFunc("/ws", srv.serveWebSocket).Methods(http.MethodGet)
	r.HandleFunc("/register", srv.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/api/saveToken", srv.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/stats", srv.handleStats).Methods(http.MethodGet)
	return r
}

func (srv *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		srv.serveWebSocket(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := io.WriteString(w, srv.Banner); err != nil {
		srv.Log.WithFields(logrus.Fields{
			"remote_addr": r.RemoteAddr,
			"error":       err,
		}).Debug("Cannot write banner")
	}
}

// serveWebSocket upgrades the request, and runs the channel until it closes.
func (srv *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	log := srv.Log.WithField("remote_addr", r.RemoteAddr)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already replied with an HTTP error.
		log.WithField("error", err).Info("WebSocket upgrade failed")
		return
	}

	c := newChannel(srv, conn, uuid.NewString(), r.RemoteAddr)

	srv.httpMTX.Lock()
	if srv.closed {
		srv.httpMTX.Unlock()
		c.transition(stateClosed)
		rejectConn(conn, websocket.CloseGoingAway, "Server shutting down")
		return
	}
	c.transition(stateOpen)
	if err := srv.Registry.Register(c); err != nil {
		srv.httpMTX.Unlock()
		c.log.WithField("error", err).Error("Cannot register channel")
		c.transition(stateClosed)
		rejectConn(conn, websocket.CloseInternalServerErr, "Registration failed")
		return
	}
	srv.channels.Add(2)
	srv.httpMTX.Unlock()

	c.log.Info("Client connected")
	go func() {
		defer srv.channels.Done()
		c.writeLoop()
	}()
	defer srv.channels.Done()
	c.readLoop()
}

// rejectConn closes a connection that never became a registered channel.
func rejectConn(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	conn.Close()
}

type registerRequest struct {
	Token string `json:"token"`
}

func (srv *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	log := srv.Log.WithFields(logrus.Fields{
		"remote_addr": r.RemoteAddr,
		"path":        r.URL.Path,
	})

	var req registerRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRegisterBody)).Decode(&req); err != nil {
		log.WithField("error", err).Debug("Malformed token registration")
		http.Error(w, "JSON inválido", http.StatusBadRequest)
		return
	}
	req.Token = strings.TrimSpace(req.Token)
	if req.Token == "" {
		http.Error(w, "Token requerido", http.StatusBadRequest)
		return
	}

	if err := srv.Tokens.Add(r.Context(), req.Token); err != nil {
		log.WithField("error", err).Error("Cannot store token")
		http.Error(w, "Error al guardar el token", http.StatusInternalServerError)
		return
	}

	log.WithField("token", req.Token).Info("Token registered")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := io.WriteString(w, TokenRegisteredReply); err != nil {
		log.WithField("error", err).Debug("Cannot write token registration reply")
	}
}

func (srv *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if srv.StatsPassword == "" {
		http.NotFound(w, r)
		return
	}

	given := r.Header.Get(StatsPasswordHeader)
	if subtle.ConstantTimeCompare([]byte(given), []byte(srv.StatsPassword)) != 1 {
		srv.Log.WithField("remote_addr", r.RemoteAddr).Warn("Stats requested with a wrong password")
		time.Sleep(statsFailureDelay)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	stats, err := srv.Stats(r.Context())
	if err != nil {
		srv.Log.WithField("error", err).Error("Cannot gather stats")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		srv.Log.WithFields(logrus.Fields{
			"remote_addr": r.RemoteAddr,
			"error":       err,
		}).Debug("Cannot write stats")
	}
}

// Stats gathers stats from the registry, dispatcher, and token store.
func (srv *Server) Stats(ctx context.Context) (Stats, error) {
	srv.init()
	stats := Stats{Relay: srv.Registry.Stats()}
	if srv.Dispatcher != nil {
		dispatcherStats := srv.Dispatcher.Stats()
		stats.Notifications = &dispatcherStats
	}
	list, err := srv.Tokens.List(ctx)
	if err != nil {
		return stats, errors.Wrap(err, "List tokens")
	}
	stats.RegisteredTokens = len(list)
	return stats, nil
}
