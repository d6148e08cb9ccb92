// Copyright © 2019 Niko Carpenter <nikoacarpenter@gmail.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package server accepts WebSocket clients, and connects them to the relay.
package server

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jorge-ivan-jimenez-reyes/odooapp/pkg/notify"
	"github.com/jorge-ivan-jimenez-reyes/odooapp/pkg/relay"
	"github.com/jorge-ivan-jimenez-reyes/odooapp/pkg/tokens"
)

// DefaultBanner is returned by the root endpoint.
const DefaultBanner = "Hola, este es un servidor de relay con WebSockets."

// ErrServerClosed is returned by the Serve methods after Shutdown.
var ErrServerClosed = http.ErrServerClosed

// Server contains state for an odoorelay server.
// Unset fields get defaults when the server starts serving.
type Server struct {
	// TimeBetweenPings specifies the amount of time that will elapse before clients will be sent a ping.
	// If 0, no pings will be sent.
	TimeBetweenPings time.Duration

	// PingsUntilTimeout specifies the number of pings to be sent before unresponsive clients will be dropped.
	// If TimeBetweenPings or PingsUntilTimeout is 0, clients never time out.
	PingsUntilTimeout int

	// MaxMessageSize is the largest message, in bytes, a client may send.
	MaxMessageSize int64

	// SendQueueSize is the number of outgoing messages buffered per client.
	// A client whose buffer is full is dropped.
	SendQueueSize int

	// Banner is returned by the root endpoint.
	Banner string

	// StatsPassword sets the password for retrieving stats.
	// If empty, stats are disabled.
	StatsPassword string

	// TLSConfig optionally provides a TLS configuration for use by ListenAndServeTLS.
	TLSConfig *tls.Config

	Registry   *relay.Registry
	Relay      *relay.Relay
	Dispatcher *notify.Dispatcher
	Tokens     tokens.Store

	Log *logrus.Logger

	initOnce   sync.Once
	httpMTX    sync.Mutex // Protects httpServer and closed
	httpServer *http.Server
	closed     bool
	channels   sync.WaitGroup // Counts running channel tasks
}

func (srv *Server) init() {
	srv.initOnce.Do(func() {
		if srv.Log == nil {
			srv.Log = logrus.StandardLogger()
		}
		if srv.MaxMessageSize <= 0 {
			srv.MaxMessageSize = 64 * 1024
		}
		if srv.SendQueueSize <= 0 {
			srv.SendQueueSize = 64
		}
		if srv.Banner == "" {
			srv.Banner = DefaultBanner
		}
		if srv.Registry == nil {
			srv.Registry = relay.NewRegistry()
		}
		if srv.Relay == nil {
			var notifier relay.Notifier
			if srv.Dispatcher != nil {
				notifier = srv.Dispatcher
			}
			srv.Relay = relay.New(srv.Registry, notifier, srv.Log)
		}
		if srv.Tokens == nil {
			srv.Tokens = tokens.NewMemoryStore()
		}
	})
}

// idleTimeout is how long a client may stay silent, including pongs, before it is dropped.
func (srv *Server) idleTimeout() time.Duration {
	if srv.TimeBetweenPings <= 0 || srv.PingsUntilTimeout <= 0 {
		return 0
	}
	return srv.TimeBetweenPings * time.Duration(srv.PingsUntilTimeout)
}

// ListenAndServe listens for connections on the network, and connects them to the relay.
func (srv *Server) ListenAndServe(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "Listen")
	}

	srv.init()
	srv.Log.WithFields(logrus.Fields{
		"addr":        listener.Addr().String(),
		"tls_enabled": false,
	}).Info("Listening for incoming connections")
	return srv.Serve(listener)
}

// ListenAndServeTLS behaves just like ListenAndServe, but wraps the connection with TLS.
func (srv *Server) ListenAndServeTLS(addr, certFile, keyFile string) error {
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return errors.Wrap(err, "Load X.509 key pair")
		}
		srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}
	if srv.TLSConfig == nil {
		return errors.New("No TLSConfig set in server, and no certFile/keyFile given")
	}

	listener, err := tls.Listen("tcp", addr, srv.TLSConfig)
	if err != nil {
		return errors.Wrap(err, "Listen TLS")
	}

	srv.init()
	srv.Log.WithFields(logrus.Fields{
		"addr":        listener.Addr().String(),
		"tls_enabled": true,
	}).Info("Listening for incoming connections")
	return srv.Serve(listener)
}

// Serve serves HTTP and WebSocket clients on listener until Shutdown is called.
func (srv *Server) Serve(listener net.Listener) error {
	srv.init()

	srv.httpMTX.Lock()
	if srv.closed {
		srv.httpMTX.Unlock()
		listener.Close()
		return ErrServerClosed
	}
	if srv.httpServer != nil {
		srv.httpMTX.Unlock()
		listener.Close()
		return errors.New("Server is already running")
	}
	srv.httpServer = &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	httpServer := srv.httpServer
	srv.httpMTX.Unlock()

	srv.Log.WithFields(logrus.Fields{
		"time_between_pings":  srv.TimeBetweenPings,
		"pings_until_timeout": srv.PingsUntilTimeout,
		"max_message_size":    srv.MaxMessageSize,
		"exclude_sender":      srv.Relay.ExcludeSender,
	}).Info("Server started")

	return httpServer.Serve(listener)
}

// Shutdown stops accepting connections, closes every client,
// and waits for queued notifications to be delivered, until ctx is done.
func (srv *Server) Shutdown(ctx context.Context) error {
	srv.init()

	srv.httpMTX.Lock()
	srv.closed = true
	httpServer := srv.httpServer
	srv.httpMTX.Unlock()

	var firstErr error
	if httpServer != nil {
		srv.Log.Info("Shutting down HTTP server")
		if err := httpServer.Shutdown(ctx); err != nil {
			firstErr = errors.Wrap(err, "Shutdown HTTP server")
		}
	}

	snapshot := srv.Registry.Snapshot()
	srv.Log.WithField("num_channels", len(snapshot)).Info("Closing client connections")
	for _, c := range snapshot {
		// A closing channel no longer takes broadcasts.
		srv.Registry.Deregister(c)
		if wsc, ok := c.(*wsChannel); ok {
			wsc.closeWithCode(closeGoingAway, "Server shutting down")
		} else {
			c.Close("Server shutting down")
		}
	}

	done := make(chan struct{})
	go func() {
		srv.channels.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		srv.Log.Warn("Timed out waiting for clients to disconnect")
		if firstErr == nil {
			firstErr = errors.Wrap(ctx.Err(), "Wait for clients")
		}
	}

	if srv.Dispatcher != nil {
		srv.Log.Info("Waiting for queued notifications")
		if err := srv.Dispatcher.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	srv.Log.Info("Shutdown complete")
	return firstErr
}
