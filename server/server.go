// Copyright 2020 The NATS Authors
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
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/nats-io/wsengine/ws"
)

// Server drives the accept loop of spec.md §4.7 on top of net/http's own
// request parser and Hijacker, exactly as the teacher's
// startWebsocketServer/wsUpgrade pair does: net/http parses the request
// line and headers for us, we validate the RFC 6455 header set with
// ws.ValidateServerRequest, hijack the raw connection, and write our own
// 101 response bytes directly instead of going back through the
// http.ResponseWriter.
type Server struct {
	cfg     Config
	handler Handler
	auth    *ws.JWTCookieAuthenticator

	registry    *ws.Registry
	rateLimiter *ws.RateLimiter
	logger      logging.LeveledLogger

	// decompressorPool is shared across every connection accepted by this
	// server, mirroring the teacher's package-level decompressorPool so
	// *flate.Reader instances are reused across sessions instead of
	// allocated fresh per connection.
	decompressorPool *sync.Pool

	mu         sync.Mutex
	listener   net.Listener
	httpServer *http.Server
	shutdown   bool
	sweepStop  chan struct{}

	wg sync.WaitGroup // in-flight OnConnection invocations
}

// New validates cfg and constructs a Server. It does not start listening;
// call Start for that.
func New(cfg Config, handler Handler) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, ws.ConfigurationError("handler must not be nil")
	}
	factory := cfg.LoggerFactory
	if factory == nil {
		factory = logging.NewDefaultLoggerFactory()
	}

	s := &Server{
		cfg:              cfg,
		handler:          handler,
		registry:         ws.NewRegistry(cfg.MaxConnections),
		logger:           factory.NewLogger("wsengine-server"),
		decompressorPool: &sync.Pool{},
	}
	if cfg.Backpressure.Enabled {
		s.rateLimiter = ws.NewRateLimiter(ws.RateLimitConfig{
			MaxRequestsPerWindow: cfg.Backpressure.MaxRequestsPerMinute,
			WindowDuration:       time.Minute,
			MaxConcurrentPerPeer: cfg.Backpressure.MaxConcurrentPerPeer,
			ConnectionTimeout:    cfg.HandshakeTimeout,
		})
	}
	if cfg.JWTCookieName != "" {
		s.auth = &ws.JWTCookieAuthenticator{
			CookieName:     cfg.JWTCookieName,
			TrustedIssuers: cfg.TrustedIssuers,
		}
	}
	return s, nil
}

// Registry exposes the connection registry, e.g. for broadcast from
// outside the handler.
func (s *Server) Registry() *ws.Registry { return s.registry }

// Start opens the listener (TLS only if cfg.TLS.Config is set; certificate
// and key paths are not loaded here) and
// begins serving in the background. It returns once the listener is open;
// Serve errors after that point are logged, matching the teacher's
// startWebsocketServer goroutine.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return ws.ConfigurationError("server already shut down")
	}

	ln, err := listen(s.cfg.BindAddress, s.cfg.ReusePort)
	if err != nil {
		s.mu.Unlock()
		return ws.TransportError(err, "listening on %s", s.cfg.BindAddress)
	}
	proto := "ws"
	if tlsConfig := s.resolveTLSConfig(); tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
		proto = "wss"
	}
	s.listener = ln
	s.logger.Infof("listening for websocket clients on %s://%s", proto, ln.Addr())

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.serveHTTP)

	s.httpServer = &http.Server{
		Handler:     mux,
		ReadHeaderTimeout: s.cfg.HandshakeTimeout,
		ErrorLog:    log.New(&errorLogWriter{s}, "", 0),
	}
	s.sweepStop = make(chan struct{})
	go s.sweepLoop()

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("websocket listener error: %v", err)
		}
	}()
	s.mu.Unlock()
	return nil
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) resolveTLSConfig() *tls.Config {
	if s.cfg.TLS.Config != nil {
		return s.cfg.TLS.Config
	}
	return nil
}

type errorLogWriter struct{ s *Server }

func (w *errorLogWriter) Write(p []byte) (int, error) {
	w.s.logger.Errorf("%s", strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

func (s *Server) sweepLoop() {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.registry.SweepIdle()
			if s.rateLimiter != nil {
				s.rateLimiter.Cleanup()
			}
		case <-s.sweepStop:
			return
		}
	}
}

// serveHTTP is the HTTP side-door + WebSocket upgrade dispatch of
// spec.md §4.7: fixed /health and /metrics paths for plain requests, and
// the hijack-and-handshake path for anything carrying Upgrade: websocket.
func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if !headerContainsToken(r.Header, "Upgrade", "websocket") {
		s.serveSideDoor(w, r)
		return
	}

	peerIP := hostOf(r.RemoteAddr)
	if s.rateLimiter != nil && !s.rateLimiter.TryAdmit(peerIP) {
		conn, _, err := hijack(w)
		if err == nil {
			conn.Close()
		}
		return
	}
	admitted := s.rateLimiter != nil
	release := func() {
		if admitted {
			s.rateLimiter.Release(peerIP)
		}
	}

	if s.cfg.MaxConnections > 0 && s.registry.Count() >= s.cfg.MaxConnections {
		release()
		conn, _, err := hijack(w)
		if err == nil {
			conn.Close()
		}
		return
	}

	if s.auth != nil {
		if _, err := s.auth.Authenticate(r); err != nil {
			release()
			writeHTTPError(w, http.StatusUnauthorized, err.Error())
			return
		}
	}

	result, status, err := ws.ValidateServerRequest(r, ws.ServerHandshakeConfig{
		AllowedOrigins:               s.cfg.AllowedOrigins,
		SupportedProtocols:           s.cfg.SupportedProtocols,
		RequireSubprotocol:           s.cfg.RequireSubprotocol,
		CompressionEnabled:           s.cfg.Compression.Enabled,
		ForceClientNoContextTakeover: !s.cfg.Compression.ClientContextTakeover,
		ForceServerNoContextTakeover: !s.cfg.Compression.ServerContextTakeover,
		ExtraHeaders:                 s.cfg.ExtraHeaders,
	})
	if err != nil {
		release()
		writeHTTPError(w, status, err.Error())
		return
	}

	netConn, brw, err := hijack(w)
	if err != nil {
		release()
		s.logger.Errorf("hijack failed: %v", err)
		return
	}
	if brw.Reader.Buffered() > 0 {
		release()
		netConn.Close()
		return
	}

	if s.cfg.HandshakeTimeout > 0 {
		_ = netConn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	}
	resp := ws.BuildServerResponse(result, s.cfg.ExtraHeaders)
	if _, err := netConn.Write(resp); err != nil {
		release()
		netConn.Close()
		return
	}
	if s.cfg.HandshakeTimeout > 0 {
		_ = netConn.SetDeadline(time.Time{})
	}

	var extensions []string
	if result.Compression.Negotiated {
		extensions = append(extensions, "permessage-deflate")
		result.Compression.Level = s.cfg.Compression.Level
	}
	conn := ws.NewConnection(0, ws.NewConnStream(netConn), ws.Config{
		MaxFrameSize:     s.cfg.MaxFrameSize,
		MaxMessageSize:   s.cfg.MaxMessageSize,
		IdleTimeout:      s.cfg.IdleTimeout,
		Subprotocol:      result.Protocol,
		Extensions:       extensions,
		Compression:      result.Compression,
		DecompressorPool: s.decompressorPool,
		IsClient:         false,
	})
	if _, err := s.registry.Register(conn); err != nil {
		release()
		_ = conn.Close(ws.CloseGoingAway, "server at capacity")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer release()
		err := s.handler.OnConnection(conn)
		reason := ws.ReasonNormal
		if err != nil {
			reason = ws.ReasonError
		}
		s.registry.Unregister(conn.ID(), reason)
	}()
}

func (s *Server) serveSideDoor(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/health":
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	case "/metrics":
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(s.renderMetrics()))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func hijack(w http.ResponseWriter) (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func writeHTTPError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	_, _ = w.Write([]byte(msg))
}

func hostOf(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// Shutdown stops accepting new connections, broadcasts Close(1001, "Server
// shutdown") to every registered connection (spec.md §4.7's shutdown
// pseudocode), and waits up to ShutdownGracePeriod for in-flight
// OnConnection calls to return before giving up, per spec.md §5
// ("per-connection tasks are given a short grace window, then dropped").
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	httpServer := s.httpServer
	sweepStop := s.sweepStop
	s.mu.Unlock()

	if sweepStop != nil {
		close(sweepStop)
	}
	if httpServer != nil {
		_ = httpServer.Shutdown(ctx)
	}
	s.registry.CloseAll("Server shutdown")

	grace := s.cfg.ShutdownGracePeriod
	if grace <= 0 {
		grace = 5 * time.Second
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(grace):
		return ws.TimeoutError("shutdown grace period of %s elapsed with connections still draining", grace)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func headerContainsToken(h http.Header, name, value string) bool {
	for _, s := range h[name] {
		for _, t := range strings.Split(s, ",") {
			if strings.EqualFold(strings.TrimSpace(t), value) {
				return true
			}
		}
	}
	return false
}
