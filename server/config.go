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

// Package server drives the accept loop described in spec.md §4.7: it owns
// a listener, enforces the rate limiter and registry capacity ahead of the
// handshake, performs the HTTP Upgrade (ws.ValidateServerRequest /
// ws.BuildServerResponse), registers the resulting *ws.Connection, and
// hands it to the caller-supplied Handler.
package server

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/pion/logging"

	"github.com/nats-io/wsengine/ws"
)

// BackpressureStrategy names the admission strategy applied once a peer or
// the server as a whole is at capacity. Only Reject is implemented by the
// accept loop itself (spec.md §4.7 closes the stream outright); the other
// values are recognized so a config round-trips, but the accept loop does
// not read Strategy and always rejects.
type BackpressureStrategy int

const (
	StrategyReject BackpressureStrategy = iota
	StrategyBuffer
	StrategyDropOldest
	StrategyFlowControl
)

// CompressionConfig mirrors the `compression.*` option group of spec.md §6.
type CompressionConfig struct {
	Enabled                 bool
	Level                   int
	ClientContextTakeover   bool
	ServerContextTakeover   bool
	ClientMaxWindowBits     int
	ServerMaxWindowBits     int
}

// BackpressureConfig mirrors the `backpressure.*` option group of spec.md §6.
type BackpressureConfig struct {
	Enabled              bool
	MaxRequestsPerMinute int
	MaxConcurrentPerPeer int
	Strategy             BackpressureStrategy
}

// TLSConfig mirrors the `tls.*` option group of spec.md §6. Loading the
// named files into a *tls.Config is the caller's responsibility (out of
// scope per §1); if Config is non-nil it is used as-is and the file paths
// are ignored.
type TLSConfig struct {
	CertFile   string
	KeyFile    string
	CAFile     string
	ClientAuth tls.ClientAuthType
	Config     *tls.Config
}

// Config groups every server option named in spec.md §6, plus the
// supplemented features from SPEC_FULL.md (JWT-cookie auth, shutdown grace
// period, idle-sweep interval).
type Config struct {
	BindAddress string

	MaxConnections int
	MaxFrameSize   int
	MaxMessageSize int

	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	SweepInterval    time.Duration

	Compression  CompressionConfig
	Backpressure BackpressureConfig
	TLS          TLSConfig

	SupportedProtocols []string
	RequireSubprotocol bool
	SupportedExtensions []string
	AllowedOrigins      []string
	ExtraHeaders        http.Header

	// JWTCookieName/TrustedIssuers wire the optional handshake
	// authenticator described in SPEC_FULL.md, grounded on the teacher's
	// WebsocketOpts.JWTCookie.
	JWTCookieName  string
	TrustedIssuers []string

	// ShutdownGracePeriod bounds how long the accept loop waits for
	// in-flight connections to drain after a Close(1001) broadcast before
	// abandoning them (spec.md §5, "a short grace window, then dropped").
	ShutdownGracePeriod time.Duration

	// ReusePort enables SO_REUSEADDR/SO_REUSEPORT on the listening socket
	// (see listener_unix.go); a no-op on platforms without support.
	ReusePort bool

	LoggerFactory logging.LoggerFactory
}

// DefaultConfig returns a Config with the defaults named in spec.md §6.
func DefaultConfig() Config {
	return Config{
		BindAddress:      ":8080",
		MaxConnections:   0,
		MaxFrameSize:     16 * 1024 * 1024,
		MaxMessageSize:   64 * 1024 * 1024,
		HandshakeTimeout: 10 * time.Second,
		IdleTimeout:      300 * time.Second,
		SweepInterval:    30 * time.Second,
		Compression: CompressionConfig{
			Level: 6,
		},
		Backpressure: BackpressureConfig{
			MaxRequestsPerMinute: 100,
			MaxConcurrentPerPeer: 10,
		},
		ShutdownGracePeriod: 5 * time.Second,
		LoggerFactory:        logging.NewDefaultLoggerFactory(),
	}
}

// Validate checks the configuration invariants spec.md §6/§7 requires
// before the server starts listening, mirroring the teacher's
// validateWebsocketOptions. A failure here is a KindConfiguration error.
func (c Config) Validate() error {
	if c.BindAddress == "" {
		return ws.ConfigurationError("bind_address must not be empty")
	}
	if c.MaxMessageSize > 0 && c.MaxFrameSize > 0 && c.MaxMessageSize < c.MaxFrameSize {
		return ws.ConfigurationError("max_message_size (%d) must be >= max_frame_size (%d)", c.MaxMessageSize, c.MaxFrameSize)
	}
	if c.Backpressure.Enabled {
		if c.Backpressure.MaxRequestsPerMinute <= 0 {
			return ws.ConfigurationError("backpressure.max_requests_per_minute must be > 0 when backpressure is enabled")
		}
		if c.Backpressure.MaxConcurrentPerPeer <= 0 {
			return ws.ConfigurationError("backpressure.max_concurrent_per_peer must be > 0 when backpressure is enabled")
		}
	}
	if c.Compression.Enabled && c.Compression.Level != 0 {
		if c.Compression.Level < -2 || c.Compression.Level > 9 {
			return ws.ConfigurationError("compression.level %d out of range", c.Compression.Level)
		}
	}
	if c.TLS.Config == nil && (c.TLS.CertFile != "" || c.TLS.KeyFile != "") && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return ws.ConfigurationError("tls.cert_file and tls.key_file must both be set")
	}
	return nil
}

func (c Config) String() string {
	return fmt.Sprintf("server.Config{bind=%s max_connections=%d max_frame_size=%d max_message_size=%d}",
		c.BindAddress, c.MaxConnections, c.MaxFrameSize, c.MaxMessageSize)
}
