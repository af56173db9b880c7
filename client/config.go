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

// Package client implements the connect-then-handshake driver of
// spec.md §4.8: dial a transport, build and send the client handshake
// request via ws.BuildClientRequest, validate the server's response, and
// return a ready *ws.Connection.
package client

import (
	"crypto/tls"
	"net/http"
	"time"

	"github.com/pion/logging"
)

// TLSConfig mirrors the client-side `tls.*` option group of spec.md §6.
type TLSConfig struct {
	Enabled    bool
	Verify     bool
	CAFile     string
	CertFile   string
	KeyFile    string
	ServerName string
	MinVersion uint16
	MaxVersion uint16
	// Config, when set, is used as-is; the fields above are ignored. File
	// loading into a *tls.Config is out of scope per spec.md §1.
	Config *tls.Config
}

// CompressionConfig mirrors the client-side `compression.*` options.
type CompressionConfig struct {
	Enabled                 bool
	ClientNoContextTakeover bool
	ServerNoContextTakeover bool
	ClientMaxWindowBits     int
	ServerMaxWindowBits     int
}

// Config groups every client option named in spec.md §6.
type Config struct {
	Addr string // host:port, scheme-less; TLS is selected via TLS.Enabled
	Path string // request-target, e.g. "/chat"

	UserAgent string
	Origin    string
	Protocols []string

	TLS         TLSConfig
	Compression CompressionConfig

	MaxFrameSize     int
	MaxMessageSize   int
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration

	ExtraHeaders http.Header

	LoggerFactory logging.LoggerFactory
}

// DefaultConfig returns a Config with the defaults named in spec.md §6.
func DefaultConfig() Config {
	return Config{
		Path:             "/",
		UserAgent:        "wsengine-client",
		MaxFrameSize:     16 * 1024 * 1024,
		MaxMessageSize:   64 * 1024 * 1024,
		HandshakeTimeout: 10 * time.Second,
		LoggerFactory:    logging.NewDefaultLoggerFactory(),
	}
}
