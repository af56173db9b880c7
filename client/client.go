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

package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/pion/logging"

	"github.com/nats-io/wsengine/ws"
)

// Dial implements spec.md §4.8's five-step client procedure: open a stream,
// build and send the client handshake request, read and validate the
// response, then construct and return a ready *ws.Connection. The whole
// procedure is bounded by cfg.HandshakeTimeout; timing out surfaces as a
// KindTimeout *ws.Error exactly as spec.md §4.8 requires.
func Dial(ctx context.Context, cfg Config) (*ws.Connection, error) {
	deadline := time.Now().Add(cfg.HandshakeTimeout)
	if cfg.HandshakeTimeout <= 0 {
		deadline = time.Time{}
	}

	factory := cfg.LoggerFactory
	if factory == nil {
		factory = logging.NewDefaultLoggerFactory()
	}
	logger := factory.NewLogger("wsengine-client")

	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}
	conn, err := dialStream(ctx, cfg)
	if err != nil {
		if isDeadlineErr(err) {
			return nil, ws.TimeoutError("handshake timed out after %s", cfg.HandshakeTimeout)
		}
		return nil, ws.TransportError(err, "dialing %s", cfg.Addr)
	}
	if !deadline.IsZero() {
		if err := conn.SetDeadline(deadline); err != nil {
			conn.Close()
			return nil, ws.TransportError(err, "setting handshake deadline")
		}
	}

	key := ws.GenerateClientKey()
	host, _, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		host = cfg.Addr
	}

	extensions := []string(nil)
	if cfg.Compression.Enabled {
		extensions = append(extensions, compressionOffer(cfg.Compression))
	}

	req := ws.BuildClientRequest(ws.HandshakeRequest{
		Target:       cfg.Path,
		Host:         host,
		Key:          key,
		Protocols:    cfg.Protocols,
		Extensions:   extensions,
		Origin:       cfg.Origin,
		ExtraHeaders: requestExtraHeaders(cfg),
	})
	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return nil, ws.TransportError(err, "writing handshake request")
	}

	br := bufio.NewReader(conn)
	raw, err := ws.ReadHTTPHeader(br)
	if err != nil {
		conn.Close()
		if isDeadlineErr(err) {
			return nil, ws.TimeoutError("handshake timed out after %s", cfg.HandshakeTimeout)
		}
		return nil, err
	}

	status, header, err := ws.ParseServerResponse(raw)
	if err != nil {
		conn.Close()
		return nil, err
	}

	result, err := ws.ValidateClientResponse(status, header, key, cfg.Protocols, cfg.Compression.Enabled)
	if err != nil {
		conn.Close()
		return nil, err
	}

	if !deadline.IsZero() {
		if err := conn.SetDeadline(time.Time{}); err != nil {
			conn.Close()
			return nil, ws.TransportError(err, "clearing handshake deadline")
		}
	}

	logger.Debugf("handshake complete with %s, subprotocol=%q compression=%v", cfg.Addr, result.Protocol, result.Compression.Negotiated)

	var negotiatedExtensions []string
	if result.Compression.Negotiated {
		negotiatedExtensions = append(negotiatedExtensions, "permessage-deflate")
	}

	stream := &bufferedStream{Conn: conn, br: br, w: bufio.NewWriterSize(conn, 4096)}
	return ws.NewConnection(0, stream, ws.Config{
		MaxFrameSize:   cfg.MaxFrameSize,
		MaxMessageSize: cfg.MaxMessageSize,
		IdleTimeout:    cfg.IdleTimeout,
		Subprotocol:    result.Protocol,
		Extensions:     negotiatedExtensions,
		Compression:    result.Compression,
		IsClient:       true,
	}), nil
}

func dialStream(ctx context.Context, cfg Config) (net.Conn, error) {
	var d net.Dialer
	if !cfg.TLS.Enabled {
		return d.DialContext(ctx, "tcp", cfg.Addr)
	}

	tlsConfig := cfg.TLS.Config
	if tlsConfig == nil {
		tlsConfig = &tls.Config{
			InsecureSkipVerify: !cfg.TLS.Verify, //nolint:gosec // explicit opt-out, mirrors tls.verify=false
			MinVersion:         cfg.TLS.MinVersion,
			MaxVersion:         cfg.TLS.MaxVersion,
		}
		if cfg.TLS.ServerName != "" {
			tlsConfig.ServerName = cfg.TLS.ServerName
		} else if host, _, err := net.SplitHostPort(cfg.Addr); err == nil {
			tlsConfig.ServerName = host
		}
	}
	tlsDialer := &tls.Dialer{NetDialer: &d, Config: tlsConfig}
	return tlsDialer.DialContext(ctx, "tcp", cfg.Addr)
}

func compressionOffer(cfg CompressionConfig) string {
	s := "permessage-deflate"
	if cfg.ClientNoContextTakeover {
		s += "; client_no_context_takeover"
	}
	if cfg.ServerNoContextTakeover {
		s += "; server_no_context_takeover"
	}
	return s
}

func requestExtraHeaders(cfg Config) http.Header {
	h := http.Header{}
	for k, vs := range cfg.ExtraHeaders {
		h[k] = vs
	}
	if cfg.UserAgent != "" {
		h.Set("User-Agent", cfg.UserAgent)
	}
	return h
}

func isDeadlineErr(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// bufferedStream adapts a net.Conn plus the bufio.Reader used to read the
// handshake response into a ws.Stream: any bytes the server pipelined
// immediately after its 101 response and which ws.ReadHTTPHeader's
// bufio.Reader already buffered are preserved, instead of being silently
// dropped by switching to a fresh unbuffered reader over the same conn.
type bufferedStream struct {
	net.Conn
	br *bufio.Reader
	w  *bufio.Writer
}

func (b *bufferedStream) Read(p []byte) (int, error)  { return b.br.Read(p) }
func (b *bufferedStream) Write(p []byte) (int, error) { return b.w.Write(p) }
func (b *bufferedStream) Flush() error                { return b.w.Flush() }
