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

package ws

import (
	"net/http"
	"net/url"
	"strings"
)

// ServerHandshakeConfig carries the inputs the server-side validation and
// response construction needs, generalized from the teacher's
// WebsocketOpts fields used by wsUpgrade/checkOrigin.
type ServerHandshakeConfig struct {
	// AllowedOrigins, if non-empty, restricts the Origin header to this
	// set (scheme+host+port, as parsed by url.ParseRequestURI).
	AllowedOrigins []string
	// SupportedProtocols is the server's ordered subprotocol preference
	// list used for negotiation against the client's offer.
	SupportedProtocols []string
	// RequireSubprotocol resolves the "undefined in source" case from
	// spec.md §9: when true and SupportedProtocols is non-empty, a client
	// that offers no protocol or no matching protocol fails the
	// handshake; when false, the connection proceeds unnegotiated.
	RequireSubprotocol bool
	// CompressionEnabled mirrors WebsocketOpts.Compression.
	CompressionEnabled bool
	// ForceClientNoContextTakeover/ForceServerNoContextTakeover let the
	// server require no-context-takeover on a direction regardless of
	// whether the client asked for it, mirroring the
	// server.CompressionConfig context-takeover knobs.
	ForceClientNoContextTakeover bool
	ForceServerNoContextTakeover bool
	// ExtraHeaders are copied verbatim into the 101 response.
	ExtraHeaders http.Header
}

// ServerHandshakeResult is what a successful validation yields: the
// negotiated subprotocol (empty if none), the negotiated compression
// parameters, and the accept key to place in the response.
type ServerHandshakeResult struct {
	AcceptKey   string
	Protocol    string
	Compression CompressionParams
}

// ValidateServerRequest runs the exact validation order from spec.md §4.3
// points 1-7 (method, Upgrade, Connection, Key, Version, Origin, then
// subprotocol), directly grounded on the teacher's wsUpgrade. On success it
// returns the values needed to build the 101 response; on failure it
// returns the *Error (KindHandshake) describing which check failed, along
// with the appropriate HTTP status the caller should write if it still has
// an un-hijacked ResponseWriter.
func ValidateServerRequest(r *http.Request, cfg ServerHandshakeConfig) (ServerHandshakeResult, int, error) {
	// Point 1.
	if r.Method != http.MethodGet {
		return ServerHandshakeResult{}, http.StatusMethodNotAllowed, HandshakeError("request method must be GET")
	}
	// Point 2.
	if !headerContains(r.Header, "Upgrade", "websocket") {
		return ServerHandshakeResult{}, http.StatusBadRequest, HandshakeError("invalid or missing 'Upgrade' header")
	}
	// Point 3.
	if !headerContains(r.Header, "Connection", "upgrade") {
		return ServerHandshakeResult{}, http.StatusBadRequest, HandshakeError("invalid or missing 'Connection' header")
	}
	// Point 4.
	key := r.Header.Get("Sec-Websocket-Key")
	if key == "" {
		return ServerHandshakeResult{}, http.StatusBadRequest, HandshakeError("'Sec-WebSocket-Key' missing")
	}
	if !validBase64Nonce(key) {
		return ServerHandshakeResult{}, http.StatusBadRequest, HandshakeError("'Sec-WebSocket-Key' does not decode to 16 bytes")
	}
	// Point 5.
	if r.Header.Get("Sec-Websocket-Version") != "13" {
		return ServerHandshakeResult{}, http.StatusBadRequest, HandshakeError("unsupported 'Sec-WebSocket-Version'")
	}
	// Point 6.
	if err := checkOrigin(r, cfg.AllowedOrigins); err != nil {
		return ServerHandshakeResult{}, http.StatusForbidden, HandshakeError("origin not allowed: %v", err)
	}
	// Point 7.
	protocol, err := negotiateSubprotocol(r.Header, cfg)
	if err != nil {
		return ServerHandshakeResult{}, http.StatusBadRequest, err
	}

	var compression CompressionParams
	if cfg.CompressionEnabled {
		if ok, params := extensionSupportsDeflate(r.Header); ok {
			compression = parseCompressionParams(params)
			if cfg.ForceClientNoContextTakeover {
				compression.ClientNoContextTakeover = true
			}
			if cfg.ForceServerNoContextTakeover {
				compression.ServerNoContextTakeover = true
			}
		}
	}

	return ServerHandshakeResult{
		AcceptKey:   AcceptKey(key),
		Protocol:    protocol,
		Compression: compression,
	}, http.StatusSwitchingProtocols, nil
}

func validBase64Nonce(key string) bool {
	decoded, err := base64DecodeStd(key)
	return err == nil && len(decoded) == 16
}

func negotiateSubprotocol(h http.Header, cfg ServerHandshakeConfig) (string, error) {
	offered := headerList(h, "Sec-Websocket-Protocol")
	if len(cfg.SupportedProtocols) == 0 {
		return "", nil
	}
	for _, want := range offered {
		for _, have := range cfg.SupportedProtocols {
			if strings.EqualFold(want, have) {
				return have, nil
			}
		}
	}
	if cfg.RequireSubprotocol {
		return "", HandshakeError("no matching subprotocol offered (server requires one of %v)", cfg.SupportedProtocols)
	}
	return "", nil
}

// checkOrigin mirrors the teacher's (*srvWebsocket).checkOrigin: an empty
// allow-list means any origin is accepted.
func checkOrigin(r *http.Request, allowed []string) error {
	if len(allowed) == 0 {
		return nil
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return HandshakeError("origin not provided")
	}
	u, err := url.ParseRequestURI(origin)
	if err != nil {
		return err
	}
	oh, op := hostAndPort(u.Scheme == "https", u.Host)
	for _, a := range allowed {
		au, err := url.ParseRequestURI(a)
		if err != nil {
			continue
		}
		ah, ap := hostAndPort(au.Scheme == "https", au.Host)
		if oh == ah && op == ap && u.Scheme == au.Scheme {
			return nil
		}
	}
	return HandshakeError("origin %q not in allowed list", origin)
}

func hostAndPort(tls bool, hostport string) (string, string) {
	host, port, err := splitHostPortDefault(hostport, tls)
	if err != nil {
		return strings.ToLower(hostport), ""
	}
	return strings.ToLower(host), port
}

// BuildServerResponse renders the 101 Switching Protocols response bytes,
// identical in shape to the teacher's hand-built response in wsUpgrade.
func BuildServerResponse(result ServerHandshakeResult, extra http.Header) []byte {
	var b strings.Builder
	b.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	b.WriteString("Sec-WebSocket-Accept: " + result.AcceptKey + "\r\n")
	if result.Protocol != "" {
		b.WriteString("Sec-WebSocket-Protocol: " + result.Protocol + "\r\n")
	}
	if result.Compression.Negotiated {
		b.WriteString("Sec-WebSocket-Extensions: " + compressionOffer(result.Compression) + "\r\n")
	}
	for k, vs := range extra {
		for _, v := range vs {
			b.WriteString(k + ": " + v + "\r\n")
		}
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}
