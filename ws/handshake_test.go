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
	"bufio"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// S5 / property 6: the well-known RFC 6455 example nonce must hash to the
// well-known example accept key.
func TestAcceptKeyKnownVector(t *testing.T) {
	require_Equal(t, AcceptKey("dGhlIHNhbXBsZSBub25jZQ=="), "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=")
}

func TestGenerateClientKeyIsWellFormed(t *testing.T) {
	k := GenerateClientKey()
	decoded, err := base64DecodeStd(k)
	require_NoError(t, err)
	require_Len(t, len(decoded), 16)
}

func newUpgradeRequest(key string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/chat", nil)
	r.Header.Set("Upgrade", "websocket")
	r.Header.Set("Connection", "Upgrade")
	r.Header.Set("Sec-WebSocket-Key", key)
	r.Header.Set("Sec-WebSocket-Version", "13")
	return r
}

func TestValidateServerRequestAccepts(t *testing.T) {
	r := newUpgradeRequest("dGhlIHNhbXBsZSBub25jZQ==")
	result, status, err := ValidateServerRequest(r, ServerHandshakeConfig{})
	require_NoError(t, err)
	require_Equal(t, status, http.StatusSwitchingProtocols)
	require_Equal(t, result.AcceptKey, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=")
}

func TestValidateServerRequestRejectsWrongMethod(t *testing.T) {
	r := newUpgradeRequest("dGhlIHNhbXBsZSBub25jZQ==")
	r.Method = http.MethodPost
	_, status, err := ValidateServerRequest(r, ServerHandshakeConfig{})
	require_Error(t, err)
	require_Equal(t, status, http.StatusMethodNotAllowed)
}

func TestValidateServerRequestRejectsMissingUpgrade(t *testing.T) {
	r := newUpgradeRequest("dGhlIHNhbXBsZSBub25jZQ==")
	r.Header.Del("Upgrade")
	_, _, err := ValidateServerRequest(r, ServerHandshakeConfig{})
	require_Error(t, err)
}

func TestValidateServerRequestRejectsBadKey(t *testing.T) {
	r := newUpgradeRequest("not-base64!!")
	_, _, err := ValidateServerRequest(r, ServerHandshakeConfig{})
	require_Error(t, err)
}

func TestValidateServerRequestRejectsBadVersion(t *testing.T) {
	r := newUpgradeRequest("dGhlIHNhbXBsZSBub25jZQ==")
	r.Header.Set("Sec-WebSocket-Version", "8")
	_, _, err := ValidateServerRequest(r, ServerHandshakeConfig{})
	require_Error(t, err)
}

func TestValidateServerRequestOriginAllowList(t *testing.T) {
	r := newUpgradeRequest("dGhlIHNhbXBsZSBub25jZQ==")
	r.Header.Set("Origin", "http://evil.example")
	_, status, err := ValidateServerRequest(r, ServerHandshakeConfig{AllowedOrigins: []string{"http://good.example"}})
	require_Error(t, err)
	require_Equal(t, status, http.StatusForbidden)

	r2 := newUpgradeRequest("dGhlIHNhbXBsZSBub25jZQ==")
	r2.Header.Set("Origin", "http://good.example")
	_, _, err = ValidateServerRequest(r2, ServerHandshakeConfig{AllowedOrigins: []string{"http://good.example"}})
	require_NoError(t, err)
}

func TestValidateServerRequestSubprotocolNegotiation(t *testing.T) {
	r := newUpgradeRequest("dGhlIHNhbXBsZSBub25jZQ==")
	r.Header.Set("Sec-WebSocket-Protocol", "chatv2, chatv1")
	result, _, err := ValidateServerRequest(r, ServerHandshakeConfig{SupportedProtocols: []string{"chatv1"}})
	require_NoError(t, err)
	require_Equal(t, result.Protocol, "chatv1")
}

// Resolved Open Question: RequireSubprotocol=true rejects a client that
// offers no matching subprotocol.
func TestValidateServerRequestRequireSubprotocol(t *testing.T) {
	r := newUpgradeRequest("dGhlIHNhbXBsZSBub25jZQ==")
	_, status, err := ValidateServerRequest(r, ServerHandshakeConfig{
		SupportedProtocols: []string{"chatv1"},
		RequireSubprotocol: true,
	})
	require_Error(t, err)
	require_Equal(t, status, http.StatusBadRequest)
}

func TestValidateServerRequestSubprotocolOptionalByDefault(t *testing.T) {
	r := newUpgradeRequest("dGhlIHNhbXBsZSBub25jZQ==")
	result, _, err := ValidateServerRequest(r, ServerHandshakeConfig{SupportedProtocols: []string{"chatv1"}})
	require_NoError(t, err)
	require_Equal(t, result.Protocol, "")
}

func TestBuildServerResponseAndRoundTripThroughClientValidation(t *testing.T) {
	key := GenerateClientKey()
	result := ServerHandshakeResult{AcceptKey: AcceptKey(key), Protocol: "chatv1"}
	raw := BuildServerResponse(result, nil)

	status, header, err := ParseServerResponse(raw)
	require_NoError(t, err)
	require_Equal(t, status, http.StatusSwitchingProtocols)

	clientResult, err := ValidateClientResponse(status, header, key, []string{"chatv1"}, false)
	require_NoError(t, err)
	require_Equal(t, clientResult.Protocol, "chatv1")
}

func TestValidateClientResponseRejectsBadAccept(t *testing.T) {
	key := GenerateClientKey()
	result := ServerHandshakeResult{AcceptKey: "bogus=="}
	raw := BuildServerResponse(result, nil)
	status, header, err := ParseServerResponse(raw)
	require_NoError(t, err)
	_, err = ValidateClientResponse(status, header, key, nil, false)
	require_Error(t, err)
}

func TestValidateClientResponseRejectsUnofferedProtocol(t *testing.T) {
	key := GenerateClientKey()
	result := ServerHandshakeResult{AcceptKey: AcceptKey(key), Protocol: "chatv9"}
	raw := BuildServerResponse(result, nil)
	status, header, err := ParseServerResponse(raw)
	require_NoError(t, err)
	_, err = ValidateClientResponse(status, header, key, []string{"chatv1"}, false)
	require_Error(t, err)
}

func TestBuildClientRequestWellFormed(t *testing.T) {
	raw := BuildClientRequest(HandshakeRequest{
		Target:    "/chat",
		Host:      "example.com",
		Key:       "dGhlIHNhbXBsZSBub25jZQ==",
		Protocols: []string{"chatv1"},
	})
	s := string(raw)
	require_True(t, strings.HasPrefix(s, "GET /chat HTTP/1.1\r\n"))
	require_True(t, strings.Contains(s, "Host: example.com\r\n"))
	require_True(t, strings.Contains(s, "Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n"))
	require_True(t, strings.Contains(s, "Sec-WebSocket-Version: 13\r\n"))
	require_True(t, strings.Contains(s, "Sec-WebSocket-Protocol: chatv1\r\n"))
	require_True(t, strings.HasSuffix(s, "\r\n\r\n"))
}

func TestReadHTTPHeaderStopsAtTerminator(t *testing.T) {
	raw := "HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\n\r\n"
	br := bufio.NewReader(strings.NewReader(raw + "leftover-body"))
	header, err := ReadHTTPHeader(br)
	require_NoError(t, err)
	require_Equal(t, string(header), raw)
}

func TestReadHTTPHeaderEnforcesCap(t *testing.T) {
	var b strings.Builder
	b.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	for i := 0; i < 1000; i++ {
		b.WriteString("X-Pad: 0123456789012345678901234567890123456789\r\n")
	}
	br := bufio.NewReader(strings.NewReader(b.String()))
	_, err := ReadHTTPHeader(br)
	require_Error(t, err)
}

func TestCompressionNegotiationRoundTrip(t *testing.T) {
	r := newUpgradeRequest("dGhlIHNhbXBsZSBub25jZQ==")
	r.Header.Set("Sec-WebSocket-Extensions", "permessage-deflate; client_no_context_takeover")
	result, _, err := ValidateServerRequest(r, ServerHandshakeConfig{CompressionEnabled: true})
	require_NoError(t, err)
	require_True(t, result.Compression.Negotiated)
	require_True(t, result.Compression.ClientNoContextTakeover)

	raw := BuildServerResponse(result, nil)
	require_True(t, strings.Contains(string(raw), "Sec-WebSocket-Extensions: permessage-deflate"))
}

func TestCompressionNotOfferedWhenDisabled(t *testing.T) {
	r := newUpgradeRequest("dGhlIHNhbXBsZSBub25jZQ==")
	r.Header.Set("Sec-WebSocket-Extensions", "permessage-deflate")
	result, _, err := ValidateServerRequest(r, ServerHandshakeConfig{CompressionEnabled: false})
	require_NoError(t, err)
	require_True(t, !result.Compression.Negotiated)
}
