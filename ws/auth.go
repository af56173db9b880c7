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

	"github.com/nats-io/jwt/v2"
	"github.com/nats-io/nkeys"
)

// JWTCookieAuthenticator validates an optional bearer JWT carried in a
// cookie during the handshake, generalized from the teacher's
// WebsocketOpts.JWTCookie / ws.cookieJwt support (see DESIGN.md). It is not
// part of ServerHandshakeConfig or ValidateServerRequest: the server driver
// calls Authenticate itself before validating the upgrade, since it depends
// on the trusted-issuer key set which has no other role in the protocol
// engine.
type JWTCookieAuthenticator struct {
	// CookieName is the cookie the JWT is expected under. Authentication
	// is skipped entirely when this is empty.
	CookieName string
	// TrustedIssuers is the set of account/operator public keys allowed to
	// have signed the user claims.
	TrustedIssuers []string
}

// Authenticate extracts and validates the cookie-borne JWT from r. It
// returns the decoded claims on success. A nil receiver or an empty
// CookieName returns (nil, nil): authentication is not configured and the
// connection is anonymous, not rejected.
func (a *JWTCookieAuthenticator) Authenticate(r *http.Request) (claims *jwt.UserClaims, err error) {
	if a == nil || a.CookieName == "" {
		return nil, nil
	}
	c, err := r.Cookie(a.CookieName)
	if err != nil || c == nil || c.Value == "" {
		return nil, HandshakeError("missing required JWT cookie %q", a.CookieName)
	}
	claims, err = jwt.DecodeUserClaims(c.Value)
	if err != nil {
		return nil, HandshakeError("invalid JWT in cookie %q: %v", a.CookieName, err)
	}
	if len(a.TrustedIssuers) > 0 {
		trusted := false
		for _, t := range a.TrustedIssuers {
			if claims.Issuer == t {
				trusted = true
				break
			}
		}
		if !trusted {
			return nil, HandshakeError("JWT issuer %q is not trusted", claims.Issuer)
		}
	}
	if _, err := nkeys.FromPublicKey(claims.Subject); err != nil {
		return nil, HandshakeError("JWT subject %q is not a valid public key: %v", claims.Subject, err)
	}
	return claims, nil
}
