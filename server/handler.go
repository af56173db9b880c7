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

import "github.com/nats-io/wsengine/ws"

// Handler is the capability set spec.md §9 asks for from the application
// side: "a {on_connection} capability for handlers". The accept loop
// invokes OnConnection once per successfully handshaken connection, after
// registering it, and unregisters it when the call returns. A non-nil
// return tells the accept loop the session ended abnormally, so it can
// unregister with ws.ReasonError instead of ws.ReasonNormal, matching the
// registry.unregister(id, Normal | Error) distinction in spec.md's
// accept-loop pseudocode.
type Handler interface {
	OnConnection(conn *ws.Connection) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(conn *ws.Connection) error

// OnConnection calls f(conn).
func (f HandlerFunc) OnConnection(conn *ws.Connection) error { return f(conn) }
