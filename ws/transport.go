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
	"net"
	"time"
)

// Stream is the byte-stream capability the core engine needs from a
// transport, per spec.md §1/§9: "a capability set that a caller
// implements", not a concrete TCP/TLS type. Anything satisfying this
// (plain TCP, TLS, an in-memory pipe for tests) can carry a session.
type Stream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Flush() error
	Close() error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	SetDeadline(t time.Time) error
}

// connStream adapts a net.Conn (the common case: plain TCP or
// *tls.Conn) to Stream. Writes go through a bufio.Writer so callers can
// batch a frame header and payload into one syscall via Flush, matching
// the teacher's own preference for writing a fully assembled buffer.
type connStream struct {
	net.Conn
	w *bufio.Writer
}

// NewConnStream wraps any net.Conn (TCP or TLS) as a Stream.
func NewConnStream(c net.Conn) Stream {
	return &connStream{Conn: c, w: bufio.NewWriterSize(c, 4096)}
}

func (c *connStream) Write(p []byte) (int, error) { return c.w.Write(p) }
func (c *connStream) Flush() error                { return c.w.Flush() }
