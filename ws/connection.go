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
	"bytes"
	"compress/flate"
	"io"
	"io/ioutil"
	"net"
	"sync"
	"time"

	"github.com/pion/transport/deadline"
)

// State is one position in the connection's monotonic state sequence:
// Connecting -> Connected -> Closing -> Closed. Never revisited.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Stats are the monotonic counters spec.md §3 requires on every connection.
type Stats struct {
	MessagesSent     uint64
	MessagesReceived uint64
	BytesSent        uint64
	BytesReceived    uint64
}

// Health is the point-in-time report supplementing the core spec (see
// SPEC_FULL.md "Connection health probe"), folding the reference
// implementation's idle-duration / time-until-timeout pair into one call.
type Health struct {
	Idle           time.Duration
	TimeUntilTimeout time.Duration // zero if no idle timeout is configured
	HasTimeout     bool
}

// deflateContext owns the outbound permessage-deflate state. The
// flate.Writer object is reused across messages unless noContextTakeover is
// set, but it is Reset before every message, which discards its history:
// each message is compressed independently whether or not context takeover
// was negotiated.
type deflateContext struct {
	writer          *flate.Writer
	noContextTakeover bool
	level             int
}

// Connection is one WebSocket session: it owns the stream exclusively,
// runs the per-session receive loop, and drives the
// Connecting -> Connected -> Closing -> Closed lifecycle described in
// spec.md §4.4. The zero value is not usable; construct with NewConnection.
type Connection struct {
	mu sync.Mutex

	id         uint64
	remoteAddr net.Addr
	localAddr  net.Addr
	stream     Stream
	isClient   bool

	state State

	subprotocol          string
	extensions           []string
	compressionNegotiated bool
	compressionParams     CompressionParams

	establishedAt  time.Time
	lastActivityAt time.Time
	idleTimeout    time.Duration
	idleDeadline   *deadline.Deadline

	stats Stats

	assembler  *Assembler
	maxFrameSize int
	readBuf    []byte

	deflateOut *deflateContext
	decompressorPool *sync.Pool

	closeSent bool
}

// Config groups the per-connection limits and negotiated parameters that
// the accept loop / client driver determine during the handshake and hand
// to NewConnection.
type Config struct {
	MaxFrameSize   int
	MaxMessageSize int
	IdleTimeout    time.Duration
	Subprotocol    string
	Extensions     []string
	Compression    CompressionParams
	// DecompressorPool, when non-nil, is shared across connections so
	// *flate.Reader instances are reused the way the teacher's package
	// level decompressorPool does.
	DecompressorPool *sync.Pool
	// IsClient distinguishes which side of the connection this process is
	// playing, per spec.md §3: client-originated frames MUST be masked,
	// server-originated frames MUST NOT be. It also selects which
	// permessage-deflate context-takeover parameter governs each direction
	// (spec.md §9): a client's own write context is governed by
	// ClientNoContextTakeover and it inflates the server's frames under
	// ServerNoContextTakeover, and vice versa for a server connection.
	IsClient bool
}

// NewConnection constructs a Connection already in the Connected state: per
// spec.md §4.4, "the handshake has already succeeded before the connection
// is materialized".
func NewConnection(id uint64, stream Stream, cfg Config) *Connection {
	now := time.Now()
	c := &Connection{
		id:                    id,
		remoteAddr:            stream.RemoteAddr(),
		localAddr:             stream.LocalAddr(),
		stream:                stream,
		isClient:              cfg.IsClient,
		state:                 StateConnected,
		subprotocol:           cfg.Subprotocol,
		extensions:            cfg.Extensions,
		compressionNegotiated: cfg.Compression.Negotiated,
		compressionParams:     cfg.Compression,
		establishedAt:         now,
		lastActivityAt:        now,
		idleTimeout:           cfg.IdleTimeout,
		assembler:             NewAssembler(cfg.MaxMessageSize),
		maxFrameSize:          cfg.MaxFrameSize,
		readBuf:               make([]byte, 0, 4096),
		decompressorPool:      cfg.DecompressorPool,
	}
	if cfg.IdleTimeout > 0 {
		c.idleDeadline = deadline.New()
		c.idleDeadline.Set(now.Add(cfg.IdleTimeout))
		go c.watchIdleDeadline()
	}
	if cfg.Compression.Negotiated {
		noTakeover := cfg.Compression.ServerNoContextTakeover
		if cfg.IsClient {
			noTakeover = cfg.Compression.ClientNoContextTakeover
		}
		c.deflateOut = &deflateContext{noContextTakeover: noTakeover, level: cfg.Compression.Level}
	}
	if c.decompressorPool == nil {
		c.decompressorPool = &sync.Pool{}
	}
	return c
}

// ID returns the 64-bit identifier assigned by the registry.
func (c *Connection) ID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// bindID is called exactly once by Registry.Register to stamp the
// monotonically increasing id it assigned onto the connection it was
// constructed with id 0 (the registry, not the constructor, is the
// authority on connection ids per spec.md §4.5).
func (c *Connection) bindID(id uint64) {
	c.mu.Lock()
	c.id = id
	c.mu.Unlock()
}

// RemoteAddr returns the peer's address.
func (c *Connection) RemoteAddr() net.Addr { return c.remoteAddr }

// LocalAddr returns this side's address.
func (c *Connection) LocalAddr() net.Addr { return c.localAddr }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subprotocol returns the negotiated subprotocol, or "" if none.
func (c *Connection) Subprotocol() string { return c.subprotocol }

// Extensions returns the negotiated extension names.
func (c *Connection) Extensions() []string { return c.extensions }

// CompressionNegotiated reports whether permessage-deflate is active.
func (c *Connection) CompressionNegotiated() bool { return c.compressionNegotiated }

// Stats returns a snapshot of the monotonic counters.
func (c *Connection) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Health reports idle duration and time remaining before idle eviction.
func (c *Connection) Health() Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	idle := time.Since(c.lastActivityAt)
	h := Health{Idle: idle}
	if c.idleTimeout > 0 {
		h.HasTimeout = true
		if idle < c.idleTimeout {
			h.TimeUntilTimeout = c.idleTimeout - idle
		}
	}
	return h
}

// IsTimedOut reports whether this connection has been idle longer than its
// configured idle timeout. Used by the registry's sweep.
func (c *Connection) IsTimedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idleTimeout <= 0 {
		return false
	}
	return time.Since(c.lastActivityAt) > c.idleTimeout
}

func (c *Connection) touch() {
	now := time.Now()
	c.lastActivityAt = now
	if c.idleDeadline != nil {
		c.idleDeadline.Set(now.Add(c.idleTimeout))
	}
}

// watchIdleDeadline is the fast local path for idle eviction, running
// alongside the registry's periodic sweep (the authoritative enforcement
// per spec.md §4.4/§4.5): it blocks on the pion/transport deadline timer
// armed by touch() and evicts as soon as it fires without waiting for the
// next sweep tick, then exits. A Next() call that arrives concurrently and
// re-arms the deadline via touch() races harmlessly with this check: the
// worst case is one extra sweep-interval of latency before eviction, which
// the registry sweep still bounds.
func (c *Connection) watchIdleDeadline() {
	c.mu.Lock()
	dl := c.idleDeadline
	c.mu.Unlock()
	if dl == nil {
		return
	}
	<-dl.Done()

	c.mu.Lock()
	state := c.state
	idle := time.Since(c.lastActivityAt)
	timeout := c.idleTimeout
	c.mu.Unlock()
	if state == StateClosed || idle < timeout {
		return
	}
	c.Evict()
}

// Send serializes message via the frame codec, writes, and flushes,
// incrementing the byte/message counters. Fails with ErrNotConnected once
// the connection has reached StateClosed. This is also the path a caller
// hands a Ping/Pong/Close message to: per spec.md §4.4 "send contract".
func (c *Connection) Send(msg Message) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.mu.Unlock()

	frame, err := c.messageToFrame(msg)
	if err != nil {
		return err
	}
	return c.writeFrame(frame)
}

// SendText is a convenience wrapper over Send for a Text message.
func (c *Connection) SendText(s string) error {
	return c.Send(Message{Kind: MessageText, Text: s})
}

// SendBinary is a convenience wrapper over Send for a Binary message.
func (c *Connection) SendBinary(b []byte) error {
	return c.Send(Message{Kind: MessageBinary, Data: b})
}

// Ping sends a health-probe frame. payload must be <= 125 bytes.
func (c *Connection) Ping(payload []byte) error {
	return c.Send(Message{Kind: MessagePing, Data: payload})
}

// Close constructs a Close message, sends it, and transitions
// Connected -> Closing -> Closed, shutting down the stream.
func (c *Connection) Close(code CloseCode, reason string) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	alreadySent := c.closeSent
	c.mu.Unlock()

	var sendErr error
	if !alreadySent {
		sendErr = c.Send(Message{Kind: MessageClose, CloseCode: code, CloseReason: reason})
	}

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	_ = c.stream.Close()
	return sendErr
}

// Evict shuts down the stream without sending a close frame and
// transitions directly to Closed, per spec.md §4.5's idle-timeout sweep
// contract ("Eviction sends no close frame").
func (c *Connection) Evict() {
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	_ = c.stream.Close()
}

func (c *Connection) messageToFrame(msg Message) (Frame, error) {
	switch msg.Kind {
	case MessageText:
		return TextFrame(msg.Text), nil
	case MessageBinary:
		return BinaryFrame(msg.Data), nil
	case MessagePing:
		return PingFrame(msg.Data)
	case MessagePong:
		return PongFrame(msg.Data)
	case MessageClose:
		return CloseFrame(msg.CloseCode, msg.CloseReason)
	default:
		return Frame{}, CloseConstructionError("unknown message kind %d", msg.Kind)
	}
}

// writeFrame encodes and writes one frame, applying permessage-deflate to
// data frames when negotiated, and updates counters. Close frames set
// closeSent so Close() does not double-send, and move a Connected
// connection to Closing.
func (c *Connection) writeFrame(f Frame) error {
	f.Masked = c.isClient
	if c.compressionNegotiated && f.Opcode.IsData() && len(f.Payload) > 0 {
		compressed, err := c.deflateOut.compress(f.Payload)
		if err != nil {
			return TransportError(err, "compressing outbound frame")
		}
		f.Rsv1 = true
		f.Payload = compressed
	}

	out, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	if _, err := c.stream.Write(out); err != nil {
		c.transitionClosed()
		return TransportError(err, "writing frame")
	}
	if err := c.stream.Flush(); err != nil {
		c.transitionClosed()
		return TransportError(err, "flushing frame")
	}

	c.mu.Lock()
	c.stats.MessagesSent++
	c.stats.BytesSent += uint64(len(out))
	if f.Opcode == OpClose {
		c.closeSent = true
		if c.state == StateConnected {
			c.state = StateClosing
		}
	}
	c.mu.Unlock()
	return nil
}

func (dc *deflateContext) compress(payload []byte) ([]byte, error) {
	level := dc.level
	if level == 0 {
		level = flate.BestSpeed
	}
	buf := &bytes.Buffer{}
	if dc.writer == nil || dc.noContextTakeover {
		w, err := flate.NewWriter(buf, level)
		if err != nil {
			return nil, err
		}
		dc.writer = w
	} else {
		dc.writer.Reset(buf)
	}
	if _, err := dc.writer.Write(payload); err != nil {
		return nil, err
	}
	if err := dc.writer.Close(); err != nil {
		return nil, err
	}
	b := buf.Bytes()
	// Strip the trailing 00 00 FF FF marker per RFC 7692 §7.2.1.
	if len(b) >= 4 {
		b = b[:len(b)-4]
	}
	return b, nil
}

func (c *Connection) transitionClosed() {
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
}

// Next implements the receive loop contract of spec.md §4.4: it blocks
// until a Text/Binary message or a Close arrives, auto-ponging Pings and
// looping on Pongs transparently, and returns (nil, nil) on a clean EOF.
func (c *Connection) Next() (*Message, error) {
	for {
		c.mu.Lock()
		c.touch()
		state := c.state
		c.mu.Unlock()
		if state == StateClosed {
			return nil, ErrNotConnected
		}

		frame, err := c.readFrame()
		if err != nil {
			if err == io.EOF {
				c.transitionClosed()
				return nil, nil
			}
			if wsErr, ok := err.(*Error); ok && wsErr.Kind == KindTransport {
				// Transport I/O errors transition straight to Closed with
				// no outbound close frame, per spec.md §4.4.
				c.transitionClosed()
				_ = c.stream.Close()
				return nil, err
			}
			c.handleProtocolFailure(err)
			return nil, err
		}

		// A server must receive only masked frames, and a client only
		// unmasked ones (spec.md §3); the reverse is a masking rule
		// violation and, per spec.md §7, a generic protocol error.
		if frame.Masked == c.isClient {
			werr := ProtocolError(CloseProtocolError, "masking rule violation: frame masked=%v on a %s connection", frame.Masked, roleName(c.isClient))
			c.handleProtocolFailure(werr)
			return nil, werr
		}

		if frame.Rsv1 && c.compressionNegotiated && frame.Opcode.IsData() {
			inflated, ierr := c.inflate(frame.Payload)
			if ierr != nil {
				werr := ProtocolError(CloseProtocolError, "decompression failed: %v", ierr)
				c.handleProtocolFailure(werr)
				return nil, werr
			}
			frame.Payload = inflated
		}

		msg, err := c.assembler.Feed(frame)
		if err != nil {
			c.handleProtocolFailure(err)
			return nil, err
		}
		if msg == nil {
			continue
		}

		switch msg.Kind {
		case MessagePing:
			if err := c.writeFrame(mustPong(msg.Data)); err != nil {
				return nil, err
			}
			continue
		case MessagePong:
			continue
		case MessageClose:
			c.mu.Lock()
			wasClosing := c.state == StateClosing
			c.state = StateClosing
			c.mu.Unlock()
			if wasClosing {
				c.transitionClosed()
				_ = c.stream.Close()
			}
			return msg, nil
		default:
			c.mu.Lock()
			c.stats.MessagesReceived++
			c.mu.Unlock()
			return msg, nil
		}
	}
}

func roleName(isClient bool) string {
	if isClient {
		return "client"
	}
	return "server"
}

func mustPong(payload []byte) Frame {
	f, err := PongFrame(payload)
	if err != nil {
		// payload came from an already-validated inbound Ping, so this
		// cannot happen; fall back to an empty pong rather than panic.
		f, _ = PongFrame(nil)
	}
	return f
}

// handleProtocolFailure sends the most specific applicable close code (per
// spec.md §4.4 failure semantics) and transitions to Closed. I/O errors
// surfacing from the write are ignored — the connection is going away
// regardless.
func (c *Connection) handleProtocolFailure(err error) {
	code := CloseProtocolError
	if wsErr, ok := err.(*Error); ok && wsErr.CloseCode != 0 {
		code = wsErr.CloseCode
	}
	c.mu.Lock()
	c.state = StateClosing
	c.mu.Unlock()
	frame, ferr := CloseFrame(code, err.Error())
	if ferr == nil {
		_ = c.writeFrame(frame)
	}
	c.transitionClosed()
	_ = c.stream.Close()
}

// readFrame reads from the stream until ParseFrame succeeds, accumulating
// bytes in c.readBuf across calls so a short read doesn't discard partial
// frame data — the same incremental contract as the teacher's wsRead, but
// expressed per-call rather than batched across a whole read buffer.
func (c *Connection) readFrame() (Frame, error) {
	for {
		frame, consumed, err := ParseFrame(c.readBuf, c.compressionNegotiated, c.maxFrameSize)
		if err == nil {
			c.readBuf = append(c.readBuf[:0], c.readBuf[consumed:]...)
			c.mu.Lock()
			c.stats.BytesReceived += uint64(consumed)
			c.mu.Unlock()
			return frame, nil
		}
		need, ok := err.(*NeedMore)
		if !ok {
			return Frame{}, err
		}

		grow := need.Min
		if grow < 2048 {
			grow = 2048
		}
		start := len(c.readBuf)
		c.readBuf = append(c.readBuf, make([]byte, grow)...)
		n, rerr := c.stream.Read(c.readBuf[start:])
		c.readBuf = c.readBuf[:start+n]
		if rerr != nil {
			if n == 0 {
				if rerr == io.EOF {
					return Frame{}, io.EOF
				}
				return Frame{}, TransportError(rerr, "reading frame")
			}
			// Data arrived alongside the error; try to parse what we have
			// before surfacing the error on the next call.
			if rerr != io.EOF {
				return Frame{}, TransportError(rerr, "reading frame")
			}
		}
	}
}

// inflate passes a compressed data-frame payload through the per-connection
// inflate context, honoring context takeover (spec.md §9): when
// ClientNoContextTakeover is negotiated, a fresh decompressor is drawn from
// the shared pool for every message instead of persisting one across
// messages, exactly mirroring the teacher's decompressorPool usage in
// wsRead.
func (c *Connection) inflate(payload []byte) ([]byte, error) {
	// Per https://tools.ietf.org/html/rfc7692#section-7.2.2, restore the
	// stripped trailer before feeding the flate reader so it doesn't
	// report an unexpected EOF.
	b := append(payload, 0x00, 0x00, 0xff, 0xff, 0x01, 0x00, 0x00, 0xff, 0xff)
	br := bytes.NewReader(b)
	d, _ := c.decompressorPool.Get().(io.ReadCloser)
	if d == nil {
		d = flate.NewReader(br)
	} else {
		d.(flate.Resetter).Reset(br, nil)
	}
	out, err := ioutil.ReadAll(d)
	// A server connection reads frames the client wrote under
	// ClientNoContextTakeover; a client connection reads frames the server
	// wrote under ServerNoContextTakeover.
	noTakeover := c.compressionParams.ClientNoContextTakeover
	if c.isClient {
		noTakeover = c.compressionParams.ServerNoContextTakeover
	}
	if noTakeover {
		_ = d.Close()
	} else {
		c.decompressorPool.Put(d)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}
