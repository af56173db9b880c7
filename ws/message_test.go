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

import "testing"

// S4: a Text message fragmented across three frames assembles into one
// Message once the final frame arrives.
func TestAssemblerFragmentedText(t *testing.T) {
	a := NewAssembler(0)

	msg, err := a.Feed(Frame{Fin: false, Opcode: OpText, Payload: []byte("Hel")})
	require_NoError(t, err)
	require_True(t, msg == nil)

	msg, err = a.Feed(Frame{Fin: false, Opcode: OpContinuation, Payload: []byte("lo, ")})
	require_NoError(t, err)
	require_True(t, msg == nil)

	msg, err = a.Feed(Frame{Fin: true, Opcode: OpContinuation, Payload: []byte("world")})
	require_NoError(t, err)
	require_True(t, msg != nil)
	require_Equal(t, msg.Kind, MessageText)
	require_Equal(t, msg.Text, "Hello, world")
}

func TestAssemblerControlInterleavedWithFragmentedText(t *testing.T) {
	a := NewAssembler(0)

	_, err := a.Feed(Frame{Fin: false, Opcode: OpText, Payload: []byte("a")})
	require_NoError(t, err)

	msg, err := a.Feed(Frame{Fin: true, Opcode: OpPing, Payload: []byte("p")})
	require_NoError(t, err)
	require_Equal(t, msg.Kind, MessagePing)

	msg, err = a.Feed(Frame{Fin: true, Opcode: OpContinuation, Payload: []byte("b")})
	require_NoError(t, err)
	require_Equal(t, msg.Text, "ab")
}

func TestAssemblerSingleFrameTextAndBinary(t *testing.T) {
	a := NewAssembler(0)
	msg, err := a.Feed(Frame{Fin: true, Opcode: OpText, Payload: []byte("hi")})
	require_NoError(t, err)
	require_Equal(t, msg.Kind, MessageText)
	require_Equal(t, msg.Text, "hi")

	msg, err = a.Feed(Frame{Fin: true, Opcode: OpBinary, Payload: []byte{1, 2, 3}})
	require_NoError(t, err)
	require_Equal(t, msg.Kind, MessageBinary)
	require_Equal(t, msg.Data, []byte{1, 2, 3})
}

func TestAssemblerRejectsInterleavedDataFrame(t *testing.T) {
	a := NewAssembler(0)
	_, err := a.Feed(Frame{Fin: false, Opcode: OpText, Payload: []byte("a")})
	require_NoError(t, err)

	_, err = a.Feed(Frame{Fin: true, Opcode: OpText, Payload: []byte("b")})
	require_Error(t, err)
}

func TestAssemblerRejectsContinuationWithoutStart(t *testing.T) {
	a := NewAssembler(0)
	_, err := a.Feed(Frame{Fin: true, Opcode: OpContinuation, Payload: []byte("x")})
	require_Error(t, err)
}

func TestAssemblerRejectsInvalidUTF8(t *testing.T) {
	a := NewAssembler(0)
	_, err := a.Feed(Frame{Fin: true, Opcode: OpText, Payload: []byte{0xff, 0xfe}})
	require_Error(t, err)
}

// Invariant 4: the assembler's buffer holds only the bytes fed since the
// last yielded message and is empty right after each yield, i.e. it does
// not leak across messages.
func TestAssemblerMonotonicMemory(t *testing.T) {
	a := NewAssembler(0)
	_, err := a.Feed(Frame{Fin: true, Opcode: OpBinary, Payload: make([]byte, 1000)})
	require_NoError(t, err)
	require_Len(t, len(a.buf), 0)

	_, err = a.Feed(Frame{Fin: false, Opcode: OpBinary, Payload: make([]byte, 10)})
	require_NoError(t, err)
	require_Len(t, len(a.buf), 10)

	_, err = a.Feed(Frame{Fin: true, Opcode: OpContinuation, Payload: make([]byte, 5)})
	require_NoError(t, err)
	require_Len(t, len(a.buf), 0)
}

func TestAssemblerEnforcesMaxMessageSizeOnFirstFrame(t *testing.T) {
	a := NewAssembler(10)
	_, err := a.Feed(Frame{Fin: true, Opcode: OpBinary, Payload: make([]byte, 11)})
	require_Error(t, err)
	wsErr, ok := err.(*Error)
	require_True(t, ok)
	require_Equal(t, wsErr.Kind, KindFrameSize)
}

func TestAssemblerEnforcesMaxMessageSizeAcrossFragments(t *testing.T) {
	a := NewAssembler(10)
	_, err := a.Feed(Frame{Fin: false, Opcode: OpBinary, Payload: make([]byte, 6)})
	require_NoError(t, err)
	_, err = a.Feed(Frame{Fin: true, Opcode: OpContinuation, Payload: make([]byte, 6)})
	require_Error(t, err)
}

func TestParseClosePayloadVariants(t *testing.T) {
	code, reason, err := parseClosePayload(nil)
	require_NoError(t, err)
	require_Equal(t, code, CloseCode(0))
	require_Equal(t, reason, "")

	_, _, err = parseClosePayload([]byte{0x03})
	require_Error(t, err)

	code, reason, err = parseClosePayload([]byte{0x03, 0xE8, 'h', 'i'})
	require_NoError(t, err)
	require_Equal(t, code, CloseNormal)
	require_Equal(t, reason, "hi")

	_, _, err = parseClosePayload([]byte{0x00, 0x01})
	require_Error(t, err)

	_, _, err = parseClosePayload(append([]byte{0x03, 0xE8}, 0xff, 0xfe))
	require_Error(t, err)
}

func TestAssemblerRejectsUnexpectedControlOpcode(t *testing.T) {
	a := NewAssembler(0)
	_, err := a.Feed(Frame{Fin: true, Opcode: Opcode(0xB)})
	require_Error(t, err)
}

func TestAssemblerReset(t *testing.T) {
	a := NewAssembler(0)
	_, err := a.Feed(Frame{Fin: false, Opcode: OpText, Payload: []byte("partial")})
	require_NoError(t, err)
	require_True(t, a.inProgress)
	a.Reset()
	require_True(t, !a.inProgress)
	require_Len(t, len(a.buf), 0)
}
