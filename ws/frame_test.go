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
	"testing"
)

// S1: encoding an unmasked "hello" text frame produces the exact 7-byte
// RFC 6455 wire form.
func TestEncodeFrameTextUnmasked(t *testing.T) {
	out, err := EncodeFrame(TextFrame("hello"))
	require_NoError(t, err)
	want := append([]byte{0x81, 0x05}, "hello"...)
	require_True(t, bytes.Equal(out, want))
	require_Len(t, len(out), 7)
}

// S2: encoding a 65536-byte binary frame uses the 8-byte extended length
// form with the minimal value, never the 16-bit form.
func TestEncodeFrameLargeBinaryUsesExtendedLength(t *testing.T) {
	payload := make([]byte, 65536)
	out, err := EncodeFrame(BinaryFrame(payload))
	require_NoError(t, err)
	require_True(t, out[0] == 0x82)
	require_True(t, out[1] == 0x7F)
	wantLen := []byte{0, 0, 0, 0, 0, 1, 0, 0}
	require_True(t, bytes.Equal(out[2:10], wantLen))
	require_Len(t, len(out), 10+65536)
}

// S3: parsing a Close frame carrying a 2-byte code plus reason recovers
// both fields.
func TestParseFrameCloseWithReason(t *testing.T) {
	buf := append([]byte{0x88, 0x09, 0x03, 0xE8}, "Goodbye"...)
	f, n, err := ParseFrame(buf, false, 0)
	require_NoError(t, err)
	require_Len(t, n, len(buf))
	require_True(t, f.Opcode == OpClose)
	msg, err := (&Assembler{}).Feed(f)
	require_NoError(t, err)
	require_True(t, msg.Kind == MessageClose)
	require_Equal(t, msg.CloseCode, CloseNormal)
	require_Equal(t, msg.CloseReason, "Goodbye")
}

// Invariant 1: round-trip for a representative sample of legal frames.
func TestRoundTripFrameCodec(t *testing.T) {
	cases := []Frame{
		TextFrame(""),
		TextFrame("hello, world"),
		BinaryFrame([]byte{1, 2, 3, 4, 5}),
		{Fin: true, Opcode: OpPing, Payload: []byte("ping")},
		{Fin: true, Opcode: OpPong, Payload: []byte("pong")},
		{Fin: false, Opcode: OpText, Payload: []byte("frag")},
		{Fin: true, Opcode: OpContinuation, Payload: []byte("rest")},
	}
	for _, f := range cases {
		encoded, err := EncodeFrame(f)
		require_NoError(t, err)
		got, n, err := ParseFrame(encoded, false, 0)
		require_NoError(t, err)
		require_Len(t, n, len(encoded))
		require_Equal(t, got.Fin, f.Fin)
		require_Equal(t, got.Opcode, f.Opcode)
		require_True(t, bytes.Equal(got.Payload, f.Payload) || (len(got.Payload) == 0 && len(f.Payload) == 0))
	}
}

// Invariant 1, masked variant: a masked frame from a "client" round-trips
// once unmasked by the parser.
func TestRoundTripMaskedFrame(t *testing.T) {
	key := [4]byte{0xAA, 0xBB, 0xCC, 0xDD}
	payload := []byte("the quick brown fox jumps over the lazy dog 0123456789")
	masked := make([]byte, len(payload))
	copy(masked, payload)
	maskUnmask(masked, key, 0)

	hdr := []byte{0x81, 0xFF & (0x80 | byte(len(payload)))}
	hdr = append(hdr, key[:]...)
	buf := append(hdr, masked...)

	f, n, err := ParseFrame(buf, false, 0)
	require_NoError(t, err)
	require_Len(t, n, len(buf))
	require_True(t, f.Masked)
	require_True(t, bytes.Equal(f.Payload, payload))
}

// Invariant 2: masking is its own inverse for arbitrary keys/payloads.
func TestMaskingInvolution(t *testing.T) {
	keys := [][4]byte{{0, 0, 0, 0}, {1, 2, 3, 4}, {0xFF, 0xFE, 0xFD, 0xFC}}
	lengths := []int{0, 1, 3, 4, 7, 8, 9, 16, 17, 100, 1000}
	for _, k := range keys {
		for _, l := range lengths {
			payload := make([]byte, l)
			for i := range payload {
				payload[i] = byte(i * 7)
			}
			buf := make([]byte, l)
			copy(buf, payload)
			maskUnmask(buf, k, 0)
			maskUnmask(buf, k, 0)
			require_True(t, bytes.Equal(buf, payload))
		}
	}
}

// Invariant 3: encode always selects the minimal length-prefix form.
func TestEncodeFrameMinimalLengthPrefix(t *testing.T) {
	short := make([]byte, 125)
	out, err := EncodeFrame(BinaryFrame(short))
	require_NoError(t, err)
	require_True(t, out[1] == 125)

	mid := make([]byte, 126)
	out, err = EncodeFrame(BinaryFrame(mid))
	require_NoError(t, err)
	require_True(t, out[1] == 126)

	big := make([]byte, 65536)
	out, err = EncodeFrame(BinaryFrame(big))
	require_NoError(t, err)
	require_True(t, out[1] == 127)
}

func TestParseFrameNeedMore(t *testing.T) {
	_, _, err := ParseFrame([]byte{0x81}, false, 0)
	require_Error(t, err)
	need, ok := err.(*NeedMore)
	require_True(t, ok)
	require_True(t, need.Min > 0)

	full, err := EncodeFrame(TextFrame("hello"))
	require_NoError(t, err)
	_, _, err = ParseFrame(full[:3], false, 0)
	require_Error(t, err)
	_, ok = err.(*NeedMore)
	require_True(t, ok)
}

func TestParseFrameRejectsReservedBits(t *testing.T) {
	buf := []byte{0x81 | rsv2Bit, 0x00}
	_, _, err := ParseFrame(buf, false, 0)
	require_Error(t, err)
	wsErr, ok := err.(*Error)
	require_True(t, ok)
	require_Equal(t, wsErr.Kind, KindProtocol)
}

func TestParseFrameRejectsRsv1WithoutCompression(t *testing.T) {
	buf := []byte{0x81 | rsv1Bit, 0x00}
	_, _, err := ParseFrame(buf, false, 0)
	require_Error(t, err)
}

func TestParseFrameAllowsRsv1WithCompression(t *testing.T) {
	buf := []byte{0x81 | rsv1Bit, 0x00}
	_, _, err := ParseFrame(buf, true, 0)
	require_NoError(t, err)
}

func TestParseFrameRejectsUnknownOpcode(t *testing.T) {
	buf := []byte{0x83, 0x00} // opcode 0x3 is reserved/unknown
	_, _, err := ParseFrame(buf, false, 0)
	require_Error(t, err)
}

func TestParseFrameRejectsFragmentedControl(t *testing.T) {
	buf := []byte{0x09, 0x00} // Ping, fin=0
	_, _, err := ParseFrame(buf, false, 0)
	require_Error(t, err)
}

func TestParseFrameRejectsOversizeControl(t *testing.T) {
	buf := append([]byte{0x89, 126, 0, 200}, make([]byte, 200)...)
	_, _, err := ParseFrame(buf, false, 0)
	require_Error(t, err)
}

func TestParseFrameEnforcesMaxFrameSize(t *testing.T) {
	payload := make([]byte, 1000)
	encoded, err := EncodeFrame(BinaryFrame(payload))
	require_NoError(t, err)
	_, _, err = ParseFrame(encoded, false, 500)
	require_Error(t, err)
	wsErr, ok := err.(*Error)
	require_True(t, ok)
	require_Equal(t, wsErr.Kind, KindFrameSize)
}

func TestEncodeFrameRejectsOversizeControl(t *testing.T) {
	_, err := PingFrame(make([]byte, 126))
	require_Error(t, err)
}

func TestEncodeFrameRejectsNonFinalControl(t *testing.T) {
	_, err := EncodeFrame(Frame{Fin: false, Opcode: OpPing})
	require_Error(t, err)
}

func TestCloseFrameRejectsReservedCode(t *testing.T) {
	_, err := CloseFrame(CloseAbnormal, "")
	require_Error(t, err)
}

func TestCloseFrameZeroCodeProducesEmptyPayload(t *testing.T) {
	f, err := CloseFrame(0, "")
	require_NoError(t, err)
	require_Len(t, len(f.Payload), 0)
}
