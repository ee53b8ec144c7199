// Package message implements the fragmentation and reassembly layer
// (spec §4.6, C6) on top of the fixed-size ring slots: arbitrary-length
// application messages are split into chunks that fit one slot's
// payload and reassembled on the receiving side.
package message

import "encoding/binary"

// HeaderSize is the on-wire size of a fragment header: conn_id (u8),
// msg_id (u32), remain (i32).
const HeaderSize = 1 + 4 + 4

// Fragment is one piece of a (possibly single-fragment) message.
type Fragment struct {
	ConnID uint8
	MsgID  uint32
	Remain int32 // bytes still to follow; negative sentinel (see below)
	Data   []byte
}

// Encode writes f's header and data into buf, which must be at least
// HeaderSize+len(f.Data) bytes, and returns the number of bytes
// written.
func Encode(f Fragment, buf []byte) int {
	buf[0] = f.ConnID
	binary.LittleEndian.PutUint32(buf[1:5], f.MsgID)
	binary.LittleEndian.PutUint32(buf[5:9], uint32(f.Remain))
	n := copy(buf[HeaderSize:], f.Data)
	return HeaderSize + n
}

// Decode parses a fragment header and data view out of buf. The
// returned Fragment's Data aliases buf; callers that need to retain it
// past the slot's next reuse must copy.
func Decode(buf []byte) Fragment {
	return Fragment{
		ConnID: buf[0],
		MsgID:  binary.LittleEndian.Uint32(buf[1:5]),
		Remain: int32(binary.LittleEndian.Uint32(buf[5:9])),
		Data:   buf[HeaderSize:],
	}
}

// Split breaks payload into a sequence of Fragments no larger than
// maxChunk bytes of data each, addressed by connID/msgID. A payload
// that fits in a single chunk is marked with Remain's negative
// sentinel (spec: "negative sentinel means this fragment is the
// entire small message, and |remain| is the byte-length") rather than
// 0, so a receiver can tell a complete one-shot message apart from the
// final fragment of a multi-fragment one without extra bookkeeping.
func Split(connID uint8, msgID uint32, payload []byte, maxChunk int) []Fragment {
	if len(payload) <= maxChunk {
		return []Fragment{{
			ConnID: connID,
			MsgID:  msgID,
			Remain: wholeSentinel(len(payload)),
			Data:   payload,
		}}
	}

	var frags []Fragment
	remain := len(payload)
	for off := 0; off < len(payload); off += maxChunk {
		end := off + maxChunk
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[off:end]
		remain -= len(chunk)
		frags = append(frags, Fragment{
			ConnID: connID,
			MsgID:  msgID,
			Remain: int32(remain),
			Data:   chunk,
		})
	}
	return frags
}

// wholeSentinel encodes a whole-message length as the spec's negative
// sentinel. Offset by one (rather than a bare -length) so a
// zero-length message still encodes as strictly negative: a
// continuation fragment's remain is never negative, so any negative
// value unambiguously means "whole message", including the empty one.
func wholeSentinel(length int) int32 { return -int32(length) - 1 }

// IsWhole reports whether f is a complete, unfragmented message.
func (f Fragment) IsWhole() bool { return f.Remain < 0 }

// WholeLen returns the total byte length of a whole-message fragment.
// Only meaningful when IsWhole is true.
func (f Fragment) WholeLen() int { return int(-f.Remain - 1) }
