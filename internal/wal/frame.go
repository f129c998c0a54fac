// Package wal implements the write-ahead log: framed, CRC32'd records that
// are the ordering of truth for transaction outcomes (spec §4.2). The
// binary frame format mirrors the teacher's pager/wal.go length-prefixed,
// CRC-trailered record layout, generalized to the entry kinds this core
// needs.
package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// EntryKind discriminates a WAL entry's payload shape.
type EntryKind uint8

const (
	KindBeginTxn EntryKind = iota + 1
	KindWrite
	KindDelete
	KindCommitTxn
	KindAbortTxn
	KindCheckpoint
)

func (k EntryKind) String() string {
	switch k {
	case KindBeginTxn:
		return "BeginTxn"
	case KindWrite:
		return "Write"
	case KindDelete:
		return "Delete"
	case KindCommitTxn:
		return "CommitTxn"
	case KindAbortTxn:
		return "AbortTxn"
	case KindCheckpoint:
		return "Checkpoint"
	default:
		return fmt.Sprintf("EntryKind(%d)", uint8(k))
	}
}

// minFrameLen is the smallest legal total frame length: 1 kind byte + 4
// CRC bytes, with an empty payload. Spec §4.2/§8/§9: any declared length
// below this (0..4 inclusive) must be rejected as Corruption before any
// subtraction is attempted on it — the explicit guard against the
// underflow-prone length-minus-overhead computation that is a real,
// regression-tested bug in the source lineage.
const minFrameLen = 5

// maxFrameLen bounds a single frame's declared length, guarding against a
// corrupt/malicious length field causing an enormous allocation.
const maxFrameLen = 64 << 20 // 64 MiB

var crcTable = crc32.MakeTable(crc32.IEEE)

// Frame is the on-wire shape described in spec §4.2:
//
//	length: u32 LE (>= 5, counts kind+payload+crc)
//	kind:   u8
//	payload: length-5 bytes
//	crc32:  u32 LE, computed over kind+payload
type Frame struct {
	Kind    EntryKind
	Payload []byte
}

// Marshal encodes a frame to its on-wire representation.
func (f Frame) Marshal() []byte {
	total := minFrameLen + len(f.Payload)
	buf := make([]byte, 4+total)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(total))
	buf[4] = byte(f.Kind)
	copy(buf[5:], f.Payload)

	h := crc32.New(crcTable)
	h.Write(buf[4 : 4+1+len(f.Payload)])
	binary.LittleEndian.PutUint32(buf[4+1+len(f.Payload):], h.Sum32())
	return buf
}

// CorruptionError reports a WAL frame that failed validation, along with
// the byte offset at which the reader must stop (spec §4.2 "stop point").
type CorruptionError struct {
	Offset int64
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("wal corruption at offset %d: %s", e.Offset, e.Reason)
}

// unmarshalFrame decodes one frame starting at data[0:]. It returns the
// frame, the number of bytes consumed (4 + total), and an error. A
// *CorruptionError is returned for a bad length, a short read (torn
// tail), or a CRC mismatch — callers distinguish torn-tail (not enough
// bytes yet available) from genuine corruption via len(data) vs the
// declared length, exactly as spec §4.2 requires: "torn tail" truncates
// silently, "mid-file corruption" is fatal and must not be skipped.
func unmarshalFrame(data []byte, offset int64) (Frame, int, error) {
	if len(data) < 4 {
		return Frame{}, 0, &CorruptionError{Offset: offset, Reason: "truncated length prefix"}
	}
	total := binary.LittleEndian.Uint32(data[0:4])
	if total < minFrameLen {
		return Frame{}, 0, &CorruptionError{Offset: offset, Reason: fmt.Sprintf("declared length %d below minimum %d", total, minFrameLen)}
	}
	if total > maxFrameLen {
		return Frame{}, 0, &CorruptionError{Offset: offset, Reason: fmt.Sprintf("declared length %d exceeds maximum %d", total, maxFrameLen)}
	}
	need := 4 + int(total)
	if len(data) < need {
		return Frame{}, 0, &CorruptionError{Offset: offset, Reason: "truncated frame body (torn tail)"}
	}

	body := data[4:need]
	kind := EntryKind(body[0])
	payloadLen := int(total) - minFrameLen
	payload := body[1 : 1+payloadLen]
	storedCRC := binary.LittleEndian.Uint32(body[1+payloadLen:])

	h := crc32.New(crcTable)
	h.Write(body[:1+payloadLen])
	if h.Sum32() != storedCRC {
		return Frame{}, 0, &CorruptionError{Offset: offset, Reason: "crc mismatch"}
	}

	return Frame{Kind: kind, Payload: payload}, need, nil
}

// ReadFrame reads one frame from the front of data, a window already
// sliced to start at the given absolute offset (used for error
// reporting). It distinguishes three outcomes for its caller (package
// recovery):
//
//   - clean end of segment: len(data) == 0, returns ok=false, err=nil.
//   - a frame was read: returns the frame, bytes consumed, ok=true.
//   - corruption or a torn tail: returns a *CorruptionError. Per spec
//     §4.2 this is not a "real" failure of Open/Replay — the caller
//     treats the offset as the stop point and discards everything at or
//     after it.
func ReadFrame(data []byte, offset int64) (Frame, int, bool, error) {
	if len(data) == 0 {
		return Frame{}, 0, false, nil
	}
	f, n, err := unmarshalFrame(data, offset)
	if err != nil {
		return Frame{}, 0, false, err
	}
	return f, n, true, nil
}
