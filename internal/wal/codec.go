package wal

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/agentic-substrate/storecore/internal/kv"
)

// TxnID identifies a transaction within the WAL for grouping purposes.
// It is distinct from kv.Version: a txn id is assigned at begin, a
// commit version only at commit.
type TxnID uint64

// Entry is the decoded, in-memory form of one logical WAL operation
// (spec §3.1 "WAL entry").
type Entry struct {
	Kind EntryKind

	TxnID TxnID

	// BeginTxn
	RunID  kv.RunId
	WallTS time.Time

	// Write / Delete
	Key       kv.Key
	Value     kv.Value // Write only
	TTL       time.Duration
	CommitVer kv.Version

	// CommitTxn also carries CommitVer above.

	// Checkpoint
	UpToVersion kv.Version
}

// --- primitive encoding helpers -------------------------------------------

func putU32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func putU64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func putBytes(buf []byte, b []byte) []byte {
	buf = putU32(buf, uint32(len(b)))
	return append(buf, b...)
}

func putString(buf []byte, s string) []byte {
	return putBytes(buf, []byte(s))
}

type cursor struct {
	data []byte
	pos  int
}

func (c *cursor) u32() (uint32, error) {
	if c.pos+4 > len(c.data) {
		return 0, errShortRead
	}
	v := binary.LittleEndian.Uint32(c.data[c.pos : c.pos+4])
	c.pos += 4
	return v, nil
}

func (c *cursor) u64() (uint64, error) {
	if c.pos+8 > len(c.data) {
		return 0, errShortRead
	}
	v := binary.LittleEndian.Uint64(c.data[c.pos : c.pos+8])
	c.pos += 8
	return v, nil
}

func (c *cursor) bytes() ([]byte, error) {
	n, err := c.u32()
	if err != nil {
		return nil, err
	}
	if c.pos+int(n) > len(c.data) {
		return nil, errShortRead
	}
	b := c.data[c.pos : c.pos+int(n)]
	c.pos += int(n)
	return b, nil
}

func (c *cursor) str() (string, error) {
	b, err := c.bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

var errShortRead = fmt.Errorf("wal: short read decoding payload")

// --- Value encoding --------------------------------------------------------
//
// Nested values recursively encode with a leading 1-byte type tag (spec
// §4.2).

func putValue(buf []byte, v kv.Value) []byte {
	buf = append(buf, byte(v.Kind))
	switch v.Kind {
	case kv.KindNull:
	case kv.KindBool:
		if v.Bool {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case kv.KindInt:
		buf = putU64(buf, uint64(v.Int))
	case kv.KindFloat:
		buf = putU64(buf, math.Float64bits(v.Float))
	case kv.KindString:
		buf = putString(buf, v.Str)
	case kv.KindBytes:
		buf = putBytes(buf, v.Bytes)
	case kv.KindArray:
		buf = putU32(buf, uint32(len(v.Array)))
		for _, e := range v.Array {
			buf = putValue(buf, e)
		}
	case kv.KindObject:
		buf = putU32(buf, uint32(len(v.Object)))
		for k, e := range v.Object {
			buf = putString(buf, k)
			buf = putValue(buf, e)
		}
	}
	return buf
}

func (c *cursor) value() (kv.Value, error) {
	if c.pos+1 > len(c.data) {
		return kv.Value{}, errShortRead
	}
	kind := kv.ValueKind(c.data[c.pos])
	c.pos++
	switch kind {
	case kv.KindNull:
		return kv.Null(), nil
	case kv.KindBool:
		if c.pos+1 > len(c.data) {
			return kv.Value{}, errShortRead
		}
		b := c.data[c.pos] != 0
		c.pos++
		return kv.BoolValue(b), nil
	case kv.KindInt:
		u, err := c.u64()
		if err != nil {
			return kv.Value{}, err
		}
		return kv.IntValue(int64(u)), nil
	case kv.KindFloat:
		u, err := c.u64()
		if err != nil {
			return kv.Value{}, err
		}
		return kv.FloatValue(math.Float64frombits(u)), nil
	case kv.KindString:
		s, err := c.str()
		if err != nil {
			return kv.Value{}, err
		}
		return kv.StringValue(s), nil
	case kv.KindBytes:
		b, err := c.bytes()
		if err != nil {
			return kv.Value{}, err
		}
		cp := make([]byte, len(b))
		copy(cp, b)
		return kv.BytesValue(cp), nil
	case kv.KindArray:
		n, err := c.u32()
		if err != nil {
			return kv.Value{}, err
		}
		arr := make([]kv.Value, 0, n)
		for i := uint32(0); i < n; i++ {
			e, err := c.value()
			if err != nil {
				return kv.Value{}, err
			}
			arr = append(arr, e)
		}
		return kv.ArrayValue(arr), nil
	case kv.KindObject:
		n, err := c.u32()
		if err != nil {
			return kv.Value{}, err
		}
		obj := make(map[string]kv.Value, n)
		for i := uint32(0); i < n; i++ {
			k, err := c.str()
			if err != nil {
				return kv.Value{}, err
			}
			v, err := c.value()
			if err != nil {
				return kv.Value{}, err
			}
			obj[k] = v
		}
		return kv.ObjectValue(obj), nil
	default:
		return kv.Value{}, fmt.Errorf("wal: unknown value kind %d", kind)
	}
}

// --- Key encoding ------------------------------------------------------

func putKey(buf []byte, k kv.Key) []byte {
	buf = putString(buf, k.Namespace.Tenant)
	buf = putString(buf, k.Namespace.App)
	buf = putString(buf, k.Namespace.Agent)
	buf = putString(buf, string(k.Namespace.Run))
	buf = append(buf, byte(k.Type))
	buf = putBytes(buf, k.UserKey)
	return buf
}

func (c *cursor) key() (kv.Key, error) {
	var k kv.Key
	var err error
	if k.Namespace.Tenant, err = c.str(); err != nil {
		return k, err
	}
	if k.Namespace.App, err = c.str(); err != nil {
		return k, err
	}
	if k.Namespace.Agent, err = c.str(); err != nil {
		return k, err
	}
	run, err := c.str()
	if err != nil {
		return k, err
	}
	k.Namespace.Run = kv.RunId(run)
	if c.pos+1 > len(c.data) {
		return k, errShortRead
	}
	k.Type = kv.TypeTag(c.data[c.pos])
	c.pos++
	ub, err := c.bytes()
	if err != nil {
		return k, err
	}
	k.UserKey = append([]byte(nil), ub...)
	return k, nil
}

// --- Entry <-> Frame ------------------------------------------------------

// EncodeEntry renders a logical WAL entry to its Frame form.
func EncodeEntry(e Entry) Frame {
	var buf []byte
	switch e.Kind {
	case KindBeginTxn:
		buf = putU64(buf, uint64(e.TxnID))
		buf = putString(buf, string(e.RunID))
		buf = putU64(buf, uint64(e.WallTS.UnixNano()))
	case KindWrite:
		buf = putU64(buf, uint64(e.TxnID))
		buf = putKey(buf, e.Key)
		buf = putValue(buf, e.Value)
		buf = putU64(buf, uint64(e.CommitVer))
		buf = putU64(buf, uint64(e.TTL))
	case KindDelete:
		buf = putU64(buf, uint64(e.TxnID))
		buf = putKey(buf, e.Key)
		buf = putU64(buf, uint64(e.CommitVer))
	case KindCommitTxn:
		buf = putU64(buf, uint64(e.TxnID))
		buf = putU64(buf, uint64(e.CommitVer))
	case KindAbortTxn:
		buf = putU64(buf, uint64(e.TxnID))
	case KindCheckpoint:
		buf = putU64(buf, uint64(e.UpToVersion))
	}
	return Frame{Kind: e.Kind, Payload: buf}
}

// DecodeEntry parses a Frame's payload back into a logical Entry.
func DecodeEntry(f Frame) (Entry, error) {
	c := &cursor{data: f.Payload}
	e := Entry{Kind: f.Kind}

	readTxnID := func() error {
		u, err := c.u64()
		if err != nil {
			return err
		}
		e.TxnID = TxnID(u)
		return nil
	}

	switch f.Kind {
	case KindBeginTxn:
		if err := readTxnID(); err != nil {
			return e, err
		}
		run, err := c.str()
		if err != nil {
			return e, err
		}
		e.RunID = kv.RunId(run)
		ns, err := c.u64()
		if err != nil {
			return e, err
		}
		e.WallTS = time.Unix(0, int64(ns))
	case KindWrite:
		if err := readTxnID(); err != nil {
			return e, err
		}
		k, err := c.key()
		if err != nil {
			return e, err
		}
		e.Key = k
		v, err := c.value()
		if err != nil {
			return e, err
		}
		e.Value = v
		cv, err := c.u64()
		if err != nil {
			return e, err
		}
		e.CommitVer = kv.Version(cv)
		ttl, err := c.u64()
		if err != nil {
			return e, err
		}
		e.TTL = time.Duration(ttl)
	case KindDelete:
		if err := readTxnID(); err != nil {
			return e, err
		}
		k, err := c.key()
		if err != nil {
			return e, err
		}
		e.Key = k
		cv, err := c.u64()
		if err != nil {
			return e, err
		}
		e.CommitVer = kv.Version(cv)
	case KindCommitTxn:
		if err := readTxnID(); err != nil {
			return e, err
		}
		cv, err := c.u64()
		if err != nil {
			return e, err
		}
		e.CommitVer = kv.Version(cv)
	case KindAbortTxn:
		if err := readTxnID(); err != nil {
			return e, err
		}
	case KindCheckpoint:
		v, err := c.u64()
		if err != nil {
			return e, err
		}
		e.UpToVersion = kv.Version(v)
	default:
		return e, fmt.Errorf("wal: unknown entry kind %d", f.Kind)
	}
	return e, nil
}
