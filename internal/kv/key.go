// Package kv defines the typed key space, value variants, and opaque
// version/timestamp types shared by every layer of the storage core.
package kv

import (
	"bytes"
	"fmt"
)

// RunId names a bounded agent execution. The sentinel DefaultRun is
// reserved for unscoped work; every other value is a UUID string.
type RunId string

// DefaultRun is the reserved RunId for unscoped work.
const DefaultRun RunId = "default"

// TypeTag is a small enumerated discriminator identifying which
// higher-level primitive owns a key. It is part of the key's sort order,
// so "all keys of type T for run R" is a contiguous prefix range.
type TypeTag uint8

const (
	// TypeTagReserved is never used by user data; it is the zero value
	// and exists so an uninitialized TypeTag fails validation loudly.
	TypeTagReserved TypeTag = iota
	TypeTagKV
	TypeTagJSONDoc
	TypeTagEvent
	TypeTagStateCell
	TypeTagVector
	TypeTagRunInfo
	// typeTagMax is a sentinel bounding the valid range; it is not itself
	// a valid tag.
	typeTagMax
)

func (t TypeTag) String() string {
	switch t {
	case TypeTagKV:
		return "kv"
	case TypeTagJSONDoc:
		return "json"
	case TypeTagEvent:
		return "event"
	case TypeTagStateCell:
		return "cell"
	case TypeTagVector:
		return "vector"
	case TypeTagRunInfo:
		return "run"
	default:
		return fmt.Sprintf("TypeTag(%d)", uint8(t))
	}
}

// Valid reports whether t is a known, non-reserved type tag.
func (t TypeTag) Valid() bool {
	return t > TypeTagReserved && t < typeTagMax
}

// Namespace is the hierarchical isolation tuple that forms a prefix of
// every key. Two keys differing in namespace never alias.
type Namespace struct {
	Tenant string
	App    string
	Agent  string
	Run    RunId
}

// Bytes returns the namespace's canonical encoding: NUL-separated fields.
// NUL is disallowed in Tenant/App/Agent/Run so this round-trips and sorts
// lexicographically the same as the tuple itself.
func (n Namespace) Bytes() []byte {
	var buf bytes.Buffer
	buf.WriteString(n.Tenant)
	buf.WriteByte(0)
	buf.WriteString(n.App)
	buf.WriteByte(0)
	buf.WriteString(n.Agent)
	buf.WriteByte(0)
	buf.WriteString(string(n.Run))
	buf.WriteByte(0)
	return buf.Bytes()
}

// Key addresses every value in the store. Keys are totally ordered
// lexicographically by (Namespace, TypeTag, UserKey) — this ordering is
// load-bearing: it is what makes a per-run, per-type prefix scan a single
// contiguous range.
type Key struct {
	Namespace Namespace
	Type      TypeTag
	UserKey   []byte
}

// Encode returns the byte-comparable encoding of the key: the namespace's
// NUL-separated fields, a single type-tag byte, then the raw user key.
// bytes.Compare over Encode() results agrees with the logical ordering.
func (k Key) Encode() []byte {
	ns := k.Namespace.Bytes()
	out := make([]byte, 0, len(ns)+1+len(k.UserKey))
	out = append(out, ns...)
	out = append(out, byte(k.Type))
	out = append(out, k.UserKey...)
	return out
}

// Less reports whether k sorts strictly before other under the key
// ordering defined in spec §3.1.
func (k Key) Less(other Key) bool {
	return bytes.Compare(k.Encode(), other.Encode()) < 0
}

// HasPrefix reports whether k falls within the keyspace range rooted at
// the given namespace+type+user-key prefix.
func (k Key) HasPrefix(ns Namespace, t TypeTag, prefix []byte) bool {
	if k.Namespace != ns || k.Type != t {
		return false
	}
	return bytes.HasPrefix(k.UserKey, prefix)
}

// RunPrefix returns the encoded byte prefix shared by every key belonging
// to the given run, regardless of type tag. Because RunId is the last
// field of Namespace, and type tag and user key are appended after, the
// namespace bytes alone are not quite a clean prefix across type tags — so
// the run index (see package store) is keyed by RunId directly rather
// than relying on byte-prefix scans across type tags.
func RunPrefix(run RunId) []byte {
	return []byte(run)
}
