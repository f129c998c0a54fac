// Package txn implements the transaction coordinator: the only caller of
// package store's mutating operations, and the component that gives
// reads and writes ACID semantics on top of the unified storage layer
// (spec §4.3).
package txn

import (
	"context"
	"sync"
	"time"

	coreerr "github.com/agentic-substrate/storecore/internal/coreerr"
	"github.com/agentic-substrate/storecore/internal/kv"
	"github.com/agentic-substrate/storecore/internal/store"
	"github.com/agentic-substrate/storecore/internal/wal"
)

// readKind distinguishes a point read from a prefix scan in the read-set,
// since a scan's validation rule (spec §4.3 "read-set recording") checks
// the prefix's maximum head version, not a single key's.
type readKind uint8

const (
	readPoint readKind = iota
	readPrefix
)

type readRecord struct {
	kind   readKind
	key    kv.Key // readPoint
	ns     kv.Namespace
	typ    kv.TypeTag
	prefix []byte
	seenAt kv.Version // HeadVersion (or MaxHeadUnderPrefix) observed at read time
}

type writeRecord struct {
	key     kv.Key
	value   kv.Value
	ttl     time.Duration
	deleted bool
}

// Context is an open transaction: a snapshot to read from, and a
// staged, not-yet-applied set of writes local to this transaction (read-
// your-own-writes, spec §4.3 invariant 2).
type Context struct {
	run      kv.RunId
	snapshot store.Snapshot
	reads    []readRecord
	writes   map[string]writeRecord // encoded key -> pending write
	order    []string               // insertion order, for deterministic WAL emission
	deadline time.Time
	done     bool
	coord    *Coordinator
}

// Get performs a snapshot read, preferring the transaction's own pending
// write over the store if the key has been written in this transaction
// (read-your-own-writes).
func (c *Context) Get(key kv.Key) (kv.Value, bool) {
	ek := string(key.Encode())
	if w, ok := c.writes[ek]; ok {
		if w.deleted {
			return kv.Value{}, false
		}
		return w.value, true
	}
	return c.coord.getAndRecord(c, key)
}

// GetVersioned is like Get but returns the full VersionedValue (commit
// version, wall time, and expiry) instead of just the value — spec §6.1's
// `ctx.get_versioned(key)`. A key pending in this transaction's own
// write-set has no commit metadata yet, so it is reflected back as a
// VersionedValue carrying only the staged Value (zero CommitVer/WallTime),
// matching read-your-own-writes semantics for the plain Get. The error
// return carries *coreerr.Error{Code: CodeHistoryTrimmed} when the
// transaction's snapshot version predates the store's retention safe
// point (spec §6.4) — distinct from the plain "not found" of (zero, false,
// nil).
func (c *Context) GetVersioned(key kv.Key) (kv.VersionedValue, bool, error) {
	ek := string(key.Encode())
	if w, ok := c.writes[ek]; ok {
		if w.deleted {
			return kv.VersionedValue{}, false, nil
		}
		return kv.VersionedValue{Value: w.value}, true, nil
	}
	return c.coord.getVersionedAndRecord(c, key)
}

// Put stages a write, visible to later reads in this same transaction but
// not to any other transaction until Commit succeeds.
func (c *Context) Put(key kv.Key, value kv.Value, ttl time.Duration) {
	ek := string(key.Encode())
	if _, exists := c.writes[ek]; !exists {
		c.order = append(c.order, ek)
	}
	c.writes[ek] = writeRecord{key: key, value: value, ttl: ttl}
}

// Delete stages a tombstone write.
func (c *Context) Delete(key kv.Key) {
	ek := string(key.Encode())
	if _, exists := c.writes[ek]; !exists {
		c.order = append(c.order, ek)
	}
	c.writes[ek] = writeRecord{key: key, deleted: true}
}

// ScanPrefix performs a snapshot read of every live key under the given
// namespace+type+user-key prefix, recording a conservative read-set entry
// covering the whole range (spec §4.3: any commit under the prefix after
// this scan's snapshot invalidates the transaction, even if the new
// commit's exact key wasn't previously present — the scan itself observed
// the range, not individual keys).
func (c *Context) ScanPrefix(ns kv.Namespace, t kv.TypeTag, prefix []byte) []store.Entry {
	return c.coord.scanAndRecord(c, ns, t, prefix)
}

// Coordinator owns commit serialization, WAL emission, and OCC
// validation. One Coordinator per open database (spec §4.3, §5).
type Coordinator struct {
	st  *store.Store
	log *wal.Log // nil when durability mode is None

	mode wal.Mode

	runLocksMu sync.Mutex
	runLocks   map[kv.RunId]*sync.Mutex // per-run commit-lock serialization (spec §5)

	nextTxnID wal.TxnID
	txnIDMu   sync.Mutex
}

// New constructs a coordinator over an already-open store and WAL. log
// may be nil only when mode is wal.ModeNone.
func New(st *store.Store, log *wal.Log, mode wal.Mode) *Coordinator {
	return &Coordinator{
		st:       st,
		log:      log,
		mode:     mode,
		runLocks: make(map[kv.RunId]*sync.Mutex),
	}
}

func (co *Coordinator) runLock(run kv.RunId) *sync.Mutex {
	co.runLocksMu.Lock()
	defer co.runLocksMu.Unlock()
	l, ok := co.runLocks[run]
	if !ok {
		l = &sync.Mutex{}
		co.runLocks[run] = l
	}
	return l
}

func (co *Coordinator) allocTxnID() wal.TxnID {
	co.txnIDMu.Lock()
	defer co.txnIDMu.Unlock()
	co.nextTxnID++
	return co.nextTxnID
}

// Begin opens a transaction against run, pinned to the store's current
// version as its read snapshot.
func (co *Coordinator) Begin(run kv.RunId) *Context {
	return &Context{
		run:      run,
		snapshot: co.st.Acquire(),
		writes:   make(map[string]writeRecord),
		coord:    co,
	}
}

// BeginWithDeadline opens a transaction that Commit will refuse to
// finalize past deadline (spec §6.1 "commit deadline").
func (co *Coordinator) BeginWithDeadline(run kv.RunId, deadline time.Time) *Context {
	c := co.Begin(run)
	c.deadline = deadline
	return c
}

// getAndRecord backs the plain Get: a trimmed-history read is reported the
// same as a plain miss, since Get's two-value signature (matching
// spec §6.1's untyped `ctx.get`) has no room for a distinct error —
// callers that need to tell the two apart use GetVersioned instead.
func (co *Coordinator) getAndRecord(c *Context, key kv.Key) (kv.Value, bool) {
	head := co.st.HeadVersion(key)
	c.reads = append(c.reads, readRecord{kind: readPoint, key: key, seenAt: head})
	vv, ok, _ := co.st.GetAt(key, c.snapshot.Version, time.Now())
	if !ok {
		return kv.Value{}, false
	}
	return vv.Value, true
}

func (co *Coordinator) getVersionedAndRecord(c *Context, key kv.Key) (kv.VersionedValue, bool, error) {
	head := co.st.HeadVersion(key)
	c.reads = append(c.reads, readRecord{kind: readPoint, key: key, seenAt: head})
	return co.st.GetAt(key, c.snapshot.Version, time.Now())
}

func (co *Coordinator) scanAndRecord(c *Context, ns kv.Namespace, t kv.TypeTag, prefix []byte) []store.Entry {
	maxHead := co.st.MaxHeadUnderPrefix(ns, t, prefix)
	c.reads = append(c.reads, readRecord{kind: readPrefix, ns: ns, typ: t, prefix: prefix, seenAt: maxHead})
	return co.st.ScanPrefix(ns, t, prefix, c.snapshot.Version, time.Now())
}

// Abort releases a transaction's snapshot pin and discards its staged
// writes without touching the store or the WAL.
func (co *Coordinator) Abort(c *Context) {
	if c.done {
		return
	}
	c.done = true
	c.snapshot.Release()
}

// Commit validates the transaction's read-set against the current store
// state, and if valid, allocates a commit version, writes the WAL record
// (Begin, Write/Delete*, Commit), applies the writes to the store, and
// releases the snapshot. Returns a *coreerr.Error wrapping
// CodeConflict on validation failure, CodeTransactionAborted if the
// context was already finished, or CodeTimeout past the deadline.
//
// Commits are serialized per-run (a fixed commit-lock -> WAL-lock ->
// store-lock acquisition order rules out deadlock, spec §5), allowing
// unrelated runs to commit fully in parallel.
func (co *Coordinator) Commit(ctx context.Context, c *Context) (kv.Version, error) {
	if c.done {
		return kv.NoVersion, coreerr.New(coreerr.CodeTransactionAborted, "transaction already finished", nil)
	}
	if !c.deadline.IsZero() && time.Now().After(c.deadline) {
		c.done = true
		c.snapshot.Release()
		return kv.NoVersion, coreerr.New(coreerr.CodeTimeout, "commit deadline exceeded", nil)
	}

	lock := co.runLock(c.run)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		c.done = true
		c.snapshot.Release()
		return kv.NoVersion, coreerr.New(coreerr.CodeTimeout, "commit context cancelled", err)
	}

	if conflictErr := co.validate(c); conflictErr != nil {
		c.done = true
		c.snapshot.Release()
		return kv.NoVersion, conflictErr
	}

	if len(c.writes) == 0 {
		// A read-only transaction commits trivially: no WAL record, no
		// version allocated, nothing to apply.
		c.done = true
		c.snapshot.Release()
		return kv.NoVersion, nil
	}

	if co.runTerminal(c.writes[c.order[0]].key.Namespace) {
		c.done = true
		c.snapshot.Release()
		return kv.NoVersion, coreerr.New(coreerr.CodeInvalidArgument, "run is in a terminal state", nil)
	}

	txnID := co.allocTxnID()
	now := time.Now()

	if co.log != nil {
		if err := co.log.Append(wal.EncodeEntry(wal.Entry{Kind: wal.KindBeginTxn, TxnID: txnID, RunID: c.run, WallTS: now})); err != nil {
			c.done = true
			c.snapshot.Release()
			return kv.NoVersion, coreerr.New(coreerr.CodeIO, "wal begin append failed", err)
		}
	}

	commitV := co.st.AllocateVersion()

	if co.log != nil {
		for _, ek := range c.order {
			w := c.writes[ek]
			var entry wal.Entry
			if w.deleted {
				entry = wal.Entry{Kind: wal.KindDelete, TxnID: txnID, Key: w.key, CommitVer: commitV}
			} else {
				entry = wal.Entry{Kind: wal.KindWrite, TxnID: txnID, Key: w.key, Value: w.value, TTL: w.ttl, CommitVer: commitV}
			}
			if err := co.log.Append(wal.EncodeEntry(entry)); err != nil {
				c.done = true
				c.snapshot.Release()
				return kv.NoVersion, coreerr.New(coreerr.CodeIO, "wal write append failed", err)
			}
		}
		if err := co.log.Append(wal.EncodeEntry(wal.Entry{Kind: wal.KindCommitTxn, TxnID: txnID, CommitVer: commitV})); err != nil {
			c.done = true
			c.snapshot.Release()
			return kv.NoVersion, coreerr.New(coreerr.CodeIO, "wal commit append failed", err)
		}
		if co.mode == wal.ModeStrict {
			if err := co.log.Sync(); err != nil {
				c.done = true
				c.snapshot.Release()
				return kv.NoVersion, coreerr.New(coreerr.CodeIO, "wal fsync failed", err)
			}
		}
	}

	for _, ek := range c.order {
		w := c.writes[ek]
		if w.deleted {
			co.st.DeleteAt(w.key, commitV, now)
		} else {
			co.st.PutAt(w.key, w.value, commitV, w.ttl, now)
		}
	}

	c.done = true
	c.snapshot.Release()
	return commitV, nil
}

// runTerminal reports whether ns's run is currently in a terminal state,
// checked against the store's latest committed state rather than this
// transaction's pinned snapshot — a transaction whose read-set never
// touched the run's RunInfo record would otherwise sail past validate
// and commit writes under a run that ended while it was in flight (spec
// §9: terminal-state transitions are commits like any other, so a
// transaction racing one loses only if it reads the state; this check
// closes the remaining gap for transactions that never read it). A run
// with no RunInfo record yet (coordinator used directly, without the run
// lifecycle layer) is treated as non-terminal.
func (co *Coordinator) runTerminal(ns kv.Namespace) bool {
	vv, ok, _ := co.st.GetAt(kv.RunInfoKey(ns), co.st.CurrentVersion(), time.Now())
	if !ok {
		return false
	}
	info, ok := kv.DecodeRunInfo(vv.Value)
	if !ok {
		return false
	}
	return info.State.Terminal()
}

// validate performs OCC validation: every key (or prefix range) this
// transaction read must still show the same head version it saw at read
// time. A mismatch means a concurrent transaction wrote into the read-set
// between this transaction's snapshot and now — first-committer-wins
// (spec §4.3 step 1, invariant 3).
func (co *Coordinator) validate(c *Context) error {
	for _, r := range c.reads {
		switch r.kind {
		case readPoint:
			// A head newer than the snapshot at read time means the read
			// returned an older version than the one now current.
			if r.seenAt > c.snapshot.Version || co.st.HeadVersion(r.key) != r.seenAt {
				return coreerr.New(coreerr.CodeConflict, "read-set key was modified since snapshot", nil)
			}
		case readPrefix:
			if r.seenAt > c.snapshot.Version || co.st.MaxHeadUnderPrefix(r.ns, r.typ, r.prefix) != r.seenAt {
				return coreerr.New(coreerr.CodeConflict, "read-set prefix range was modified since snapshot", nil)
			}
		}
	}
	return nil
}
