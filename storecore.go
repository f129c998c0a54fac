package storecore

import (
	"context"
	"log"
	"time"

	"github.com/agentic-substrate/storecore/internal/kv"
	"github.com/agentic-substrate/storecore/internal/recovery"
	"github.com/agentic-substrate/storecore/internal/runlifecycle"
	"github.com/agentic-substrate/storecore/internal/store"
	"github.com/agentic-substrate/storecore/internal/txn"
	"github.com/agentic-substrate/storecore/internal/wal"
)

// Database is an open transactional storage core: a store, its WAL (if
// durability is not None), the transaction coordinator, and the run
// lifecycle manager (spec §6.1).
type Database struct {
	cfg   DatabaseConfig
	st    *store.Store
	log   *wal.Log
	mode  wal.Mode
	coord *txn.Coordinator
	runs  *runlifecycle.Manager
}

// Open opens (or creates) a database at cfg.Dir under the given
// durability mode, replaying its WAL if one exists.
func Open(cfg DatabaseConfig) (*Database, error) {
	mode, err := cfg.walMode()
	if err != nil {
		return nil, New(CodeInvalidArgument, "invalid durability mode", err)
	}

	var walLog *wal.Log
	if mode != wal.ModeNone {
		walLog, err = wal.Open(wal.Config{
			Dir:             cfg.Dir,
			MaxSegmentBytes: cfg.MaxSegmentBytes,
			FlushInterval:   cfg.flushInterval(),
		})
		if err != nil {
			return nil, New(CodeIO, "open wal", err)
		}
	}

	st := store.New()
	if walLog != nil {
		stats, err := recovery.Replay(st, walLog)
		if err != nil {
			return nil, New(CodeCorruption, "wal replay", err)
		}
		log.Printf("storecore: replayed wal: frames=%d applied=%d discarded=%d writes=%d deletes=%d stopped_at=%d",
			stats.FramesRead, stats.TransactionsApplied, stats.TransactionsDiscarded,
			stats.WritesApplied, stats.DeletesApplied, stats.StoppedAtOffset)
	}

	coord := txn.New(st, walLog, mode)
	if mode == wal.ModeBuffered && walLog != nil {
		walLog.StartBackgroundFlush()
	}

	runs := runlifecycle.New(st, coord, kv.Version(cfg.RetentionVersions))
	if err := runs.StartMaintenance(cfg.MaintenanceSchedule); err != nil {
		if walLog != nil {
			walLog.Close()
		}
		return nil, err
	}

	return &Database{cfg: cfg, st: st, log: walLog, mode: mode, coord: coord, runs: runs}, nil
}

// Close stops background maintenance and flushes and closes the WAL.
func (db *Database) Close() error {
	db.runs.StopMaintenance()
	if db.log != nil {
		return db.log.Close()
	}
	return nil
}

// Flush forces an immediate fsync of the WAL, regardless of durability
// mode. A no-op when durability is None.
func (db *Database) Flush() error {
	if db.log == nil {
		return nil
	}
	return db.log.Sync()
}

// BeginRun creates a new run under the given tenant/app/agent scope, with
// optional caller-supplied metadata (spec §6.1 `begin_run(db, metadata?)`).
func (db *Database) BeginRun(ctx context.Context, tenant, app, agent string, metadata map[string]kv.Value) (kv.RunInfo, error) {
	return db.runs.BeginRun(ctx, tenant, app, agent, "", metadata)
}

// ForkRun creates a new run whose ParentID is parent, with optional
// caller-supplied metadata of its own.
func (db *Database) ForkRun(ctx context.Context, parent kv.RunId, tenant, app, agent string, metadata map[string]kv.Value) (kv.RunInfo, error) {
	return db.runs.ForkFrom(ctx, parent, tenant, app, agent, metadata)
}

// EndRun transitions a run to a terminal state.
func (db *Database) EndRun(ctx context.Context, ns kv.Namespace, state kv.RunState) (kv.RunInfo, error) {
	return db.runs.EndRun(ctx, ns, state)
}

// RunInfo returns a run's current metadata record.
func (db *Database) RunInfo(ns kv.Namespace) (kv.RunInfo, error) {
	return db.runs.GetRunInfo(ns)
}

// Transaction is a handle to an open, uncommitted transaction.
type Transaction struct {
	ctx *txn.Context
}

// BeginTxn opens a new transaction scoped to run.
func (db *Database) BeginTxn(run kv.RunId) *Transaction {
	return &Transaction{ctx: db.coord.Begin(run)}
}

// BeginTxnWithDeadline opens a transaction that Commit refuses to
// finalize past deadline.
func (db *Database) BeginTxnWithDeadline(run kv.RunId, deadline time.Time) *Transaction {
	return &Transaction{ctx: db.coord.BeginWithDeadline(run, deadline)}
}

// Get performs a snapshot read, preferring this transaction's own
// pending writes.
func (t *Transaction) Get(key kv.Key) (kv.Value, bool) { return t.ctx.Get(key) }

// GetVersioned is like Get but returns the full VersionedValue (commit
// version, wall time, expiry) instead of just the value (spec §6.1
// `ctx.get_versioned(key)`). The error is non-nil with CodeHistoryTrimmed
// when the transaction's snapshot predates the store's retention safe
// point (spec §6.4) — distinct from the plain (zero, false, nil) miss.
func (t *Transaction) GetVersioned(key kv.Key) (kv.VersionedValue, bool, error) {
	return t.ctx.GetVersioned(key)
}

// Put stages a write, visible to later reads in this transaction only.
func (t *Transaction) Put(key kv.Key, value kv.Value, ttl time.Duration) { t.ctx.Put(key, value, ttl) }

// Delete stages a tombstone write.
func (t *Transaction) Delete(key kv.Key) { t.ctx.Delete(key) }

// ScanPrefix performs a snapshot scan of every live key under the given
// namespace+type+user-key prefix.
func (t *Transaction) ScanPrefix(ns kv.Namespace, typ kv.TypeTag, prefix []byte) []store.Entry {
	return t.ctx.ScanPrefix(ns, typ, prefix)
}

// Commit validates and finalizes a transaction.
func (db *Database) Commit(ctx context.Context, t *Transaction) (kv.Version, error) {
	return db.coord.Commit(ctx, t.ctx)
}

// Abort discards a transaction's staged writes.
func (db *Database) Abort(t *Transaction) { db.coord.Abort(t.ctx) }

// RetryPolicy re-exports txn.RetryPolicy for callers that want the
// built-in exponential-backoff retry helper.
type RetryPolicy = txn.RetryPolicy

// DefaultRetryPolicy is a reasonable default for OCC conflict retries.
func DefaultRetryPolicy() RetryPolicy { return txn.DefaultRetryPolicy() }

// WithRetry runs fn in a fresh transaction scoped to run, retrying on a
// recoverable error (Conflict, Timeout, VersionMismatch) with
// exponential backoff and jitter.
func (db *Database) WithRetry(ctx context.Context, run kv.RunId, policy RetryPolicy, fn func(*Transaction) error) (kv.Version, error) {
	return txn.Retry(ctx, db.coord, run, policy, func(tc *txn.Context) error {
		return fn(&Transaction{ctx: tc})
	})
}

// GetAtVersion reads key as of a specific historical commit version,
// outside of any transaction (spec §6.1 "point-in-time read"). The error
// is non-nil with CodeHistoryTrimmed (spec §6.4) when version predates
// the store's retention safe point, distinguishing a trimmed read from a
// key that never existed (plain (zero, false, nil)).
func (db *Database) GetAtVersion(key kv.Key, version kv.Version) (kv.Value, bool, error) {
	vv, ok, err := db.st.GetAt(key, version, time.Now())
	if err != nil {
		return kv.Value{}, false, err
	}
	if !ok {
		return kv.Value{}, false, nil
	}
	return vv.Value, true, nil
}

// ScanPrefixAtVersion scans a namespace+type+user-key prefix as of a
// specific historical commit version.
func (db *Database) ScanPrefixAtVersion(ns kv.Namespace, typ kv.TypeTag, prefix []byte, version kv.Version) []store.Entry {
	return db.st.ScanPrefix(ns, typ, prefix, version, time.Now())
}

// ReplayRun returns every live entry belonging to run, in key order.
func (db *Database) ReplayRun(run kv.RunId) []store.Entry {
	return db.runs.Replay(run)
}

// DiffRuns compares the materialized state of two runs.
func (db *Database) DiffRuns(a, b kv.RunId) runlifecycle.DiffResult {
	return db.runs.Diff(a, b)
}

// CurrentVersion returns the store's current global commit version.
func (db *Database) CurrentVersion() kv.Version {
	return db.st.CurrentVersion()
}
