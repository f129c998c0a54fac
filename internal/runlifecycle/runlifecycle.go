// Package runlifecycle implements the run-scoped lifecycle operations —
// BeginRun, EndRun, Replay, Diff, ForkFrom — as a thin facade over the
// same transaction machinery every other write goes through. RunInfo is
// stored as an ordinary entry under the reserved TypeTagRunInfo, modeled
// on the teacher's CatalogManager: a typed, thread-safe registry backed
// by the general-purpose store rather than a bespoke side table.
package runlifecycle

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	coreerr "github.com/agentic-substrate/storecore/internal/coreerr"
	"github.com/agentic-substrate/storecore/internal/kv"
	"github.com/agentic-substrate/storecore/internal/store"
	"github.com/agentic-substrate/storecore/internal/txn"
)

// Manager owns run lifecycle operations for a single open database.
type Manager struct {
	st    *store.Store
	coord *txn.Coordinator

	retention kv.Version
	cronSched *cron.Cron
}

// New constructs a Manager over an already-open store and coordinator.
func New(st *store.Store, coord *txn.Coordinator, retention kv.Version) *Manager {
	return &Manager{st: st, coord: coord, retention: retention}
}

// BeginRun creates a new run under the given tenant/app/agent scope,
// recording it as Active with the given caller-supplied metadata (spec
// §6.1 `begin_run(db, metadata?)`, spec §4.1 RunInfo.Metadata). A nil
// metadata is stored as an empty map rather than nil, so callers never
// observe a nil map for a run's Metadata field. If parent is non-empty
// the new run is marked as a fork of it (spec §4.5 "run forking").
func (m *Manager) BeginRun(ctx context.Context, tenant, app, agent string, parent kv.RunId, metadata map[string]kv.Value) (kv.RunInfo, error) {
	id := kv.RunId(uuid.NewString())
	ns := kv.Namespace{Tenant: tenant, App: app, Agent: agent, Run: id}

	if metadata == nil {
		metadata = map[string]kv.Value{}
	}

	info := kv.RunInfo{
		ID:        id,
		CreatedAt: time.Now(),
		Metadata:  metadata,
		State:     kv.RunActive,
		ParentID:  parent,
	}

	v, err := m.writeRunInfo(ctx, id, ns, info)
	if err != nil {
		return kv.RunInfo{}, err
	}
	info.FirstCommit = v
	info.LastCommit = v
	return info, nil
}

// ForkFrom creates a new run whose ParentID is parent, under the same
// tenant/app/agent scope as parent. It does not copy parent's entries —
// history is still reachable through ParentID, and callers that want a
// materialized copy should Replay parent and re-Put through the new
// run's transactions.
func (m *Manager) ForkFrom(ctx context.Context, parent kv.RunId, tenant, app, agent string, metadata map[string]kv.Value) (kv.RunInfo, error) {
	return m.BeginRun(ctx, tenant, app, agent, parent, metadata)
}

// EndRun transitions a run to a terminal state (spec §4.5 invariant:
// terminal states accept no further writes). state must be one of
// RunCompleted, RunFailed, RunCancelled, RunArchived.
func (m *Manager) EndRun(ctx context.Context, ns kv.Namespace, state kv.RunState) (kv.RunInfo, error) {
	if !state.Terminal() {
		return kv.RunInfo{}, coreerr.New(coreerr.CodeInvalidArgument, fmt.Sprintf("%s is not a terminal run state", state), nil)
	}

	info, err := m.GetRunInfo(ns)
	if err != nil {
		return kv.RunInfo{}, err
	}
	info.State = state

	v, err := m.writeRunInfo(ctx, ns.Run, ns, info)
	if err != nil {
		return kv.RunInfo{}, err
	}
	info.LastCommit = v
	return info, nil
}

func (m *Manager) writeRunInfo(ctx context.Context, id kv.RunId, ns kv.Namespace, info kv.RunInfo) (kv.Version, error) {
	txc := m.coord.Begin(id)
	txc.Put(kv.RunInfoKey(ns), kv.EncodeRunInfo(info), 0)
	v, err := m.coord.Commit(ctx, txc)
	if err != nil {
		return kv.NoVersion, err
	}
	return v, nil
}

// GetRunInfo reads a run's current metadata record via a fresh snapshot
// transaction, which is then aborted (a pure read has nothing to
// commit).
func (m *Manager) GetRunInfo(ns kv.Namespace) (kv.RunInfo, error) {
	txc := m.coord.Begin(ns.Run)
	defer m.coord.Abort(txc)

	v, ok := txc.Get(kv.RunInfoKey(ns))
	if !ok {
		return kv.RunInfo{}, coreerr.New(coreerr.CodeRunNotFound, string(ns.Run), nil)
	}
	info, ok := kv.DecodeRunInfo(v)
	if !ok {
		return kv.RunInfo{}, coreerr.New(coreerr.CodeCorruption, "run info value is not an object", nil)
	}
	return info, nil
}

// Replay returns every live entry belonging to run as of now, in key
// order — an O(run size) operation via the store's run secondary index,
// not a scan of the full history (spec §4.5 "bounded replay").
func (m *Manager) Replay(run kv.RunId) []store.Entry {
	snap := m.st.Acquire()
	defer snap.Release()
	return m.st.ScanByRun(run, snap.Version, time.Now())
}

// DiffResult is the result of comparing two runs' materialized state.
type DiffResult struct {
	OnlyInA []store.Entry
	OnlyInB []store.Entry
	Changed []ChangedEntry
}

// ChangedEntry is a key present in both runs with a different value.
type ChangedEntry struct {
	Key  kv.Key
	A, B kv.Value
}

// Diff compares the materialized state of two runs, keyed by UserKey +
// Type (the Namespace.Run field necessarily differs between the two
// runs being compared, so it is excluded from the comparison key).
func (m *Manager) Diff(a, b kv.RunId) DiffResult {
	entriesA := m.Replay(a)
	entriesB := m.Replay(b)

	byKeyB := make(map[string]store.Entry, len(entriesB))
	for _, e := range entriesB {
		byKeyB[diffKey(e.Key)] = e
	}

	var res DiffResult
	seen := make(map[string]struct{}, len(entriesA))
	for _, ea := range entriesA {
		dk := diffKey(ea.Key)
		seen[dk] = struct{}{}
		eb, ok := byKeyB[dk]
		if !ok {
			res.OnlyInA = append(res.OnlyInA, ea)
			continue
		}
		if !ea.Value.Equal(eb.Value) {
			res.Changed = append(res.Changed, ChangedEntry{Key: ea.Key, A: ea.Value, B: eb.Value})
		}
	}
	for _, eb := range entriesB {
		dk := diffKey(eb.Key)
		if _, ok := seen[dk]; !ok {
			res.OnlyInB = append(res.OnlyInB, eb)
		}
	}
	return res
}

func diffKey(k kv.Key) string {
	return fmt.Sprintf("%d:%s", k.Type, k.UserKey)
}

// StartMaintenance launches a periodic GC sweep on the given cron
// schedule (default every minute if spec is empty), computing the safe
// point from retention and the store's live snapshots, then pruning
// version-chain history and expired entries. It acquires no run lock:
// store.GC only takes the store's own internal lock, so it can never
// participate in the commit-lock -> WAL-lock -> store-lock ordering a
// transaction commit follows, and so can never deadlock against one
// (spec design note on TTL-cleaner lock ordering).
func (m *Manager) StartMaintenance(spec string) error {
	if spec == "" {
		spec = "@every 1m"
	}
	if m.cronSched != nil {
		return coreerr.New(coreerr.CodeInvalidArgument, "maintenance already started", nil)
	}
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		safe := m.st.SafePoint(m.retention, m.st.CurrentVersion())
		res := m.st.GC(safe, time.Now())
		log.Printf("runlifecycle: gc pass: scanned=%d pruned=%d chains_removed=%d expired_removed=%d",
			res.KeysScanned, res.VersionsPruned, res.ChainsRemoved, res.ExpiredRemoved)
	})
	if err != nil {
		return coreerr.New(coreerr.CodeInvalidArgument, "invalid maintenance schedule", err)
	}
	c.Start()
	m.cronSched = c
	return nil
}

// StopMaintenance halts the periodic GC sweep, if running.
func (m *Manager) StopMaintenance() {
	if m.cronSched == nil {
		return
	}
	ctx := m.cronSched.Stop()
	<-ctx.Done()
	m.cronSched = nil
}

