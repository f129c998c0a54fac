// Package store implements the unified storage layer: a total-ordered map
// from Key to a version chain, with secondary indices for run-scoped and
// TTL-driven access. It is the only concurrency-safe primitive beneath the
// transaction coordinator; the coordinator is the sole caller of its
// mutating operations (spec §4.1, §4.3).
package store

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentic-substrate/storecore/internal/coreerr"
	"github.com/agentic-substrate/storecore/internal/kv"
)

// chain is a key's version history, newest-first. Invariant: CommitVer is
// strictly decreasing from index 0 to the end (spec invariant 5).
type chain []kv.VersionedValue

// Store is the ordered map of Key -> version chain, plus the run and TTL
// secondary indices. All index updates happen synchronously, under the
// same lock scope as the primary write, per spec §4.1.
//
// Snapshot acquisition is a plain Version read — no copy of the keyspace
// ever happens. That is the single biggest performance property the
// design calls for (see design notes in SPEC_FULL.md): a snapshot handle
// is nothing but a Version integer plus a registration that pins the
// safe point until released.
type Store struct {
	mu sync.RWMutex

	chains map[string]chain  // encoded key -> version chain
	keys   map[string]kv.Key // encoded key -> decoded key, for scans
	sorted []string          // encoded keys, kept sorted for range scans

	runIndex map[kv.RunId]map[string]struct{} // RunId -> set of encoded keys
	ttlIndex *ttlHeap                         // min-heap ordered by expiry

	currentVersion atomic.Uint64

	// trimmedBelow is the highest safe point any completed GC pass has
	// actually pruned against (spec §6.1 HistoryTrimmed): a point-in-time
	// read asking for a version older than this can no longer trust a
	// "not found" result to mean "never existed," since the history that
	// would prove otherwise may have been discarded.
	trimmedBelow atomic.Uint64

	snapMu    sync.Mutex
	liveSnaps map[uint64]int // Version -> count of outstanding handles
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		chains:    make(map[string]chain),
		keys:      make(map[string]kv.Key),
		runIndex:  make(map[kv.RunId]map[string]struct{}),
		ttlIndex:  newTTLHeap(),
		liveSnaps: make(map[uint64]int),
	}
}

// Snapshot is an O(1) handle pinning a view of the store at a given
// commit version. Its destruction (Release) unpins the safe point.
type Snapshot struct {
	store   *Store
	Version kv.Version
}

// Acquire returns a snapshot handle at the store's current version.
func (s *Store) Acquire() Snapshot {
	v := s.CurrentVersion()
	s.snapMu.Lock()
	s.liveSnaps[uint64(v)]++
	s.snapMu.Unlock()
	return Snapshot{store: s, Version: v}
}

// Release unpins the snapshot's safe-point contribution. Safe to call
// more than once is not guaranteed; callers release exactly once.
func (sn Snapshot) Release() {
	sn.store.snapMu.Lock()
	defer sn.store.snapMu.Unlock()
	n := sn.store.liveSnaps[uint64(sn.Version)]
	if n <= 1 {
		delete(sn.store.liveSnaps, uint64(sn.Version))
	} else {
		sn.store.liveSnaps[uint64(sn.Version)] = n - 1
	}
}

// MinLiveSnapshot returns the smallest Version held by any live snapshot
// handle, or cur if none are outstanding.
func (s *Store) MinLiveSnapshot(cur kv.Version) kv.Version {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	min := cur
	for v := range s.liveSnaps {
		if kv.Version(v) < min {
			min = kv.Version(v)
		}
	}
	return min
}

// CurrentVersion is a lock-free read of the global commit-version counter.
func (s *Store) CurrentVersion() kv.Version {
	return kv.Version(s.currentVersion.Load())
}

// AllocateVersion atomically increments and returns the new global commit
// version. Only the transaction coordinator, under its commit lock, may
// call this (spec §4.3 step 2, §5 "Shared resources").
func (s *Store) AllocateVersion() kv.Version {
	return kv.Version(s.currentVersion.Add(1))
}

// ObserveVersion advances the counter to at least v, without allocating a
// new version. Used by recovery to restore the counter from the WAL's
// maximum observed commit version (spec §4.4 step 6).
func (s *Store) ObserveVersion(v kv.Version) {
	for {
		cur := s.currentVersion.Load()
		if uint64(v) <= cur {
			return
		}
		if s.currentVersion.CompareAndSwap(cur, uint64(v)) {
			return
		}
	}
}

func encKey(k kv.Key) string { return string(k.Encode()) }

// TrimmedBelow returns the highest safe point any completed GC pass has
// pruned history against so far (NoVersion if GC has never run).
func (s *Store) TrimmedBelow() kv.Version {
	return kv.Version(s.trimmedBelow.Load())
}

// GetAt returns the newest version with CommitVer <= snapshotV that is not
// expired as of now. If no such version is found and snapshotV predates the
// store's current history-retention watermark, the miss is ambiguous — the
// version asked for may have existed and since been pruned — so GetAt
// returns a *coreerr.Error wrapping CodeHistoryTrimmed instead of a plain
// miss (spec §6.1 `get_at_version`: "Point-in-time read below the safe
// point" is a distinct, structured error from ordinary absence). A plain
// miss (ok=false, err=nil) means the key has no version at or before
// snapshotV and snapshotV is still within retained history.
func (s *Store) GetAt(key kv.Key, snapshotV kv.Version, now time.Time) (kv.VersionedValue, bool, error) {
	s.mu.RLock()
	vv, ok := s.getAtLocked(key, snapshotV, now)
	s.mu.RUnlock()
	if ok {
		return vv, true, nil
	}
	if snapshotV < s.TrimmedBelow() {
		return kv.VersionedValue{}, false, coreerr.New(coreerr.CodeHistoryTrimmed, "requested version predates the store's history-retention safe point", nil)
	}
	return kv.VersionedValue{}, false, nil
}

func (s *Store) getAtLocked(key kv.Key, snapshotV kv.Version, now time.Time) (kv.VersionedValue, bool) {
	c := s.chains[encKey(key)]
	for _, vv := range c {
		if vv.CommitVer > snapshotV {
			continue
		}
		if vv.Expired(now) {
			return kv.VersionedValue{}, false
		}
		if vv.Tombstone {
			return kv.VersionedValue{}, false
		}
		return vv, true
	}
	return kv.VersionedValue{}, false
}

// PutAt prepends a new version to key's chain at commitV. It panics if
// commitV is not strictly greater than the current head's commit version:
// that is a coordinator programming error, not a user-visible one (spec
// §4.1 Failure behavior — the coordinator is the sole allocator and must
// never regress).
func (s *Store) PutAt(key kv.Key, value kv.Value, commitV kv.Version, ttl time.Duration, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ek := encKey(key)
	c := s.chains[ek]
	if len(c) > 0 && commitV <= c[0].CommitVer {
		panic("store: PutAt commit version does not exceed chain head")
	}

	vv := kv.VersionedValue{Value: value, CommitVer: commitV, WallTime: now}
	if ttl > 0 {
		vv.ExpiresAt = now.Add(ttl)
	}

	if len(c) == 0 {
		s.keys[ek] = key
		s.insertSorted(ek)
	}
	s.chains[ek] = append(chain{vv}, c...)

	s.indexRun(key, ek)
	if !vv.ExpiresAt.IsZero() {
		s.ttlIndex.push(ttlEntry{expiry: vv.ExpiresAt, key: ek})
	}
}

// DeleteAt installs a tombstone version at commitV, returning the
// previous head (if any existed and wasn't already a tombstone).
func (s *Store) DeleteAt(key kv.Key, commitV kv.Version, now time.Time) (kv.VersionedValue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ek := encKey(key)
	c := s.chains[ek]
	if len(c) > 0 && commitV <= c[0].CommitVer {
		panic("store: DeleteAt commit version does not exceed chain head")
	}

	var prev kv.VersionedValue
	var hadPrev bool
	if len(c) > 0 && !c[0].Tombstone {
		prev, hadPrev = c[0], true
	}

	tomb := kv.VersionedValue{CommitVer: commitV, WallTime: now, Tombstone: true}
	if len(c) == 0 {
		s.keys[ek] = key
		s.insertSorted(ek)
	}
	s.chains[ek] = append(chain{tomb}, c...)
	s.indexRun(key, ek)

	return prev, hadPrev
}

func (s *Store) indexRun(key kv.Key, ek string) {
	run := key.Namespace.Run
	set, ok := s.runIndex[run]
	if !ok {
		set = make(map[string]struct{})
		s.runIndex[run] = set
	}
	set[ek] = struct{}{}
}

func (s *Store) insertSorted(ek string) {
	i := sort.SearchStrings(s.sorted, ek)
	if i < len(s.sorted) && s.sorted[i] == ek {
		return
	}
	s.sorted = append(s.sorted, "")
	copy(s.sorted[i+1:], s.sorted[i:])
	s.sorted[i] = ek
}

// Entry is a materialized (key, value) pair returned by scans.
type Entry struct {
	Key   kv.Key
	Value kv.Value
	Ver   kv.Version
}

// ScanPrefix returns all live (non-expired, non-tombstoned) entries whose
// key falls within the given namespace+type+user-key prefix, visible at
// snapshotV, in ascending key order.
func (s *Store) ScanPrefix(ns kv.Namespace, t kv.TypeTag, prefix []byte, snapshotV kv.Version, now time.Time) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entry
	for _, ek := range s.sorted {
		k := s.keys[ek]
		if !k.HasPrefix(ns, t, prefix) {
			continue
		}
		if vv, ok := s.getAtLocked(k, snapshotV, now); ok {
			out = append(out, Entry{Key: k, Value: vv.Value, Ver: vv.CommitVer})
		}
	}
	return out
}

// ScanByRun returns all live entries belonging to run, visible at
// snapshotV. This is O(run size) via the run secondary index, not
// O(total history) — the property bounded replay depends on (spec §4.5).
func (s *Store) ScanByRun(run kv.RunId, snapshotV kv.Version, now time.Time) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.runIndex[run]
	if len(set) == 0 {
		return nil
	}
	eks := make([]string, 0, len(set))
	for ek := range set {
		eks = append(eks, ek)
	}
	sort.Strings(eks)

	out := make([]Entry, 0, len(eks))
	for _, ek := range eks {
		k := s.keys[ek]
		if vv, ok := s.getAtLocked(k, snapshotV, now); ok {
			out = append(out, Entry{Key: k, Value: vv.Value, Ver: vv.CommitVer})
		}
	}
	return out
}

// FindExpired returns every key whose newest version has expired as of
// now, in expiry order, via the TTL secondary index.
func (s *Store) FindExpired(now time.Time) []kv.Key {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []kv.Key
	for _, ek := range s.ttlIndex.allBefore(now) {
		k, ok := s.keys[ek]
		if !ok {
			continue
		}
		c := s.chains[ek]
		if len(c) > 0 && c[0].Expired(now) {
			out = append(out, k)
		}
	}
	return out
}

// HeadVersion returns the current head commit version of key's chain, or
// NoVersion if the key has no entry. Used by the coordinator during OCC
// validation (spec §4.3 step 1).
func (s *Store) HeadVersion(key kv.Key) kv.Version {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.chains[encKey(key)]
	if len(c) == 0 {
		return kv.NoVersion
	}
	return c[0].CommitVer
}

// MaxHeadUnderPrefix returns the maximum head commit version among all
// keys matching the given prefix, used to validate a recorded prefix-scan
// read-set entry at commit time (spec §4.3 "Read-set recording").
func (s *Store) MaxHeadUnderPrefix(ns kv.Namespace, t kv.TypeTag, prefix []byte) kv.Version {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var max kv.Version
	for _, ek := range s.sorted {
		k := s.keys[ek]
		if !k.HasPrefix(ns, t, prefix) {
			continue
		}
		c := s.chains[ek]
		if len(c) > 0 && c[0].CommitVer > max {
			max = c[0].CommitVer
		}
	}
	return max
}
