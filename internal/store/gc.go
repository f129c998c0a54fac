package store

import (
	"time"

	"github.com/agentic-substrate/storecore/internal/kv"
)

// SafePoint computes the lower bound below which version-chain history may
// be pruned: the minimum of (current version - retention window, the
// smallest snapshot version held by any live transaction, the smallest
// version held by any live snapshot handle). Spec §4.1 deliberately keeps
// this computation pure and separate from any scheduling of when it runs
// (§1: "the safe-point computation IS in scope; the scheduling of it is
// not").
func (s *Store) SafePoint(retention kv.Version, minLiveTxnSnapshot kv.Version) kv.Version {
	cur := s.CurrentVersion()

	byRetention := kv.NoVersion
	if cur > retention {
		byRetention = cur - retention
	}

	safe := byRetention
	if minLiveTxnSnapshot < safe {
		safe = minLiveTxnSnapshot
	}
	bySnapshot := s.MinLiveSnapshot(cur)
	if bySnapshot < safe {
		safe = bySnapshot
	}
	return safe
}

// GCResult reports what a single version-chain GC pass did.
type GCResult struct {
	KeysScanned      int
	VersionsPruned   int
	ChainsRemoved    int
	ExpiredRemoved   int
}

// GC prunes version-chain entries strictly older than safePoint, always
// preserving at least one version per key, and removes fully tombstoned
// chains whose last tombstone is below safePoint (spec §4.1). It also
// removes chains whose head has expired and is below safePoint, cleaning
// up the corresponding run and TTL secondary-index entries.
func (s *Store) GC(safePoint kv.Version, now time.Time) GCResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res GCResult
	var removedSorted []string

	for ek, c := range s.chains {
		res.KeysScanned++
		if len(c) == 0 {
			continue
		}

		head := c[0]
		if head.Tombstone && head.CommitVer < safePoint {
			// Entire chain is dead: head is itself a tombstone older than
			// the safe point, so nothing below it can be observed either.
			res.VersionsPruned += len(c)
			res.ChainsRemoved++
			s.deindexRun(ek)
			delete(s.chains, ek)
			delete(s.keys, ek)
			removedSorted = append(removedSorted, ek)
			continue
		}

		// Otherwise keep the head (and anything >= safePoint) and prune
		// the rest of the chain, always preserving at least one version.
		kept := chain{head}
		for _, vv := range c[1:] {
			if vv.CommitVer >= safePoint {
				kept = append(kept, vv)
			} else {
				res.VersionsPruned++
			}
		}
		s.chains[ek] = kept
	}

	if len(removedSorted) > 0 {
		s.removeFromSorted(removedSorted)
	}

	expiredRemoved := s.sweepExpiredLocked(now, safePoint)
	res.ExpiredRemoved = expiredRemoved

	s.advanceTrimmedBelow(safePoint)
	return res
}

// advanceTrimmedBelow raises the trimmed-history watermark to safePoint if
// it isn't already at least that high. Monotonic: GC passes only ever
// prune more history over time, never less.
func (s *Store) advanceTrimmedBelow(safePoint kv.Version) {
	for {
		cur := s.trimmedBelow.Load()
		if uint64(safePoint) <= cur {
			return
		}
		if s.trimmedBelow.CompareAndSwap(cur, uint64(safePoint)) {
			return
		}
	}
}

// sweepExpiredLocked removes chains whose head has expired and whose
// commit version is below the safe point. Must be called with mu held.
func (s *Store) sweepExpiredLocked(now time.Time, safePoint kv.Version) int {
	candidates := s.ttlIndex.removeBefore(now)
	var removed []string
	for _, ek := range candidates {
		c, ok := s.chains[ek]
		if !ok || len(c) == 0 {
			continue
		}
		if !c[0].Expired(now) || c[0].CommitVer >= safePoint {
			// Still current, or too recent to reclaim — re-index it.
			s.ttlIndex.push(ttlEntry{expiry: c[0].ExpiresAt, key: ek})
			continue
		}
		s.deindexRun(ek)
		delete(s.chains, ek)
		delete(s.keys, ek)
		removed = append(removed, ek)
	}
	if len(removed) > 0 {
		s.removeFromSorted(removed)
	}
	return len(removed)
}

func (s *Store) deindexRun(ek string) {
	k, ok := s.keys[ek]
	if !ok {
		return
	}
	if set, ok := s.runIndex[k.Namespace.Run]; ok {
		delete(set, ek)
		if len(set) == 0 {
			delete(s.runIndex, k.Namespace.Run)
		}
	}
}

func (s *Store) removeFromSorted(removed []string) {
	dead := make(map[string]struct{}, len(removed))
	for _, ek := range removed {
		dead[ek] = struct{}{}
	}
	out := s.sorted[:0:0]
	for _, ek := range s.sorted {
		if _, isDead := dead[ek]; !isDead {
			out = append(out, ek)
		}
	}
	s.sorted = out
}
