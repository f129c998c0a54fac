// Package recovery implements WAL replay on open: rebuilding a Store's
// contents from the write-ahead log written by package txn (spec §4.4).
package recovery

import (
	"fmt"
	"os"
	"time"

	"github.com/agentic-substrate/storecore/internal/kv"
	"github.com/agentic-substrate/storecore/internal/store"
	"github.com/agentic-substrate/storecore/internal/wal"
)

// Stats reports what a replay pass did, for logging at startup.
type Stats struct {
	FramesRead        int
	TransactionsApplied int
	TransactionsDiscarded int
	WritesApplied     int
	DeletesApplied    int
	StoppedAtOffset   int64 // -1 if the log was read to a clean end
}

// staged accumulates one in-flight transaction's writes until either a
// CommitTxn or AbortTxn record (or end-of-log) resolves it. wallTS is the
// original commit's wall-clock time, carried on the BeginTxn record —
// applied writes use it instead of the wall-clock time of recovery itself,
// so a value's TTL expiry is computed relative to when it was actually
// written, not replayed (spec §4.4: recovery must not grant TTL'd values a
// fresh lease on life).
type staged struct {
	runID  kv.RunId
	wallTS time.Time
	ops    []wal.Entry // Write/Delete entries, in log order
}

// Replay reads every segment in order and applies committed transactions
// to st, in commit-version order, restoring the store's version counter
// to the maximum observed. Any transaction that began but never reached a
// matching CommitTxn by the stop point is discarded in full — the
// "incomplete transaction" rule (spec §4.4 step 5, invariant 8): recovery
// never applies a partial write set.
//
// A frame that wal.ReadFrame rejects (a *wal.CorruptionError) or that
// cannot be decoded establishes that segment's "stop point": everything at
// or after the failing frame is discarded, and segments after the failing
// one (if any; there should be none in normal operation) are never read.
// Such a stop point does not fail Replay — spec §4.4 treats a found stop
// point as the effective end of the log. A record sequence a torn write
// cannot produce does fail it, with a wrapped *wal.CorruptionError: a
// Write, Delete or CommitTxn whose transaction has no BeginTxn, or a
// second CommitTxn at an already-committed version.
func Replay(st *store.Store, log *wal.Log) (Stats, error) {
	stats := Stats{StoppedAtOffset: -1}

	segments, err := log.Segments()
	if err != nil {
		return stats, fmt.Errorf("recovery: list segments: %w", err)
	}

	inFlight := make(map[wal.TxnID]*staged)
	// committed holds fully-resolved transactions, keyed by the commit
	// version recorded in their CommitTxn frame, so they can be applied
	// to the store in commit order regardless of WAL interleaving across
	// concurrently-open transactions from different runs.
	committed := make(map[kv.Version]*staged)
	var maxVersion kv.Version

stopScanning:
	for _, path := range segments {
		data, err := os.ReadFile(path)
		if err != nil {
			return stats, fmt.Errorf("recovery: read segment %s: %w", path, err)
		}

		var offset int64
		for {
			f, n, consumedOK, err := wal.ReadFrame(data[offset:], offset)
			if err != nil {
				// Stop point reached: prior records are honored, this
				// frame and everything after it is discarded.
				stats.StoppedAtOffset = offset
				break stopScanning
			}
			if !consumedOK {
				// Clean end of segment (no more data, no error).
				break
			}
			stats.FramesRead++

			entry, err := wal.DecodeEntry(f)
			if err != nil {
				stats.StoppedAtOffset = offset
				break stopScanning
			}

			switch entry.Kind {
			case wal.KindBeginTxn:
				inFlight[entry.TxnID] = &staged{runID: entry.RunID, wallTS: entry.WallTS}
			case wal.KindWrite, wal.KindDelete:
				s, ok := inFlight[entry.TxnID]
				if !ok {
					// A write for a TxnID with no BeginTxn is log
					// corruption, not a benign torn tail: the begin
					// record is required to precede any write.
					stats.StoppedAtOffset = offset
					return stats, fmt.Errorf("recovery: %w", &wal.CorruptionError{Offset: offset, Reason: "write for a transaction with no BeginTxn"})
				}
				s.ops = append(s.ops, entry)
			case wal.KindCommitTxn:
				s, ok := inFlight[entry.TxnID]
				if !ok {
					stats.StoppedAtOffset = offset
					return stats, fmt.Errorf("recovery: %w", &wal.CorruptionError{Offset: offset, Reason: "commit for a transaction with no BeginTxn"})
				}
				if _, dup := committed[entry.CommitVer]; dup {
					stats.StoppedAtOffset = offset
					return stats, fmt.Errorf("recovery: %w", &wal.CorruptionError{Offset: offset, Reason: "second commit at an already-committed version"})
				}
				delete(inFlight, entry.TxnID)
				committed[entry.CommitVer] = s
				if entry.CommitVer > maxVersion {
					maxVersion = entry.CommitVer
				}
			case wal.KindAbortTxn:
				delete(inFlight, entry.TxnID)
				stats.TransactionsDiscarded++
			case wal.KindCheckpoint:
				// Nothing further to do: checkpoints mark a point the
				// log could safely be truncated to, they carry no
				// store-mutating content of their own.
			}

			offset += int64(n)
		}
	}

	// Anything still in flight at the stop point began but never
	// committed: discard it per the incomplete-transaction rule.
	stats.TransactionsDiscarded += len(inFlight)

	versions := make([]kv.Version, 0, len(committed))
	for v := range committed {
		versions = append(versions, v)
	}
	sortVersions(versions)

	for _, v := range versions {
		s := committed[v]
		for _, op := range s.ops {
			switch op.Kind {
			case wal.KindWrite:
				st.PutAt(op.Key, op.Value, v, op.TTL, s.wallTS)
				stats.WritesApplied++
			case wal.KindDelete:
				st.DeleteAt(op.Key, v, s.wallTS)
				stats.DeletesApplied++
			}
		}
		stats.TransactionsApplied++
	}

	st.ObserveVersion(maxVersion)
	return stats, nil
}

func sortVersions(vs []kv.Version) {
	for i := 1; i < len(vs); i++ {
		for j := i; j > 0 && vs[j-1] > vs[j]; j-- {
			vs[j-1], vs[j] = vs[j], vs[j-1]
		}
	}
}
