package recovery_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-substrate/storecore/internal/kv"
	"github.com/agentic-substrate/storecore/internal/recovery"
	"github.com/agentic-substrate/storecore/internal/store"
	"github.com/agentic-substrate/storecore/internal/txn"
	"github.com/agentic-substrate/storecore/internal/wal"
)

func corruptLastByte(t *testing.T, path string) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotEmpty(t, data)
	data[len(data)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func testKey(user string) kv.Key {
	return kv.Key{
		Namespace: kv.Namespace{Tenant: "t", App: "a", Agent: "g", Run: "r1"},
		Type:      kv.TypeTagKV,
		UserKey:   []byte(user),
	}
}

func Test_Replay_Reconstructs_Committed_Writes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	l, err := wal.Open(wal.Config{Dir: dir})
	require.NoError(t, err)

	st := store.New()
	co := txn.New(st, l, wal.ModeStrict)
	ctx := context.Background()

	txc := co.Begin("r1")
	txc.Put(testKey("k1"), kv.StringValue("v1"), 0)
	v, err := co.Commit(ctx, txc)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	// Reopen a fresh store and WAL over the same directory and replay.
	l2, err := wal.Open(wal.Config{Dir: dir})
	require.NoError(t, err)
	defer l2.Close()

	st2 := store.New()
	stats, err := recovery.Replay(st2, l2)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TransactionsApplied)
	assert.Equal(t, 1, stats.WritesApplied)
	assert.Equal(t, int64(-1), stats.StoppedAtOffset)

	got, ok, _ := st2.GetAt(testKey("k1"), st2.CurrentVersion(), time.Now())
	require.True(t, ok)
	assert.True(t, got.Value.Equal(kv.StringValue("v1")))
	assert.Equal(t, v, st2.CurrentVersion())
}

func Test_Replay_Discards_Incomplete_Transaction(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	l, err := wal.Open(wal.Config{Dir: dir})
	require.NoError(t, err)

	// Hand-write a Begin + Write with no matching Commit: models a crash
	// mid-transaction.
	require.NoError(t, l.Append(wal.EncodeEntry(wal.Entry{Kind: wal.KindBeginTxn, TxnID: 1, RunID: "r1"})))
	require.NoError(t, l.Append(wal.EncodeEntry(wal.Entry{
		Kind: wal.KindWrite, TxnID: 1, Key: testKey("k1"), Value: kv.StringValue("orphaned"), CommitVer: 1,
	})))
	require.NoError(t, l.Close())

	l2, err := wal.Open(wal.Config{Dir: dir})
	require.NoError(t, err)
	defer l2.Close()

	st := store.New()
	stats, err := recovery.Replay(st, l2)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TransactionsApplied)
	assert.Equal(t, 1, stats.TransactionsDiscarded)

	_, ok, _ := st.GetAt(testKey("k1"), st.CurrentVersion(), time.Now())
	assert.False(t, ok)
}

func Test_Replay_Computes_TTL_Expiry_From_Commit_Wall_Time(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	l, err := wal.Open(wal.Config{Dir: dir})
	require.NoError(t, err)

	// Hand-write a transaction whose BeginTxn carries a commit wall time
	// an hour in the past, writing a key with a 1-second TTL. Replaying
	// "now" is far later than commit time + TTL, so the value must come
	// back already expired — if replay instead stamped it with
	// time.Now(), it would wrongly look fresh.
	committedAt := time.Now().Add(-time.Hour)
	require.NoError(t, l.Append(wal.EncodeEntry(wal.Entry{
		Kind: wal.KindBeginTxn, TxnID: 1, RunID: "r1", WallTS: committedAt,
	})))
	require.NoError(t, l.Append(wal.EncodeEntry(wal.Entry{
		Kind: wal.KindWrite, TxnID: 1, Key: testKey("k1"), Value: kv.StringValue("v1"),
		TTL: time.Second, CommitVer: 1,
	})))
	require.NoError(t, l.Append(wal.EncodeEntry(wal.Entry{Kind: wal.KindCommitTxn, TxnID: 1, CommitVer: 1})))
	require.NoError(t, l.Close())

	l2, err := wal.Open(wal.Config{Dir: dir})
	require.NoError(t, err)
	defer l2.Close()

	st := store.New()
	stats, err := recovery.Replay(st, l2)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TransactionsApplied)

	_, ok, _ := st.GetAt(testKey("k1"), st.CurrentVersion(), time.Now())
	assert.False(t, ok, "value committed an hour ago with a 1s TTL must not survive replay as live")
}

func Test_Replay_Stops_At_Corruption(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	l, err := wal.Open(wal.Config{Dir: dir})
	require.NoError(t, err)

	st := store.New()
	co := txn.New(st, l, wal.ModeStrict)
	ctx := context.Background()

	txc := co.Begin("r1")
	txc.Put(testKey("k1"), kv.StringValue("v1"), 0)
	_, err = co.Commit(ctx, txc)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	segments, err := func() ([]string, error) {
		l3, err := wal.Open(wal.Config{Dir: dir})
		if err != nil {
			return nil, err
		}
		defer l3.Close()
		return l3.Segments()
	}()
	require.NoError(t, err)
	require.Len(t, segments, 1)

	corruptLastByte(t, segments[0])

	l2, err := wal.Open(wal.Config{Dir: dir})
	require.NoError(t, err)
	defer l2.Close()

	st2 := store.New()
	stats, err := recovery.Replay(st2, l2)
	require.NoError(t, err)
	assert.NotEqual(t, int64(-1), stats.StoppedAtOffset)
	assert.Equal(t, 0, stats.TransactionsApplied)
}
