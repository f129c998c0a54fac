package txn_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-substrate/storecore/internal/coreerr"
	"github.com/agentic-substrate/storecore/internal/kv"
	"github.com/agentic-substrate/storecore/internal/store"
	"github.com/agentic-substrate/storecore/internal/txn"
	"github.com/agentic-substrate/storecore/internal/wal"
)

func testKey(user string) kv.Key {
	return kv.Key{
		Namespace: kv.Namespace{Tenant: "t", App: "a", Agent: "g", Run: "r1"},
		Type:      kv.TypeTagKV,
		UserKey:   []byte(user),
	}
}

func newCoordinator(t *testing.T) (*txn.Coordinator, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	l, err := wal.Open(wal.Config{Dir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	st := store.New()
	return txn.New(st, l, wal.ModeStrict), st
}

func Test_Commit_Applies_Writes_And_Allocates_Version(t *testing.T) {
	t.Parallel()

	co, st := newCoordinator(t)
	ctx := context.Background()

	txc := co.Begin("r1")
	txc.Put(testKey("k1"), kv.StringValue("v1"), 0)
	v, err := co.Commit(ctx, txc)
	require.NoError(t, err)
	assert.NotEqual(t, kv.NoVersion, v)

	got, ok, _ := st.GetAt(testKey("k1"), v, time.Now())
	require.True(t, ok)
	assert.True(t, got.Value.Equal(kv.StringValue("v1")))
}

func Test_Get_Reads_Own_Pending_Write(t *testing.T) {
	t.Parallel()

	co, _ := newCoordinator(t)
	txc := co.Begin("r1")
	txc.Put(testKey("k1"), kv.IntValue(1), 0)

	v, ok := txc.Get(testKey("k1"))
	require.True(t, ok)
	assert.True(t, v.Equal(kv.IntValue(1)))

	co.Abort(txc)
}

func Test_GetVersioned_Returns_Commit_Metadata(t *testing.T) {
	t.Parallel()

	co, _ := newCoordinator(t)
	ctx := context.Background()

	seed := co.Begin("r1")
	seed.Put(testKey("k1"), kv.IntValue(1), 0)
	v, err := co.Commit(ctx, seed)
	require.NoError(t, err)

	read := co.Begin("r1")
	vv, ok, err := read.GetVersioned(testKey("k1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, vv.Value.Equal(kv.IntValue(1)))
	assert.Equal(t, v, vv.CommitVer)
	co.Abort(read)
}

func Test_GetVersioned_Reflects_Own_Pending_Write(t *testing.T) {
	t.Parallel()

	co, _ := newCoordinator(t)
	txc := co.Begin("r1")
	txc.Put(testKey("k1"), kv.IntValue(7), 0)

	vv, ok, err := txc.GetVersioned(testKey("k1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, vv.Value.Equal(kv.IntValue(7)))
	assert.Equal(t, kv.NoVersion, vv.CommitVer)

	co.Abort(txc)
}

func Test_Commit_Conflict_On_Concurrent_Write(t *testing.T) {
	t.Parallel()

	co, _ := newCoordinator(t)
	ctx := context.Background()

	seed := co.Begin("r1")
	seed.Put(testKey("k1"), kv.IntValue(0), 0)
	_, err := co.Commit(ctx, seed)
	require.NoError(t, err)

	// Two transactions both read k1 from the same snapshot, then race to
	// write it. The second committer must be rejected.
	txA := co.Begin("r1")
	_, _ = txA.Get(testKey("k1"))
	txB := co.Begin("r1")
	_, _ = txB.Get(testKey("k1"))

	txA.Put(testKey("k1"), kv.IntValue(1), 0)
	_, err = co.Commit(ctx, txA)
	require.NoError(t, err)

	txB.Put(testKey("k1"), kv.IntValue(2), 0)
	_, err = co.Commit(ctx, txB)
	require.Error(t, err)
	code, ok := coreerr.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, coreerr.CodeConflict, code)
}

func Test_Commit_ReadOnly_Transaction_No_Conflict_Needed(t *testing.T) {
	t.Parallel()

	co, _ := newCoordinator(t)
	ctx := context.Background()

	txc := co.Begin("r1")
	_, _ = txc.Get(testKey("missing"))
	v, err := co.Commit(ctx, txc)
	require.NoError(t, err)
	assert.Equal(t, kv.NoVersion, v)
}

func Test_Commit_Twice_Returns_TransactionAborted(t *testing.T) {
	t.Parallel()

	co, _ := newCoordinator(t)
	ctx := context.Background()

	txc := co.Begin("r1")
	txc.Put(testKey("k1"), kv.IntValue(1), 0)
	_, err := co.Commit(ctx, txc)
	require.NoError(t, err)

	_, err = co.Commit(ctx, txc)
	require.Error(t, err)
	code, _ := coreerr.CodeOf(err)
	assert.Equal(t, coreerr.CodeTransactionAborted, code)
}

func Test_Commit_Past_Deadline_Times_Out(t *testing.T) {
	t.Parallel()

	co, _ := newCoordinator(t)
	ctx := context.Background()

	txc := co.Begin("r1")
	// force deadline into the past via BeginWithDeadline on a fresh txn
	co.Abort(txc)
	late := co.BeginWithDeadline("r1", time.Now().Add(-time.Second))
	late.Put(testKey("k1"), kv.IntValue(1), 0)
	_, err := co.Commit(ctx, late)
	require.Error(t, err)
	code, _ := coreerr.CodeOf(err)
	assert.Equal(t, coreerr.CodeTimeout, code)
}

func Test_Commit_Refused_Once_Run_Is_Terminal(t *testing.T) {
	t.Parallel()

	co, st := newCoordinator(t)
	ctx := context.Background()
	ns := kv.Namespace{Tenant: "t", App: "a", Agent: "g", Run: "r1"}

	end := co.Begin("r1")
	info := kv.RunInfo{ID: "r1", State: kv.RunCompleted}
	end.Put(kv.RunInfoKey(ns), kv.EncodeRunInfo(info), 0)
	_, err := co.Commit(ctx, end)
	require.NoError(t, err)

	late := co.Begin("r1")
	late.Put(testKey("k1"), kv.IntValue(1), 0)
	_, err = co.Commit(ctx, late)
	require.Error(t, err)
	code, ok := coreerr.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, coreerr.CodeInvalidArgument, code)

	// The run's own terminal RunInfo record stayed intact.
	got, ok, _ := st.GetAt(kv.RunInfoKey(ns), st.CurrentVersion(), time.Now())
	require.True(t, ok)
	decoded, ok := kv.DecodeRunInfo(got.Value)
	require.True(t, ok)
	assert.Equal(t, kv.RunCompleted, decoded.State)
}

func Test_ScanPrefix_Conflict_When_New_Key_Committed_Under_Prefix(t *testing.T) {
	t.Parallel()

	co, _ := newCoordinator(t)
	ctx := context.Background()
	ns := kv.Namespace{Tenant: "t", App: "a", Agent: "g", Run: "r1"}

	txA := co.Begin("r1")
	_ = txA.ScanPrefix(ns, kv.TypeTagKV, []byte("docs/"))

	txB := co.Begin("r1")
	txB.Put(kv.Key{Namespace: ns, Type: kv.TypeTagKV, UserKey: []byte("docs/new")}, kv.IntValue(1), 0)
	_, err := co.Commit(ctx, txB)
	require.NoError(t, err)

	txA.Put(kv.Key{Namespace: ns, Type: kv.TypeTagKV, UserKey: []byte("unrelated")}, kv.IntValue(2), 0)
	_, err = co.Commit(ctx, txA)
	require.Error(t, err)
}
