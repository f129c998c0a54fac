package storecore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	storecore "github.com/agentic-substrate/storecore"
	"github.com/agentic-substrate/storecore/internal/kv"
)

func openTestDB(t *testing.T) *storecore.Database {
	t.Helper()
	cfg := storecore.DefaultConfig(t.TempDir())
	cfg.Durability = "strict"
	cfg.MaintenanceSchedule = "@every 1h" // quiet during tests
	db, err := storecore.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func Test_Open_BeginRun_Transaction_Commit(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	ctx := context.Background()

	info, err := db.BeginRun(ctx, "tenant", "app", "agent", nil)
	require.NoError(t, err)

	ns := kv.Namespace{Tenant: "tenant", App: "app", Agent: "agent", Run: info.ID}
	key := kv.Key{Namespace: ns, Type: kv.TypeTagKV, UserKey: []byte("greeting")}

	tx := db.BeginTxn(info.ID)
	tx.Put(key, kv.StringValue("hello"), 0)
	v, err := db.Commit(ctx, tx)
	require.NoError(t, err)
	assert.NotEqual(t, kv.NoVersion, v)

	read := db.BeginTxn(info.ID)
	got, ok := read.Get(key)
	require.True(t, ok)
	assert.True(t, got.Equal(kv.StringValue("hello")))
	db.Abort(read)
}

func Test_GetAtVersion_PointInTime_Read(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	ctx := context.Background()

	info, err := db.BeginRun(ctx, "t", "a", "g", nil)
	require.NoError(t, err)
	ns := kv.Namespace{Tenant: "t", App: "a", Agent: "g", Run: info.ID}
	key := kv.Key{Namespace: ns, Type: kv.TypeTagKV, UserKey: []byte("k")}

	tx1 := db.BeginTxn(info.ID)
	tx1.Put(key, kv.IntValue(1), 0)
	v1, err := db.Commit(ctx, tx1)
	require.NoError(t, err)

	tx2 := db.BeginTxn(info.ID)
	tx2.Put(key, kv.IntValue(2), 0)
	_, err = db.Commit(ctx, tx2)
	require.NoError(t, err)

	got, ok, err := db.GetAtVersion(key, v1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Equal(kv.IntValue(1)))
}

func Test_EndRun_Then_RunInfo_Reflects_Terminal_State(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	ctx := context.Background()

	info, err := db.BeginRun(ctx, "t", "a", "g", nil)
	require.NoError(t, err)
	ns := kv.Namespace{Tenant: "t", App: "a", Agent: "g", Run: info.ID}

	_, err = db.EndRun(ctx, ns, kv.RunCompleted)
	require.NoError(t, err)

	got, err := db.RunInfo(ns)
	require.NoError(t, err)
	assert.Equal(t, kv.RunCompleted, got.State)
}

func Test_DiffRuns_Via_Facade(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	ctx := context.Background()

	a, err := db.BeginRun(ctx, "t", "a", "g", nil)
	require.NoError(t, err)
	b, err := db.ForkRun(ctx, a.ID, "t", "a", "g", nil)
	require.NoError(t, err)

	assert.Equal(t, a.ID, b.ParentID)

	diff := db.DiffRuns(a.ID, b.ID)
	assert.NotNil(t, diff)
}

func Test_WithRetry_Succeeds(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	ctx := context.Background()

	info, err := db.BeginRun(ctx, "t", "a", "g", nil)
	require.NoError(t, err)
	ns := kv.Namespace{Tenant: "t", App: "a", Agent: "g", Run: info.ID}
	key := kv.Key{Namespace: ns, Type: kv.TypeTagKV, UserKey: []byte("counter")}

	v, err := db.WithRetry(ctx, info.ID, storecore.DefaultRetryPolicy(), func(tx *storecore.Transaction) error {
		tx.Put(key, kv.IntValue(1), 0)
		return nil
	})
	require.NoError(t, err)
	assert.NotEqual(t, kv.NoVersion, v)
}

func Test_Recoverable_And_IsConflict(t *testing.T) {
	t.Parallel()

	err := storecore.New(storecore.CodeConflict, "conflict", nil)
	assert.True(t, storecore.IsConflict(err))
	assert.True(t, storecore.Recoverable(err))

	other := storecore.New(storecore.CodeCorruption, "bad", nil)
	assert.False(t, storecore.IsConflict(other))
	assert.False(t, storecore.Recoverable(other))
}
