package wal_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-substrate/storecore/internal/kv"
	"github.com/agentic-substrate/storecore/internal/wal"
)

func Test_EncodeDecode_Entry_Write_RoundTrip(t *testing.T) {
	t.Parallel()

	key := kv.Key{
		Namespace: kv.Namespace{Tenant: "t", App: "a", Agent: "g", Run: "r1"},
		Type:      kv.TypeTagJSONDoc,
		UserKey:   []byte("doc/1"),
	}
	value := kv.ObjectValue(map[string]kv.Value{
		"n":    kv.IntValue(42),
		"tags": kv.ArrayValue([]kv.Value{kv.StringValue("a"), kv.StringValue("b")}),
	})

	e := wal.Entry{
		Kind:      wal.KindWrite,
		TxnID:     7,
		Key:       key,
		Value:     value,
		TTL:       5 * time.Second,
		CommitVer: 100,
	}

	f := wal.EncodeEntry(e)
	got, err := wal.DecodeEntry(f)
	require.NoError(t, err)

	assert.Equal(t, e.TxnID, got.TxnID)
	assert.Equal(t, e.Key, got.Key)
	assert.True(t, e.Value.Equal(got.Value))
	assert.Equal(t, e.TTL, got.TTL)
	assert.Equal(t, e.CommitVer, got.CommitVer)
}

func Test_EncodeDecode_Entry_BeginTxn_RoundTrip(t *testing.T) {
	t.Parallel()

	now := time.Now().Round(0)
	e := wal.Entry{Kind: wal.KindBeginTxn, TxnID: 3, RunID: "run-1", WallTS: now}

	got, err := wal.DecodeEntry(wal.EncodeEntry(e))
	require.NoError(t, err)
	assert.Equal(t, e.TxnID, got.TxnID)
	assert.Equal(t, e.RunID, got.RunID)
	assert.True(t, e.WallTS.Equal(got.WallTS))
}

func Test_EncodeDecode_Entry_CommitTxn_And_AbortTxn(t *testing.T) {
	t.Parallel()

	commit := wal.Entry{Kind: wal.KindCommitTxn, TxnID: 9, CommitVer: 55}
	gotCommit, err := wal.DecodeEntry(wal.EncodeEntry(commit))
	require.NoError(t, err)
	assert.Equal(t, commit.TxnID, gotCommit.TxnID)
	assert.Equal(t, commit.CommitVer, gotCommit.CommitVer)

	abort := wal.Entry{Kind: wal.KindAbortTxn, TxnID: 9}
	gotAbort, err := wal.DecodeEntry(wal.EncodeEntry(abort))
	require.NoError(t, err)
	assert.Equal(t, abort.TxnID, gotAbort.TxnID)
}

func Test_EncodeDecode_Entry_Delete_RoundTrip(t *testing.T) {
	t.Parallel()

	key := kv.Key{Namespace: kv.Namespace{Tenant: "t", Run: "r"}, Type: kv.TypeTagKV, UserKey: []byte("k")}
	e := wal.Entry{Kind: wal.KindDelete, TxnID: 1, Key: key, CommitVer: 10}

	got, err := wal.DecodeEntry(wal.EncodeEntry(e))
	require.NoError(t, err)
	assert.Equal(t, e.Key, got.Key)
	assert.Equal(t, e.CommitVer, got.CommitVer)
}

func Test_DecodeEntry_ShortPayload_Errors(t *testing.T) {
	t.Parallel()

	f := wal.Frame{Kind: wal.KindCommitTxn, Payload: []byte{1, 2, 3}}
	_, err := wal.DecodeEntry(f)
	assert.Error(t, err)
}
