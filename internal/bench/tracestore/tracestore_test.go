package tracestore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpkgo/firmware/internal/bench/tracestore"
)

func openStore(t *testing.T) *tracestore.Store {
	t.Helper()
	s, err := tracestore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_AppendThenSessionReturnsInSequenceOrder(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "sess-1", tracestore.KindScan, `{"row":0}`, time.Now()))
	require.NoError(t, s.Append(ctx, "sess-1", tracestore.KindHID, `{"kind":0}`, time.Now()))
	require.NoError(t, s.Append(ctx, "sess-1", tracestore.KindScan, `{"row":1}`, time.Now()))

	entries, err := s.Session(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, int64(1), entries[0].Seq)
	assert.Equal(t, int64(2), entries[1].Seq)
	assert.Equal(t, int64(3), entries[2].Seq)
	assert.Equal(t, tracestore.KindHID, entries[1].Kind)
}

func TestStore_SequenceNumbersArePerSession(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "a", tracestore.KindScan, "{}", time.Now()))
	require.NoError(t, s.Append(ctx, "b", tracestore.KindScan, "{}", time.Now()))
	require.NoError(t, s.Append(ctx, "a", tracestore.KindScan, "{}", time.Now()))

	entriesA, err := s.Session(ctx, "a")
	require.NoError(t, err)
	require.Len(t, entriesA, 2)
	assert.Equal(t, int64(2), entriesA[1].Seq, "session b's append must not advance session a's sequence")
}

func TestStore_SessionWithNoEntriesReturnsEmpty(t *testing.T) {
	s := openStore(t)
	entries, err := s.Session(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.Empty(t, entries)
}
