package httpapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpkgo/firmware/internal/bench/httpapi"
	"github.com/rpkgo/firmware/internal/bench/tracestore"
)

type fakeState struct {
	snap httpapi.State
}

func (f fakeState) State() httpapi.State { return f.snap }

func newTestServer(t *testing.T, snap httpapi.State) (*httptest.Server, *tracestore.Store) {
	t.Helper()
	store, err := tracestore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	srv := httpapi.NewServer(fakeState{snap: snap}, store)
	ts := httptest.NewServer(httpapi.NewRouter(srv))
	t.Cleanup(ts.Close)
	return ts, store
}

func TestHealthz_RespondsOK(t *testing.T) {
	ts, _ := newTestServer(t, httpapi.State{})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestState_ReturnsSnapshotFromProvider(t *testing.T) {
	snap := httpapi.State{SessionID: "sess-1", ModifierBits: 0x03, ActiveLayers: []uint16{0, 2}}
	ts, _ := newTestServer(t, snap)

	resp, err := http.Get(ts.URL + "/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got httpapi.State
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, snap.SessionID, got.SessionID)
	assert.Equal(t, snap.ModifierBits, got.ModifierBits)
	assert.Equal(t, snap.ActiveLayers, got.ActiveLayers)
}

func TestTrace_UnknownSessionReturns404(t *testing.T) {
	ts, _ := newTestServer(t, httpapi.State{})

	resp, err := http.Get(ts.URL + "/trace/nobody-recorded-this")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTrace_ReturnsRecordedEntries(t *testing.T) {
	ts, store := newTestServer(t, httpapi.State{})
	require.NoError(t, store.Append(context.Background(), "sess-1", tracestore.KindScan, `{"row":0}`, time.Now()))

	resp, err := http.Get(ts.URL + "/trace/sess-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var entries []tracestore.Entry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	require.Len(t, entries, 1)
	assert.Equal(t, tracestore.KindScan, entries[0].Kind)
}
