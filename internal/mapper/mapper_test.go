package mapper_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpkgo/firmware/internal/control"
	"github.com/rpkgo/firmware/internal/hidreport"
	"github.com/rpkgo/firmware/internal/layout"
	"github.com/rpkgo/firmware/internal/mapper"
	"github.com/rpkgo/firmware/internal/ringfs"
	"github.com/rpkgo/firmware/internal/scanner"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTimer satisfies timer.Timer without arming any real deadline; these
// tests drive the mapper directly through its scan-event and control
// channels rather than through timer expiry.
type fakeTimer struct{}

func (fakeTimer) At(time.Time) {}
func (fakeTimer) Shutdown()    {}

// noStore satisfies mapper.FileStore for tests that never trigger a reload.
type noStore struct{}

func (noStore) FileReaderByIndex(uint32) (*ringfs.FileDescriptor, error) {
	return nil, ringfs.ErrFileNotFound
}
func (noStore) ReadFile(*ringfs.FileDescriptor, []byte) (uint32, error) { return 0, nil }
func (noStore) CloseFile(*ringfs.FileDescriptor)                       {}

// buildArtifact synthesizes a minimal decoded artifact the same way
// cmd/firmware and cmd/bench construct their compiled-in fallback: a raw
// word stream fed through layout.Decode, with the given codes placed on the
// main layer's dense cells.
func buildArtifact(t *testing.T, rows, cols int, mainCells map[int]layout.Code, macroBodies [][]uint16) *layout.Artifact {
	t.Helper()
	cellCount := rows * cols

	layerCount := layout.ReservedModifierLayers
	bodies := make([][]uint16, 0, layerCount+len(macroBodies))
	for l := 0; l < layerCount; l++ {
		body := make([]uint16, 1+cellCount)
		if l == layout.MainLayerIndex {
			for idx, code := range mainCells {
				body[1+idx] = uint16(code)
			}
		}
		bodies = append(bodies, body)
	}
	bodies = append(bodies, macroBodies...)

	words := []uint16{
		layout.ProtocolVersion,
		uint16(rows<<8 | cols),
		uint16(0<<8 | layout.ReservedModifierLayers),
		uint16(len(macroBodies)),
		0,
	}
	offsets := make([]uint16, len(bodies)+1)
	offset := uint16(len(bodies) + 1)
	for i, b := range bodies {
		offsets[i] = offset
		offset += uint16(len(b))
	}
	offsets[len(bodies)] = offset
	words = append(words, offsets...)
	for _, b := range bodies {
		words = append(words, b...)
	}

	buf := make([]byte, len(words)*2)
	for i, w := range words {
		buf[i*2] = byte(w)
		buf[i*2+1] = byte(w >> 8)
	}
	a, err := layout.Decode(buf, rows, cols)
	require.NoError(t, err)
	return a
}

func newHarness(t *testing.T, a *layout.Artifact) (chan scanner.Event, *control.Control, *mapper.Mapper) {
	t.Helper()
	scans := make(chan scanner.Event, 8)
	ctrl := control.New()
	m := mapper.New(scans, ctrl, fakeTimer{}, noStore{}, a, discardLogger())
	return scans, ctrl, m
}

func runHarness(t *testing.T, m *mapper.Mapper) (context.CancelFunc, <-chan hidreport.Event) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	return cancel, m.Events()
}

func recvEvent(t *testing.T, events <-chan hidreport.Event) hidreport.Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for an HID event")
	}
	return hidreport.Event{}
}

func TestMapper_BasicKeyTapEmitsPressThenRelease(t *testing.T) {
	basicKey := layout.Code(0x04)
	a := buildArtifact(t, 1, 1, map[int]layout.Code{0: basicKey}, nil)
	scans, _, m := newHarness(t, a)
	cancel, events := runHarness(t, m)
	defer cancel()

	scans <- scanner.Event{Row: 0, Col: 0, Pressed: true, Timestamp: time.Now()}
	ev := recvEvent(t, events)
	assert.Equal(t, hidreport.Basic, ev.Kind)
	assert.Equal(t, basicKey, ev.Key)
	assert.True(t, ev.Down)

	scans <- scanner.Event{Row: 0, Col: 0, Pressed: false, Timestamp: time.Now()}
	ev = recvEvent(t, events)
	assert.Equal(t, hidreport.Basic, ev.Kind)
	assert.False(t, ev.Down)
}

func TestMapper_ReleaseWithoutMatchingPressEmitsNothing(t *testing.T) {
	basicKey := layout.Code(0x04)
	a := buildArtifact(t, 1, 1, map[int]layout.Code{0: basicKey}, nil)
	scans, _, m := newHarness(t, a)
	cancel, events := runHarness(t, m)
	defer cancel()

	scans <- scanner.Event{Row: 0, Col: 0, Pressed: false, Timestamp: time.Now()}

	select {
	case ev := <-events:
		t.Fatalf("expected no event for an unmatched release, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMapper_ClearAllReleasesEveryStuckKey(t *testing.T) {
	basicKey := layout.Code(0x04)
	clearCode := layout.FWClearAll
	a := buildArtifact(t, 1, 2, map[int]layout.Code{0: basicKey, 1: clearCode}, nil)
	scans, _, m := newHarness(t, a)
	cancel, events := runHarness(t, m)
	defer cancel()

	scans <- scanner.Event{Row: 0, Col: 0, Pressed: true, Timestamp: time.Now()}
	recvEvent(t, events) // the basic key press, held without a release

	scans <- scanner.Event{Row: 0, Col: 1, Pressed: true, Timestamp: time.Now()}
	ev := recvEvent(t, events)
	assert.Equal(t, hidreport.Clear, ev.Kind, "firmware clear-all must emit a Clear HID event so no key stays stuck")
}

func TestMapper_LayerPushShadowsMainLayer(t *testing.T) {
	basicKeyMain := layout.Code(0x04)
	layerPushCode := layout.Code(0x600) // push layer 0 (control)
	a := buildArtifact(t, 1, 2, map[int]layout.Code{0: layerPushCode, 1: basicKeyMain}, nil)
	// Give layer 0 its own action at (0,1).
	pushedKey := layout.Code(0x05)
	a.Layers[0].Dense[1] = pushedKey

	scans, _, m := newHarness(t, a)
	cancel, events := runHarness(t, m)
	defer cancel()

	scans <- scanner.Event{Row: 0, Col: 0, Pressed: true, Timestamp: time.Now()}
	scans <- scanner.Event{Row: 0, Col: 1, Pressed: true, Timestamp: time.Now()}

	ev := recvEvent(t, events)
	assert.Equal(t, pushedKey, ev.Key, "while the push layer is held, its own binding must shadow the main layer")
}

func TestMapper_EventsChannelClosesWhenRunReturns(t *testing.T) {
	a := buildArtifact(t, 1, 1, nil, nil)
	_, ctrl, m := newHarness(t, a)
	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	cancel()

	select {
	case _, ok := <-m.Events():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("mapper did not close its events channel after Run returned")
	}
	_ = ctrl
}

func TestMapper_ControlSignalExitStopsRun(t *testing.T) {
	a := buildArtifact(t, 1, 1, nil, nil)
	_, ctrl, m := newHarness(t, a)
	done := make(chan struct{})
	go func() {
		m.Run(context.Background())
		close(done)
	}()

	ctrl.Set(control.SignalExit)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("mapper did not return after SignalExit")
	}
}
