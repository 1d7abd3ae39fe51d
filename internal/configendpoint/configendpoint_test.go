package configendpoint_test

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpkgo/firmware/internal/board/sim"
	"github.com/rpkgo/firmware/internal/configendpoint"
	"github.com/rpkgo/firmware/internal/control"
	"github.com/rpkgo/firmware/internal/ringfs"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeLink is a scripted board.VendorLink: Recv plays back a queued list of
// frames, Send captures every reply for assertions.
type fakeLink struct {
	in   chan []byte
	sent chan []byte
}

func newFakeLink() *fakeLink {
	return &fakeLink{in: make(chan []byte, 16), sent: make(chan []byte, 16)}
}

func (f *fakeLink) push(frame []byte) { f.in <- frame }

func (f *fakeLink) Recv(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-f.in:
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeLink) Send(ctx context.Context, frame []byte) error {
	cp := append([]byte(nil), frame...)
	f.sent <- cp
	return nil
}

func newStore(t *testing.T) *ringfs.FS {
	t.Helper()
	dev := sim.NewFlash(64*1024, 256, 4096)
	store, err := ringfs.New(dev, ringfs.WithMaxFiles(8))
	require.NoError(t, err)
	return store
}

func TestEndpoint_UploadThenCloseSignalsReload(t *testing.T) {
	store := newStore(t)
	ctrl := control.New()
	link := newFakeLink()
	e := configendpoint.New(link, store, ctrl, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	payload := []byte("a freshly uploaded layout artifact")
	lenHeader := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenHeader, uint32(len(payload)))

	link.push([]byte{byte(configendpoint.CmdOpenSaveConfig)})
	link.push(append(lenHeader, payload...))
	link.push([]byte{byte(configendpoint.CmdCloseSaveConfig)})

	select {
	case sig := <-ctrl.Chan():
		assert.Equal(t, control.SignalReload, sig)
	case <-time.After(time.Second):
		t.Fatal("expected a reload signal after closing the upload")
	}

	desc, err := store.FileReaderByIndex(0)
	require.NoError(t, err)
	buf := make([]byte, 128)
	n, err := store.ReadFile(desc, buf)
	require.NoError(t, err)
	assert.Equal(t, payload, buf[:n])
}

func TestEndpoint_ResetCommandInvokesHandler(t *testing.T) {
	store := newStore(t)
	ctrl := control.New()
	link := newFakeLink()

	resetCh := make(chan struct{}, 1)
	e := configendpoint.New(link, store, ctrl, discardLogger(),
		configendpoint.WithResetHandlers(func() { resetCh <- struct{}{} }, func() {}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	link.push([]byte{byte(configendpoint.CmdResetKeyboard)})

	select {
	case <-resetCh:
	case <-time.After(time.Second):
		t.Fatal("reset handler was not invoked")
	}
}

func TestEndpoint_ReadFileByIndexRepliesWithLocationAndData(t *testing.T) {
	store := newStore(t)

	desc, err := store.CreateFile()
	require.NoError(t, err)
	payload := []byte("stored artifact")
	lenHeader := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenHeader, uint32(len(payload)))
	require.NoError(t, store.WriteFile(desc, append(lenHeader, payload...)))

	ctrl := control.New()
	link := newFakeLink()
	e := configendpoint.New(link, store, ctrl, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	link.push([]byte{byte(configendpoint.CmdReadFileByIndex), 0, 0, 0, 0})

	select {
	case reply := <-link.sent:
		require.GreaterOrEqual(t, len(reply), 4)
		assert.Contains(t, string(reply[4:]), "stored artifact")
	case <-time.After(time.Second):
		t.Fatal("expected a reply to the read-by-index request")
	}
}

func TestEndpoint_UnrecognisedFrameMidUploadResetsToIdle(t *testing.T) {
	store := newStore(t)
	ctrl := control.New()
	link := newFakeLink()
	e := configendpoint.New(link, store, ctrl, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	link.push([]byte{byte(configendpoint.CmdOpenSaveConfig)})
	link.push([]byte{byte(configendpoint.CmdOpenSaveConfig)}) // unexpected re-open mid-upload

	// No reload should fire; the upload was abandoned, not completed.
	select {
	case sig := <-ctrl.Chan():
		t.Fatalf("expected no reload signal, got %v", sig)
	case <-time.After(100 * time.Millisecond):
	}
}
