package hidreport_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpkgo/firmware/internal/hidreport"
	"github.com/rpkgo/firmware/internal/layout"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestReporter_BasicKeyPressSetsBitmapBit(t *testing.T) {
	w := &capturePacketWriter{}
	r := hidreport.New(hidreport.NewFragmentWriter(w), discardLogger())

	require.NoError(t, r.Handle(hidreport.Event{Kind: hidreport.Basic, Key: layout.Code(4), Down: true}))

	require.NotEmpty(t, w.packets)
	last := w.packets[len(w.packets)-1]
	byteIdx, bit := 2+4/8, uint(4)%8
	assert.NotZero(t, last[byteIdx]&(1<<bit))
}

func TestReporter_RetriggerWithoutReleaseEmitsReleaseThenPress(t *testing.T) {
	w := &capturePacketWriter{}
	r := hidreport.New(hidreport.NewFragmentWriter(w), discardLogger())

	require.NoError(t, r.Handle(hidreport.Event{Kind: hidreport.Basic, Key: layout.Code(4), Down: true}))
	before := len(w.packets)

	require.NoError(t, r.Handle(hidreport.Event{Kind: hidreport.Basic, Key: layout.Code(4), Down: true}))
	assert.Greater(t, len(w.packets), before, "retriggering an already-pressed key must write an intermediate release report")
}

func TestReporter_ModifiersSetsAndClearsBit(t *testing.T) {
	w := &capturePacketWriter{}
	r := hidreport.New(hidreport.NewFragmentWriter(w), discardLogger())

	require.NoError(t, r.Handle(hidreport.Event{Kind: hidreport.Modifiers, Bits: 0x01, Down: true}))
	last := w.packets[len(w.packets)-1]
	assert.Equal(t, byte(0x01), last[1])

	require.NoError(t, r.Handle(hidreport.Event{Kind: hidreport.Modifiers, Bits: 0x01, Down: false}))
	last = w.packets[len(w.packets)-1]
	assert.Equal(t, byte(0x00), last[1])
}

func TestReporter_ClearZeroesEveryReportType(t *testing.T) {
	w := &capturePacketWriter{}
	r := hidreport.New(hidreport.NewFragmentWriter(w), discardLogger())

	require.NoError(t, r.Handle(hidreport.Event{Kind: hidreport.Basic, Key: layout.Code(4), Down: true}))
	require.NoError(t, r.Handle(hidreport.Event{Kind: hidreport.Modifiers, Bits: 0x01, Down: true}))
	require.NoError(t, r.Handle(hidreport.Event{Kind: hidreport.MouseButton, Bits: 0x01}))

	before := len(w.packets)
	require.NoError(t, r.Handle(hidreport.Event{Kind: hidreport.Clear}))
	assert.Greater(t, len(w.packets), before, "clear must write a report for every report type")

	kbReport := w.packets[before]
	for i := 1; i < len(kbReport); i++ {
		assert.Zero(t, kbReport[i], "every keyboard report byte past the report ID must be zeroed")
	}
}

func TestReporter_PendingModifiersDoNotFlushUntilNextEvent(t *testing.T) {
	w := &capturePacketWriter{}
	r := hidreport.New(hidreport.NewFragmentWriter(w), discardLogger())

	require.NoError(t, r.Handle(hidreport.Event{Kind: hidreport.PendingModifiers, Bits: 0x03, Down: true}))
	assert.Empty(t, w.packets, "a pending modifier event must not flush by itself")

	require.NoError(t, r.Handle(hidreport.Event{Kind: hidreport.Basic, Key: layout.Code(4), Down: true}))
	assert.NotEmpty(t, w.packets)
	last := w.packets[len(w.packets)-1]
	assert.Equal(t, byte(0x03), last[1], "the deferred modifier bits must be folded into the eventual key report")
}
