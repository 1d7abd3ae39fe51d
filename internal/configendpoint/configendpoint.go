// Package configendpoint implements the vendor bulk-transfer FSM of
// spec.md §4.6: a two-state (Idle, ConfigData) loop over one-byte command
// frames that streams a new layout artifact into the ring filesystem and
// signals the mapper to hot-reload once the upload closes.
package configendpoint

import (
	"context"
	"errors"
	"log/slog"

	"github.com/rpkgo/firmware/internal/board"
	"github.com/rpkgo/firmware/internal/control"
	"github.com/rpkgo/firmware/internal/ringfs"
)

// Command is the one-byte opcode the host sends as the first byte of every
// frame, per spec.md §4.6.
type Command byte

const (
	CmdOpenSaveConfig    Command = 0x01
	CmdCloseSaveConfig   Command = 0x02
	CmdResetKeyboard     Command = 0x03
	CmdResetToUSBBoot    Command = 0x04
	CmdReadFileByIndex   Command = 0x05
)

// maxFrame is the bulk endpoint's fixed packet size.
const maxFrame = 64

// replyPayloadSize is the payload portion of a read-file-by-index reply: a
// 4-byte location prefix, then up to 60 bytes of file data.
const replyPayloadSize = maxFrame - 4

type fsmState int

const (
	stateIdle fsmState = iota
	stateConfigData
)

// Store is the ring-FS capability set the endpoint needs to accept an
// upload and answer read-by-index queries.
type Store interface {
	CreateFile() (*ringfs.FileDescriptor, error)
	WriteFile(desc *ringfs.FileDescriptor, data []byte) error
	CloseFile(desc *ringfs.FileDescriptor)
	FileReaderByIndex(index uint32) (*ringfs.FileDescriptor, error)
	ReadFile(desc *ringfs.FileDescriptor, data []byte) (uint32, error)
}

// Endpoint drives the config-upload FSM over a board.VendorLink.
type Endpoint struct {
	link   board.VendorLink
	store  Store
	ctrl   *control.Control
	logger *slog.Logger

	resetFn        func()
	resetToUSBBoot func()

	state  fsmState
	writer *ringfs.FileDescriptor
}

// Option configures an Endpoint at construction.
type Option func(*Endpoint)

// WithResetHandlers registers the reset / reset-to-USB-boot hooks invoked
// by their respective commands.
func WithResetHandlers(reset, resetToUSBBoot func()) Option {
	return func(e *Endpoint) {
		e.resetFn = reset
		e.resetToUSBBoot = resetToUSBBoot
	}
}

// New constructs an Endpoint.
func New(link board.VendorLink, store Store, ctrl *control.Control, logger *slog.Logger, opts ...Option) *Endpoint {
	e := &Endpoint{link: link, store: store, ctrl: ctrl, logger: logger, state: stateIdle}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run drives the endpoint's read loop until ctx is cancelled. Per spec.md
// §5, the loop never terminates on its own: a transport error drops back
// to Idle and the loop re-waits for the next frame, exactly like the
// original firmware re-enabling the endpoint after an error.
func (e *Endpoint) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			e.abortWriter()
			return
		default:
		}

		frame, err := e.link.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				e.abortWriter()
				return
			}
			e.logger.Warn("configendpoint: recv error, resetting to idle", slog.Any("error", err))
			e.resetToIdle()
			continue
		}
		if len(frame) == 0 {
			continue
		}

		e.handleFrame(ctx, frame)
	}
}

func (e *Endpoint) handleFrame(ctx context.Context, frame []byte) {
	switch e.state {
	case stateIdle:
		e.handleIdleFrame(ctx, frame)
	case stateConfigData:
		e.handleConfigDataFrame(ctx, frame)
	}
}

// handleIdleFrame processes a command frame while no upload is in
// progress: open starts one, reset commands fire their handlers, and
// read-by-index replies immediately.
func (e *Endpoint) handleIdleFrame(ctx context.Context, frame []byte) {
	cmd := Command(frame[0])
	switch cmd {
	case CmdOpenSaveConfig:
		desc, err := e.store.CreateFile()
		if err != nil {
			e.logger.Warn("configendpoint: open-save-config failed", slog.Any("error", err))
			return
		}
		e.writer = desc
		e.state = stateConfigData

	case CmdCloseSaveConfig:
		// Close with no writer open is a no-op in Idle; nothing to flush.

	case CmdResetKeyboard:
		e.invokeReset(e.resetFn, "reset")

	case CmdResetToUSBBoot:
		e.invokeReset(e.resetToUSBBoot, "reset-to-usb-boot")

	case CmdReadFileByIndex:
		e.replyReadFileByIndex(ctx, frame)

	default:
		e.logger.Warn("configendpoint: unrecognised command in idle", slog.Int("cmd", int(cmd)))
	}
}

// handleConfigDataFrame streams one 64-byte packet of the upload into the
// ring-FS writer. A lone close command finishes the upload; a lone open
// command, or a frame the ring FS refuses to write, resets to Idle and
// discards the partial write (spec.md §4.6). Every other frame is written
// as upload data.
func (e *Endpoint) handleConfigDataFrame(ctx context.Context, frame []byte) {
	if len(frame) == 1 && Command(frame[0]) == CmdCloseSaveConfig {
		e.finishUpload()
		return
	}
	if len(frame) == 1 && Command(frame[0]) == CmdOpenSaveConfig {
		e.logger.Warn("configendpoint: unexpected open mid-upload, resetting")
		e.resetToIdle()
		return
	}

	if err := e.store.WriteFile(e.writer, frame); err != nil {
		e.logger.Warn("configendpoint: write failed, resetting to idle", slog.Any("error", err))
		e.resetToIdle()
		return
	}
	if e.writer.IsClosed() {
		// The declared file length was reached without an explicit close
		// frame; treat it the same as a close so the hot-reload fires.
		e.finishUpload()
	}
}

// finishUpload closes the writer, tells the mapper to hot-reload from the
// file just written, and returns to Idle.
func (e *Endpoint) finishUpload() {
	if e.writer != nil {
		e.store.CloseFile(e.writer)
		e.writer = nil
	}
	e.ctrl.Set(control.SignalReload)
	e.state = stateIdle
}

func (e *Endpoint) resetToIdle() {
	e.abortWriter()
	e.state = stateIdle
}

func (e *Endpoint) abortWriter() {
	if e.writer != nil {
		e.store.CloseFile(e.writer)
		e.writer = nil
	}
}

func (e *Endpoint) invokeReset(fn func(), name string) {
	if fn == nil {
		e.logger.Warn("configendpoint: no handler registered", slog.String("action", name))
		return
	}
	fn()
}

// replyReadFileByIndex answers a read-file-by-index request with one
// packet: the file's absolute location (4 bytes, 0 if not found) followed
// by up to 60 bytes of its contents.
func (e *Endpoint) replyReadFileByIndex(ctx context.Context, frame []byte) {
	if len(frame) < 5 {
		e.logger.Warn("configendpoint: malformed read-by-index frame")
		return
	}
	index := uint32(frame[1]) | uint32(frame[2])<<8 | uint32(frame[3])<<16 | uint32(frame[4])<<24

	reply := make([]byte, maxFrame)
	desc, err := e.store.FileReaderByIndex(index)
	if err != nil {
		if !errors.Is(err, ringfs.ErrFileNotFound) {
			e.logger.Warn("configendpoint: read-by-index lookup failed", slog.Any("error", err))
		}
		if sendErr := e.link.Send(ctx, reply); sendErr != nil {
			e.logger.Warn("configendpoint: send failed", slog.Any("error", sendErr))
		}
		return
	}
	defer e.store.CloseFile(desc)

	loc := desc.Location()
	reply[0] = byte(loc)
	reply[1] = byte(loc >> 8)
	reply[2] = byte(loc >> 16)
	reply[3] = byte(loc >> 24)

	n, err := e.store.ReadFile(desc, reply[4:4+replyPayloadSize])
	if err != nil {
		e.logger.Warn("configendpoint: read-by-index body read failed", slog.Any("error", err))
	}

	if sendErr := e.link.Send(ctx, reply[:4+int(n)]); sendErr != nil {
		e.logger.Warn("configendpoint: send failed", slog.Any("error", sendErr))
	}
}
