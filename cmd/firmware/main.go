// Command firmware runs the keyboard firmware's full pipeline — scanner,
// ring filesystem, layout manager, mapper, HID reporter, and config
// endpoint — wired together the way the real device's main loop would, but
// over the in-memory board.MatrixDriver/FlashDevice/VendorLink
// implementations in internal/board/sim, since chip-specific GPIO/USB
// bindings are out of scope (spec.md §1).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/rpkgo/firmware/internal/board/sim"
	"github.com/rpkgo/firmware/internal/boardcfg"
	"github.com/rpkgo/firmware/internal/control"
	"github.com/rpkgo/firmware/internal/hidreport"
	"github.com/rpkgo/firmware/internal/layout"
	"github.com/rpkgo/firmware/internal/mapper"
	"github.com/rpkgo/firmware/internal/ringfs"
	"github.com/rpkgo/firmware/internal/scanner"
	"github.com/rpkgo/firmware/internal/timer"
)

// defaultLayoutWords is the compiled-in fallback artifact: a version header,
// a 6x1 dimension claim matching the demo matrix, zero extra layers (just
// the six reserved singleton layers), no macros, and no globals — decodes
// to an all-blank keymap. Real builds embed a keymap compiler's output
// here instead; that compiler is out of scope (spec.md Non-goals).
var defaultLayoutWords = []uint16{
	layout.ProtocolVersion,
	uint16(1<<8 | 6), // 1 row, 6 cols
	uint16(0<<8 | layout.ReservedModifierLayers),
	0, // macroCount
	0, // globalsWordCount
}

func main() {
	configPath := flag.String("config", "board.yaml", "path to the board YAML configuration file")
	flag.Parse()

	cfg, err := boardcfg.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "firmware: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("board configuration loaded",
		slog.String("config_path", *configPath),
		slog.Int("rows", cfg.Matrix.Rows),
		slog.Int("cols", cfg.Matrix.Cols),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	matrix := sim.NewMatrix(cfg.Matrix.Cols, cfg.Matrix.Rows)
	flash := sim.NewFlash(cfg.Flash.SizeBytes, cfg.Flash.PageBytes, cfg.Flash.EraseUnitBytes)

	store, err := ringfs.New(flash,
		ringfs.WithDirSize(cfg.Flash.DirSizeBytes),
		ringfs.WithMaxFiles(cfg.Flash.MaxFiles),
	)
	if err != nil {
		logger.Error("failed to open ring filesystem", slog.Any("error", err))
		os.Exit(1)
	}

	fallback, err := compileFallbackArtifact(cfg.Matrix.Rows, cfg.Matrix.Cols)
	if err != nil {
		logger.Error("failed to decode compiled-in fallback layout", slog.Any("error", err))
		os.Exit(1)
	}

	ctrl := control.New()
	tmr := timer.NewWallClock(ctrl)

	sc := scanner.New(matrix, logger, scanner.WithRowIsOutput(cfg.Matrix.RowIsOutput), scanner.WithSensitivity(cfg.DebounceSensitivity))

	resetFn := func() { logger.Warn("firmware: reset requested (no-op outside real hardware)") }
	resetToUSBBoot := func() { logger.Warn("firmware: reset-to-usb-boot requested (no-op outside real hardware)") }

	mp := mapper.New(sc.Events(), ctrl, tmr, store, fallback, logger, mapper.WithResetHandlers(resetFn, resetToUSBBoot))

	packetSink := &stderrPacketWriter{logger: logger}
	reporter := hidreport.New(hidreport.NewFragmentWriter(packetSink), logger)

	if cfg.VendorLinkAddr != "" {
		logger.Warn("firmware: vendor link wiring lives in cmd/bench; standalone firmware runs without a live upload endpoint")
	}

	go sc.Run(ctx)
	go mp.Run(ctx)
	go func() {
		for ev := range mp.Events() {
			if err := reporter.Handle(ev); err != nil {
				logger.Warn("firmware: report handling error", slog.Any("error", err))
			}
		}
	}()

	logger.Info("firmware running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	cancel()
	logger.Info("firmware exited cleanly")
}

// compileFallbackArtifact decodes the compiled-in blank layout, substituting
// the board's real dimensions into the header before decoding. Analogous to
// the teacher's compiled-in-default pattern; here a minimal artifact is
// synthesised at startup rather than generated by a build step.
func compileFallbackArtifact(rows, cols int) (*layout.Artifact, error) {
	words := make([]uint16, len(defaultLayoutWords))
	copy(words, defaultLayoutWords)
	words[1] = uint16(rows<<8 | cols)

	// The offsets table and end sentinel come first, then six reserved
	// singleton layers, each a header word plus an empty dense body. Offsets
	// count words from the start of the offsets table.
	layerBodyLen := 1 + rows*cols
	offsets := make([]uint16, layout.ReservedModifierLayers+1)
	offsets[0] = uint16(len(offsets))
	for i := 1; i <= layout.ReservedModifierLayers; i++ {
		offsets[i] = offsets[i-1] + uint16(layerBodyLen)
	}
	words = append(words, offsets...)
	for l := 0; l < layout.ReservedModifierLayers; l++ {
		words = append(words, 0) // header: no composite, no modifiers
		for c := 0; c < rows*cols; c++ {
			words = append(words, 0)
		}
	}

	buf := make([]byte, len(words)*2)
	for i, w := range words {
		buf[i*2] = byte(w)
		buf[i*2+1] = byte(w >> 8)
	}
	return layout.Decode(buf, rows, cols)
}

// stderrPacketWriter is a demo hidreport.PacketWriter that logs each report
// packet instead of writing to a real USB interrupt-in endpoint (out of
// scope, spec.md §1).
type stderrPacketWriter struct {
	logger *slog.Logger
}

func (w *stderrPacketWriter) WritePacket(p []byte) error {
	w.logger.Debug("firmware: hid packet", slog.Int("len", len(p)))
	return nil
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
