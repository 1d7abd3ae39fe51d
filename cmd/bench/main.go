// Command bench runs the firmware pipeline against a simulated device
// scripted over gRPC, the same role the teacher's cmd/server plays in
// exercising cmd/agent end to end: it hosts the simulated vendor bulk
// link, records every scan/HID event to a session trace, and exposes a
// read-only introspection HTTP API, so integration tests and local
// development can drive and observe the firmware without real hardware.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"

	"github.com/rpkgo/firmware/internal/bench/httpapi"
	benchlink "github.com/rpkgo/firmware/internal/bench/link"
	"github.com/rpkgo/firmware/internal/bench/tracestore"
	"github.com/rpkgo/firmware/internal/board/sim"
	"github.com/rpkgo/firmware/internal/boardcfg"
	"github.com/rpkgo/firmware/internal/configendpoint"
	"github.com/rpkgo/firmware/internal/control"
	"github.com/rpkgo/firmware/internal/hidreport"
	"github.com/rpkgo/firmware/internal/layout"
	"github.com/rpkgo/firmware/internal/mapper"
	"github.com/rpkgo/firmware/internal/ringfs"
	"github.com/rpkgo/firmware/internal/scanner"
	"github.com/rpkgo/firmware/internal/timer"
	"github.com/rpkgo/firmware/proto/vendorlink"
)

func main() {
	configPath := flag.String("config", "board.yaml", "path to the board YAML configuration file")
	grpcAddr := flag.String("grpc-addr", "127.0.0.1:4510", "vendor bulk-transfer gRPC listen address")
	tracePath := flag.String("trace-db", "bench_trace.db", "path to the session trace SQLite database")
	sessionID := flag.String("session", "", "identifier this run's trace entries are recorded under (default: a fresh UUID)")
	flag.Parse()

	if *sessionID == "" {
		generated := uuid.NewString()
		sessionID = &generated
	}

	cfg, err := boardcfg.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bench: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	traces, err := tracestore.Open(*tracePath)
	if err != nil {
		logger.Error("failed to open trace store", slog.Any("error", err))
		os.Exit(1)
	}
	defer traces.Close()

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

	fallback, err := compileBlankArtifact(cfg.Matrix.Rows, cfg.Matrix.Cols)
	if err != nil {
		logger.Error("failed to decode compiled-in fallback layout", slog.Any("error", err))
		os.Exit(1)
	}

	ctrl := control.New()
	tmr := timer.NewWallClock(ctrl)
	sc := scanner.New(matrix, logger, scanner.WithRowIsOutput(cfg.Matrix.RowIsOutput), scanner.WithSensitivity(cfg.DebounceSensitivity))

	state := &benchState{sessionID: *sessionID, started: time.Now()}

	resetFn := func() { logger.Warn("bench: reset requested (no-op in simulation)") }
	resetToUSBBoot := func() { logger.Warn("bench: reset-to-usb-boot requested (no-op in simulation)") }

	// Tee the scanner's event channel: the mapper consumes one copy to drive
	// the pipeline, the trace recorder below consumes a duplicate, so both
	// can range over their own channel without splitting events between
	// them.
	mapperEvents := make(chan scanner.Event, 32)
	traceEvents := make(chan scanner.Event, 32)
	go func() {
		defer close(mapperEvents)
		defer close(traceEvents)
		for ev := range sc.Events() {
			mapperEvents <- ev
			traceEvents <- ev
		}
	}()

	mp := mapper.New(mapperEvents, ctrl, tmr, store, fallback, logger, mapper.WithResetHandlers(resetFn, resetToUSBBoot))

	// ── vendor bulk-transfer gRPC server ────────────────────────────────
	lis, err := net.Listen("tcp", *grpcAddr)
	if err != nil {
		logger.Error("failed to listen for vendor link", slog.String("addr", *grpcAddr), slog.Any("error", err))
		os.Exit(1)
	}
	linkServer := benchlink.NewServer()
	grpcSrv := grpc.NewServer()
	vendorlink.RegisterBulkTransferServer(grpcSrv, linkServer)

	go func() {
		logger.Info("vendor link listening", slog.String("addr", *grpcAddr))
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Warn("vendor link server stopped", slog.Any("error", err))
		}
	}()

	go func() {
		for {
			conn, err := linkServer.Accept(ctx)
			if err != nil {
				return
			}
			endpoint := configendpoint.New(conn, store, ctrl, logger, configendpoint.WithResetHandlers(resetFn, resetToUSBBoot))
			go endpoint.Run(ctx)
		}
	}()

	// ── introspection HTTP API ───────────────────────────────────────────
	httpSrv := &http.Server{
		Addr:         cfg.HealthAddr,
		Handler:      httpapi.NewRouter(httpapi.NewServer(state, traces)),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("introspection API listening", slog.String("addr", cfg.HealthAddr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("introspection API stopped", slog.Any("error", err))
		}
	}()

	// ── pipeline goroutines, tracing every scan/HID event ───────────────
	go sc.Run(ctx)
	go mp.Run(ctx)
	go func() {
		for ev := range traceEvents {
			detail, _ := json.Marshal(ev)
			if err := traces.Append(ctx, *sessionID, tracestore.KindScan, string(detail), ev.Timestamp); err != nil {
				logger.Warn("bench: scan trace append failed", slog.Any("error", err))
			}
		}
	}()
	go func() {
		reporter := hidreport.New(hidreport.NewFragmentWriter(discardPacketWriter{}), logger)
		for ev := range mp.Events() {
			state.recordHID(ev)
			detail, _ := json.Marshal(ev)
			if err := traces.Append(ctx, *sessionID, tracestore.KindHID, string(detail), time.Now()); err != nil {
				logger.Warn("bench: hid trace append failed", slog.Any("error", err))
			}
			if err := reporter.Handle(ev); err != nil {
				logger.Warn("bench: report handling error", slog.Any("error", err))
			}
		}
	}()

	logger.Info("bench harness running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	cancel()
	grpcSrv.GracefulStop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("introspection API shutdown error", slog.Any("error", err))
	}

	logger.Info("bench harness exited cleanly")
}

// benchState tracks the small amount of state httpapi's GET /state endpoint
// reports, updated as HID events flow out of the mapper.
type benchState struct {
	mu        sync.Mutex
	sessionID string
	started   time.Time
	modBits   uint8
}

func (s *benchState) recordHID(ev hidreport.Event) {
	if ev.Kind != hidreport.Modifiers && ev.Kind != hidreport.PendingModifiers {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.Down {
		s.modBits |= ev.Bits
	} else {
		s.modBits &^= ev.Bits
	}
}

func (s *benchState) State() httpapi.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return httpapi.State{
		Uptime:       time.Since(s.started),
		ActiveLayers: nil,
		ModifierBits: s.modBits,
		SessionID:    s.sessionID,
	}
}

type discardPacketWriter struct{}

func (discardPacketWriter) WritePacket(p []byte) error { return nil }

// compileBlankArtifact decodes a minimal artifact with the board's real
// dimensions and only the six reserved, empty modifier/main layers — the
// same synthesis cmd/firmware falls back to, standing in for a real
// keymap compiler's output (out of scope, spec.md Non-goals).
func compileBlankArtifact(rows, cols int) (*layout.Artifact, error) {
	words := []uint16{
		layout.ProtocolVersion,
		uint16(rows<<8 | cols),
		uint16(0<<8 | layout.ReservedModifierLayers),
		0,
		0,
	}

	layerBodyLen := 1 + rows*cols
	offsets := make([]uint16, layout.ReservedModifierLayers+1)
	offsets[0] = uint16(len(offsets))
	for i := 1; i <= layout.ReservedModifierLayers; i++ {
		offsets[i] = offsets[i-1] + uint16(layerBodyLen)
	}
	words = append(words, offsets...)
	for l := 0; l < layout.ReservedModifierLayers; l++ {
		words = append(words, 0)
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
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
