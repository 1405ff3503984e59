// Command ncp is the main entry point for the NCP MCP tool orchestrator.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/portel-dev/ncp/internal/app"
	"github.com/portel-dev/ncp/internal/settings"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── .env loading ──────────────────────────────────────────────────────
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "ncp: loading .env: %v\n", err)
	}

	// ── Ambient settings ──────────────────────────────────────────────────
	st, err := settings.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "ncp: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────
	logger := newLogger(st)
	slog.SetDefault(logger)

	slog.Info("ncp starting",
		"profile", st.Profile,
		"working_dir", st.WorkingDir,
		"embeddings_provider", st.EmbeddingsProvider,
	)

	// ── Application wiring ────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, st, os.Stdin, os.Stdout)
	if err != nil {
		slog.Error("failed to initialize application", "err", err)
		return 1
	}

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// newLogger builds the default slog logger. Output never touches stdout
// (reserved for the upstream JSON-RPC stream): it goes to stderr and, via
// lumberjack, to a rotated file under <working-dir>/logs/ncp.log.
func newLogger(st settings.Settings) *slog.Logger {
	lvl := slog.LevelInfo
	if st.Debug {
		lvl = slog.LevelDebug
	}

	rotator := &lumberjack.Logger{
		Filename:   st.WorkingDir + "/logs/ncp.log",
		MaxSize:    10, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	}

	out := io.MultiWriter(os.Stderr, rotator)
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: lvl}))
}
