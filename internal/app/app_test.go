package app_test

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/portel-dev/ncp/internal/app"
	"github.com/portel-dev/ncp/internal/settings"
	"github.com/portel-dev/ncp/pkg/provider/embeddings/mock"
)

// pipeStdio returns a pair of *os.File connected by an OS pipe, standing in
// for stdin/stdout during tests so App never touches the real process
// streams.
func pipeStdio(t *testing.T) (stdin, stdout *os.File) {
	t.Helper()
	inR, inW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	t.Cleanup(func() {
		inR.Close()
		inW.Close()
		outR.Close()
		outW.Close()
	})
	// Drain stdout so Serve never blocks writing responses nobody reads.
	go io.Copy(io.Discard, outR)
	return inR, outW
}

func testSettings(t *testing.T) settings.Settings {
	t.Helper()
	return settings.Settings{
		Profile:            "test",
		WorkingDir:         t.TempDir(),
		EmbeddingsProvider: "hashvec",
	}
}

func TestNewWiresEverySubsystem(t *testing.T) {
	stdin, stdout := pipeStdio(t)

	application, err := app.New(context.Background(), testSettings(t), stdin, stdout)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if application.Manager() == nil {
		t.Error("Manager() is nil after New")
	}
	if application.Scheduler() == nil {
		t.Error("Scheduler() is nil after New")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestNewWithInjectedEmbeddingsProvider(t *testing.T) {
	stdin, stdout := pipeStdio(t)

	provider := &mock.Provider{ModelIDValue: "mock-v1", EmbedResult: []float32{1, 0, 0}}
	application, err := app.New(context.Background(), testSettings(t), stdin, stdout,
		app.WithEmbeddingsProvider(provider))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	stdin, stdout := pipeStdio(t)

	application, err := app.New(context.Background(), testSettings(t), stdin, stdout)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := application.Shutdown(ctx); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := application.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestRunReturnsWhenUpstreamClientDisconnects(t *testing.T) {
	stdin, stdout := pipeStdio(t)

	application, err := app.New(context.Background(), testSettings(t), stdin, stdout)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- application.Run(context.Background()) }()

	stdin.Close() // EOF on the upstream's read side, as if the client hung up

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the upstream stream closed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}
