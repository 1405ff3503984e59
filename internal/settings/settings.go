// Package settings holds the thin ambient process configuration NCP reads
// from flags and environment variables at startup: which profile to load,
// where to keep its state, whether to run the auxiliary diagnostics
// listener, and which embedding provider to use. Everything in-scope
// (downstream descriptors, the confirmation gate) lives in the profile
// store (internal/profile) instead.
package settings

import (
	"flag"
	"os"
)

// Settings is the ambient process configuration for one ncp invocation.
type Settings struct {
	// Profile names the profile store to open (profiles/<name>.json).
	Profile string

	// WorkingDir is the base directory holding profiles/, the vector index,
	// and scheduled-jobs.json.
	WorkingDir string

	// Debug enables verbose (debug-level) logging.
	Debug bool

	// DiagAddr is the listen address for the auxiliary HTTP diagnostics
	// server (/healthz, /readyz). Empty disables it.
	DiagAddr string

	// EmbeddingsProvider selects the embeddings backend: "openai", "ollama",
	// or "hashvec" (the dependency-free default).
	EmbeddingsProvider string
	EmbeddingsModel    string
	EmbeddingsAPIKey   string
	EmbeddingsBaseURL  string
}

// defaultWorkingDir is used when neither --working-dir nor NCP_WORKING_DIR
// is set.
const defaultWorkingDir = ".ncp"

// Parse builds Settings from flags (parsed against args) layered over
// environment variables, with flags taking precedence. args should be
// os.Args[1:].
func Parse(args []string) (Settings, error) {
	fs := flag.NewFlagSet("ncp", flag.ContinueOnError)

	profile := fs.String("profile", envOr("NCP_PROFILE", "default"), "profile name to load")
	workingDir := fs.String("working-dir", envOr("NCP_WORKING_DIR", defaultWorkingDir), "base directory for profile state, vector index, and scheduled jobs")
	debug := fs.Bool("debug", envBool("NCP_DEBUG"), "enable debug logging")
	diagAddr := fs.String("diag-addr", os.Getenv("NCP_DIAG_ADDR"), "listen address for the diagnostics HTTP server (empty disables it)")
	embeddingsProvider := fs.String("embeddings-provider", envOr("NCP_EMBEDDINGS_PROVIDER", "hashvec"), "embeddings provider: openai, ollama, or hashvec")
	embeddingsModel := fs.String("embeddings-model", os.Getenv("NCP_EMBEDDINGS_MODEL"), "embeddings model id")
	embeddingsAPIKey := fs.String("embeddings-api-key", os.Getenv("NCP_EMBEDDINGS_API_KEY"), "API key for the embeddings provider, if required")
	embeddingsBaseURL := fs.String("embeddings-base-url", os.Getenv("NCP_EMBEDDINGS_BASE_URL"), "base URL override for the embeddings provider, if applicable")

	if err := fs.Parse(args); err != nil {
		return Settings{}, err
	}

	return Settings{
		Profile:            *profile,
		WorkingDir:         *workingDir,
		Debug:              *debug,
		DiagAddr:           *diagAddr,
		EmbeddingsProvider: *embeddingsProvider,
		EmbeddingsModel:    *embeddingsModel,
		EmbeddingsAPIKey:   *embeddingsAPIKey,
		EmbeddingsBaseURL:  *embeddingsBaseURL,
	}, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string) bool {
	switch os.Getenv(key) {
	case "1", "true", "TRUE", "True":
		return true
	default:
		return false
	}
}
