// Package autoimport implements auto-import (C11): on the upstream
// initialize handshake, it asynchronously inspects the calling client's
// well-known MCP config file, and folds any server entry not already
// present in the profile (and not itself an NCP instance) into C1.
package autoimport

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/portel-dev/ncp/internal/profile"
)

// clientConfigPaths maps a clientInfo.name (as reported on initialize) to
// the well-known MCP config file(s) that client reads, in priority order.
// Matching is by case-insensitive substring so "Claude Desktop" and
// "claude-desktop" both resolve.
var clientConfigPaths = map[string][]string{
	"claude": {
		"Library/Application Support/Claude/claude_desktop_config.json",
		".config/Claude/claude_desktop_config.json",
		"AppData/Roaming/Claude/claude_desktop_config.json",
	},
	"cursor": {
		".cursor/mcp.json",
	},
	"windsurf": {
		".codeium/windsurf/mcp_config.json",
	},
	"vscode": {
		".vscode/mcp.json",
	},
}

// genericFallbackPaths are tried for every client, after its known config
// paths, covering tools that let the user hand-author an MCP import list.
// The YAML variant exists for clients (and humans) who prefer it over JSON.
var genericFallbackPaths = []string{
	".config/ncp/import.yaml",
	".mcp.json",
}

// rawClientConfig is the shape shared by every client config file this
// package understands: a top-level "mcpServers" map keyed by server name.
// Both json and yaml tags are set so the same struct decodes either format.
type rawClientConfig struct {
	MCPServers map[string]rawServerEntry `json:"mcpServers" yaml:"mcpServers"`
}

type rawServerEntry struct {
	Command string            `json:"command" yaml:"command"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	URL     string            `json:"url,omitempty" yaml:"url,omitempty"`
}

// Summary reports the outcome of the most recent auto-import pass.
type Summary struct {
	Ran         bool      `json:"ran"`
	ClientName  string    `json:"clientName,omitempty"`
	ConfigPath  string    `json:"configPath,omitempty"`
	Found       int       `json:"found"`
	Imported    int       `json:"imported"`
	SkippedSelf int       `json:"skippedSelf"`
	Errors      []string  `json:"errors,omitempty"`
	CompletedAt time.Time `json:"completedAt,omitempty"`
}

// Importer owns the background auto-import pass triggered from initialize.
type Importer struct {
	store   *profile.Store
	homeDir string

	mu      sync.Mutex
	summary Summary
}

// New constructs an Importer that folds discovered servers into store.
// homeDir overrides the user's home directory; pass "" to use [os.UserHomeDir].
func New(store *profile.Store, homeDir string) *Importer {
	if homeDir == "" {
		if dir, err := os.UserHomeDir(); err == nil {
			homeDir = dir
		}
	}
	return &Importer{store: store, homeDir: homeDir, summary: Summary{Ran: false}}
}

// Summary returns the outcome of the most recent (or in-progress) pass.
func (im *Importer) Summary() Summary {
	im.mu.Lock()
	defer im.mu.Unlock()
	return im.summary
}

// TriggerAsync runs one auto-import pass in the background for clientName.
// It never blocks the caller and never panics; failures land in the
// Summary's Errors field.
func (im *Importer) TriggerAsync(ctx context.Context, clientName string) {
	go im.run(ctx, clientName)
}

func (im *Importer) run(ctx context.Context, clientName string) {
	summary := Summary{Ran: true, ClientName: clientName}

	path, ok := im.resolveConfigPath(clientName)
	if !ok {
		summary.Errors = append(summary.Errors, "no known config path for client "+clientName)
		im.finish(summary)
		return
	}
	summary.ConfigPath = path

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			summary.Errors = append(summary.Errors, err.Error())
		}
		im.finish(summary)
		return
	}

	cfg, err := parseClientConfig(path, data)
	if err != nil {
		summary.Errors = append(summary.Errors, "parse "+path+": "+err.Error())
		im.finish(summary)
		return
	}
	summary.Found = len(cfg.MCPServers)

	for name, entry := range cfg.MCPServers {
		if im.isSelf(entry) {
			summary.SkippedSelf++
			continue
		}
		if _, ok := im.store.Descriptor(name); ok {
			continue // already present
		}

		desc := profile.MCPDescriptor{
			Name:      name,
			Transport: profile.TransportStdio,
			Command:   entry.Command,
			Args:      entry.Args,
			Env:       entry.Env,
			Enabled:   true,
		}
		if entry.URL != "" {
			desc.Transport = profile.TransportHTTP
			desc.URL = entry.URL
		}
		if err := im.store.UpsertDescriptor(desc); err != nil {
			summary.Errors = append(summary.Errors, "import "+name+": "+err.Error())
			continue
		}
		summary.Imported++
	}

	im.finish(summary)
}

func (im *Importer) finish(summary Summary) {
	summary.CompletedAt = time.Now().UTC()
	for _, e := range summary.Errors {
		slog.Warn("autoimport: issue during pass", "error", e)
	}
	im.mu.Lock()
	im.summary = summary
	im.mu.Unlock()
}

// resolveConfigPath finds the first existing well-known config path for a
// client name, matched case-insensitively by substring against the known
// client keys, falling back to the generic paths any client may use.
func (im *Importer) resolveConfigPath(clientName string) (string, bool) {
	lower := strings.ToLower(clientName)
	var primary string
	for key, relPaths := range clientConfigPaths {
		if !strings.Contains(lower, key) {
			continue
		}
		for _, rel := range relPaths {
			full := filepath.Join(im.homeDir, rel)
			if _, err := os.Stat(full); err == nil {
				return full, true
			}
		}
		if len(relPaths) > 0 {
			primary = filepath.Join(im.homeDir, relPaths[0])
		}
	}

	for _, rel := range genericFallbackPaths {
		full := filepath.Join(im.homeDir, rel)
		if _, err := os.Stat(full); err == nil {
			return full, true
		}
	}

	if primary != "" {
		// The client is known but has no config file yet; report its
		// primary path so the caller sees what was checked.
		return primary, true
	}
	return "", false
}

// parseClientConfig decodes a client config file as YAML or JSON, chosen by
// file extension.
func parseClientConfig(path string, data []byte) (rawClientConfig, error) {
	var cfg rawClientConfig
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".yaml" || ext == ".yml" {
		err := yaml.Unmarshal(data, &cfg)
		return cfg, err
	}
	err := json.Unmarshal(data, &cfg)
	return cfg, err
}

// isSelf reports whether entry's command/args appear to launch this very
// ncp binary, guarding against importing NCP as a downstream of itself.
func (im *Importer) isSelf(entry rawServerEntry) bool {
	base := strings.ToLower(filepath.Base(entry.Command))
	if base == "ncp" || strings.HasPrefix(base, "ncp.") {
		return true
	}
	for _, a := range entry.Args {
		if strings.Contains(strings.ToLower(a), "ncp") {
			return true
		}
	}
	return false
}
