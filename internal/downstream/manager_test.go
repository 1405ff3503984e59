package downstream

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/portel-dev/ncp/internal/childproc"
	"github.com/portel-dev/ncp/internal/profile"
)

const echoToolsListScript = `
read line
printf '{"jsonrpc":"2.0","id":1,"result":{"capabilities":{}}}\n'
while read line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  printf '{"jsonrpc":"2.0","id":%s,"result":{"tools":[],"_echo":%s}}\n' "$id" "$line"
done
`

func newTestStore(t *testing.T) *profile.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := profile.Open(dir, "all")
	if err != nil {
		t.Fatalf("profile.Open: %v", err)
	}
	if err := s.UpsertDescriptor(profile.MCPDescriptor{
		Name:      "echo",
		Transport: profile.TransportStdio,
		Command:   "sh",
		Args:      []string{"-c", echoToolsListScript},
		Enabled:   true,
	}); err != nil {
		t.Fatalf("UpsertDescriptor: %v", err)
	}
	return s
}

func TestGetSessionStartsAndReuses(t *testing.T) {
	store := newTestStore(t)
	m := New(store, childproc.ClientInfo{Name: "ncp", Version: "test"}, "tid-1")
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s1, err := m.GetSession(ctx, "echo")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	s2, err := m.GetSession(ctx, "echo")
	if err != nil {
		t.Fatalf("GetSession (second): %v", err)
	}
	if s1 != s2 {
		t.Error("expected the same session to be reused")
	}
}

func TestGetSessionCoalescesConcurrentStarts(t *testing.T) {
	store := newTestStore(t)
	m := New(store, childproc.ClientInfo{Name: "ncp", Version: "test"}, "tid-1")
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	results := make([]*childproc.Process, 8)
	for i := range results {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			s, err := m.GetSession(ctx, "echo")
			if err != nil {
				t.Errorf("GetSession[%d]: %v", idx, err)
				return
			}
			results[idx] = s
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(results); i++ {
		if results[i] != results[0] {
			t.Errorf("result[%d] != result[0], concurrent starts did not coalesce", i)
		}
	}
}

func TestForwardCallAttachesMetaWithoutOverwritingSessionID(t *testing.T) {
	store := newTestStore(t)
	m := New(store, childproc.ClientInfo{Name: "ncp", Version: "test"}, "tid-42")
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	meta := map[string]any{"session_id": "caller-session"}
	raw, err := m.ForwardCall(ctx, "echo", "tools/list", map[string]any{}, meta, "ncp")
	if err != nil {
		t.Fatalf("ForwardCall: %v", err)
	}

	var decoded struct {
		Echo struct {
			Params struct {
				Meta map[string]any `json:"_meta"`
			} `json:"params"`
		} `json:"_echo"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Echo.Params.Meta["session_id"] != "caller-session" {
		t.Errorf("session_id was overwritten: %+v", decoded.Echo.Params.Meta)
	}
	if decoded.Echo.Params.Meta["ncp_tracking_id"] != "tid-42" {
		t.Errorf("ncp_tracking_id missing: %+v", decoded.Echo.Params.Meta)
	}
	if decoded.Echo.Params.Meta["ncp_client"] != "ncp" {
		t.Errorf("ncp_client missing: %+v", decoded.Echo.Params.Meta)
	}
}

func TestHealthSnapshotReportsReady(t *testing.T) {
	store := newTestStore(t)
	m := New(store, childproc.ClientInfo{Name: "ncp", Version: "test"}, "tid-1")
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := m.GetSession(ctx, "echo"); err != nil {
		t.Fatalf("GetSession: %v", err)
	}

	snap := m.HealthSnapshot()
	if len(snap) != 1 || snap[0].State != "ready" {
		t.Errorf("snapshot = %+v", snap)
	}
}
