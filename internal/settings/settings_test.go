package settings

import "testing"

func TestParseAppliesDefaults(t *testing.T) {
	s, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.Profile != "default" {
		t.Errorf("Profile = %q, want %q", s.Profile, "default")
	}
	if s.WorkingDir != defaultWorkingDir {
		t.Errorf("WorkingDir = %q, want %q", s.WorkingDir, defaultWorkingDir)
	}
	if s.EmbeddingsProvider != "hashvec" {
		t.Errorf("EmbeddingsProvider = %q, want %q", s.EmbeddingsProvider, "hashvec")
	}
}

func TestParseFlagsOverrideDefaults(t *testing.T) {
	s, err := Parse([]string{
		"--profile", "work",
		"--working-dir", "/tmp/ncp-state",
		"--debug",
		"--embeddings-provider", "openai",
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.Profile != "work" {
		t.Errorf("Profile = %q, want %q", s.Profile, "work")
	}
	if s.WorkingDir != "/tmp/ncp-state" {
		t.Errorf("WorkingDir = %q, want %q", s.WorkingDir, "/tmp/ncp-state")
	}
	if !s.Debug {
		t.Error("Debug = false, want true")
	}
	if s.EmbeddingsProvider != "openai" {
		t.Errorf("EmbeddingsProvider = %q, want %q", s.EmbeddingsProvider, "openai")
	}
}

func TestParseEnvFallback(t *testing.T) {
	t.Setenv("NCP_PROFILE", "from-env")
	t.Setenv("NCP_DEBUG", "true")

	s, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.Profile != "from-env" {
		t.Errorf("Profile = %q, want %q", s.Profile, "from-env")
	}
	if !s.Debug {
		t.Error("Debug = false, want true (from NCP_DEBUG)")
	}
}
