package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadJSONWithEnv(t *testing.T) {
	t.Setenv("NUKA_TEST_KEY", "sk-123")
	path := writeFile(t, "nuka.json", `{
		"providers": [{"id": "p1", "type": "openai", "api_key": "${NUKA_TEST_KEY}"}],
		"memory": {"backend": "${NUKA_TEST_BACKEND:qdrant}"},
		"loop": {"stepped": true, "step_poll": "250ms"}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.Providers[0].APIKey; got != "sk-123" {
		t.Errorf("api key = %q, want sk-123", got)
	}
	if cfg.Memory.Backend != "qdrant" {
		t.Errorf("backend = %q, want default qdrant", cfg.Memory.Backend)
	}
	if !cfg.Loop.Stepped {
		t.Error("expected stepped mode")
	}
	if cfg.Loop.StepPoll.Std() != 250*time.Millisecond {
		t.Errorf("step poll = %v", cfg.Loop.StepPoll.Std())
	}
	if cfg.Memory.SimilarityThreshold != 0.92 {
		t.Errorf("threshold = %v, want 0.92", cfg.Memory.SimilarityThreshold)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "nuka.yaml", `
server:
  port: 9000
memory:
  token_ceiling: 1024
loop:
  agent_id: scout
  step_poll: 500
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Memory.TokenCeiling != 1024 {
		t.Errorf("token ceiling = %d", cfg.Memory.TokenCeiling)
	}
	if cfg.Loop.AgentID != "scout" {
		t.Errorf("agent id = %q", cfg.Loop.AgentID)
	}
	if cfg.Loop.StepPoll.Std() != 500*time.Millisecond {
		t.Errorf("step poll = %v", cfg.Loop.StepPoll.Std())
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Memory.Backend != "memory" || cfg.Memory.TokenCeiling != 3072 {
		t.Errorf("unexpected memory defaults: %+v", cfg.Memory)
	}
	if cfg.Loop.StepPoll.Std() != time.Second {
		t.Errorf("step poll default = %v", cfg.Loop.StepPoll.Std())
	}
	if cfg.Loop.AbortDelay.Std() != 5*time.Second {
		t.Errorf("abort delay default = %v", cfg.Loop.AbortDelay.Std())
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
