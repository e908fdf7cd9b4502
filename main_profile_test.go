package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadStartupProfile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := filepath.Join(dir, "agentns.toml")
	content := `
headless = true
control_listen = "127.0.0.1:8787"
control_token = "secret"
scorer_url = "http://127.0.0.1:9000/score"
ca_name = "demo-root"
agent_id = "gateway-1"
binding_ttl_sec = 600

[[seed_agents]]
agent_id = "translator-1"
capabilities = ["translate-text", "translate-audio"]
protocol_info = "a2a/1.0"
cert_ttl_sec = 3600

[[seed_agents]]
agent_id = "summarizer-1"
capabilities = ["summarize-text"]
`
	if err := os.WriteFile(p, []byte(content), 0600); err != nil {
		t.Fatalf("write profile: %v", err)
	}

	profile, err := loadStartupProfile(p)
	if err != nil {
		t.Fatalf("load profile: %v", err)
	}
	if profile == nil || !profile.Headless {
		t.Fatalf("expected headless profile")
	}
	if profile.ControlListen != "127.0.0.1:8787" || profile.ControlToken != "secret" {
		t.Fatalf("unexpected control settings: %+v", profile)
	}
	if profile.ScorerURL != "http://127.0.0.1:9000/score" {
		t.Fatalf("unexpected scorer url: %s", profile.ScorerURL)
	}
	if profile.CAName != "demo-root" || profile.AgentID != "gateway-1" {
		t.Fatalf("unexpected identity settings: %+v", profile)
	}
	if profile.BindingTTLSec != 600 {
		t.Fatalf("unexpected binding ttl: %d", profile.BindingTTLSec)
	}
	if len(profile.SeedAgents) != 2 {
		t.Fatalf("expected 2 seed agents, got %d", len(profile.SeedAgents))
	}
	first := profile.SeedAgents[0]
	if first.AgentID != "translator-1" || len(first.Capabilities) != 2 || first.CertTTLSec != 3600 {
		t.Fatalf("unexpected seed agent: %+v", first)
	}
}

func TestLoadStartupProfileMissingPath(t *testing.T) {
	t.Parallel()

	profile, err := loadStartupProfile("")
	if err != nil || profile != nil {
		t.Fatalf("expected nil profile for empty path, got %+v %v", profile, err)
	}
	if _, err := loadStartupProfile(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
