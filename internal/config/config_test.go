package config

import "testing"

func TestLoadAppliesDefaultsWhenUnset(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("SESSION_TIMEOUT", "")
	t.Setenv("VP_AGENT_NAME", "")

	cfg := Load()
	if cfg.Port != 9800 {
		t.Errorf("Port = %d, want default 9800", cfg.Port)
	}
	if cfg.SessionTimeout != 300 {
		t.Errorf("SessionTimeout = %d, want default 300", cfg.SessionTimeout)
	}
	if cfg.AgentName != "bridgeagent" {
		t.Errorf("AgentName = %q, want default", cfg.AgentName)
	}
}

func TestLoadReadsEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9900")
	t.Setenv("SESSION_TIMEOUT", "60")
	t.Setenv("VP_AGENT_NAME", "my-agent")
	t.Setenv("VP_TOKEN", "secret")

	cfg := Load()
	if cfg.Port != 9900 {
		t.Errorf("Port = %d, want 9900", cfg.Port)
	}
	if cfg.SessionTimeout != 60 {
		t.Errorf("SessionTimeout = %d, want 60", cfg.SessionTimeout)
	}
	if cfg.AgentName != "my-agent" {
		t.Errorf("AgentName = %q, want my-agent", cfg.AgentName)
	}
	if cfg.Token != "secret" {
		t.Errorf("Token = %q, want secret", cfg.Token)
	}
}

func TestLoadIgnoresUnparseableInt(t *testing.T) {
	t.Setenv("PORT", "not-a-number")
	cfg := Load()
	if cfg.Port != 9800 {
		t.Errorf("Port = %d, want default on parse failure", cfg.Port)
	}
}
