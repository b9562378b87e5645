package config

import "testing"

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.UnixSocketsDirectory != "./" {
		t.Errorf("UnixSocketsDirectory = %q, want %q", cfg.UnixSocketsDirectory, "./")
	}
	if cfg.TimeoutMinutes != 120 {
		t.Errorf("TimeoutMinutes = %d, want 120", cfg.TimeoutMinutes)
	}
	if cfg.NamedTunnelsRange != "1-3" {
		t.Errorf("NamedTunnelsRange = %q, want %q", cfg.NamedTunnelsRange, "1-3")
	}
	if cfg.RandomTunnelsRange != "4-5" {
		t.Errorf("RandomTunnelsRange = %q, want %q", cfg.RandomTunnelsRange, "4-5")
	}
	if cfg.SSHServerHost != "0.0.0.0" {
		t.Errorf("SSHServerHost = %q, want %q", cfg.SSHServerHost, "0.0.0.0")
	}
	if cfg.SSHServerPort != 2222 {
		t.Errorf("SSHServerPort = %d, want 2222", cfg.SSHServerPort)
	}
	if cfg.AccessToken != "" {
		t.Errorf("AccessToken = %q, want empty default", cfg.AccessToken)
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("TIMEOUT", "60")
	t.Setenv("SSH_SERVER_PORT", "2022")
	t.Setenv("NAMED_TUNNELS_RANGE", "1-10")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.TimeoutMinutes != 60 {
		t.Errorf("TimeoutMinutes = %d, want 60", cfg.TimeoutMinutes)
	}
	if cfg.SSHServerPort != 2022 {
		t.Errorf("SSHServerPort = %d, want 2022", cfg.SSHServerPort)
	}
	if cfg.NamedTunnelsRange != "1-10" {
		t.Errorf("NamedTunnelsRange = %q, want %q", cfg.NamedTunnelsRange, "1-10")
	}
}
