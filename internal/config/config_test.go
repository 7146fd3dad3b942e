package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{
		"ZS_HYPERVISOR_ADDR", "ZS_HYPERVISOR_TOKEN", "ZS_BEARER_SECRET",
		"ZS_PORT_RANGE_MIN", "ZS_PORT_RANGE_MAX", "ZS_SESSION_TIMEOUT",
	} {
		t.Setenv(k, "")
	}

	cfg := Load()
	if cfg.BindAddr != "0.0.0.0" {
		t.Errorf("BindAddr = %q, want 0.0.0.0", cfg.BindAddr)
	}
	if cfg.PortRangeMin != 40000 || cfg.PortRangeMax != 41000 {
		t.Errorf("port range = [%d,%d), want [40000,41000)", cfg.PortRangeMin, cfg.PortRangeMax)
	}
	if cfg.SessionTimeout() != 300*time.Second {
		t.Errorf("SessionTimeout = %s, want 300s", cfg.SessionTimeout())
	}
	if cfg.InviteTTL() != 24*time.Hour {
		t.Errorf("InviteTTL = %s, want 24h", cfg.InviteTTL())
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("ZS_PORT_RANGE_MIN", "50000")
	t.Setenv("ZS_PORT_RANGE_MAX", "50010")
	t.Setenv("ZS_SESSION_TIMEOUT", "10s")

	cfg := Load()
	if cfg.PortRangeMin != 50000 || cfg.PortRangeMax != 50010 {
		t.Errorf("port range = [%d,%d), want [50000,50010)", cfg.PortRangeMin, cfg.PortRangeMax)
	}
	if cfg.SessionTimeout() != 10*time.Second {
		t.Errorf("SessionTimeout = %s, want 10s", cfg.SessionTimeout())
	}
}

func TestValidateRequiresHypervisorAndSecret(t *testing.T) {
	t.Setenv("ZS_HYPERVISOR_ADDR", "")
	t.Setenv("ZS_HYPERVISOR_TOKEN", "")
	t.Setenv("ZS_BEARER_SECRET", "")

	cfg := Load()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate to fail with missing hypervisor/secret config")
	}
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	t.Setenv("ZS_HYPERVISOR_ADDR", "pve.example.com:8006")
	t.Setenv("ZS_HYPERVISOR_TOKEN", "PVEAPIToken=user@pve!id=secret")
	t.Setenv("ZS_BEARER_SECRET", "a-very-secret-value")

	cfg := Load()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestValidateRejectsBadCronSchedule(t *testing.T) {
	t.Setenv("ZS_HYPERVISOR_ADDR", "pve.example.com:8006")
	t.Setenv("ZS_HYPERVISOR_TOKEN", "PVEAPIToken=user@pve!id=secret")
	t.Setenv("ZS_BEARER_SECRET", "a-very-secret-value")
	t.Setenv("ZS_INVITE_REAP_SCHEDULE", "not a cron expression")

	cfg := Load()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate to reject an invalid cron expression")
	}
}

func TestValidateRejectsEmptyPortRange(t *testing.T) {
	t.Setenv("ZS_HYPERVISOR_ADDR", "pve.example.com:8006")
	t.Setenv("ZS_HYPERVISOR_TOKEN", "PVEAPIToken=user@pve!id=secret")
	t.Setenv("ZS_BEARER_SECRET", "a-very-secret-value")
	t.Setenv("ZS_PORT_RANGE_MIN", "41000")
	t.Setenv("ZS_PORT_RANGE_MAX", "41000")

	cfg := Load()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate to reject an empty port range")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:54321": true,
		"[::1]:54321":     true,
		"localhost:8080":  true,
		"10.0.0.5:1234":   false,
	}
	for addr, want := range cases {
		if got := IsLoopbackAddr(addr); got != want {
			t.Errorf("IsLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}
