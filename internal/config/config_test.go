package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pasarguard/iplimiter/internal/config"
)

func writeTemp(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeTemp(t, `
panel:
  username: admin
  password: secret
  domain: panel.example.com
`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Limits.General != 2 {
		t.Errorf("expected default general limit 2, got %d", cfg.Limits.General)
	}
	if cfg.Timing.CheckIntervalSeconds != 60 {
		t.Errorf("expected default check_interval 60, got %d", cfg.Timing.CheckIntervalSeconds)
	}
	if cfg.Punishment.InstantDisableThreshold != -60 {
		t.Errorf("expected default instant_disable_threshold -60, got %d", cfg.Punishment.InstantDisableThreshold)
	}
	if len(cfg.Punishment.Steps) != 5 {
		t.Errorf("expected 5 default punishment steps, got %d", len(cfg.Punishment.Steps))
	}
}

func TestLoad_RejectsMissingCredentials(t *testing.T) {
	path := writeTemp(t, "limits:\n  general: 2\n")
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected validation error for missing panel credentials")
	}
}

func TestLoad_RejectsShortCheckInterval(t *testing.T) {
	path := writeTemp(t, `
panel:
  username: admin
  password: secret
  domain: panel.example.com
timing:
  check_interval: 10
`)
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected validation error for check_interval below 30s")
	}
}

func TestLoad_RequiresGroupIDInGroupMode(t *testing.T) {
	path := writeTemp(t, `
panel:
  username: admin
  password: secret
  domain: panel.example.com
disable_method: group
`)
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected validation error for group mode without disabled_group_id")
	}
}

func TestConfig_Limit(t *testing.T) {
	cfg := config.Default()
	cfg.Limits.General = 2
	cfg.Limits.Special = map[string]int{"alice": 5}
	if got := cfg.Limit("alice"); got != 5 {
		t.Errorf("expected special limit 5 for alice, got %d", got)
	}
	if got := cfg.Limit("bob"); got != 2 {
		t.Errorf("expected general limit 2 for bob, got %d", got)
	}
}

func TestConfig_ExceptUsersSet(t *testing.T) {
	cfg := config.Default()
	cfg.ExceptUsers = []string{"admin", "tester"}
	set := cfg.ExceptUsersSet()
	if _, ok := set["admin"]; !ok {
		t.Error("expected admin in except-users set")
	}
	if len(set) != 2 {
		t.Errorf("expected 2 entries, got %d", len(set))
	}
}
