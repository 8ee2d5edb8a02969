// Package config loads and validates the limiter's YAML configuration
// tree (spec §6 "Configuration (consumed)").
package config

import (
	"fmt"
	"os"

	"github.com/pasarguard/iplimiter/internal/validate"
	"go.yaml.in/yaml/v2"
)

// Panel holds the PanelClient credentials.
type Panel struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Domain   string `yaml:"domain"`
}

// Limits holds the general and per-user special IP limits.
// Special limits configured here are a fallback; when internal/sqlstore
// has a DSN configured, the database copy takes precedence (see
// SPEC_FULL.md §4 and §5).
type Limits struct {
	General int            `yaml:"general"`
	Special map[string]int `yaml:"special"`
}

// Timing holds the evaluator and re-enable cadences.
type Timing struct {
	CheckIntervalSeconds      int `yaml:"check_interval"`
	TimeToActiveUsersSeconds  int `yaml:"time_to_active_users"`
}

// Settings holds miscellaneous operator toggles.
type Settings struct {
	CountryCode string `yaml:"country_code"`
}

// Punishment holds the escalation ladder configuration.
type PunishmentStepConfig struct {
	Type     string `yaml:"type"`
	Duration int    `yaml:"duration"`
}

type Punishment struct {
	Enabled                  bool                   `yaml:"enabled"`
	WindowHours              int                    `yaml:"window_hours"`
	Steps                    []PunishmentStepConfig `yaml:"steps"`
	InstantDisableThreshold  int                    `yaml:"instant_disable_threshold"`
}

// API holds tuning for the supplementary ISP-lookup collaborator.
type API struct {
	IPInfoToken      string `yaml:"ipinfo_token"`
	UseFallbackISPAPI bool  `yaml:"use_fallback_isp_api"`
}

// Config is the full recognized configuration tree.
type Config struct {
	Panel            Panel             `yaml:"panel"`
	Limits           Limits            `yaml:"limits"`
	ExceptUsers      []string          `yaml:"except_users"`
	Timing           Timing            `yaml:"timing"`
	Settings         Settings          `yaml:"settings"`
	CDNInbounds      []string          `yaml:"cdn_inbounds"`
	CDNUseXFF        bool              `yaml:"cdn_use_xff"`
	DisableMethod    string            `yaml:"disable_method"`
	DisabledGroupID  int               `yaml:"disabled_group_id"`
	Punishment       Punishment        `yaml:"punishment"`
	API              API               `yaml:"api"`
}

// Default returns a Config with every documented default applied
// (spec §4.5, §4.7, §4.10, §6).
func Default() *Config {
	return &Config{
		Limits: Limits{General: 2, Special: map[string]int{}},
		Timing: Timing{
			CheckIntervalSeconds:     60,
			TimeToActiveUsersSeconds: 1800,
		},
		Settings:      Settings{CountryCode: "None"},
		DisableMethod: "status",
		Punishment: Punishment{
			Enabled:                 true,
			WindowHours:             168,
			InstantDisableThreshold: -60,
			Steps: []PunishmentStepConfig{
				{Type: "warning", Duration: 0},
				{Type: "disable", Duration: 10},
				{Type: "disable", Duration: 30},
				{Type: "disable", Duration: 60},
				{Type: "disable", Duration: 0},
			},
		},
	}
}

// Load reads and parses the YAML file at path, applying Default() for
// anything left zero-valued by the file, then validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Decode onto a copy of the defaults so the file only needs to
	// mention what it overrides.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Limits.Special == nil {
		cfg.Limits.Special = map[string]int{}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the required configuration elements per spec §6.
func (c *Config) Validate() error {
	var m validate.MultiError
	m.Add(validate.NonEmptyString("panel.username", c.Panel.Username))
	m.Add(validate.NonEmptyString("panel.password", c.Panel.Password))
	m.Add(validate.NonEmptyString("panel.domain", c.Panel.Domain))
	m.Add(validate.IntAtLeast("limits.general", c.Limits.General, 1))
	m.Add(validate.IntAtLeast("timing.check_interval", c.Timing.CheckIntervalSeconds, 30))
	m.Add(validate.IntAtLeast("timing.time_to_active_users", c.Timing.TimeToActiveUsersSeconds, 60))
	m.Add(validate.IsCountryCode("settings.country_code", c.Settings.CountryCode))
	m.Add(validate.IsDisableMethod("disable_method", c.DisableMethod))
	if c.DisableMethod == "group" {
		m.Add(validate.IntAtLeast("disabled_group_id", c.DisabledGroupID, 1))
	}
	m.Add(validate.IntInRange("punishment.window_hours", c.Punishment.WindowHours, 1, 720))
	if len(c.Punishment.Steps) == 0 {
		m.Add(fmt.Errorf("punishment.steps: must not be empty"))
	}
	for u, lim := range c.Limits.Special {
		m.Add(validate.IntAtLeast(fmt.Sprintf("limits.special.%s", u), lim, 1))
	}
	if m.HasErrors() {
		return fmt.Errorf("invalid configuration: %w", &m)
	}
	return nil
}

// ExceptUsersSet returns ExceptUsers as a lookup set.
func (c *Config) ExceptUsersSet() map[string]struct{} {
	set := make(map[string]struct{}, len(c.ExceptUsers))
	for _, u := range c.ExceptUsers {
		set[u] = struct{}{}
	}
	return set
}

// Limit returns the effective per-user limit: special override if
// present, else the general limit.
func (c *Config) Limit(username string) int {
	if lim, ok := c.Limits.Special[username]; ok {
		return lim
	}
	return c.Limits.General
}
