package config

import (
	"fmt"
	"strings"
)

// Config is the on-disk configuration. Durations are Go duration strings
// (e.g. "500ms", "30s", "2h") parsed at wiring time, so a reload with a bad
// duration is rejected before anything restarts.
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Dispatch DispatchConfig `json:"dispatch"`
	API      APIConfig      `json:"api"`
	Report   ReportConfig   `json:"report"`
	Tenants  []TenantConfig `json:"tenants"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the task store backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./groupcast.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`          // postgres connection string
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite busy timeout
}

// DispatchConfig controls the periodic send loop.
type DispatchConfig struct {
	Enabled      bool   `json:"enabled"`
	TickInterval string `json:"tick_interval,omitempty"`
	BatchSize    int    `json:"batch_size,omitempty"`
	Workers      int    `json:"workers,omitempty"`
	RatePerSec   int    `json:"rate_per_sec,omitempty"`
	ClaimLease   string `json:"claim_lease,omitempty"`
}

// APIConfig controls the HTTP management surface.
//
// Prefer binding to localhost; the API carries no authentication of its own.
type APIConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr,omitempty"` // default: "127.0.0.1:8080"
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// ReportConfig controls the background expansion-gap scan.
type ReportConfig struct {
	GapScanEnabled  bool   `json:"gap_scan_enabled"`
	GapScanInterval string `json:"gap_scan_interval,omitempty"`
}

// TenantConfig declares one tenant and its outbound connection credentials.
type TenantConfig struct {
	ID       string         `json:"id"`
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Token       string `json:"token"`
	SendTimeout string `json:"send_timeout,omitempty"`
}

// Validate checks the structural invariants that no component can recover
// from at runtime. Duration strings are validated here too so a hot reload
// never commits a config that later fails to parse.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Tenants))
	for i, t := range c.Tenants {
		id := strings.TrimSpace(t.ID)
		if id == "" {
			return fmt.Errorf("tenants[%d]: id is empty", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("tenants[%d]: duplicate tenant id %q", i, id)
		}
		seen[id] = struct{}{}
		if strings.TrimSpace(t.Telegram.Token) == "" {
			return fmt.Errorf("tenants[%d] (%s): telegram token is empty", i, id)
		}
		if _, err := ParseDurationField(fmt.Sprintf("tenants[%d].telegram.send_timeout", i), t.Telegram.SendTimeout); err != nil {
			return err
		}
	}

	for _, f := range []struct{ path, raw string }{
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"dispatch.tick_interval", c.Dispatch.TickInterval},
		{"dispatch.claim_lease", c.Dispatch.ClaimLease},
		{"api.read_timeout", c.API.ReadTimeout},
		{"api.write_timeout", c.API.WriteTimeout},
		{"api.idle_timeout", c.API.IdleTimeout},
		{"report.gap_scan_interval", c.Report.GapScanInterval},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}

	if c.Dispatch.BatchSize < 0 {
		return fmt.Errorf("dispatch.batch_size must be >= 0")
	}
	if c.Dispatch.Workers < 0 {
		return fmt.Errorf("dispatch.workers must be >= 0")
	}
	if c.Dispatch.RatePerSec < 0 {
		return fmt.Errorf("dispatch.rate_per_sec must be >= 0")
	}
	return nil
}

// Tenant returns the declared config for one tenant, if present.
func (c *Config) Tenant(id string) (TenantConfig, bool) {
	for _, t := range c.Tenants {
		if t.ID == id {
			return t, true
		}
	}
	return TenantConfig{}, false
}
