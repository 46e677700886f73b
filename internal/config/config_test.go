package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const sampleYAML = `
logging:
  level: debug
  console: true
  file:
    enabled: false
    path: ""
storage:
  driver: sqlite
  path: ./groupcast.db
  busy_timeout: 5s
dispatch:
  enabled: true
  tick_interval: 60s
  batch_size: 50
  workers: 4
  rate_per_sec: 10
  claim_lease: 5m
api:
  enabled: true
  addr: 127.0.0.1:8080
report:
  gap_scan_enabled: true
  gap_scan_interval: 10m
tenants:
  - id: acme
    telegram:
      token: "123:abc"
      send_timeout: 10s
`

func TestParseYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Dispatch.BatchSize != 50 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if len(cfg.Tenants) != 1 || cfg.Tenants[0].ID != "acme" {
		t.Fatalf("tenants = %+v", cfg.Tenants)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get() should return the committed config")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", sampleYAML+"\nscheduler:\n  enabled: true\n"))
	if _, err := m.Parse(); err == nil {
		t.Fatal("want error for unknown top-level key")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"empty tenant id", func(c *Config) { c.Tenants[0].ID = " " }, "id is empty"},
		{"duplicate tenant", func(c *Config) { c.Tenants = append(c.Tenants, c.Tenants[0]) }, "duplicate"},
		{"missing token", func(c *Config) { c.Tenants[0].Telegram.Token = "" }, "token is empty"},
		{"bad duration", func(c *Config) { c.Dispatch.TickInterval = "sixty" }, "invalid duration"},
		{"negative workers", func(c *Config) { c.Dispatch.Workers = -1 }, "workers"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := &Config{
				Dispatch: DispatchConfig{TickInterval: "60s"},
				Tenants:  []TenantConfig{{ID: "acme", Telegram: TelegramConfig{Token: "123:abc"}}},
			}
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestChangedSections(t *testing.T) {
	t.Parallel()
	base := &Config{
		Dispatch: DispatchConfig{Enabled: true, BatchSize: 50},
		Tenants:  []TenantConfig{{ID: "acme", Telegram: TelegramConfig{Token: "a"}}},
	}

	same := *base
	if got := ChangedSections(base, &same); len(got) != 0 {
		t.Fatalf("identical configs reported changes: %v", got)
	}

	mod := *base
	mod.Dispatch.BatchSize = 100
	mod.Tenants = []TenantConfig{
		{ID: "acme", Telegram: TelegramConfig{Token: "b"}},
		{ID: "beta", Telegram: TelegramConfig{Token: "c"}},
	}
	got := ChangedSections(base, &mod)
	want := []string{"dispatch", "tenants(+1/-0/~1)"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("changed = %v, want %v", got, want)
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", " 30s "); err != nil || d.Seconds() != 30 {
		t.Fatalf("d = %v, err = %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty should be zero: %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatal("negative duration must be rejected")
	}
	if d, err := ParseDurationOrDefault("x", "", 42); err != nil || d != 42 {
		t.Fatalf("default not applied: %v, %v", d, err)
	}
}
