package app

import (
	"time"

	"groupcast/internal/api"
	"groupcast/internal/config"
	"groupcast/internal/dispatch"
	"groupcast/internal/store"
)

// Config section mapping: the on-disk config uses duration strings, the
// services use typed configs. Validation of the raw strings happens in
// config.Validate, so errors here indicate a committed config went bad.

func mapStorageConfig(cfg *config.Config) (store.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		DSN:         cfg.Storage.DSN,
		BusyTimeout: busy,
	}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	tick, err := config.ParseDurationField("dispatch.tick_interval", cfg.Dispatch.TickInterval)
	if err != nil {
		return dispatch.Config{}, err
	}
	lease, err := config.ParseDurationField("dispatch.claim_lease", cfg.Dispatch.ClaimLease)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		Enabled:      cfg.Dispatch.Enabled,
		TickInterval: tick,
		BatchSize:    cfg.Dispatch.BatchSize,
		Workers:      cfg.Dispatch.Workers,
		RatePerSec:   cfg.Dispatch.RatePerSec,
		ClaimLease:   lease,
	}, nil
}

func mapAPIConfig(cfg *config.Config) (api.Config, error) {
	read, err := config.ParseDurationField("api.read_timeout", cfg.API.ReadTimeout)
	if err != nil {
		return api.Config{}, err
	}
	write, err := config.ParseDurationField("api.write_timeout", cfg.API.WriteTimeout)
	if err != nil {
		return api.Config{}, err
	}
	idle, err := config.ParseDurationField("api.idle_timeout", cfg.API.IdleTimeout)
	if err != nil {
		return api.Config{}, err
	}
	return api.Config{
		Enabled:      cfg.API.Enabled,
		Addr:         cfg.API.Addr,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
	}, nil
}

func mapGapScanInterval(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("report.gap_scan_interval", cfg.Report.GapScanInterval, 10*time.Minute)
}
