package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration settings (tick_interval, claim_lease, send_timeout and friends)
// travel as strings in the config file and are parsed at mapping time, so a
// hot reload can reject a bad value before anything is committed.

// ParseDurationField parses one duration setting. A blank value means the
// setting is absent and parses to zero; negative durations are rejected.
// path names the setting in error messages, e.g. "dispatch.claim_lease".
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault substitutes def for an absent or zero setting.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
