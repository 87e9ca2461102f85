package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses raw as a non-negative Go duration. An empty
// value is 0. path names the field in error messages.
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

// ParseDurationOrDefault is ParseDurationField with def for empty or zero values.
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

// Durations resolves a batch of duration fields and keeps every error, so
// one mapping pass reports all bad fields at once.
type Durations struct {
	errs []error
}

// Or returns the parsed value of raw, or def when raw is empty or invalid.
func (d *Durations) Or(path, raw string, def time.Duration) time.Duration {
	v, err := ParseDurationOrDefault(path, raw, def)
	if err != nil {
		d.errs = append(d.errs, err)
		return def
	}
	return v
}

func (d *Durations) Err() error { return errors.Join(d.errs...) }
