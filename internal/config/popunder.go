package config

import (
	"math"
	"strconv"
	"strings"
)

const (
	defaultMaxPerDay          = 2
	defaultMinIntervalMinutes = 60.0
)

// PopunderConfig is the resolved popunder gate configuration. It is passed by
// value and never mutated after resolution.
type PopunderConfig struct {
	Enabled            bool
	URL                string // "" = not configured; the gate stays inactive
	MaxPerDay          int
	MinIntervalMinutes float64
}

// HasURL reports whether a destination URL is configured.
func (p PopunderConfig) HasURL() bool {
	return p.URL != ""
}

// ResolvePopunder builds a PopunderConfig from the POPUNDER_* variables returned
// by lookup. It never fails: malformed numerics fall back to their defaults.
func ResolvePopunder(lookup func(string) string) PopunderConfig {
	if lookup == nil {
		lookup = func(string) string { return "" }
	}
	clean := func(key string) string {
		return strings.TrimSpace(stripEnvQuotes(strings.TrimSpace(lookup(key))))
	}

	return PopunderConfig{
		Enabled:            strings.EqualFold(clean("POPUNDER_ENABLED"), "true"),
		URL:                clean("POPUNDER_URL"),
		MaxPerDay:          positiveInt(clean("POPUNDER_MAX_PER_DAY"), defaultMaxPerDay),
		MinIntervalMinutes: positiveFloat(clean("POPUNDER_MIN_INTERVAL_MINUTES"), defaultMinIntervalMinutes),
	}
}

func positiveInt(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func positiveFloat(s string, def float64) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 || math.IsInf(f, 0) || math.IsNaN(f) {
		return def
	}
	return f
}
