package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses one of the config's duration strings (poll
// intervals, retry backoffs, reminder windows). Empty means "not set" and
// parses to zero; negative durations are rejected because none of the bot's
// timings can sensibly run backwards.
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

// ParseDurationOrDefault is ParseDurationField with an unset-or-zero value
// replaced by def. The runtime components use this when mapping the config
// into their own settings.
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
