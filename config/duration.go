// config/duration.go
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// parseDurationFlexible accepts strings like "90s"/"2m", numeric seconds, or time.Duration.
// Returns def on empty/unknown types; returns def + error on values that are invalid or <= 0.
func parseDurationFlexible(raw interface{}, def time.Duration) (time.Duration, error) {
	d, set, err := durationValue(raw)
	if err != nil {
		return def, err
	}
	if !set {
		return def, nil
	}
	if d <= 0 {
		return def, fmt.Errorf("duration must be >0")
	}
	return d, nil
}

// parseDurationOptional is parseDurationFlexible where 0 is meaningful
// ("no limit") and only negative values are rejected.
func parseDurationOptional(raw interface{}, def time.Duration) (time.Duration, error) {
	d, set, err := durationValue(raw)
	if err != nil {
		return def, err
	}
	if !set {
		return def, nil
	}
	if d < 0 {
		return def, fmt.Errorf("duration must be >=0")
	}
	return d, nil
}

// durationValue converts raw into a duration. Bare numbers are seconds, the
// unit the BI host uses for its timeouts. set is false for empty and unknown values.
func durationValue(raw interface{}) (d time.Duration, set bool, err error) {
	switch t := raw.(type) {
	case time.Duration:
		return t, true, nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false, nil
		}
		if d, err := time.ParseDuration(s); err == nil {
			return d, true, nil
		}
		// plain seconds in string form, e.g. "120"
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return time.Duration(n * float64(time.Second)), true, nil
		}
		return 0, false, fmt.Errorf("cannot parse duration %q", s)
	case int:
		return time.Duration(t) * time.Second, true, nil
	case int32:
		return time.Duration(int64(t)) * time.Second, true, nil
	case int64:
		return time.Duration(t) * time.Second, true, nil
	case float64:
		return time.Duration(t * float64(time.Second)), true, nil
	default:
		// nil, bool, etc.
		return 0, false, nil
	}
}
