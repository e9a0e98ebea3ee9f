// Package envcfg reads typed settings from environment variables.
//
// Every reader trims the raw value and falls back to def when the variable is
// unset, blank, unparsable or outside the accepted range.
package envcfg

import (
	"os"
	"strconv"
	"strings"
	"time"
)

func lookup(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

func parsed[T any](key string, def T, parse func(string) (T, error), ok func(T) bool) T {
	raw, set := lookup(key)
	if !set {
		return def
	}
	v, err := parse(raw)
	if err != nil || (ok != nil && !ok(v)) {
		return def
	}
	return v
}

// String returns the trimmed value of key, or def.
func String(key, def string) string {
	if v, ok := lookup(key); ok {
		return v
	}
	return def
}

// Bool accepts anything strconv.ParseBool does.
func Bool(key string, def bool) bool {
	return parsed(key, def, strconv.ParseBool, nil)
}

// Int accepts positive integers only.
func Int(key string, def int) int {
	return parsed(key, def, strconv.Atoi, func(n int) bool { return n > 0 })
}

// Int32 accepts non-negative values that fit in an int32 (pool sizes may be zero).
func Int32(key string, def int32) int32 {
	parse := func(s string) (int32, error) {
		n, err := strconv.ParseInt(s, 10, 32)
		return int32(n), err
	}
	return parsed(key, def, parse, func(n int32) bool { return n >= 0 })
}

// Duration accepts positive time.ParseDuration values.
func Duration(key string, def time.Duration) time.Duration {
	return parsed(key, def, time.ParseDuration, func(d time.Duration) bool { return d > 0 })
}

// CSV splits a comma-separated list, dropping blank items. def uses the same syntax.
func CSV(key, def string) []string {
	raw := String(key, def)

	var out []string
	for item := range strings.SplitSeq(raw, ",") {
		if s := strings.TrimSpace(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}
