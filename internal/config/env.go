package config

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/MTBFAgent/internal/env"
)

var ensureOnce sync.Once

func ensureEnvLoaded() {
	ensureOnce.Do(func() {
		_ = env.Ensure()
	})
}

// Lookup reports the trimmed value of key and whether it is set to something
// other than blanks.
func Lookup(key string) (string, bool) {
	ensureEnvLoaded()
	val := strings.TrimSpace(os.Getenv(key))
	return val, val != ""
}

// String returns the trimmed environment variable or fallback when unset.
func String(key, fallback string) string {
	if val, ok := Lookup(key); ok {
		return val
	}
	return fallback
}

// Duration parses a time duration from environment or returns fallback.
// Bare integers are read as seconds.
func Duration(key string, fallback time.Duration) time.Duration {
	val, ok := Lookup(key)
	if !ok {
		return fallback
	}
	if parsed, err := time.ParseDuration(val); err == nil {
		return parsed
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

// Int returns an integer environment variable or fallback when unset or
// invalid. Invalid values are logged.
func Int(key string, fallback int) int {
	v, err := ParseInt(key, fallback)
	if err != nil {
		log.Warn().Err(err).Int("fallback", fallback).Msg("invalid integer env, using fallback")
	}
	return v
}

// ParseInt is Int for callers that must reject bad values: a set but
// unparsable variable yields fallback and an error naming the key.
func ParseInt(key string, fallback int) (int, error) {
	val, ok := Lookup(key)
	if !ok {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback, errors.Errorf("%s: invalid integer %q", key, val)
	}
	return parsed, nil
}

// Bool parses a boolean environment variable.
func Bool(key string, fallback bool) bool {
	if val, ok := Lookup(key); ok {
		switch strings.ToLower(val) {
		case "1", "true", "yes":
			return true
		case "0", "false", "no":
			return false
		}
	}
	return fallback
}

// List splits a comma/semicolon/whitespace separated variable, dropping
// blanks and duplicates while keeping the first-seen order.
func List(key string) []string {
	val, ok := Lookup(key)
	if !ok {
		return nil
	}
	parts := strings.FieldsFunc(val, func(r rune) bool {
		switch r {
		case ',', ';', '\n', '\r', '\t', ' ', '|':
			return true
		default:
			return false
		}
	})
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, p := range parts {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
