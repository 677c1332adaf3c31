package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Env is a namespaced view over environment variables (e.g. "LOG_").
// It has no logging so the logger can use it during bootstrap
type Env struct{ prefix string }

// NewEnv returns a root Env (no prefix)
func NewEnv() Env { return Env{} }

// Prefix returns a child Env with an additional prefix
func (e Env) Prefix(p string) Env { return Env{prefix: e.prefix + p} }

func (e Env) key(k string) string { return e.prefix + k }

// Get returns the trimmed env var or def if empty
func (e Env) Get(key, def string) string {
	v := strings.TrimSpace(os.Getenv(e.key(key)))
	if v == "" {
		return def
	}
	return v
}

// GetBool parses "1|true|yes" with default fallback
func (e Env) GetBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(e.key(key))))
	if v == "" {
		return def
	}
	return v == "1" || v == "true" || v == "yes"
}

// GetInt parses an integer; malformed values fall back to def
func (e Env) GetInt(key string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(e.key(key))))
	if err != nil {
		return def
	}
	return n
}

// GetFloat parses a float; malformed values fall back to def
func (e Env) GetFloat(key string, def float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv(e.key(key))), 64)
	if err != nil {
		return def
	}
	return f
}

// GetDuration parses a Go duration ("10s"); malformed values fall back to def
func (e Env) GetDuration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(os.Getenv(e.key(key))))
	if err != nil {
		return def
	}
	return d
}

// GetList splits a comma separated value, dropping empty items
func (e Env) GetList(key string, def []string) []string {
	raw := strings.TrimSpace(os.Getenv(e.key(key)))
	if raw == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
