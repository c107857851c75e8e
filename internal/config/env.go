package config

import (
	"os"
	"strconv"
)

// Env provides typed environment-variable lookups with a fixed prefix, for
// call sites that need a single override outside the structured Config
// (e.g. picking up a rotated API key without a full reload).
type Env struct {
	prefix string
}

// NewEnv creates an Env helper. An empty prefix looks up bare names.
func NewEnv(prefix string) *Env {
	return &Env{prefix: prefix}
}

// DefaultEnv is the swarm-wide Env helper, prefixed SWARM_.
var DefaultEnv = NewEnv("SWARM")

func (e *Env) key(name string) string {
	if e.prefix == "" {
		return name
	}
	return e.prefix + "_" + name
}

func (e *Env) GetString(name, def string) string {
	if v := os.Getenv(e.key(name)); v != "" {
		return v
	}
	return def
}

func (e *Env) GetInt(name string, def int) int {
	if v := os.Getenv(e.key(name)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func (e *Env) GetBool(name string, def bool) bool {
	if v := os.Getenv(e.key(name)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
