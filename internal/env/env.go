// Package env reads process environment variables with typed defaults,
// used during early bootstrap before the styled logger and viper-backed
// config are available.
package env

import (
	"os"
	"strconv"
)

// GetEnvOrDefault returns the value of key, or def if unset or empty.
func GetEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// GetEnvBoolOrDefault returns the value of key parsed as a bool, or def if
// unset or unparseable.
func GetEnvBoolOrDefault(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// GetEnvIntOrDefault returns the value of key parsed as an int, or def if
// unset or unparseable.
func GetEnvIntOrDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
