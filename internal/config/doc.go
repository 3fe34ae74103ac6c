// Package config holds the tracepipe configuration: built-in defaults,
// optional YAML/JSON file loading, and a TRACEPIPE_* environment overlay.
// Precedence is defaults < file < environment < flags.
package config
