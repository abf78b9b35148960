// ABOUTME: Package doc for gateway configuration.
// ABOUTME: Describes the YAML layout and environment expansion.

// Package config loads the gateway's YAML configuration.
//
// Values of the form ${VAR} are expanded from the environment before
// parsing, which keeps secrets like the engine API key and channel
// tokens out of the file itself. Durations (tasks.retention) are parsed
// from Go duration strings. Validation runs at load time so a bad
// config fails the process before anything starts.
package config
