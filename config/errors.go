package config

import "errors"

// Sentinel configuration errors. validateConfig wraps them with the offending
// key so callers can both dispatch with errors.Is and print a usable message.
var (
	ErrMissingValue = errors.New("missing configuration value")
	ErrInvalidValue = errors.New("invalid configuration value")
)
