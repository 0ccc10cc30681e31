package models

import (
	"errors"
	"fmt"
)

// ErrInvalidConfiguration marks budget or feature settings that must never reach evaluation.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// ConfigError describes which setting was rejected and why.
type ConfigError struct {
	Scope  string
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Scope == "" {
		return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid configuration for %s: %s %s", e.Scope, e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrInvalidConfiguration.
func (e *ConfigError) Unwrap() error {
	return ErrInvalidConfiguration
}
