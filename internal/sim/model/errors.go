package model

import (
	"errors"
	"fmt"
)

// ErrConfiguration marks a malformed persona, graph or scenario. Runs never start with one.
var ErrConfiguration = errors.New("configuration error")

type ConfigError struct {
	Source string // file or section
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Source, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", e.Source, e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrConfiguration }

func ConfigErrorf(source, field, format string, args ...any) error {
	return &ConfigError{Source: source, Field: field, Reason: fmt.Sprintf(format, args...)}
}
