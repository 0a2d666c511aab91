package config

import (
	"errors"
	"fmt"
)

// ErrInvalidYAML indicates the config file failed to parse.
var ErrInvalidYAML = errors.New("invalid YAML syntax")

// ValidationError reports one invalid configuration value.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config field %q: %s", e.Field, e.Message)
}
