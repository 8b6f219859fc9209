package config

import (
	"strings"

	"go.uber.org/multierr"
)

// ConfigurationError lists every problem found in a configuration.
type ConfigurationError struct {
	Problems []string
	err      error
}

func newConfigurationError(err error) *ConfigurationError {
	errs := multierr.Errors(err)
	problems := make([]string, len(errs))
	for i, e := range errs {
		problems[i] = e.Error()
	}
	return &ConfigurationError{Problems: problems, err: err}
}

func (e *ConfigurationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

func (e *ConfigurationError) Unwrap() error { return e.err }
