package config

import (
	"fmt"
	"strings"
)

// ConfigurationError reports a source that cannot run because required
// settings are missing. The source is skipped; other sources still run.
type ConfigurationError struct {
	Source  string
	Missing []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("config: %s: missing %s", e.Source, strings.Join(e.Missing, ", "))
}
