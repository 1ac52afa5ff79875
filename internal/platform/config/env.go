// Package config loads command configuration from the process environment.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	return parse(target, env.Options{})
}

// ParseEnvFrom loads configuration from the given variables instead of the
// process environment.
func ParseEnvFrom(target any, environment map[string]string) error {
	if environment == nil {
		environment = map[string]string{}
	}
	return parse(target, env.Options{Environment: environment})
}

func parse(target any, opts env.Options) error {
	if target == nil {
		return fmt.Errorf("parse env: target is required")
	}
	if err := env.ParseWithOptions(target, opts); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
