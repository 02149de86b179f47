package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix namespaces every environment override, e.g. FWDBOT_STORAGE_DSN.
const EnvPrefix = "FWDBOT_"

// ApplyEnv overlays environment variables onto cfg. Only variables that are set
// override file values; secrets (storage.dsn, http.token) are usually supplied this way.
func ApplyEnv(cfg *Config) error {
	return applyEnv(cfg, nil)
}

func applyEnv(cfg *Config, environ map[string]string) error {
	if cfg == nil {
		return nil
	}
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return fmt.Errorf("env overrides: %w", err)
	}
	return nil
}
