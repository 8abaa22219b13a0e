package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CHRONOCTX_"

// envSetters maps each override variable (without the prefix) to the field
// it sets.
var envSetters = map[string]func(*Config, string) error{
	"STORAGE_BACKEND": func(c *Config, v string) error { c.Storage.Backend = v; return nil },
	"STORAGE_PATH":    func(c *Config, v string) error { c.Storage.Path = v; return nil },
	"ENGINE_MERGE_MODE": func(c *Config, v string) error {
		c.Engine.MergeMode = v
		return nil
	},
	"ENGINE_SNAPSHOT_INTERVAL": func(c *Config, v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		c.Engine.SnapshotInterval = n
		return err
	},
	"SERVER_ADDR": func(c *Config, v string) error { c.Server.Addr = v; return nil },
	"SERVER_RATE_LIMIT": func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		c.Server.RateLimit = f
		return err
	},
	"SERVER_BURST": func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		c.Server.Burst = n
		return err
	},
	"LOG_LEVEL":               func(c *Config, v string) error { c.Log.Level = strings.ToLower(v); return nil },
	"LOG_FORMAT":              func(c *Config, v string) error { c.Log.Format = strings.ToLower(v); return nil },
	"TELEMETRY_TRACES":        func(c *Config, v string) error { c.Telemetry.Traces = strings.ToLower(v); return nil },
	"TELEMETRY_OTLP_ENDPOINT": func(c *Config, v string) error { c.Telemetry.OTLPEndpoint = v; return nil },
}

// Environ collects CHRONOCTX_* variables. Values from envFile (a .env file,
// optional) come first; the process environment overrides them.
func Environ(envFile string) (map[string]string, error) {
	env := make(map[string]string)
	if envFile != "" {
		fileEnv, err := godotenv.Read(envFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read env file: %w", err)
		}
		for k, v := range fileEnv {
			if strings.HasPrefix(k, EnvPrefix) {
				env[k] = v
			}
		}
	}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if ok && strings.HasPrefix(k, EnvPrefix) {
			env[k] = v
		}
	}
	return env, nil
}

// ApplyEnv overlays env onto cfg. Unknown CHRONOCTX_* names are errors so
// typos do not pass silently. The caller validates the result.
func ApplyEnv(cfg *Config, env map[string]string) error {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		name, ok := strings.CutPrefix(key, EnvPrefix)
		if !ok {
			continue
		}
		set, known := envSetters[name]
		if !known {
			return fmt.Errorf("unknown environment variable %s", key)
		}
		if err := set(cfg, env[key]); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}
