// Package trustd parses configuration for the device-trust daemon and runs
// its server.
package trustd

import (
	"context"
	"flag"
	"strings"

	server "github.com/louisbranch/devicetrust/internal/devicetrust/app"
)

// Config holds trustd command configuration.
type Config struct {
	Addr         string
	ConfigSource string
}

// EnvLookup returns the value for a key when present.
type EnvLookup func(string) (string, bool)

// ParseConfig parses flags into a Config, with environment fallbacks.
func ParseConfig(fs *flag.FlagSet, args []string, lookup EnvLookup) (Config, error) {
	cfg := Config{
		Addr:         envOrDefault(lookup, []string{"DEVICETRUST_ADDR"}, "localhost:8095"),
		ConfigSource: envOrDefault(lookup, []string{"DEVICETRUST_CONFIG"}, "bootstrap.json"),
	}

	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "The HTTP bridge listen address")
	fs.StringVar(&cfg.ConfigSource, "config", cfg.ConfigSource, "The bootstrap config file path or URL")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the trust daemon.
func Run(ctx context.Context, cfg Config) error {
	return server.Run(ctx, cfg.Addr, cfg.ConfigSource)
}

func envOrDefault(lookup EnvLookup, keys []string, fallback string) string {
	for _, key := range keys {
		if lookup == nil {
			break
		}
		value, ok := lookup(key)
		if ok {
			trimmed := strings.TrimSpace(value)
			if trimmed != "" {
				return trimmed
			}
		}
	}
	return fallback
}
