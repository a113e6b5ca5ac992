package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// secretSentinel is the placeholder shipped in deployment templates; a
// secret left at it is treated as unconfigured.
const secretSentinel = "changeme"

// Config holds all runtime configuration for the controller.
type Config struct {
	ListenAddr     string
	MongoURI       string
	Secret         string
	Env            string // development or production
	RefreshExclude []string
	LogLevel       string
}

// Load reads configuration from viper, which merges flag values, env vars
// (NODE_ENV, NODE_SECRET, MONGODB_URI) and defaults set up by the cobra
// command in cmd/uartcenterd.
func Load() Config {
	cfg := Config{
		ListenAddr: viper.GetString("listen"),
		MongoURI:   viper.GetString("mongo_uri"),
		Secret:     viper.GetString("node_secret"),
		Env:        viper.GetString("env"),
		LogLevel:   viper.GetString("log_level"),
	}
	if ex := viper.GetString("refresh_exclude"); ex != "" {
		for _, n := range strings.Split(ex, ",") {
			if n = strings.TrimSpace(n); n != "" {
				cfg.RefreshExclude = append(cfg.RefreshExclude, n)
			}
		}
	}
	return cfg
}

// Development reports whether node handshakes skip the token check: either
// an explicit development environment or an unconfigured secret.
func (c Config) Development() bool {
	return c.Env == "development" || c.Secret == "" || c.Secret == secretSentinel
}
