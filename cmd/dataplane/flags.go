package main

import (
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/c360/dataplane/config"
)

// Flag names double as viper keys; DATAPLANE_<NAME> with dashes replaced by
// underscores overrides an unset flag.
const (
	flagConfig          = "config"
	flagLogLevel        = "log-level"
	flagLogFormat       = "log-format"
	flagShutdownTimeout = "shutdown-timeout"
	flagRequest         = "request"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPaths     []string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
}

func addGlobalFlags(fs *pflag.FlagSet) {
	fs.StringSliceP(flagConfig, "c", nil,
		"Configuration layers, JSON or YAML, later files win (env: DATAPLANE_CONFIG, space separated)")
	fs.String(flagLogLevel, "info", "Log level: debug, info, warn, error (env: DATAPLANE_LOG_LEVEL)")
	fs.String(flagLogFormat, "json", "Log format: json, text (env: DATAPLANE_LOG_FORMAT)")
}

// newViper binds a command's flags to viper with DATAPLANE_ environment
// fallback. Explicit flags win over the environment.
func newViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(config.DefaultEnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}
	return v, nil
}

func resolveCLIConfig(cmd *cobra.Command) (*CLIConfig, error) {
	v, err := newViper(cmd)
	if err != nil {
		return nil, err
	}
	cfg := &CLIConfig{
		ConfigPaths: v.GetStringSlice(flagConfig),
		LogLevel:    v.GetString(flagLogLevel),
		LogFormat:   v.GetString(flagLogFormat),
	}
	if cmd.Flags().Lookup(flagShutdownTimeout) != nil {
		cfg.ShutdownTimeout = v.GetDuration(flagShutdownTimeout)
	}
	return cfg, nil
}

// loadConfig layers the configured files over the defaults and validates
func loadConfig(paths []string) (*config.Config, error) {
	loader := config.NewLoader()
	for _, p := range paths {
		if p = strings.TrimSpace(p); p != "" {
			loader.AddLayer(p)
		}
	}
	loader.EnableValidation(true)
	return loader.Load()
}
