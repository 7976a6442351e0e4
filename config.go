package agentfs

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// HookConfig declares one external hook process.
type HookConfig struct {
	Name           string   `mapstructure:"name" validate:"required"`
	Command        []string `mapstructure:"command" validate:"required,min=1"`
	Async          bool     `mapstructure:"async"`
	Priority       int      `mapstructure:"priority"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds" validate:"gte=0,lte=300"`
}

// MountConfig is the file/env configuration for a mount. Either a store
// path or a session id selects what gets mounted.
type MountConfig struct {
	StorePath       string       `mapstructure:"store_path" validate:"required_without=Session,excluded_with=Session"`
	Session         string       `mapstructure:"session" validate:"required_without=StorePath"`
	Mountpoint      string       `mapstructure:"mountpoint" validate:"required,dir"`
	BaseDir         string       `mapstructure:"base_dir" validate:"omitempty,dir"`
	PoolSize        int          `mapstructure:"pool_size" validate:"gte=0,lte=64"`
	DentryCacheSize int          `mapstructure:"dentry_cache_size" validate:"gte=0"`
	LogLevel        string       `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
	Hooks           []HookConfig `mapstructure:"hooks" validate:"dive"`
}

// LoadMountConfig reads a mount configuration file, applies AGENTFS_*
// environment overrides and validates the result. An empty path loads
// from the environment alone.
func LoadMountConfig(path string) (MountConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("AGENTFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("pool_size", 4)
	v.SetDefault("log_level", "info")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return MountConfig{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg MountConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return MountConfig{}, fmt.Errorf("parsing config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return MountConfig{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// BuildHookRegistry instantiates the configured hooks. A nil return
// means no hooks are configured and the engine skips the pipeline
// entirely.
func (c *MountConfig) BuildHookRegistry(logger *slog.Logger) *HookRegistry {
	if len(c.Hooks) == 0 {
		return nil
	}
	registry := NewHookRegistry(logger)
	for _, hc := range c.Hooks {
		hook := &CommandHook{
			HookName: hc.Name,
			Command:  hc.Command,
			Timeout:  time.Duration(hc.TimeoutSeconds) * time.Second,
			Logger:   logger,
		}
		if hc.Async {
			registry.RegisterAsync(hook)
		} else {
			registry.RegisterSync(hook, hc.Priority)
		}
	}
	return registry
}

// NewLogger builds the process logger at the configured level.
func (c *MountConfig) NewLogger() *slog.Logger {
	var level slog.Level
	switch c.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
