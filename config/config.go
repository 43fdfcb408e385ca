// Package config loads and validates the service configuration from files,
// environment variables and CLI flags.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/stashgate/stashgate"
	"github.com/stashgate/stashgate/database"
	stashhttp "github.com/stashgate/stashgate/http"
)

// configKey is the context key for storing the loaded configuration.
type configKey struct{}

// WithContext returns a new context with the config stored.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configKey{}, cfg)
}

// FromContext retrieves the config from context.
// Returns an error if config is not found.
func FromContext(ctx context.Context) (*Config, error) {
	cfg, ok := ctx.Value(configKey{}).(*Config)
	if !ok || cfg == nil {
		return nil, errors.New("config not found in context")
	}
	return cfg, nil
}

// Config is the root configuration struct for stashgate.
type Config struct {
	Server   ServerConfig           `mapstructure:"server"`
	Service  ServiceConfig          `mapstructure:"service"`
	Storage  StorageConfig          `mapstructure:"storage"`
	Upload   stashgate.UploadConfig `mapstructure:"upload"`
	Download stashgate.BrokerConfig `mapstructure:"download"`
	Database database.Config        `mapstructure:"database"`
	CORS     stashhttp.CORSConfig   `mapstructure:"cors"`
	Log      LogConfig              `mapstructure:"log"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int    `mapstructure:"port" validate:"required,min=1,max=65535"`
	MetricsPort     int    `mapstructure:"metrics_port" validate:"min=0,max=65535"`
	IdentityHeader  string `mapstructure:"identity_header" validate:"required"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout" validate:"min=1"`
}

// ServiceConfig holds service-level configuration.
type ServiceConfig struct {
	// CleanupInterval is how often expired cells are purged, in minutes.
	// Zero disables the cleanup loop.
	CleanupInterval int `mapstructure:"cleanup_interval" validate:"min=0"`
}

// StorageConfig holds object-store account and signing configuration.
type StorageConfig struct {
	Account stashgate.Credentials  `mapstructure:"account"`
	Signer  stashgate.SignerConfig `mapstructure:",squash"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=text json"`
}

// flagToViperKey maps CLI flag names to viper configuration keys.
var flagToViperKey = map[string]string{
	"port":    "server.port",
	"db-type": "database.type",
	"db-dsn":  "database.dsn",
	"bucket":  "download.bucket",
}

// bindFlags binds CLI flags to viper keys with custom name mapping.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) {
	flags.VisitAll(func(f *pflag.Flag) {
		viperKey := f.Name
		if mapped, ok := flagToViperKey[viperKey]; ok {
			viperKey = mapped
		}

		// Only bind if the flag was explicitly set
		if f.Changed {
			_ = v.BindPFlag(viperKey, f)
		}
	})
}

// setDefaults configures default values on the viper instance.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 5710)
	v.SetDefault("server.metrics_port", 0) // 0 serves metrics on the main port
	v.SetDefault("server.identity_header", "X-User-Id")
	v.SetDefault("server.shutdown_timeout", 30) // seconds

	v.SetDefault("service.cleanup_interval", 60) // minutes

	v.SetDefault("storage.region", "auto")
	v.SetDefault("storage.service", "s3")

	uploadDefaults := stashgate.DefaultUploadConfig()
	v.SetDefault("upload.namespace", uploadDefaults.Namespace)
	v.SetDefault("upload.allowed_extensions", uploadDefaults.AllowedExtensions)
	v.SetDefault("upload.part_size_bytes", uploadDefaults.PartSizeBytes)
	v.SetDefault("upload.url_expires_seconds", uploadDefaults.URLExpiresSeconds)
	v.SetDefault("upload.user_limit", uploadDefaults.UserLimit)
	v.SetDefault("upload.user_window_seconds", uploadDefaults.UserWindowSeconds)

	downloadDefaults := stashgate.DefaultBrokerConfig()
	v.SetDefault("download.default_ttl_minutes", downloadDefaults.DefaultTTLMinutes)
	v.SetDefault("download.max_ttl_minutes", downloadDefaults.MaxTTLMinutes)
	v.SetDefault("download.one_time", downloadDefaults.OneTime)
	v.SetDefault("download.item_limit", downloadDefaults.ItemLimit)
	v.SetDefault("download.user_limit", downloadDefaults.UserLimit)
	v.SetDefault("download.global_limit", downloadDefaults.GlobalLimit)
	v.SetDefault("download.window_seconds", downloadDefaults.WindowSeconds)
	v.SetDefault("download.dedup_window", downloadDefaults.DedupWindow.String())

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.dsn", "stashgate.db")
	v.SetDefault("database.table", "stashgate_cells")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configuration and returns a validated Config struct.
// Order of precedence (highest to lowest): flags > env > config files > defaults
//
// Parameters:
//   - configFiles: list of config file paths (later files override earlier ones)
//   - flags: cobra flag set for flag binding (can be nil)
func Load(configFiles []string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	// 1. Set defaults
	setDefaults(v)

	// 2. Read config files
	if len(configFiles) > 0 {
		v.SetConfigFile(configFiles[0])
		if err := v.ReadInConfig(); err != nil {
			slog.Warn("error reading config file", "file", configFiles[0], "err", err)
		}

		for _, cf := range configFiles[1:] {
			v.SetConfigFile(cf)
			if err := v.MergeInConfig(); err != nil {
				slog.Warn("error merging config file", "file", cf, "err", err)
			}
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")

		if err := v.ReadInConfig(); err != nil {
			var configNotFound viper.ConfigFileNotFoundError
			if !errors.As(err, &configNotFound) {
				slog.Warn("error reading config file", "err", err)
			}
		}
	}

	// 3. Bind environment variables
	v.SetEnvPrefix("STASHGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. Bind flags (if provided)
	if flags != nil {
		bindFlags(v, flags)
	}

	// 5. Unmarshal into Config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Buckets default to each other so most deployments set one value.
	if cfg.Upload.Bucket == "" {
		cfg.Upload.Bucket = cfg.Download.Bucket
	}
	if cfg.Download.Bucket == "" {
		cfg.Download.Bucket = cfg.Upload.Bucket
	}

	// 6. Validate using go-playground/validator
	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}
