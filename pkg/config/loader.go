package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "REALTIME"

// Load reads configuration from a .env file, a yaml file and environment
// variables, in increasing order of precedence.
func Load(logger *slog.Logger, fileName string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		logger.Warn("Config file not found. ignoring error and relying on defaults/env vars")
	}

	return decode(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.auth.jwtSecret", "")
	v.SetDefault("server.auth.cookieName", "token")
	v.SetDefault("server.connectionLimit.maxPerUser", 5)
	v.SetDefault("server.connectionLimit.mode", "cycle")
	v.SetDefault("server.shutdownTimeout", "15s")

	v.SetDefault("transport.pingInterval", "30s")
	v.SetDefault("transport.writeTimeout", "10s")
	v.SetDefault("transport.sendBuffer", 256)

	v.SetDefault("presence.sweepInterval", "5m")
	v.SetDefault("presence.locationTTL", "10m")
	v.SetDefault("presence.typingTTL", "10s")
	v.SetDefault("presence.membershipTTL", "0s")

	v.SetDefault("database.dsn", "file:realtime.db?cache=shared")
	v.SetDefault("database.autoMigrate", true)

	v.SetDefault("notify.natsURL", "")
	v.SetDefault("notify.subject", "notifications.offline")

	v.SetDefault("log.level", "info")
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if len(cfg.Roles) == 0 {
		cfg.Roles = DefaultRoles()
	}
	if cfg.Commands == nil {
		cfg.Commands = DefaultCommands()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var (
	ErrMissingSecret = errors.New("server.auth.jwtSecret must be set")
	ErrLimitMode     = errors.New("server.connectionLimit.mode must be \"reject\" or \"cycle\"")
)

func (c *Config) Validate() error {
	if c.Server.Auth.JWTSecret == "" {
		return ErrMissingSecret
	}
	switch c.Server.ConnectionLimit.Mode {
	case "reject", "cycle":
	default:
		return ErrLimitMode
	}
	return nil
}
