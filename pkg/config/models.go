package config

import "time"

type Config struct {
	Server      ServerConfig
	Transport   TransportConfig
	Presence    PresenceConfig
	Database    DatabaseConfig
	Notify      NotifyConfig
	Log         LogConfig
	Permissions []string                 `mapstructure:"permissions"`
	Roles       map[string][]string      `mapstructure:"roles"`
	Commands    map[string]CommandConfig `mapstructure:"commands"`
}

type ServerConfig struct {
	Address         string
	Auth            AuthConfig
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
	ShutdownTimeout time.Duration         `mapstructure:"shutdownTimeout"`
}

type AuthConfig struct {
	JWTSecret  string `mapstructure:"jwtSecret"`
	CookieName string `mapstructure:"cookieName"`
}

type ConnectionLimitConfig struct {
	MaxPerUser int    `mapstructure:"maxPerUser"`
	Mode       string `mapstructure:"mode"` // "reject" or "cycle"
}

type TransportConfig struct {
	PingInterval time.Duration `mapstructure:"pingInterval"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
	SendBuffer   int           `mapstructure:"sendBuffer"`
}

type PresenceConfig struct {
	SweepInterval time.Duration `mapstructure:"sweepInterval"`
	LocationTTL   time.Duration `mapstructure:"locationTTL"`
	TypingTTL     time.Duration `mapstructure:"typingTTL"`
	MembershipTTL time.Duration `mapstructure:"membershipTTL"`
}

type DatabaseConfig struct {
	DSN         string `mapstructure:"dsn"`
	AutoMigrate bool   `mapstructure:"autoMigrate"`
}

type NotifyConfig struct {
	NATSURL string `mapstructure:"natsURL"`
	Subject string `mapstructure:"subject"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type CommandConfig struct {
	Modifiers []ModifierConfig `mapstructure:"modifiers"`
}

type ModifierConfig struct {
	Name   string   `mapstructure:"name"`
	Params []string `mapstructure:"params"`
}

// DefaultRoles maps each marketplace role to its permission names.
func DefaultRoles() map[string][]string {
	return map[string][]string{
		"customer":       {"chat", "track_delivery"},
		"artisan":        {"chat"},
		"delivery_agent": {"chat", "publish_location"},
		"admin":          {"chat", "track_delivery", "monitor"},
	}
}

// DefaultCommands throttles the chatty commands and guards admin snapshots.
func DefaultCommands() map[string]CommandConfig {
	return map[string]CommandConfig{
		"typing": {Modifiers: []ModifierConfig{
			{Name: "rate_limit", Params: []string{"20/s"}},
		}},
		"agent_location_update": {Modifiers: []ModifierConfig{
			{Name: "rate_limit", Params: []string{"10/s"}},
		}},
		"send_message": {Modifiers: []ModifierConfig{
			{Name: "require_permission", Params: []string{"chat"}},
			{Name: "rate_limit", Params: []string{"30/m"}},
		}},
		"track_delivery": {Modifiers: []ModifierConfig{
			{Name: "require_permission", Params: []string{"track_delivery"}},
		}},
		"get_locations": {Modifiers: []ModifierConfig{
			{Name: "require_permission", Params: []string{"monitor"}},
		}},
	}
}
