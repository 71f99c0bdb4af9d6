package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	PongWait   time.Duration `mapstructure:"pong_wait"`
	WriteWait  time.Duration `mapstructure:"write_wait"`

	Signal   SignalConfig   `mapstructure:"signal"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Presence PresenceConfig `mapstructure:"presence"`
	Client   ClientConfig   `mapstructure:"client"`
}

type SignalConfig struct {
	QueueSize      int           `mapstructure:"queue_size"`
	JoinLimit      int           `mapstructure:"join_limit"`
	JoinInterval   time.Duration `mapstructure:"join_interval"`
	KickOnOverflow bool          `mapstructure:"kick_on_overflow"`
}

// AuthConfig enables JWT identity binding when JWTSecret is set.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// PresenceConfig enables the Redis presence mirror when RedisAddr is set.
type PresenceConfig struct {
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	TTL           time.Duration `mapstructure:"ttl"`
}

type ClientConfig struct {
	ServerURL     string        `mapstructure:"server_url"`
	Token         string        `mapstructure:"token"`
	CandidateMode string        `mapstructure:"candidate_mode"`
	CandidateTTL  time.Duration `mapstructure:"candidate_ttl"`
	ICEServers    []string      `mapstructure:"ice_servers"`
	Audio         bool          `mapstructure:"audio"`
	Video         bool          `mapstructure:"video"`
}

var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:global.stun.twilio.com:3478",
}

// New returns a viper instance with every default set and env overrides
// enabled. Callers may bind flags into it before Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("HUDDLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("secret", "huddle-dev-secret")
	v.SetDefault("log_level", "info")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("pong_wait", "60s")
	v.SetDefault("write_wait", "5s")

	v.SetDefault("signal.queue_size", 32)
	v.SetDefault("signal.join_limit", 10)
	v.SetDefault("signal.join_interval", "10s")
	v.SetDefault("signal.kick_on_overflow", false)

	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("presence.redis_addr", "")
	v.SetDefault("presence.redis_password", "")
	v.SetDefault("presence.redis_db", 0)
	v.SetDefault("presence.ttl", "24h")

	v.SetDefault("client.server_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("client.token", "")
	v.SetDefault("client.candidate_mode", "batched")
	v.SetDefault("client.candidate_ttl", "5s")
	v.SetDefault("client.ice_servers", DefaultICEServers)
	v.SetDefault("client.audio", true)
	v.SetDefault("client.video", false)
	return v
}

func Load() (*Config, error) {
	return LoadFrom(New())
}

// LoadFrom reads config/config.<CONFIG_ENV>.yaml into v and decodes it. A
// missing file is not an error.
func LoadFrom(v *viper.Viper) (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	v.SetConfigName("config." + env)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		log.Warn().Str("module", "config").Str("env", env).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", v.ConfigFileUsed()).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Signal.QueueSize <= 0 {
		return fmt.Errorf("signal.queue_size must be positive, got %d", c.Signal.QueueSize)
	}
	switch c.Client.CandidateMode {
	case "incremental", "batched":
	default:
		return fmt.Errorf("client.candidate_mode must be incremental or batched, got %q", c.Client.CandidateMode)
	}
	return nil
}
