package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config is the relay server configuration.
type Config struct {
	Mode             string        `mapstructure:"mode"`
	Port             int           `mapstructure:"port"`
	StaticPath       string        `mapstructure:"static_path"`
	ReadLimit        int64         `mapstructure:"read_limit"`
	PingPeriod       time.Duration `mapstructure:"ping_period"`
	Secret           string        `mapstructure:"secret"`
	JoinRateLimit    int           `mapstructure:"join_rate_limit"`
	JoinRateInterval time.Duration `mapstructure:"join_rate_interval"`
	// QueryIdentity trusts user_id from the query string. Any caller can
	// claim any id while it is on.
	QueryIdentity    bool          `mapstructure:"query_identity"`
	LogLevel         string        `mapstructure:"log_level"`
	LogFile          string        `mapstructure:"log_file"`
}

// ClientConfig is the headless voice client configuration.
type ClientConfig struct {
	RelayURL   string        `mapstructure:"relay_url"`
	UserID     string        `mapstructure:"user_id"`
	Username   string        `mapstructure:"username"`
	ICEServers []string      `mapstructure:"ice_servers"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	AutoAccept bool          `mapstructure:"auto_accept"`
	LogLevel   string        `mapstructure:"log_level"`
	LogFile    string        `mapstructure:"log_file"`
}

func env() string {
	if e := os.Getenv("CONFIG_ENV"); e != "" {
		return e
	}
	return "dev"
}

// newViper reads config/<name>.<env>.yaml if present. VOICE_<KEY> environment
// variables override file values.
func newViper(name string, defaults map[string]any) *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	fileName := fmt.Sprintf("config/%s.%s.yaml", name, env())
	v.SetConfigFile(fileName)

	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix("VOICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}
	return v
}

func serverDefaults() map[string]any {
	return map[string]any{
		"mode":               "release",
		"port":               8080,
		"static_path":        "",
		"read_limit":         32768,
		"ping_period":        "54s",
		"secret":             "voicemesh-dev-secret",
		"join_rate_limit":    5,
		"join_rate_interval": "10s",
		"query_identity":     true,
		"log_level":          "info",
		"log_file":           "",
	}
}

func clientDefaults() map[string]any {
	return map[string]any{
		"relay_url":   "ws://localhost:8080/api/ws/signal",
		"user_id":     "",
		"username":    "guest",
		"ice_servers": []string{"stun:stun.l.google.com:19302"},
		"ping_period": "30s",
		"auto_accept": false,
		"log_level":   "info",
		"log_file":    "",
	}
}

func Load() (*Config, error) {
	v := newViper("config", serverDefaults())
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("static", cfg.StaticPath).Msg("server config")
	return &cfg, nil
}

// LoadClient also returns the viper instance so callers can Watch it.
func LoadClient() (*ClientConfig, *viper.Viper, error) {
	v := newViper("client", clientDefaults())
	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse client config: %w", err)
	}
	return &cfg, v, nil
}

// WatchLogLevel calls apply with the log_level value every time the config
// file changes on disk.
func WatchLogLevel(v *viper.Viper, apply func(level string)) {
	if v.ConfigFileUsed() == "" {
		return
	}
	if _, err := os.Stat(v.ConfigFileUsed()); err != nil {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		level := v.GetString("log_level")
		log.Info().Str("module", "config").Str("file", e.Name).Str("log_level", level).Msg("config changed")
		apply(level)
	})
	v.WatchConfig()
}
