package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// HubConfig is the on-disk configuration of one hub daemon.
type HubConfig struct {
	Name           string `toml:"name"`
	UID            uint64 `toml:"uid"`
	Listen         string `toml:"listen"`
	Backlog        int    `toml:"backlog"`
	MaxConnections int    `toml:"max_connections"`
	MaxEvents      int    `toml:"max_events"`
	StatsInterval  string `toml:"stats_interval"`
	LogLevel       string `toml:"log_level"`

	AcceptRate AcceptRateConfig `toml:"accept_rate"`
	Keys       KeysConfig       `toml:"keys"`
	Admin      AdminConfig      `toml:"admin"`
}

// AcceptRateConfig limits new connections per remote IP. Zero tokens
// disables limiting.
type AcceptRateConfig struct {
	Tokens   uint64 `toml:"tokens"`
	Interval string `toml:"interval"`
}

// KeysConfig names the hub's own key files and the key peers sign with.
type KeysConfig struct {
	PrivateKey    string `toml:"private_key"`
	PublicKey     string `toml:"public_key"`
	PeerPublicKey string `toml:"peer_public_key"`
	SignReplies   bool   `toml:"sign_replies"`
	Watch         bool   `toml:"watch"`
}

type AdminConfig struct {
	Addr        string   `toml:"addr"`
	Token       string   `toml:"token"`
	TokenFile   string   `toml:"token_file"`
	CorsOrigins []string `toml:"cors_origins"`
}

func DefaultHubConfig() HubConfig {
	return HubConfig{
		Name:           "wanhub",
		UID:            1,
		Listen:         "127.0.0.1:9500",
		Backlog:        128,
		MaxConnections: 1024,
		MaxEvents:      128,
		StatsInterval:  "30s",
		LogLevel:       "info",
		AcceptRate: AcceptRateConfig{
			Tokens:   20,
			Interval: "1s",
		},
	}
}

// LoadHubConfig reads path over the defaults and validates the result.
func LoadHubConfig(path string) (HubConfig, error) {
	cfg := DefaultHubConfig()
	if err := loadToml(path, &cfg); err != nil {
		return HubConfig{}, err
	}
	if err := ValidateHubConfig(cfg); err != nil {
		return HubConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateHubConfig(cfg HubConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("hub config missing name")
	}
	if cfg.UID == 0 {
		return fmt.Errorf("hub config uid must be non-zero")
	}
	if strings.TrimSpace(cfg.Listen) == "" {
		return fmt.Errorf("hub config missing listen")
	}
	if cfg.Backlog <= 0 {
		return fmt.Errorf("hub config backlog must be positive")
	}
	if cfg.MaxConnections <= 0 {
		return fmt.Errorf("hub config max_connections must be positive")
	}
	if _, err := parseDuration("stats_interval", cfg.StatsInterval); err != nil {
		return err
	}
	if cfg.AcceptRate.Tokens > 0 {
		if _, err := parseDuration("accept_rate.interval", cfg.AcceptRate.Interval); err != nil {
			return err
		}
	}
	if cfg.Keys.SignReplies && strings.TrimSpace(cfg.Keys.PrivateKey) == "" {
		return fmt.Errorf("hub config keys.sign_replies requires keys.private_key")
	}
	if strings.TrimSpace(cfg.Admin.Token) != "" && strings.TrimSpace(cfg.Admin.TokenFile) != "" {
		return fmt.Errorf("hub config admin.token and admin.token_file are exclusive")
	}
	return nil
}

// parseDuration accepts Go duration strings; empty means zero.
func parseDuration(field, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("hub config %s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("hub config %s must not be negative", field)
	}
	return d, nil
}
