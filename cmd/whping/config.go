package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/wanhub/internal/protocol/session"
)

type fileConfig struct {
	Target          string         `toml:"target"`
	Listen          string         `toml:"listen"`
	Source          uint64         `toml:"source"`
	Destination     uint64         `toml:"destination"`
	Session         uint8          `toml:"session_id"`
	Count           int            `toml:"count"`
	Interval        string         `toml:"interval"`
	ConnectAttempts int            `toml:"connect_attempts"`
	Sign            bool           `toml:"sign"`
	Verify          bool           `toml:"verify"`
	PrivateKey      string         `toml:"private_key"`
	PeerPublicKey   string         `toml:"peer_public_key"`
	Transport       session.Config `toml:"session"`
}

// pingConfig is the resolved configuration. A non-empty Listen turns the
// client into a pong responder.
type pingConfig struct {
	Target          string
	Listen          string
	Source          uint64
	Destination     uint64
	Session         uint8
	Count           int
	Interval        time.Duration
	ConnectAttempts int
	Sign            bool
	Verify          bool
	PrivateKey      string
	PeerPublicKey   string
	Transport       session.Config
}

func defaultPingConfig() pingConfig {
	return pingConfig{
		Target:          "127.0.0.1:9500",
		Source:          100,
		Destination:     1,
		Count:           4,
		Interval:        time.Second,
		ConnectAttempts: 3,
		Transport:       session.DefaultConfig(),
	}
}

func loadPingConfig(path string) (pingConfig, error) {
	cfg := defaultPingConfig()

	raw := fileConfig{Transport: session.DefaultConfig()}
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return pingConfig{}, fmt.Errorf("load ping config: %w", err)
	}

	if meta.IsDefined("target") {
		if target := strings.TrimSpace(raw.Target); target != "" {
			cfg.Target = target
		}
	}
	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("source") {
		cfg.Source = raw.Source
	}
	if meta.IsDefined("destination") {
		cfg.Destination = raw.Destination
	}
	if meta.IsDefined("session_id") {
		cfg.Session = raw.Session
	}
	if meta.IsDefined("count") {
		cfg.Count = raw.Count
	}
	if meta.IsDefined("interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Interval))
		if err != nil {
			return pingConfig{}, fmt.Errorf("parse interval: %w", err)
		}
		cfg.Interval = d
	}
	if meta.IsDefined("connect_attempts") {
		cfg.ConnectAttempts = raw.ConnectAttempts
	}
	if meta.IsDefined("sign") {
		cfg.Sign = raw.Sign
	}
	if meta.IsDefined("verify") {
		cfg.Verify = raw.Verify
	}
	if meta.IsDefined("private_key") {
		cfg.PrivateKey = strings.TrimSpace(raw.PrivateKey)
	}
	if meta.IsDefined("peer_public_key") {
		cfg.PeerPublicKey = strings.TrimSpace(raw.PeerPublicKey)
	}
	if meta.IsDefined("session") {
		cfg.Transport = raw.Transport.WithDefaults()
	}

	return cfg, validatePingConfig(cfg)
}

func validatePingConfig(cfg pingConfig) error {
	if cfg.Source == 0 {
		return fmt.Errorf("source must be non-zero")
	}
	if cfg.Count < 0 {
		return fmt.Errorf("count must not be negative")
	}
	if cfg.ConnectAttempts < 1 {
		return fmt.Errorf("connect_attempts must be at least 1")
	}
	if cfg.Sign && cfg.PrivateKey == "" {
		return fmt.Errorf("sign requires private_key")
	}
	if cfg.Verify && cfg.PeerPublicKey == "" {
		return fmt.Errorf("verify requires peer_public_key")
	}
	if cfg.Listen != "" {
		return cfg.Transport.ValidateServerTransport()
	}
	return cfg.Transport.ValidateClientTransport()
}
