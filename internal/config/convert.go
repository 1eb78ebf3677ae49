package config

import (
	"strings"
	"time"

	"github.com/danmuck/wanhub/internal/hub"
	"github.com/danmuck/wanhub/internal/pki"
)

// HubOptions resolves durations and key material into hub options.
func HubOptions(cfg HubConfig) (hub.Options, error) {
	stats, err := parseDuration("stats_interval", cfg.StatsInterval)
	if err != nil {
		return hub.Options{}, err
	}
	opts := hub.Options{
		Name:           cfg.Name,
		UID:            cfg.UID,
		Listen:         cfg.Listen,
		Backlog:        cfg.Backlog,
		MaxConnections: cfg.MaxConnections,
		MaxEvents:      cfg.MaxEvents,
		StatsInterval:  stats,
		SignReplies:    cfg.Keys.SignReplies,
	}
	if cfg.AcceptRate.Tokens > 0 {
		interval, err := parseDuration("accept_rate.interval", cfg.AcceptRate.Interval)
		if err != nil {
			return hub.Options{}, err
		}
		if interval <= 0 {
			interval = time.Second
		}
		opts.AcceptTokens = cfg.AcceptRate.Tokens
		opts.AcceptInterval = interval
	}
	if strings.TrimSpace(cfg.Keys.PrivateKey) != "" || strings.TrimSpace(cfg.Keys.PublicKey) != "" {
		kp, err := pki.LoadRSAKeyPair(cfg.Keys.PrivateKey, cfg.Keys.PublicKey)
		if err != nil {
			return hub.Options{}, err
		}
		opts.KeyPair = kp
		opts.PrivateKeyPath = strings.TrimSpace(cfg.Keys.PrivateKey)
		opts.PublicKeyPath = strings.TrimSpace(cfg.Keys.PublicKey)
		opts.WatchKeys = cfg.Keys.Watch
	}
	if strings.TrimSpace(cfg.Keys.PeerPublicKey) != "" {
		peer, err := pki.LoadRSAKeyPair("", cfg.Keys.PeerPublicKey)
		if err != nil {
			return hub.Options{}, err
		}
		opts.PeerKey = peer
	}
	return opts, nil
}
