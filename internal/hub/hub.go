// Package hub serves the wire protocol on a reactor: it accepts peers,
// answers pings and rejects everything it does not route.
package hub

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danmuck/wanhub/internal/auth"
	"github.com/danmuck/wanhub/internal/pki"
	"github.com/danmuck/wanhub/internal/reactor"
)

const (
	DefaultBacklog        = 128
	DefaultMaxConnections = 1024
	// frames queued towards one peer before it is dropped as a slow reader
	DefaultOutboundLimit = 64
)

var ErrInvalidOptions = errors.New("hub: invalid options")

// Options configures one hub. Zero values fall back to defaults where a
// default exists.
type Options struct {
	Name           string
	UID            uint64
	Listen         string
	Backlog        int
	MaxConnections int
	MaxEvents      int
	OutboundLimit  int
	StatsInterval  time.Duration

	// AcceptTokens connections per AcceptInterval per remote IP; zero
	// disables the limit.
	AcceptTokens   uint64
	AcceptInterval time.Duration

	// KeyPair signs replies when SignReplies is set. PeerKey verifies
	// every inbound frame when present.
	KeyPair     pki.KeyPair
	PeerKey     pki.KeyPair
	SignReplies bool

	// With WatchKeys the key files are reloaded into KeyPair whenever they
	// are rewritten.
	PrivateKeyPath string
	PublicKeyPath  string
	WatchKeys      bool

	// Signals stop the loop when delivered.
	Signals []os.Signal
}

func (o Options) withDefaults() Options {
	if strings.TrimSpace(o.Name) == "" {
		o.Name = "wanhub"
	}
	if o.Backlog <= 0 {
		o.Backlog = DefaultBacklog
	}
	if o.MaxConnections <= 0 {
		o.MaxConnections = DefaultMaxConnections
	}
	if o.MaxEvents <= 0 {
		o.MaxEvents = reactor.DefaultMaxEvents
	}
	if o.OutboundLimit <= 0 {
		o.OutboundLimit = DefaultOutboundLimit
	}
	if o.AcceptTokens > 0 && o.AcceptInterval <= 0 {
		o.AcceptInterval = time.Second
	}
	return o
}

func (o Options) validate() error {
	if o.UID == 0 {
		return fmt.Errorf("%w: uid must be non-zero", ErrInvalidOptions)
	}
	if strings.TrimSpace(o.Listen) == "" {
		return fmt.Errorf("%w: missing listen address", ErrInvalidOptions)
	}
	if o.SignReplies && (o.KeyPair == nil || !o.KeyPair.HasPrivate()) {
		return fmt.Errorf("%w: signing replies needs a private key", ErrInvalidOptions)
	}
	if err := auth.CheckKeyPair(o.KeyPair); err != nil {
		return fmt.Errorf("%w: hub key: %w", ErrInvalidOptions, err)
	}
	if err := auth.CheckKeyPair(o.PeerKey); err != nil {
		return fmt.Errorf("%w: peer key: %w", ErrInvalidOptions, err)
	}
	if o.WatchKeys && strings.TrimSpace(o.PrivateKeyPath) == "" && strings.TrimSpace(o.PublicKeyPath) == "" {
		return fmt.Errorf("%w: watching keys needs a key path", ErrInvalidOptions)
	}
	return nil
}

// Status is a point-in-time view of a hub, safe to read from any goroutine.
type Status struct {
	Name           string    `json:"name"`
	UID            uint64    `json:"uid"`
	Listen         string    `json:"listen"`
	Reactor        string    `json:"reactor"`
	StartedAt      time.Time `json:"started_at"`
	Connections    int64     `json:"connections"`
	Accepted       uint64    `json:"accepted"`
	Refused        uint64    `json:"refused"`
	FramesIn       uint64    `json:"frames_in"`
	FramesOut      uint64    `json:"frames_out"`
	Faults         uint64    `json:"faults"`
	KeyReloads     uint64    `json:"key_reloads"`
	KeyFingerprint string    `json:"key_fingerprint,omitempty"`
}

func fingerprint(kp pki.KeyPair) string {
	if kp == nil {
		return ""
	}
	if f, ok := kp.(interface{ Fingerprint() string }); ok {
		return f.Fingerprint()
	}
	return ""
}
