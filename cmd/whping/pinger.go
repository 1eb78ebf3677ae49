package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/danmuck/wanhub/internal/conn"
	"github.com/danmuck/wanhub/internal/endpoint"
	logs "github.com/danmuck/wanhub/internal/logging"
	"github.com/danmuck/wanhub/internal/pki"
	"github.com/danmuck/wanhub/internal/protocol"
	"github.com/danmuck/wanhub/internal/protocol/session"
)

type pinger struct {
	cfg pingConfig
	ep  *endpoint.Endpoint
	rng *rand.Rand

	sent, received, rejected int
}

func newPinger(cfg pingConfig) (*pinger, error) {
	c := conn.New(nil)
	if network, _ := conn.ParseTarget(cfg.Target); network == "tcp" {
		tlsCfg, err := cfg.Transport.ClientTLSConfig(cfg.Target)
		if err != nil {
			return nil, err
		}
		c.SetTLSConfig(tlsCfg)
	}
	c.SetHandshakeTimeout(cfg.Transport.HandshakeTimeout)

	ep := endpoint.New(c)
	ep.SetSource(cfg.Source)
	ep.SetSession(cfg.Session)

	var signer, verifier pki.KeyPair
	if cfg.PrivateKey != "" {
		kp, err := pki.LoadRSAKeyPair(cfg.PrivateKey, "")
		if err != nil {
			return nil, err
		}
		signer = kp
	}
	if cfg.PeerPublicKey != "" {
		kp, err := pki.LoadRSAKeyPair("", cfg.PeerPublicKey)
		if err != nil {
			return nil, err
		}
		verifier = kp
	}
	ep.UseKeys(signer, verifier)

	return &pinger{
		cfg: cfg,
		ep:  ep,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// connect dials the hub, backing off between failed attempts.
func (p *pinger) connect(ctx context.Context) error {
	var err error
	for attempt := 1; attempt <= p.cfg.ConnectAttempts; attempt++ {
		dialCtx, cancel := context.WithTimeout(ctx, p.cfg.Transport.ConnectTimeout)
		err = p.ep.Connect(dialCtx, p.cfg.Target, p.cfg.Transport.ReadTimeout)
		cancel()
		if err == nil {
			p.ep.Conn().SetTimeout(p.cfg.Transport.ReadTimeout, p.cfg.Transport.WriteTimeout)
			return nil
		}
		logs.Warnf("whping.pinger.connect target=%s attempt=%d err=%v", p.cfg.Target, attempt, err)
		if attempt == p.cfg.ConnectAttempts {
			break
		}
		if serr := session.SleepBackoff(ctx, p.cfg.Transport.Backoff, attempt, p.rng); serr != nil {
			return serr
		}
	}
	return fmt.Errorf("connect %s: %w", p.cfg.Target, err)
}

// once sends one ping and reports the round trip. A rejected ping is not an
// error.
func (p *pinger) once() (time.Duration, bool, error) {
	req := p.ep.NewRequest(p.cfg.Destination, protocol.CommandPing, 0)
	started := time.Now()
	if err := p.ep.Pack(req, "q", uint64(started.UnixNano())); err != nil {
		return 0, false, err
	}
	p.sent++
	ok, err := p.ep.ExecuteRequest(p.cfg.Sign, p.cfg.Verify)
	if err != nil {
		return 0, false, err
	}
	rtt := time.Since(started)
	if !ok || !p.ep.CheckCommand(protocol.CommandPong, req.Qualifier) {
		p.rejected++
		return rtt, false, nil
	}
	p.received++
	return rtt, true, nil
}

func ping(ctx context.Context, cfg pingConfig, out io.Writer) error {
	p, err := newPinger(cfg)
	if err != nil {
		return err
	}
	return p.run(ctx, out)
}

func (p *pinger) run(ctx context.Context, out io.Writer) error {
	if err := p.connect(ctx); err != nil {
		return err
	}
	defer p.ep.Disconnect()

	fmt.Fprintf(out, "PING %s from %d to %d\n", p.cfg.Target, p.cfg.Source, p.cfg.Destination)
	for i := 0; p.cfg.Count == 0 || i < p.cfg.Count; i++ {
		if i > 0 && p.cfg.Interval > 0 {
			select {
			case <-ctx.Done():
				p.summary(out)
				return nil
			case <-time.After(p.cfg.Interval):
			}
		} else if ctx.Err() != nil {
			break
		}
		rtt, ok, err := p.once()
		if err != nil {
			p.summary(out)
			return err
		}
		h := p.ep.Header()
		if ok {
			fmt.Fprintf(out, "pong from=%d seq=%d rtt=%s\n", h.Source, h.Sequence, rtt)
		} else {
			fmt.Fprintf(out, "rejected from=%d seq=%d cmd=%d status=%d\n", h.Source, h.Sequence, h.Command, h.Status)
		}
	}
	p.summary(out)
	return nil
}

func (p *pinger) summary(out io.Writer) {
	fmt.Fprintf(out, "%d sent, %d received, %d rejected\n", p.sent, p.received, p.rejected)
}
