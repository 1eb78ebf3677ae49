package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/danmuck/wanhub/internal/conn"
	"github.com/danmuck/wanhub/internal/endpoint"
	logs "github.com/danmuck/wanhub/internal/logging"
)

// responder answers pings on every accepted connection. It stands in for a
// hub when checking a client's transport settings.
type responder struct {
	cfg       pingConfig
	tlsConfig *tls.Config

	answered atomic.Int64
}

func newResponder(cfg pingConfig) (*responder, error) {
	if err := cfg.Transport.ValidateServerTransport(); err != nil {
		return nil, err
	}
	r := &responder{cfg: cfg}
	if network, _ := conn.ParseTarget(cfg.Listen); network == "tcp" {
		tlsCfg, err := cfg.Transport.ServerTLSConfig()
		if err != nil {
			return nil, err
		}
		r.tlsConfig = tlsCfg
	}
	return r, nil
}

func (r *responder) listen() (net.Listener, error) {
	network, addr := conn.ParseTarget(r.cfg.Listen)
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", r.cfg.Listen, err)
	}
	return ln, nil
}

// serve accepts until ctx ends, then closes every open connection and waits
// for them to finish.
func (r *responder) serve(ctx context.Context, ln net.Listener, out io.Writer) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	secure := "plain"
	if r.tlsConfig != nil {
		secure = "tls"
	}
	fmt.Fprintf(out, "LISTEN %s %s\n", ln.Addr(), secure)

	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		fmt.Fprintf(out, "%d answered\n", r.answered.Load())
	}()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.answer(ctx, nc)
		}()
	}
}

// answer sends pongs on nc until the peer goes away or ctx ends.
func (r *responder) answer(ctx context.Context, nc net.Conn) {
	remote := nc.RemoteAddr().String()
	stop := context.AfterFunc(ctx, func() { _ = nc.Close() })
	defer stop()

	ep := endpoint.New(nil)
	c := ep.Conn()
	c.SetHandshakeTimeout(r.cfg.Transport.HandshakeTimeout)
	var err error
	if r.tlsConfig != nil {
		err = c.SetSecureSocket(tls.Server(nc, r.tlsConfig))
	} else {
		err = c.SetSocket(nc)
	}
	if err != nil {
		_ = nc.Close()
		logs.Warnf("whping.responder.answer remote=%s err=%v", remote, err)
		return
	}
	defer ep.Disconnect()
	c.SetTimeout(r.cfg.Transport.ReadTimeout, r.cfg.Transport.WriteTimeout)

	pongs := 0
	for {
		if err = ep.SendPong(); err != nil {
			break
		}
		pongs++
		r.answered.Add(1)
	}
	logs.Debugf("whping.responder.answer remote=%s pongs=%d err=%v", remote, pongs, err)
}

func respond(ctx context.Context, cfg pingConfig, out io.Writer) error {
	r, err := newResponder(cfg)
	if err != nil {
		return err
	}
	ln, err := r.listen()
	if err != nil {
		return err
	}
	return r.serve(ctx, ln, out)
}
