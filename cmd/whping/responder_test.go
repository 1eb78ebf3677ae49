package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/danmuck/wanhub/internal/protocol/session"
	"github.com/danmuck/wanhub/internal/testutil/testlog"
	"github.com/danmuck/wanhub/internal/testutil/tlstest"
)

// startResponder serves cfg until cleanup and returns the bound address.
func startResponder(t *testing.T, cfg pingConfig) (*responder, string) {
	t.Helper()
	r, err := newResponder(cfg)
	if err != nil {
		t.Fatalf("new responder: %v", err)
	}
	ln, err := r.listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.serve(ctx, ln, io.Discard) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("serve: %v", err)
		}
	})
	return r, ln.Addr().String()
}

func TestPingerOverMutualTLS(t *testing.T) {
	testlog.Start(t)
	ca := tlstest.NewAuthority(t, "whping-test-ca")
	caFile := ca.CAFile(t)
	serverCert, serverKey := ca.Files(t, ca.Issue(t, "responder", "127.0.0.1"))
	clientCert, clientKey := ca.Files(t, ca.Issue(t, "pinger"))

	srvCfg := testConfig("")
	srvCfg.Listen = "127.0.0.1:0"
	srvCfg.Transport.SecurityMode = session.SecurityModeProduction
	srvCfg.Transport.TLS = session.TLSConfig{Enabled: true, Mutual: true, CertFile: serverCert, KeyFile: serverKey, CAFile: caFile}
	if err := validatePingConfig(srvCfg); err != nil {
		t.Fatalf("responder config: %v", err)
	}
	r, addr := startResponder(t, srvCfg)
	if r.tlsConfig == nil {
		t.Fatalf("responder did not enable tls")
	}

	cliCfg := testConfig(addr)
	cliCfg.Count = 2
	cliCfg.Transport.SecurityMode = session.SecurityModeProduction
	cliCfg.Transport.TLS = session.TLSConfig{Enabled: true, Mutual: true, CertFile: clientCert, KeyFile: clientKey, CAFile: caFile}
	var out bytes.Buffer
	if err := ping(context.Background(), cliCfg, &out); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if !strings.Contains(out.String(), "2 sent, 2 received, 0 rejected") {
		t.Fatalf("unexpected summary:\n%s", out.String())
	}
}

func TestPingerWithoutClientCertIsRefused(t *testing.T) {
	testlog.Start(t)
	ca := tlstest.NewAuthority(t, "whping-test-ca")
	caFile := ca.CAFile(t)
	serverCert, serverKey := ca.Files(t, ca.Issue(t, "responder", "127.0.0.1"))

	srvCfg := testConfig("")
	srvCfg.Listen = "127.0.0.1:0"
	srvCfg.Transport.TLS = session.TLSConfig{Enabled: true, Mutual: true, CertFile: serverCert, KeyFile: serverKey, CAFile: caFile}
	_, addr := startResponder(t, srvCfg)

	cliCfg := testConfig(addr)
	cliCfg.Count = 1
	cliCfg.ConnectAttempts = 1
	cliCfg.Transport.TLS = session.TLSConfig{Enabled: true, CAFile: caFile}
	if err := ping(context.Background(), cliCfg, io.Discard); err == nil {
		t.Fatalf("expected the responder to refuse a client without a certificate")
	}
}

func TestNewResponderValidatesServerTransport(t *testing.T) {
	cases := map[string]struct {
		tls  session.TLSConfig
		mode session.SecurityMode
		want error
	}{
		"production needs tls": {mode: session.SecurityModeProduction, want: session.ErrTLSRequired},
		"production needs mtls": {
			mode: session.SecurityModeProduction,
			tls:  session.TLSConfig{Enabled: true, CertFile: "c", KeyFile: "k"},
			want: session.ErrMTLSRequired,
		},
		"tls needs cert": {tls: session.TLSConfig{Enabled: true, KeyFile: "k"}, want: session.ErrTLSCertFileRequired},
		"mtls needs ca":  {tls: session.TLSConfig{Enabled: true, Mutual: true, CertFile: "c", KeyFile: "k"}, want: session.ErrTLSCAFileRequired},
		"mtls needs tls": {tls: session.TLSConfig{Mutual: true}, want: session.ErrTLSRequired},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig("")
			cfg.Listen = "127.0.0.1:0"
			cfg.Transport.SecurityMode = tc.mode
			cfg.Transport.TLS = tc.tls
			if _, err := newResponder(cfg); !errors.Is(err, tc.want) {
				t.Fatalf("err=%v want %v", err, tc.want)
			}
			if err := validatePingConfig(cfg); !errors.Is(err, tc.want) {
				t.Fatalf("config err=%v want %v", err, tc.want)
			}
		})
	}
}

func TestResponderServesUnixWithoutTLS(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig("")
	cfg.Listen = "unix:" + t.TempDir() + "/whping.sock"
	cfg.Transport.TLS = session.TLSConfig{Enabled: true, CertFile: "unused", KeyFile: "unused"}
	r, _ := startResponder(t, cfg)
	if r.tlsConfig != nil {
		t.Fatalf("unix listener should not serve tls")
	}

	cliCfg := testConfig(cfg.Listen)
	cliCfg.Count = 1
	var out bytes.Buffer
	if err := ping(context.Background(), cliCfg, &out); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if !strings.Contains(out.String(), "1 sent, 1 received") {
		t.Fatalf("unexpected summary:\n%s", out.String())
	}
}
