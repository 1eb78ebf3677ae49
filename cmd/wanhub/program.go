package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/kardianos/service"

	"github.com/danmuck/wanhub/internal/auth"
	"github.com/danmuck/wanhub/internal/config"
	"github.com/danmuck/wanhub/internal/hub"
	logs "github.com/danmuck/wanhub/internal/logging"
	"github.com/danmuck/wanhub/internal/observability"
)

const adminShutdownTimeout = 5 * time.Second

// program runs one hub plus its admin HTTP server. In service mode the
// service manager drives Start and Stop; in the foreground the hub's own
// signal watcher ends the loop.
type program struct {
	cfg        config.HubConfig
	foreground bool

	// set by Start
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan error
}

func newProgram(cfg config.HubConfig) *program {
	return &program{cfg: cfg}
}

func (p *program) Start(service.Service) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan error, 1)
	go func() { p.done <- p.serve(ctx) }()
	return nil
}

func (p *program) Stop(service.Service) error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done == nil {
		return nil
	}
	return <-done
}

func (p *program) serve(ctx context.Context) error {
	opts, err := config.HubOptions(p.cfg)
	if err != nil {
		return err
	}
	if p.foreground {
		opts.Signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	h, err := hub.New(opts)
	if err != nil {
		return err
	}
	defer h.Close()

	admin := p.startAdmin(h)
	err = h.Serve(ctx)
	if admin != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), adminShutdownTimeout)
		if serr := admin.Shutdown(shutdownCtx); serr != nil {
			logs.Warnf("wanhub.program.serve admin shutdown err=%v", serr)
		}
		stop()
	}
	return err
}

// adminValidator checks /status tokens against admin.token_file when one is
// configured. Nil leaves the static admin.token in charge.
func adminValidator(cfg config.AdminConfig) auth.Validator {
	path := strings.TrimSpace(cfg.TokenFile)
	if path == "" {
		return nil
	}
	return auth.FileToken(path)
}

func (p *program) startAdmin(h *hub.Hub) *http.Server {
	addr := strings.TrimSpace(p.cfg.Admin.Addr)
	if addr == "" {
		return nil
	}
	router := observability.NewAdminRouter(observability.AdminConfig{
		Node:        p.cfg.Name,
		Token:       p.cfg.Admin.Token,
		Validator:   adminValidator(p.cfg.Admin),
		CORSOrigins: p.cfg.Admin.CorsOrigins,
		Status:      func() any { return h.Status() },
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logs.Infof("wanhub.program.admin listen=%s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logs.Errf("wanhub.program.admin listen=%s err=%v", addr, err)
			h.Stop()
		}
	}()
	return srv
}
