//go:build linux

package hub

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-limiter"
	"github.com/sethvargo/go-limiter/memorystore"
	"golang.org/x/sys/unix"

	"github.com/danmuck/wanhub/internal/auth"
	logs "github.com/danmuck/wanhub/internal/logging"
	"github.com/danmuck/wanhub/internal/observability"
	"github.com/danmuck/wanhub/internal/pki"
	"github.com/danmuck/wanhub/internal/reactor"
)

const keyEvents = unix.IN_CLOSE_WRITE | unix.IN_MOVED_TO | unix.IN_CREATE

// Hub owns a reactor, its listening socket and one watcher per peer. Stop,
// Status and Addr are safe from any goroutine; the rest belongs to the
// goroutine running Serve.
type Hub struct {
	opts     Options
	reactor  *reactor.Reactor
	listener *reactor.Watcher
	unixPath string
	addr     string

	peers   map[int]*peer
	limiter limiter.Store
	keys    pki.KeyPair

	timer   *reactor.Timer
	wake    *reactor.Notifier
	signals *reactor.SignalWatcher
	files   *reactor.Inotifier

	stopping atomic.Bool
	started  time.Time

	connections atomic.Int64
	accepted    atomic.Uint64
	refused     atomic.Uint64
	framesIn    atomic.Uint64
	framesOut   atomic.Uint64
	faults      atomic.Uint64
	keyReloads  atomic.Uint64

	mu          sync.Mutex
	fingerprint string
}

// New binds the listening socket and lists every hub watcher on a fresh
// reactor. Nothing runs until Serve.
func New(opts Options) (*Hub, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	r, err := reactor.New(opts.MaxEvents)
	if err != nil {
		return nil, err
	}
	h := &Hub{
		opts:        opts,
		reactor:     r,
		peers:       make(map[int]*peer),
		keys:        opts.KeyPair,
		started:     time.Now(),
		fingerprint: fingerprint(opts.KeyPair),
	}
	if err := h.setup(); err != nil {
		_ = h.Close()
		return nil, err
	}
	logs.Infof("hub.New name=%s uid=%d listen=%s reactor=%s", opts.Name, opts.UID, h.addr, r.Name())
	return h, nil
}

func (h *Hub) setup() error {
	fd, path, err := listen(h.opts.Listen, h.opts.Backlog)
	if err != nil {
		return err
	}
	h.unixPath = path
	h.listener = reactor.NewWatcher(fd, reactor.KindListener, reactor.Funcs{
		Read: h.accept,
		Error: func(w *reactor.Watcher, ev reactor.Events) bool {
			logs.Errf("hub.Hub.listener name=%s events=%#x", h.opts.Name, uint32(ev))
			h.reactor.Stop()
			return false
		},
	}, true)
	if err := h.reactor.Add(h.listener, reactor.Read); err != nil {
		_ = unix.Close(fd)
		h.listener = nil
		return err
	}
	if sa, err := unix.Getsockname(fd); err == nil {
		h.addr, _ = sockaddrString(sa)
	} else {
		h.addr = h.opts.Listen
	}

	if h.opts.AcceptTokens > 0 {
		store, err := memorystore.New(&memorystore.Config{
			Tokens:   h.opts.AcceptTokens,
			Interval: h.opts.AcceptInterval,
		})
		if err != nil {
			return fmt.Errorf("hub: accept limiter: %w", err)
		}
		h.limiter = store
	}

	if h.wake, err = reactor.NewNotifier(h.onWake); err != nil {
		return err
	}
	if err := h.reactor.Add(h.wake.Watcher(), reactor.Read); err != nil {
		_ = h.wake.Close()
		return err
	}

	if h.opts.StatsInterval > 0 {
		if h.timer, err = reactor.NewTimer(h.onStats); err != nil {
			return err
		}
		if err := h.timer.Arm(h.opts.StatsInterval, h.opts.StatsInterval); err != nil {
			_ = unix.Close(h.timer.Watcher().Fd())
			return err
		}
		if err := h.reactor.Add(h.timer.Watcher(), reactor.Read); err != nil {
			_ = unix.Close(h.timer.Watcher().Fd())
			return err
		}
	}

	if len(h.opts.Signals) > 0 {
		if h.signals, err = reactor.NewSignalWatcher(h.onSignal, h.opts.Signals...); err != nil {
			return err
		}
		if err := h.reactor.Add(h.signals.Watcher(), reactor.Read); err != nil {
			_ = h.signals.Close()
			return err
		}
	}

	if h.opts.WatchKeys {
		if h.files, err = reactor.NewInotifier(h.onKeyFile); err != nil {
			return err
		}
		if err := h.reactor.Add(h.files.Watcher(), reactor.Read); err != nil {
			_ = unix.Close(h.files.Watcher().Fd())
			return err
		}
		for _, dir := range h.keyDirs() {
			if _, err := h.files.AddWatch(dir, keyEvents); err != nil {
				return err
			}
		}
	}
	return nil
}

// Serve runs the loop until Stop, a configured signal, or ctx is done.
func (h *Hub) Serve(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	release := context.AfterFunc(ctx, h.Stop)
	defer release()
	logs.Infof("hub.Hub.Serve name=%s listen=%s", h.opts.Name, h.addr)
	err := h.reactor.Loop(-1)
	logs.Infof("hub.Hub.Serve name=%s stopped peers=%d", h.opts.Name, len(h.peers))
	return err
}

// Stop asks a running Serve to return. It is safe from any goroutine.
func (h *Hub) Stop() {
	h.stopping.Store(true)
	if h.wake != nil {
		if err := h.wake.Notify(); err != nil && !errors.Is(err, reactor.ErrClosed) {
			logs.Warnf("hub.Hub.Stop name=%s err=%v", h.opts.Name, err)
		}
	}
}

// Close retires every watcher, closing peer and listener sockets. Call it
// after Serve has returned.
func (h *Hub) Close() error {
	err := h.reactor.Close()
	if h.limiter != nil {
		_ = h.limiter.Close(context.Background())
	}
	if h.unixPath != "" {
		_ = os.Remove(h.unixPath)
		h.unixPath = ""
	}
	return err
}

// Addr is the bound listen address, with the kernel-chosen port for ":0".
func (h *Hub) Addr() string { return h.addr }

func (h *Hub) Status() Status {
	h.mu.Lock()
	fp := h.fingerprint
	h.mu.Unlock()
	return Status{
		Name:           h.opts.Name,
		UID:            h.opts.UID,
		Listen:         h.addr,
		Reactor:        h.reactor.Name(),
		StartedAt:      h.started,
		Connections:    h.connections.Load(),
		Accepted:       h.accepted.Load(),
		Refused:        h.refused.Load(),
		FramesIn:       h.framesIn.Load(),
		FramesOut:      h.framesOut.Load(),
		Faults:         h.faults.Load(),
		KeyReloads:     h.keyReloads.Load(),
		KeyFingerprint: fp,
	}
}

func (h *Hub) accept(w *reactor.Watcher) bool {
	for {
		fd, sa, err := unix.Accept4(w.Fd(), unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch {
		case err == nil:
		case errors.Is(err, unix.EAGAIN):
			return true
		case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
			continue
		case errors.Is(err, unix.EMFILE), errors.Is(err, unix.ENFILE), errors.Is(err, unix.ENOBUFS), errors.Is(err, unix.ENOMEM):
			// keep listening; the backlog drains once descriptors free up
			logs.Warnf("hub.Hub.accept name=%s err=%v", h.opts.Name, err)
			observability.RecordAccept(h.opts.Name, "error")
			return true
		default:
			logs.Errf("hub.Hub.accept name=%s err=%v", h.opts.Name, err)
			observability.RecordAccept(h.opts.Name, "error")
			return false
		}
		h.admit(fd, sa)
	}
}

func (h *Hub) admit(fd int, sa unix.Sockaddr) {
	remote, ip := sockaddrString(sa)
	if len(h.peers) >= h.opts.MaxConnections {
		h.refuse(fd, remote, "capacity")
		return
	}
	if h.limiter != nil && ip != "" {
		_, _, _, ok, err := h.limiter.Take(context.Background(), ip)
		if err != nil || !ok {
			h.refuse(fd, remote, "throttled")
			return
		}
	}
	if ip != "" {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	}
	p := newPeer(h, remote)
	p.w = reactor.NewWatcher(fd, reactor.KindSocket, p, true)
	if err := h.reactor.Add(p.w, reactor.Read); err != nil {
		logs.Warnf("hub.Hub.admit name=%s remote=%s err=%v", h.opts.Name, remote, err)
		_ = unix.Close(fd)
		observability.RecordAccept(h.opts.Name, "error")
		return
	}
	h.peers[fd] = p
	h.accepted.Add(1)
	h.connections.Store(int64(len(h.peers)))
	observability.RecordAccept(h.opts.Name, "accepted")
	observability.SetHubConnections(h.opts.Name, len(h.peers))
	logs.Debugf("hub.Hub.admit name=%s remote=%s fd=%d peers=%d", h.opts.Name, remote, fd, len(h.peers))
}

func (h *Hub) refuse(fd int, remote, reason string) {
	_ = unix.Close(fd)
	h.refused.Add(1)
	observability.RecordAccept(h.opts.Name, reason)
	logs.Debugf("hub.Hub.refuse name=%s remote=%s reason=%s", h.opts.Name, remote, reason)
}

func (h *Hub) forget(p *peer) {
	if h.peers[p.w.Fd()] != p {
		return
	}
	delete(h.peers, p.w.Fd())
	h.connections.Store(int64(len(h.peers)))
	observability.SetHubConnections(h.opts.Name, len(h.peers))
}

func (h *Hub) onWake(_ *reactor.Notifier, _ uint64) bool {
	if h.stopping.Load() {
		h.reactor.Stop()
	}
	return true
}

func (h *Hub) onStats(_ *reactor.Timer, _ uint64) bool {
	observability.SetHubConnections(h.opts.Name, len(h.peers))
	logs.Infof("hub.Hub.stats name=%s peers=%d accepted=%d refused=%d in=%d out=%d faults=%d",
		h.opts.Name, len(h.peers), h.accepted.Load(), h.refused.Load(),
		h.framesIn.Load(), h.framesOut.Load(), h.faults.Load())
	return true
}

func (h *Hub) onSignal(_ *reactor.SignalWatcher, sig os.Signal) bool {
	logs.Infof("hub.Hub.signal name=%s signal=%s", h.opts.Name, sig)
	h.reactor.Stop()
	return true
}

func (h *Hub) keyDirs() []string {
	seen := make(map[string]bool, 2)
	var dirs []string
	for _, path := range []string{h.opts.PrivateKeyPath, h.opts.PublicKeyPath} {
		if path == "" {
			continue
		}
		dir := filepath.Dir(path)
		if !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}
	return dirs
}

// onKeyFile reloads the key pair when either key file is rewritten. A failed
// reload keeps the current keys.
func (h *Hub) onKeyFile(_ *reactor.Inotifier, ev reactor.InotifyEvent) bool {
	if ev.Mask&unix.IN_IGNORED != 0 {
		return false
	}
	changed := filepath.Join(ev.Path, ev.Name)
	if changed != filepath.Clean(h.opts.PrivateKeyPath) && changed != filepath.Clean(h.opts.PublicKeyPath) {
		return true
	}
	kp, err := pki.LoadRSAKeyPair(h.opts.PrivateKeyPath, h.opts.PublicKeyPath)
	if err != nil {
		logs.Warnf("hub.Hub.reloadKeys name=%s file=%s err=%v", h.opts.Name, changed, err)
		return true
	}
	if h.opts.SignReplies && !kp.HasPrivate() {
		logs.Warnf("hub.Hub.reloadKeys name=%s file=%s err=%v", h.opts.Name, changed, pki.ErrNoPrivateKey)
		return true
	}
	if err := auth.CheckKeyPair(kp); err != nil {
		logs.Warnf("hub.Hub.reloadKeys name=%s file=%s err=%v", h.opts.Name, changed, err)
		return true
	}
	h.keys = kp
	h.keyReloads.Add(1)
	h.mu.Lock()
	h.fingerprint = kp.Fingerprint()
	h.mu.Unlock()
	logs.Infof("hub.Hub.reloadKeys name=%s file=%s fingerprint=%s", h.opts.Name, changed, kp.Fingerprint())
	return true
}
