//go:build linux

package reactor

import (
	"fmt"
	"os"
	"os/signal"
	"sync"

	"golang.org/x/sys/unix"

	logs "github.com/danmuck/wanhub/internal/logging"
)

const signalBacklog = 16

// SignalWatcher delivers process signals on the reactor goroutine. The Go
// runtime owns signal handling, so signals arrive through os/signal and are
// forwarded over an eventfd.
type SignalWatcher struct {
	w       *Watcher
	buf     [8]byte
	sigs    chan os.Signal
	pending chan os.Signal
	done    chan struct{}

	mu     sync.RWMutex
	closed bool

	OnSignal func(s *SignalWatcher, sig os.Signal) bool
}

// NewSignalWatcher starts forwarding sigs. Close stops it.
func NewSignalWatcher(onSignal func(s *SignalWatcher, sig os.Signal) bool, sigs ...os.Signal) (*SignalWatcher, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: eventfd: %w", err)
	}
	s := &SignalWatcher{
		sigs:     make(chan os.Signal, signalBacklog),
		pending:  make(chan os.Signal, signalBacklog),
		done:     make(chan struct{}),
		OnSignal: onSignal,
	}
	s.w = NewWatcher(fd, KindSignal, s, false)
	signal.Notify(s.sigs, sigs...)
	go s.forward()
	return s, nil
}

func (s *SignalWatcher) Watcher() *Watcher { return s.w }

func (s *SignalWatcher) forward() {
	for {
		select {
		case <-s.done:
			return
		case sig := <-s.sigs:
			select {
			case s.pending <- sig:
			default:
				logs.Warnf("reactor.SignalWatcher dropped signal=%v backlog full", sig)
			}
			s.mu.RLock()
			if !s.closed {
				_ = writeEvent(s.w.fd, 1)
			}
			s.mu.RUnlock()
		}
	}
}

// Close stops signal delivery and releases the eventfd.
func (s *SignalWatcher) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	signal.Stop(s.sigs)
	close(s.done)
	return unix.Close(s.w.fd)
}

func (s *SignalWatcher) HandleRead(w *Watcher) bool {
	if _, ok := readEvent(w.fd, s.buf[:]); !ok {
		return false
	}
	for {
		select {
		case sig := <-s.pending:
			if s.OnSignal != nil && !s.OnSignal(s, sig) {
				return false
			}
		default:
			return true
		}
	}
}

func (s *SignalWatcher) HandleWrite(*Watcher) bool         { return true }
func (s *SignalWatcher) HandleError(*Watcher, Events) bool { return false }
func (s *SignalWatcher) Stopped(*Watcher)                  { _ = s.Close() }
