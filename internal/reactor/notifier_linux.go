//go:build linux

package reactor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Notifier is an eventfd watcher. Notify may be called from any goroutine;
// everything else belongs to the reactor's goroutine. OnNotify receives the
// number of Notify calls folded into one wakeup.
type Notifier struct {
	w   *Watcher
	buf [8]byte

	// guards fd against Notify racing Close
	mu     sync.RWMutex
	closed bool

	OnNotify func(n *Notifier, count uint64) bool
}

func NewNotifier(onNotify func(n *Notifier, count uint64) bool) (*Notifier, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: eventfd: %w", err)
	}
	n := &Notifier{OnNotify: onNotify}
	n.w = NewWatcher(fd, KindEvent, n, false)
	return n, nil
}

func (n *Notifier) Watcher() *Watcher { return n.w }

// Notify wakes the reactor. It is a no-op after Close.
func (n *Notifier) Notify() error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return ErrClosed
	}
	return writeEvent(n.w.fd, 1)
}

// Close releases the eventfd. Retirement calls it automatically.
func (n *Notifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	return unix.Close(n.w.fd)
}

func (n *Notifier) HandleRead(w *Watcher) bool {
	count, ok := readEvent(w.fd, n.buf[:])
	if !ok {
		return false
	}
	if count == 0 || n.OnNotify == nil {
		return true
	}
	return n.OnNotify(n, count)
}

func (n *Notifier) HandleWrite(*Watcher) bool         { return true }
func (n *Notifier) HandleError(*Watcher, Events) bool { return false }
func (n *Notifier) Stopped(*Watcher)                  { _ = n.Close() }

func writeEvent(fd int, v uint64) error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], v)
	for {
		_, err := unix.Write(fd, buf[:])
		if errors.Is(err, unix.EINTR) {
			continue
		}
		// EAGAIN means the counter is saturated and a wakeup is already
		// pending.
		if err != nil && !errors.Is(err, unix.EAGAIN) {
			return fmt.Errorf("reactor: eventfd write: %w", err)
		}
		return nil
	}
}

// readEvent drains an eventfd counter. ok is false on a hard read error.
func readEvent(fd int, buf []byte) (uint64, bool) {
	for {
		n, err := unix.Read(fd, buf[:8])
		if errors.Is(err, unix.EAGAIN) {
			return 0, true
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil || n != 8 {
			return 0, false
		}
		return binary.NativeEndian.Uint64(buf[:8]), true
	}
}
