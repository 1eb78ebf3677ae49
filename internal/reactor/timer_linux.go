//go:build linux

package reactor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Timer is a timerfd watcher. OnExpire receives the number of expirations
// since the last read.
type Timer struct {
	w          *Watcher
	expiration time.Duration
	interval   time.Duration
	buf        [8]byte

	OnExpire func(t *Timer, count uint64) bool
}

// NewTimer creates a disarmed monotonic timer.
func NewTimer(onExpire func(t *Timer, count uint64) bool) (*Timer, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: timerfd create: %w", err)
	}
	t := &Timer{OnExpire: onExpire}
	t.w = NewWatcher(fd, KindTimer, t, true)
	return t, nil
}

func (t *Timer) Watcher() *Watcher { return t.w }

// Arm sets the first expiration and the repeat interval. Zero expiration
// disarms; zero interval fires once.
func (t *Timer) Arm(expiration, interval time.Duration) error {
	spec := unix.ItimerSpec{
		Value:    unix.NsecToTimespec(int64(expiration)),
		Interval: unix.NsecToTimespec(int64(interval)),
	}
	if err := unix.TimerfdSettime(t.w.fd, 0, &spec, nil); err != nil {
		return fmt.Errorf("reactor: timerfd settime: %w", err)
	}
	t.expiration = expiration
	t.interval = interval
	return nil
}

// Settings returns the values last passed to Arm.
func (t *Timer) Settings() (expiration, interval time.Duration) {
	return t.expiration, t.interval
}

func (t *Timer) HandleRead(w *Watcher) bool {
	for {
		n, err := unix.Read(w.fd, t.buf[:])
		if errors.Is(err, unix.EAGAIN) {
			return true
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil || n != len(t.buf) {
			return false
		}
		count := binary.NativeEndian.Uint64(t.buf[:])
		if t.OnExpire != nil && !t.OnExpire(t, count) {
			return false
		}
	}
}

func (t *Timer) HandleWrite(*Watcher) bool         { return true }
func (t *Timer) HandleError(*Watcher, Events) bool { return false }
