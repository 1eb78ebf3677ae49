//go:build linux

package reactor

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/danmuck/wanhub/internal/testutil/testlog"
)

func newReactor(t *testing.T) *Reactor {
	t.Helper()
	r, err := New(16)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// socketPair returns a connected non-blocking pair; both ends are closed at
// cleanup unless already closed.
func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func drainFd(fd int) {
	buf := make([]byte, 256)
	for {
		if n, err := unix.Read(fd, buf); n <= 0 || err != nil {
			return
		}
	}
}

func runUntil(t *testing.T, r *Reactor, done func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !done() {
		require.True(t, time.Now().Before(deadline), "condition not reached")
		_, err := r.Run(100)
		require.NoError(t, err)
	}
}

func TestRegistrationRules(t *testing.T) {
	testlog.Start(t)
	r := newReactor(t)
	other := newReactor(t)
	a, _ := socketPair(t)

	w := NewWatcher(a, KindSocket, Funcs{}, false)
	require.NoError(t, r.Add(w, Read))
	require.True(t, w.Listed())
	require.Same(t, r, w.Reactor())
	require.Equal(t, 1, r.Len())

	require.ErrorIs(t, r.Add(w, Read), ErrAlreadyListed)
	require.ErrorIs(t, other.Add(w, Read), ErrAlreadyListed)
	require.ErrorIs(t, other.Remove(w), ErrNotListed)
	require.ErrorIs(t, other.Modify(w, Write), ErrNotListed)

	require.NoError(t, r.Modify(w, Read|Write))
	require.Equal(t, Read|Write, w.Interest())

	require.NoError(t, r.Remove(w))
	require.False(t, w.Listed())
	require.ErrorIs(t, r.Remove(w), ErrNotListed)
	require.ErrorIs(t, r.Remove(w), ErrRegistration)

	require.NoError(t, r.Add(w, Read), "re-add after remove")
	require.NoError(t, r.Remove(w))
}

func TestAddInvalidHandle(t *testing.T) {
	testlog.Start(t)
	r := newReactor(t)
	require.ErrorIs(t, r.Add(NewWatcher(-1, KindSocket, Funcs{}, false), Read), ErrInvalidHandle)
	require.ErrorIs(t, r.Add(nil, Read), ErrInvalidHandle)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.Close(fds[0]))
	require.NoError(t, unix.Close(fds[1]))
	require.ErrorIs(t, r.Add(NewWatcher(fds[0], KindSocket, Funcs{}, false), Read), ErrInvalidHandle)
	require.Equal(t, 0, r.Len())
}

func TestRunPollsWithoutEvents(t *testing.T) {
	testlog.Start(t)
	r := newReactor(t)
	n, err := r.Run(0)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestSelfRemovalInsideCallback(t *testing.T) {
	testlog.Start(t)
	r := newReactor(t)
	a, b := socketPair(t)

	calls := 0
	w := NewWatcher(a, KindSocket, Funcs{Read: func(w *Watcher) bool {
		calls++
		drainFd(w.Fd())
		require.NoError(t, w.Reactor().Remove(w))
		return true
	}}, false)
	require.NoError(t, r.Add(w, Read))

	_, err := unix.Write(b, []byte("x"))
	require.NoError(t, err)
	runUntil(t, r, func() bool { return calls > 0 })
	require.Equal(t, 0, r.Len())

	_, err = unix.Write(b, []byte("y"))
	require.NoError(t, err)
	_, err = r.Run(50)
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestRemoveOtherWatcherInSamePass(t *testing.T) {
	testlog.Start(t)
	r := newReactor(t)
	a, peerA := socketPair(t)
	b, peerB := socketPair(t)

	calls := 0
	var wa, wb *Watcher
	wa = NewWatcher(a, KindSocket, Funcs{Read: func(w *Watcher) bool {
		calls++
		drainFd(w.Fd())
		_ = r.Remove(wb)
		return true
	}}, false)
	wb = NewWatcher(b, KindSocket, Funcs{Read: func(w *Watcher) bool {
		calls++
		drainFd(w.Fd())
		_ = r.Remove(wa)
		return true
	}}, false)
	require.NoError(t, r.Add(wa, Read))
	require.NoError(t, r.Add(wb, Read))

	_, _ = unix.Write(peerA, []byte("a"))
	_, _ = unix.Write(peerB, []byte("b"))
	time.Sleep(10 * time.Millisecond)
	_, err := r.Run(100)
	require.NoError(t, err)
	require.Equal(t, 1, calls, "removed watcher must not be dispatched in the same pass")
	require.Equal(t, 1, r.Len())
}

func TestStopReturnRetiresAndClosesOwnedHandle(t *testing.T) {
	testlog.Start(t)
	r := newReactor(t)
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	defer unix.Close(fds[1])

	stopped := 0
	w := NewWatcher(fds[0], KindSocket, Funcs{
		Read: func(*Watcher) bool { return false },
		Stop: func(*Watcher) { stopped++ },
	}, true)
	require.NoError(t, r.Add(w, Read))

	_, err = unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)
	runUntil(t, r, func() bool { return stopped > 0 })

	require.False(t, w.Listed())
	require.Equal(t, 1, stopped)
	_, err = unix.FcntlInt(uintptr(fds[0]), unix.F_GETFD, 0)
	require.ErrorIs(t, err, unix.EBADF, "owned handle should be closed")
}

func TestReAddCancelsPendingRetirement(t *testing.T) {
	testlog.Start(t)
	r := newReactor(t)
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	defer unix.Close(fds[1])

	calls, stopped := 0, 0
	w := NewWatcher(fds[0], KindSocket, Funcs{
		Read: func(w *Watcher) bool {
			calls++
			drainFd(w.Fd())
			if calls == 1 {
				require.NoError(t, r.Retire(w))
				require.NoError(t, r.Remove(w))
				require.NoError(t, r.Add(w, Read))
			}
			return true
		},
		Stop: func(*Watcher) { stopped++ },
	}, true)
	require.NoError(t, r.Add(w, Read))

	_, err = unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)
	runUntil(t, r, func() bool { return calls > 0 })

	require.True(t, w.Listed())
	require.Zero(t, stopped)
	_, err = unix.FcntlInt(uintptr(fds[0]), unix.F_GETFD, 0)
	require.NoError(t, err, "re-added handle should stay open")

	_, err = unix.Write(fds[1], []byte("y"))
	require.NoError(t, err)
	runUntil(t, r, func() bool { return calls > 1 })
}

func TestPanickingCallbackIsIsolated(t *testing.T) {
	testlog.Start(t)
	r := newReactor(t)
	a, peerA := socketPair(t)
	b, peerB := socketPair(t)

	healthy := 0
	stopped := false
	bad := NewWatcher(a, KindSocket, Funcs{
		Read: func(*Watcher) bool { panic("boom") },
		Stop: func(*Watcher) { stopped = true },
	}, false)
	good := NewWatcher(b, KindSocket, Funcs{Read: func(w *Watcher) bool {
		healthy++
		drainFd(w.Fd())
		return true
	}}, false)
	require.NoError(t, r.Add(bad, Read))
	require.NoError(t, r.Add(good, Read))

	_, _ = unix.Write(peerA, []byte("a"))
	_, _ = unix.Write(peerB, []byte("b"))
	runUntil(t, r, func() bool { return stopped && healthy > 0 })
	require.False(t, bad.Listed())
	require.True(t, good.Listed())
}

func TestErrorCapabilityOnPeerHangup(t *testing.T) {
	testlog.Start(t)
	r := newReactor(t)
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])

	var got Events
	w := NewWatcher(fds[0], KindSocket, Funcs{Error: func(_ *Watcher, ev Events) bool {
		got = ev
		return false
	}}, false)
	require.NoError(t, r.Add(w, Read))
	require.NoError(t, unix.Close(fds[1]))

	runUntil(t, r, func() bool { return got != 0 })
	require.True(t, got.Has(EventHup|EventRdHup))
	require.False(t, w.Listed())
}

func TestWriteReadinessDispatch(t *testing.T) {
	testlog.Start(t)
	r := newReactor(t)
	a, _ := socketPair(t)
	writes := 0
	w := NewWatcher(a, KindSocket, Funcs{Write: func(w *Watcher) bool {
		writes++
		require.NoError(t, w.Reactor().Modify(w, Read))
		return true
	}}, false)
	require.NoError(t, r.Add(w, Write))
	runUntil(t, r, func() bool { return writes > 0 })
	_, err := r.Run(20)
	require.NoError(t, err)
	require.Equal(t, 1, writes)
}

func TestTimerExpires(t *testing.T) {
	testlog.Start(t)
	r := newReactor(t)
	var total uint64
	tm, err := NewTimer(func(_ *Timer, count uint64) bool {
		total += count
		return true
	})
	require.NoError(t, err)
	require.NoError(t, tm.Arm(5*time.Millisecond, 5*time.Millisecond))
	exp, interval := tm.Settings()
	require.Equal(t, 5*time.Millisecond, exp)
	require.Equal(t, 5*time.Millisecond, interval)
	require.NoError(t, r.Add(tm.Watcher(), Read))

	runUntil(t, r, func() bool { return total >= 3 })
	require.NoError(t, tm.Arm(0, 0))
}

func TestNotifierWakesFromAnotherGoroutine(t *testing.T) {
	testlog.Start(t)
	r := newReactor(t)
	var total uint64
	n, err := NewNotifier(func(_ *Notifier, count uint64) bool {
		total += count
		return true
	})
	require.NoError(t, err)
	require.NoError(t, r.Add(n.Watcher(), Read))

	go func() {
		for i := 0; i < 3; i++ {
			_ = n.Notify()
		}
	}()
	runUntil(t, r, func() bool { return total == 3 })
}

func TestLoopStopsFromNotifier(t *testing.T) {
	testlog.Start(t)
	r := newReactor(t)
	n, err := NewNotifier(func(_ *Notifier, _ uint64) bool {
		r.Stop()
		return true
	})
	require.NoError(t, err)
	require.NoError(t, r.Add(n.Watcher(), Read))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = n.Notify()
	}()
	done := make(chan error, 1)
	go func() { done <- r.Loop(-1) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestCloseRetiresNotifier(t *testing.T) {
	testlog.Start(t)
	r, err := New(0)
	require.NoError(t, err)
	n, err := NewNotifier(nil)
	require.NoError(t, err)
	require.NoError(t, r.Add(n.Watcher(), Read))
	require.NoError(t, r.Close())
	require.False(t, n.Watcher().Listed())
	require.ErrorIs(t, n.Notify(), ErrClosed)
	_, err = r.Run(0)
	require.ErrorIs(t, err, ErrClosed)
}

func TestSignalWatcherDeliversOnLoop(t *testing.T) {
	testlog.Start(t)
	r := newReactor(t)
	var got os.Signal
	s, err := NewSignalWatcher(func(_ *SignalWatcher, sig os.Signal) bool {
		got = sig
		return true
	}, syscall.SIGUSR1)
	require.NoError(t, err)
	require.NoError(t, r.Add(s.Watcher(), Read))

	require.NoError(t, unix.Kill(os.Getpid(), unix.SIGUSR1))
	runUntil(t, r, func() bool { return got != nil })
	require.Equal(t, syscall.SIGUSR1, got)
}

func TestInotifierDeliversCreate(t *testing.T) {
	testlog.Start(t)
	r := newReactor(t)
	dir := t.TempDir()
	var events []InotifyEvent
	in, err := NewInotifier(func(_ *Inotifier, ev InotifyEvent) bool {
		events = append(events, ev)
		return true
	})
	require.NoError(t, err)
	wd, err := in.AddWatch(dir, unix.IN_CREATE)
	require.NoError(t, err)
	require.NoError(t, r.Add(in.Watcher(), Read))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "hub.key"), []byte("k"), 0o600))
	runUntil(t, r, func() bool { return len(events) > 0 })
	require.Equal(t, wd, events[0].Wd)
	require.Equal(t, dir, events[0].Path)
	require.Equal(t, "hub.key", events[0].Name)
	require.NotZero(t, events[0].Mask&unix.IN_CREATE)

	require.NoError(t, in.RemoveWatch(wd))
}
