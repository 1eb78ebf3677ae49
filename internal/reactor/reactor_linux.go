//go:build linux

package reactor

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/eapache/queue"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	logs "github.com/danmuck/wanhub/internal/logging"
	"github.com/danmuck/wanhub/internal/observability"
)

// Readiness bits as reported to HandleError.
const (
	EventIn    Events = unix.EPOLLIN
	EventPri   Events = unix.EPOLLPRI
	EventOut   Events = unix.EPOLLOUT
	EventErr   Events = unix.EPOLLERR
	EventHup   Events = unix.EPOLLHUP
	EventRdHup Events = unix.EPOLLRDHUP
)

func (e Events) Has(bits Events) bool { return e&bits != 0 }

// Reactor owns an epoll instance and the watchers listed in it.
type Reactor struct {
	name   string
	epfd   int
	table  map[int]*Watcher
	events []unix.EpollEvent
	retire *queue.Queue

	stopped bool
	closed  bool
}

// New creates a reactor reporting up to maxEvents readiness events per pass.
func New(maxEvents int) (*Reactor, error) {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll create: %w", err)
	}
	r := &Reactor{
		name:   uuid.NewString(),
		epfd:   epfd,
		table:  make(map[int]*Watcher),
		events: make([]unix.EpollEvent, maxEvents),
		retire: queue.New(),
	}
	observability.SetListedWatchers(r.name, 0)
	logs.Debugf("reactor.New name=%s epfd=%d", r.name, epfd)
	return r, nil
}

func (r *Reactor) Name() string { return r.name }

// Len is the number of listed watchers.
func (r *Reactor) Len() int { return len(r.table) }

// Add lists w with the given interest.
func (r *Reactor) Add(w *Watcher, interest Interest) error {
	if r.closed {
		return ErrClosed
	}
	if w == nil || w.handler == nil || w.fd < 0 {
		return ErrInvalidHandle
	}
	if w.reactor != nil {
		return ErrAlreadyListed
	}
	if other, ok := r.table[w.fd]; ok {
		return fmt.Errorf("%w: fd %d held by %s", ErrAlreadyListed, w.fd, other)
	}
	ev := unix.EpollEvent{Events: epollMask(interest), Fd: int32(w.fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, w.fd, &ev); err != nil {
		return ctlErr("add", w, err)
	}
	r.table[w.fd] = w
	w.reactor = r
	w.interest = interest
	w.retiring = false
	w.gen++
	observability.SetListedWatchers(r.name, len(r.table))
	logs.Debugf("reactor.Reactor.Add name=%s watcher=%s interest=%d", r.name, w, interest)
	return nil
}

// Modify changes the interest of a watcher listed here.
func (r *Reactor) Modify(w *Watcher, interest Interest) error {
	if w == nil || w.reactor != r {
		return ErrNotListed
	}
	ev := unix.EpollEvent{Events: epollMask(interest), Fd: int32(w.fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, w.fd, &ev); err != nil {
		return ctlErr("modify", w, err)
	}
	w.interest = interest
	return nil
}

// Remove unlists w. It is safe to call from any callback of the current pass,
// including w's own. The handle is left open.
func (r *Reactor) Remove(w *Watcher) error {
	if w == nil || w.reactor != r {
		return ErrNotListed
	}
	// The fd may already be closed by its owner; the table entry still goes.
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, w.fd, nil); err != nil &&
		!errors.Is(err, unix.EBADF) && !errors.Is(err, unix.ENOENT) {
		logs.Warnf("reactor.Reactor.Remove name=%s watcher=%s err=%v", r.name, w, err)
	}
	delete(r.table, w.fd)
	w.reactor = nil
	observability.SetListedWatchers(r.name, len(r.table))
	return nil
}

// Retire schedules w for retirement at the end of the current pass, as if a
// callback had returned false.
func (r *Reactor) Retire(w *Watcher) error {
	if w == nil || w.reactor != r {
		return ErrNotListed
	}
	r.enqueue(w)
	return nil
}

// Run waits up to timeoutMs (0 polls, negative blocks) and dispatches one
// pass. It returns the number of ready handles; EINTR is a zero-event pass.
func (r *Reactor) Run(timeoutMs int) (int, error) {
	if r.closed {
		return 0, ErrClosed
	}
	n, err := unix.EpollWait(r.epfd, r.events, timeoutMs)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("reactor: epoll wait: %w", err)
	}
	for i := 0; i < n; i++ {
		ev := r.events[i]
		w, ok := r.table[int(ev.Fd)]
		if !ok {
			continue
		}
		r.dispatch(w, Events(ev.Events))
	}
	r.drain()
	return n, nil
}

// Stop makes Loop return after the current pass. Call it from a callback;
// other goroutines wake the loop through a Notifier that calls Stop.
func (r *Reactor) Stop() { r.stopped = true }

// Loop runs passes until Stop is called, pinning the calling goroutine to
// its OS thread while it runs.
func (r *Reactor) Loop(timeoutMs int) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	r.stopped = false
	for !r.stopped {
		if _, err := r.Run(timeoutMs); err != nil {
			return err
		}
	}
	return nil
}

// Close retires every listed watcher and releases the epoll instance.
func (r *Reactor) Close() error {
	if r.closed {
		return nil
	}
	for _, w := range r.table {
		r.enqueue(w)
	}
	r.drain()
	r.closed = true
	observability.ForgetReactor(r.name)
	logs.Debugf("reactor.Reactor.Close name=%s", r.name)
	return unix.Close(r.epfd)
}

func (r *Reactor) dispatch(w *Watcher, ev Events) {
	if ev.Has(EventIn|EventPri) && w.interest&Read != 0 {
		if !r.invoke(w, "read", func() bool { return w.handler.HandleRead(w) }) {
			r.enqueue(w)
			return
		}
	}
	if ev.Has(EventOut) && w.interest&Write != 0 && w.reactor == r {
		if !r.invoke(w, "write", func() bool { return w.handler.HandleWrite(w) }) {
			r.enqueue(w)
			return
		}
	}
	if ev.Has(EventErr|EventHup|EventRdHup) && w.reactor == r {
		if !r.invoke(w, "error", func() bool { return w.handler.HandleError(w, ev) }) {
			r.enqueue(w)
		}
	}
}

// invoke runs one callback. A panic is logged and counts as a stop.
func (r *Reactor) invoke(w *Watcher, event string, fn func() bool) (keep bool) {
	if w.reactor != r || w.retiring {
		return true
	}
	defer func() {
		if p := recover(); p != nil {
			keep = false
			observability.RecordCallbackPanic(w.kind.String())
			logs.Errf("reactor.Reactor.invoke name=%s watcher=%s event=%s panic=%v", r.name, w, event, p)
		}
	}()
	observability.RecordDispatch(w.kind.String(), event)
	return fn()
}

// retirement is a queued retire request for one listing of a watcher.
type retirement struct {
	w   *Watcher
	gen uint64
}

func (r *Reactor) enqueue(w *Watcher) {
	if w.retiring {
		return
	}
	w.retiring = true
	r.retire.Add(retirement{w: w, gen: w.gen})
}

// drain retires queued watchers: unlist, close owned handles, notify. A
// request made before the watcher was listed again is stale and skipped.
func (r *Reactor) drain() {
	for r.retire.Length() > 0 {
		req := r.retire.Remove().(retirement)
		w := req.w
		if w.gen != req.gen {
			logs.Debugf("reactor.Reactor.drain name=%s watcher=%s stale retirement", r.name, w)
			continue
		}
		if w.reactor == r {
			_ = r.Remove(w)
		}
		if w.owned && w.fd >= 0 {
			if err := unix.Close(w.fd); err != nil {
				logs.Debugf("reactor.Reactor.drain close watcher=%s err=%v", w, err)
			}
		}
		w.retiring = false
		if s, ok := w.handler.(Stopper); ok {
			r.notifyStopped(s, w)
		}
	}
}

func (r *Reactor) notifyStopped(s Stopper, w *Watcher) {
	defer func() {
		if p := recover(); p != nil {
			logs.Errf("reactor.Reactor.drain name=%s watcher=%s stopped panic=%v", r.name, w, p)
		}
	}()
	s.Stopped(w)
}

func epollMask(interest Interest) uint32 {
	mask := uint32(unix.EPOLLRDHUP)
	if interest&Read != 0 {
		mask |= unix.EPOLLIN
	}
	if interest&Write != 0 {
		mask |= unix.EPOLLOUT
	}
	if interest&Edge != 0 {
		mask |= unix.EPOLLET
	}
	return mask
}

func ctlErr(op string, w *Watcher, err error) error {
	if errors.Is(err, unix.EBADF) || errors.Is(err, unix.EPERM) {
		return fmt.Errorf("%w: %s %s: %w", ErrInvalidHandle, op, w, err)
	}
	if errors.Is(err, unix.EEXIST) {
		return fmt.Errorf("%w: %s %s", ErrAlreadyListed, op, w)
	}
	return fmt.Errorf("%w: %s %s: %w", ErrRegistration, op, w, err)
}
