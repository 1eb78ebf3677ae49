package reactor

import "fmt"

// Kind tags what a watcher's handle is, for logs and metrics.
type Kind uint8

const (
	KindSocket Kind = iota
	KindListener
	KindTimer
	KindSignal
	KindInotify
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindSocket:
		return "socket"
	case KindListener:
		return "listener"
	case KindTimer:
		return "timer"
	case KindSignal:
		return "signal"
	case KindInotify:
		return "inotify"
	case KindEvent:
		return "event"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Interest selects which readiness a watcher is registered for.
type Interest uint8

const (
	Read Interest = 1 << iota
	Write
	// Edge requests edge-triggered delivery; handlers must drain until
	// EAGAIN.
	Edge
)

// Events is the readiness reported for one watcher in one pass.
type Events uint32

// DefaultMaxEvents is the per-pass event capacity used when New is given a
// non-positive size.
const DefaultMaxEvents = 128

// Handler receives readiness callbacks. Returning false retires the watcher
// once the current pass finishes.
type Handler interface {
	HandleRead(w *Watcher) bool
	HandleWrite(w *Watcher) bool
	HandleError(w *Watcher, ev Events) bool
}

// Stopper is implemented by handlers that want to know when their watcher
// has been retired.
type Stopper interface {
	Stopped(w *Watcher)
}

// Funcs adapts plain functions into a Handler. A nil Read or Write keeps the
// watcher; a nil Error retires it.
type Funcs struct {
	Read  func(w *Watcher) bool
	Write func(w *Watcher) bool
	Error func(w *Watcher, ev Events) bool
	Stop  func(w *Watcher)
}

func (f Funcs) HandleRead(w *Watcher) bool {
	if f.Read == nil {
		return true
	}
	return f.Read(w)
}

func (f Funcs) HandleWrite(w *Watcher) bool {
	if f.Write == nil {
		return true
	}
	return f.Write(w)
}

func (f Funcs) HandleError(w *Watcher, ev Events) bool {
	if f.Error == nil {
		return false
	}
	return f.Error(w, ev)
}

func (f Funcs) Stopped(w *Watcher) {
	if f.Stop != nil {
		f.Stop(w)
	}
}

// Watcher binds one handle to a handler.
type Watcher struct {
	fd      int
	kind    Kind
	owned   bool
	handler Handler

	// set by the reactor while listed
	reactor  *Reactor
	interest Interest
	retiring bool
	// bumped by every Add so a retirement queued before a re-add is dropped
	gen uint64

	// Context is free for the handler's use.
	Context any
}

// NewWatcher wraps fd. When owned is set the reactor closes fd on
// retirement.
func NewWatcher(fd int, kind Kind, h Handler, owned bool) *Watcher {
	return &Watcher{fd: fd, kind: kind, owned: owned, handler: h}
}

func (w *Watcher) Fd() int            { return w.fd }
func (w *Watcher) Kind() Kind         { return w.kind }
func (w *Watcher) Handler() Handler   { return w.handler }
func (w *Watcher) Interest() Interest { return w.interest }

// Listed reports whether the watcher is in some reactor's table.
func (w *Watcher) Listed() bool { return w.reactor != nil }

// Reactor is the reactor the watcher is listed in, or nil.
func (w *Watcher) Reactor() *Reactor { return w.reactor }

func (w *Watcher) String() string {
	return fmt.Sprintf("%s:%d", w.kind, w.fd)
}
