// Package reactor is a single-threaded readiness loop over epoll.
//
// Ownership boundary:
// - the Reactor owns its registration table; a Watcher only points back at
//   the reactor it is listed in, and only while listed
// - one goroutine drives one Reactor and every Watcher listed in it; nothing
//   here takes a lock, except the cross-goroutine wake paths of Notifier and
//   SignalWatcher
// - a callback returning false retires its watcher after the current pass
//
// Handle sources: sockets (any fd), timerfd (Timer), eventfd (Notifier),
// os/signal forwarded through an eventfd (SignalWatcher) and inotify
// (Inotifier).
package reactor
