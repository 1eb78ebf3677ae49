//go:build linux

package reactor

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// InotifyEvent is one parsed inotify record. Path is the watched path for
// Wd; Name is set for events on entries inside a watched directory.
type InotifyEvent struct {
	Wd     int
	Mask   uint32
	Cookie uint32
	Path   string
	Name   string
}

// Inotifier watches filesystem paths.
type Inotifier struct {
	w     *Watcher
	paths map[int]string
	buf   []byte

	OnEvent func(in *Inotifier, ev InotifyEvent) bool
}

func NewInotifier(onEvent func(in *Inotifier, ev InotifyEvent) bool) (*Inotifier, error) {
	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: inotify init: %w", err)
	}
	in := &Inotifier{
		paths:   make(map[int]string),
		buf:     make([]byte, 64*(unix.SizeofInotifyEvent+unix.NAME_MAX+1)),
		OnEvent: onEvent,
	}
	in.w = NewWatcher(fd, KindInotify, in, true)
	return in, nil
}

func (in *Inotifier) Watcher() *Watcher { return in.w }

// AddWatch starts watching path and returns the watch descriptor.
func (in *Inotifier) AddWatch(path string, mask uint32) (int, error) {
	wd, err := unix.InotifyAddWatch(in.w.fd, path, mask)
	if err != nil {
		return -1, fmt.Errorf("reactor: inotify add %s: %w", path, err)
	}
	in.paths[wd] = path
	return wd, nil
}

func (in *Inotifier) RemoveWatch(wd int) error {
	if _, err := unix.InotifyRmWatch(in.w.fd, uint32(wd)); err != nil {
		return fmt.Errorf("reactor: inotify rm %d: %w", wd, err)
	}
	delete(in.paths, wd)
	return nil
}

func (in *Inotifier) HandleRead(w *Watcher) bool {
	for {
		n, err := unix.Read(w.fd, in.buf)
		if errors.Is(err, unix.EAGAIN) {
			return true
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil || n <= 0 {
			return false
		}
		if !in.dispatch(in.buf[:n]) {
			return false
		}
	}
}

func (in *Inotifier) dispatch(raw []byte) bool {
	for off := 0; off+unix.SizeofInotifyEvent <= len(raw); {
		ev := InotifyEvent{
			Wd:     int(int32(binary.NativeEndian.Uint32(raw[off:]))),
			Mask:   binary.NativeEndian.Uint32(raw[off+4:]),
			Cookie: binary.NativeEndian.Uint32(raw[off+8:]),
		}
		nameLen := int(binary.NativeEndian.Uint32(raw[off+12:]))
		off += unix.SizeofInotifyEvent
		if nameLen > 0 && off+nameLen <= len(raw) {
			ev.Name = string(bytes.TrimRight(raw[off:off+nameLen], "\x00"))
		}
		off += nameLen
		ev.Path = in.paths[ev.Wd]
		if ev.Mask&unix.IN_IGNORED != 0 {
			delete(in.paths, ev.Wd)
		}
		if in.OnEvent != nil && !in.OnEvent(in, ev) {
			return false
		}
	}
	return true
}

func (in *Inotifier) HandleWrite(*Watcher) bool         { return true }
func (in *Inotifier) HandleError(*Watcher, Events) bool { return false }
