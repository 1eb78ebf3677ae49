//go:build !linux

package hub

import (
	"context"

	"github.com/danmuck/wanhub/internal/reactor"
)

// Hub needs epoll and is unavailable off linux.
type Hub struct{}

func New(Options) (*Hub, error) { return nil, reactor.ErrUnsupported }

func (h *Hub) Serve(context.Context) error { return reactor.ErrUnsupported }
func (h *Hub) Stop()                       {}
func (h *Hub) Close() error                { return nil }
func (h *Hub) Addr() string                { return "" }
func (h *Hub) Status() Status              { return Status{} }
