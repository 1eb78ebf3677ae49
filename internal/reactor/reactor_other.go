//go:build !linux

package reactor

// Reactor is unavailable off linux; New always fails.
type Reactor struct{}

func New(int) (*Reactor, error) { return nil, ErrUnsupported }

func (r *Reactor) Name() string                    { return "" }
func (r *Reactor) Len() int                        { return 0 }
func (r *Reactor) Add(*Watcher, Interest) error    { return ErrUnsupported }
func (r *Reactor) Modify(*Watcher, Interest) error { return ErrUnsupported }
func (r *Reactor) Remove(*Watcher) error           { return ErrUnsupported }
func (r *Reactor) Retire(*Watcher) error           { return ErrUnsupported }
func (r *Reactor) Run(int) (int, error)            { return 0, ErrUnsupported }
func (r *Reactor) Loop(int) error                  { return ErrUnsupported }
func (r *Reactor) Stop()                           {}
func (r *Reactor) Close() error                    { return nil }
