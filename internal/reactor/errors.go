package reactor

import (
	"errors"
	"fmt"
)

var (
	// ErrRegistration marks misuse of the registration table. These are
	// programming errors and are never retried.
	ErrRegistration = errors.New("reactor: registration fault")

	ErrAlreadyListed = fmt.Errorf("%w: watcher already listed", ErrRegistration)
	ErrNotListed     = fmt.Errorf("%w: watcher not listed", ErrRegistration)
	ErrInvalidHandle = fmt.Errorf("%w: invalid handle", ErrRegistration)

	ErrClosed      = errors.New("reactor: closed")
	ErrUnsupported = errors.New("reactor: platform not supported")
)
