package protocol

import (
	"errors"
	"fmt"
)

// Fault classes. Every specific error below wraps exactly one of them.
var (
	// ErrFraming marks a desynchronized or malformed frame; the connection
	// carrying it should be torn down.
	ErrFraming = errors.New("protocol: framing fault")
	// ErrProtocol marks a well-formed frame that failed correlation,
	// authentication or command checks; callers may retry.
	ErrProtocol = errors.New("protocol: protocol fault")
)

var (
	ErrInvalidLength   = fmt.Errorf("%w: length outside [header, mtu]", ErrFraming)
	ErrTruncated       = fmt.Errorf("%w: truncated frame", ErrFraming)
	ErrMessageTooLarge = fmt.Errorf("%w: message exceeds mtu", ErrFraming)
	ErrShortBuffer     = fmt.Errorf("%w: buffer smaller than header", ErrFraming)
	ErrFormatMismatch  = fmt.Errorf("%w: payload format does not match arguments", ErrFraming)
	ErrUnknownVerb     = fmt.Errorf("%w: unknown payload format verb", ErrFraming)

	ErrSequenceMismatch  = fmt.Errorf("%w: sequence mismatch", ErrProtocol)
	ErrVerification      = fmt.Errorf("%w: signature verification failed", ErrProtocol)
	ErrUnexpectedCommand = fmt.Errorf("%w: unexpected command", ErrProtocol)
)
