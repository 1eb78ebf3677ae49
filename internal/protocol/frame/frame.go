// Package frame moves whole protocol frames across a byte stream.
package frame

import (
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/wanhub/internal/protocol"
)

var (
	// ErrPeerClosed reports end of stream, before or in the middle of a frame.
	ErrPeerClosed = errors.New("frame: peer closed connection")
)

// Read reads exactly one frame from r into buf and returns its length. The
// header is read first and its length validated before any payload byte is
// consumed, so an oversize claim never overruns buf.
func Read(r io.Reader, buf []byte) (int, error) {
	if len(buf) < protocol.HeaderSize {
		return 0, protocol.ErrShortBuffer
	}
	if _, err := io.ReadFull(r, buf[:protocol.HeaderSize]); err != nil {
		return 0, mapEOF(err, "header")
	}
	n, err := protocol.PeekLength(buf)
	if err != nil {
		return 0, err
	}
	if !protocol.ValidLength(n) {
		return 0, fmt.Errorf("%w: claimed %d", protocol.ErrInvalidLength, n)
	}
	if n > len(buf) {
		return 0, fmt.Errorf("%w: claimed %d, buffer %d", protocol.ErrMessageTooLarge, n, len(buf))
	}
	if n > protocol.HeaderSize {
		if _, err := io.ReadFull(r, buf[protocol.HeaderSize:n]); err != nil {
			return 0, mapEOF(err, "payload")
		}
	}
	return n, nil
}

// Write writes the first n bytes of buf as one frame after checking that n
// agrees with the encoded length field.
func Write(w io.Writer, buf []byte, n int) error {
	if !protocol.ValidLength(n) || n > len(buf) {
		return fmt.Errorf("%w: write %d", protocol.ErrInvalidLength, n)
	}
	claimed, err := protocol.PeekLength(buf)
	if err != nil {
		return err
	}
	if claimed != n {
		return fmt.Errorf("%w: header says %d, writing %d", protocol.ErrInvalidLength, claimed, n)
	}
	_, err = w.Write(buf[:n])
	return err
}

func mapEOF(err error, stage string) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: during %s", ErrPeerClosed, stage)
	}
	return err
}
