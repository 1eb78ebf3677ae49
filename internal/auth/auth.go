// Package auth signs and verifies protocol frames in place.
//
// A signed frame is the packed frame followed by a signature over every
// preceding byte. The header length field already counts the signature when
// it is signed, so a verifier checks exactly what was sent.
package auth

import (
	"fmt"

	"github.com/danmuck/wanhub/internal/pki"
	"github.com/danmuck/wanhub/internal/protocol"
)

var ErrSignFailed = fmt.Errorf("%w: signing failed", protocol.ErrProtocol)

// MaxSignatureSize is the largest signature that still fits in one frame
// behind a bare header.
const MaxSignatureSize = protocol.MTU - protocol.HeaderSize

// CheckKeyPair rejects key pairs whose signatures cannot fit in a frame. A nil
// kp passes.
func CheckKeyPair(kp pki.KeyPair) error {
	if kp == nil {
		return nil
	}
	if size := kp.SignatureSize(); size > MaxSignatureSize {
		return fmt.Errorf("%w: %d-byte signatures exceed %d", protocol.ErrMessageTooLarge, size, MaxSignatureSize)
	}
	return nil
}

// Sign appends a signature to the frame occupying buf[:length] and returns the
// new frame length. A nil kp leaves the frame untouched.
func Sign(buf []byte, length int, kp pki.KeyPair) (int, error) {
	if kp == nil {
		return length, nil
	}
	if !protocol.ValidLength(length) || length > len(buf) {
		return 0, protocol.ErrInvalidLength
	}
	if !kp.HasPrivate() {
		return 0, fmt.Errorf("%w: %v", ErrSignFailed, pki.ErrNoPrivateKey)
	}
	size := kp.SignatureSize()
	total := length + size
	if total > protocol.MTU || total > len(buf) {
		return 0, fmt.Errorf("%w: %d + %d signature bytes", protocol.ErrMessageTooLarge, length, size)
	}
	if err := protocol.SetLength(buf, total); err != nil {
		return 0, err
	}
	sig, err := kp.Sign(buf[:length])
	if err == nil && len(sig) != size {
		err = fmt.Errorf("signature is %d bytes, want %d", len(sig), size)
	}
	if err != nil {
		_ = protocol.SetLength(buf, length)
		return 0, fmt.Errorf("%w: %v", ErrSignFailed, err)
	}
	copy(buf[length:total], sig)
	return total, nil
}

// Verify reports whether the frame in buf[:length] carries a valid trailing
// signature. A nil kp accepts every frame.
func Verify(buf []byte, length int, kp pki.KeyPair) bool {
	if kp == nil {
		return true
	}
	if !kp.HasPublic() {
		return false
	}
	body := Unsigned(length, kp)
	if body < protocol.HeaderSize || length > len(buf) || length > protocol.MTU {
		return false
	}
	claimed, err := protocol.PeekLength(buf)
	if err != nil || claimed != length {
		return false
	}
	return kp.Verify(buf[:body], buf[body:length])
}

// Unsigned returns the length of a signed frame without its signature, or
// length itself for a nil kp.
func Unsigned(length int, kp pki.KeyPair) int {
	if kp == nil {
		return length
	}
	return length - kp.SignatureSize()
}
