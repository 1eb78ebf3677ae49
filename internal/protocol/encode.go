package protocol

import "encoding/binary"

// EncodeHeader writes h into the first HeaderSize bytes of buf.
func EncodeHeader(buf []byte, h Header) error {
	if len(buf) < HeaderSize {
		return ErrShortBuffer
	}
	binary.BigEndian.PutUint64(buf[0:8], h.Label)
	binary.BigEndian.PutUint64(buf[8:16], h.Source)
	binary.BigEndian.PutUint64(buf[16:24], h.Destination)
	binary.BigEndian.PutUint16(buf[24:26], h.Length)
	binary.BigEndian.PutUint16(buf[26:28], h.Sequence)
	buf[28] = h.Session
	buf[29] = h.Command
	buf[30] = h.Qualifier
	buf[31] = h.Status
	return nil
}

// SetLength overwrites the length field of an encoded header.
func SetLength(buf []byte, n int) error {
	if len(buf) < HeaderSize {
		return ErrShortBuffer
	}
	if !ValidLength(n) {
		return ErrInvalidLength
	}
	binary.BigEndian.PutUint16(buf[24:26], uint16(n))
	return nil
}

// Pack serializes h and the payload described by format into buf and returns
// the frame length. The header's Length is ignored and derived last.
func Pack(buf []byte, h Header, format string, args ...any) (int, error) {
	if len(buf) < HeaderSize {
		return 0, ErrShortBuffer
	}
	limit := min(len(buf), MTU)
	payload, err := AppendFormat(buf[HeaderSize:HeaderSize:limit], format, args...)
	if err != nil {
		return 0, err
	}
	n := HeaderSize + len(payload)
	if n > limit {
		return 0, ErrMessageTooLarge
	}
	h.Length = uint16(n)
	if err := EncodeHeader(buf, h); err != nil {
		return 0, err
	}
	return n, nil
}

// Append serializes more payload after a packed frame of the given length and
// returns the new length, rewriting the header's length field.
func Append(buf []byte, length int, format string, args ...any) (int, error) {
	if !ValidLength(length) || length > len(buf) {
		return 0, ErrInvalidLength
	}
	limit := min(len(buf), MTU)
	more, err := AppendFormat(buf[length:length:limit], format, args...)
	if err != nil {
		return 0, err
	}
	n := length + len(more)
	if n > limit {
		return 0, ErrMessageTooLarge
	}
	if err := SetLength(buf, n); err != nil {
		return 0, err
	}
	return n, nil
}

// AppendMessage appends the encoded frame for m to dst.
func AppendMessage(dst []byte, m Message) ([]byte, error) {
	n := HeaderSize + len(m.Payload)
	if n > MTU {
		return dst, ErrMessageTooLarge
	}
	h := m.Header
	h.Length = uint16(n)
	start := len(dst)
	dst = append(dst, make([]byte, HeaderSize)...)
	_ = EncodeHeader(dst[start:], h)
	return append(dst, m.Payload...), nil
}
