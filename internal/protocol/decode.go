package protocol

import "encoding/binary"

// DecodeHeader reads the fixed header from buf without validating length.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrShortBuffer
	}
	return Header{
		Label:       binary.BigEndian.Uint64(buf[0:8]),
		Source:      binary.BigEndian.Uint64(buf[8:16]),
		Destination: binary.BigEndian.Uint64(buf[16:24]),
		Length:      binary.BigEndian.Uint16(buf[24:26]),
		Sequence:    binary.BigEndian.Uint16(buf[26:28]),
		Session:     buf[28],
		Command:     buf[29],
		Qualifier:   buf[30],
		Status:      buf[31],
	}, nil
}

// PeekLength returns the claimed frame length from an encoded header.
func PeekLength(buf []byte) (int, error) {
	if len(buf) < HeaderSize {
		return 0, ErrShortBuffer
	}
	return int(binary.BigEndian.Uint16(buf[24:26])), nil
}

// CheckFrame validates the claimed length of the frame at the start of buf
// against the MTU and the bytes actually available.
func CheckFrame(buf []byte) (Header, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return Header{}, err
	}
	if !ValidLength(int(h.Length)) {
		return Header{}, ErrInvalidLength
	}
	if int(h.Length) > len(buf) {
		return Header{}, ErrTruncated
	}
	return h, nil
}

// ParseMessage validates the frame at the start of buf and returns it with a
// payload view into buf.
func ParseMessage(buf []byte) (Message, error) {
	h, err := CheckFrame(buf)
	if err != nil {
		return Message{}, err
	}
	return Message{Header: h, Payload: buf[HeaderSize:h.Length]}, nil
}

// Unpack validates the frame in buf, then scans its payload into args
// according to format. Length is checked before any payload byte is read.
func Unpack(buf []byte, format string, args ...any) (Header, error) {
	h, err := CheckFrame(buf)
	if err != nil {
		return Header{}, err
	}
	if _, err := ScanFormat(buf[HeaderSize:h.Length], format, args...); err != nil {
		return Header{}, err
	}
	return h, nil
}
