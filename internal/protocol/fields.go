package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Payload format verbs. Multi-byte values are big-endian; strings and byte
// blobs carry a uint16 length prefix.
const (
	VerbUint8   = 'c'
	VerbUint16  = 'h'
	VerbUint32  = 'l'
	VerbUint64  = 'q'
	VerbFloat64 = 'd'
	VerbString  = 's'
	VerbBytes   = 'b'
)

// AppendFormat appends args to dst as described by format, one verb per
// argument. Argument types must match their verb exactly.
func AppendFormat(dst []byte, format string, args ...any) ([]byte, error) {
	if len(format) != len(args) {
		return dst, fmt.Errorf("%w: %d verbs, %d args", ErrFormatMismatch, len(format), len(args))
	}
	for i := 0; i < len(format); i++ {
		var ok bool
		switch format[i] {
		case VerbUint8:
			var v uint8
			if v, ok = args[i].(uint8); ok {
				dst = append(dst, v)
			}
		case VerbUint16:
			var v uint16
			if v, ok = args[i].(uint16); ok {
				dst = binary.BigEndian.AppendUint16(dst, v)
			}
		case VerbUint32:
			var v uint32
			if v, ok = args[i].(uint32); ok {
				dst = binary.BigEndian.AppendUint32(dst, v)
			}
		case VerbUint64:
			var v uint64
			if v, ok = args[i].(uint64); ok {
				dst = binary.BigEndian.AppendUint64(dst, v)
			}
		case VerbFloat64:
			var v float64
			if v, ok = args[i].(float64); ok {
				dst = binary.BigEndian.AppendUint64(dst, math.Float64bits(v))
			}
		case VerbString:
			var v string
			if v, ok = args[i].(string); ok {
				if len(v) > math.MaxUint16 {
					return dst, ErrMessageTooLarge
				}
				dst = binary.BigEndian.AppendUint16(dst, uint16(len(v)))
				dst = append(dst, v...)
			}
		case VerbBytes:
			var v []byte
			if v, ok = args[i].([]byte); ok {
				if len(v) > math.MaxUint16 {
					return dst, ErrMessageTooLarge
				}
				dst = binary.BigEndian.AppendUint16(dst, uint16(len(v)))
				dst = append(dst, v...)
			}
		default:
			return dst, fmt.Errorf("%w: %q", ErrUnknownVerb, format[i])
		}
		if !ok {
			return dst, fmt.Errorf("%w: verb %q got %T", ErrFormatMismatch, format[i], args[i])
		}
	}
	return dst, nil
}

// ScanFormat decodes src into the pointer args described by format and
// returns the number of bytes consumed. Trailing bytes are left alone.
// Scanned []byte values alias src.
func ScanFormat(src []byte, format string, args ...any) (int, error) {
	if len(format) != len(args) {
		return 0, fmt.Errorf("%w: %d verbs, %d args", ErrFormatMismatch, len(format), len(args))
	}
	off := 0
	need := func(n int) bool { return off+n <= len(src) }
	for i := 0; i < len(format); i++ {
		var ok bool
		switch format[i] {
		case VerbUint8:
			var p *uint8
			if p, ok = args[i].(*uint8); ok {
				if !need(1) {
					return off, ErrTruncated
				}
				*p = src[off]
				off++
			}
		case VerbUint16:
			var p *uint16
			if p, ok = args[i].(*uint16); ok {
				if !need(2) {
					return off, ErrTruncated
				}
				*p = binary.BigEndian.Uint16(src[off:])
				off += 2
			}
		case VerbUint32:
			var p *uint32
			if p, ok = args[i].(*uint32); ok {
				if !need(4) {
					return off, ErrTruncated
				}
				*p = binary.BigEndian.Uint32(src[off:])
				off += 4
			}
		case VerbUint64:
			var p *uint64
			if p, ok = args[i].(*uint64); ok {
				if !need(8) {
					return off, ErrTruncated
				}
				*p = binary.BigEndian.Uint64(src[off:])
				off += 8
			}
		case VerbFloat64:
			var p *float64
			if p, ok = args[i].(*float64); ok {
				if !need(8) {
					return off, ErrTruncated
				}
				*p = math.Float64frombits(binary.BigEndian.Uint64(src[off:]))
				off += 8
			}
		case VerbString, VerbBytes:
			if !need(2) {
				return off, ErrTruncated
			}
			n := int(binary.BigEndian.Uint16(src[off:]))
			if !need(2 + n) {
				return off, ErrTruncated
			}
			raw := src[off+2 : off+2+n]
			if format[i] == VerbString {
				var p *string
				if p, ok = args[i].(*string); ok {
					*p = string(raw)
				}
			} else {
				var p *[]byte
				if p, ok = args[i].(*[]byte); ok {
					*p = raw
				}
			}
			if ok {
				off += 2 + n
			}
		default:
			return off, fmt.Errorf("%w: %q", ErrUnknownVerb, format[i])
		}
		if !ok {
			return off, fmt.Errorf("%w: verb %q got %T", ErrFormatMismatch, format[i], args[i])
		}
	}
	return off, nil
}
