package protocol

const (
	HeaderSize = 32
	MTU        = 1024
	MaxPayload = MTU - HeaderSize
)

// Status values carried in the header status byte.
const (
	StatusRequest  uint8 = 0
	StatusAccepted uint8 = 1
	StatusRejected uint8 = 127
)

// Command opcodes. Only ping/pong carry behavior in this module; the rest are
// reserved for hub protocols built on top of it.
const (
	CommandNull      uint8 = 0
	CommandBasic     uint8 = 1
	CommandMulticast uint8 = 2
	CommandNode      uint8 = 3
	CommandOverlay   uint8 = 4
	CommandPing      uint8 = 0x70
	CommandPong      uint8 = 0x71
)

// Header is the fixed wire header.
type Header struct {
	Label       uint64
	Source      uint64
	Destination uint64
	Length      uint16
	Sequence    uint16
	Session     uint8
	Command     uint8
	Qualifier   uint8
	Status      uint8
}

// Message is a decoded frame. Payload aliases the frame buffer it was parsed
// from and includes any signature trailer.
type Message struct {
	Header  Header
	Payload []byte
}

// Is reports whether the header carries the given command and qualifier.
func (h Header) Is(command, qualifier uint8) bool {
	return h.Command == command && h.Qualifier == qualifier
}

// IsStatus is Is plus a status match.
func (h Header) IsStatus(command, qualifier, status uint8) bool {
	return h.Is(command, qualifier) && h.Status == status
}

// Reply returns the response header for h: endpoints swapped, correlation
// fields kept, length cleared for re-derivation.
func (h Header) Reply(command, status uint8) Header {
	return Header{
		Label:       h.Label,
		Source:      h.Destination,
		Destination: h.Source,
		Sequence:    h.Sequence,
		Session:     h.Session,
		Command:     command,
		Qualifier:   h.Qualifier,
		Status:      status,
	}
}

// ValidLength reports whether n is an acceptable frame length.
func ValidLength(n int) bool {
	return n >= HeaderSize && n <= MTU
}
