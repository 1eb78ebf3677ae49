// Package endpoint runs blocking request/response exchanges over one
// connection: pack a frame, send it, read the correlated reply.
//
// An Endpoint is single-owner. Callers sharing one across goroutines must
// serialize whole exchanges themselves.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/wanhub/internal/auth"
	"github.com/danmuck/wanhub/internal/conn"
	logs "github.com/danmuck/wanhub/internal/logging"
	"github.com/danmuck/wanhub/internal/observability"
	"github.com/danmuck/wanhub/internal/pki"
	"github.com/danmuck/wanhub/internal/protocol"
)

var (
	ErrNotPacked  = errors.New("endpoint: no packed message")
	ErrNoResponse = errors.New("endpoint: no received message")
)

// State tracks the current exchange.
type State uint8

const (
	StateIdle State = iota
	StatePacked
	StateSent
	StateAwaiting
	StateMatched
	StateRejected
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePacked:
		return "packed"
	case StateSent:
		return "sent"
	case StateAwaiting:
		return "awaiting"
	case StateMatched:
		return "matched"
	case StateRejected:
		return "rejected"
	case StateFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

type Endpoint struct {
	conn *conn.Conn

	signer   pki.KeyPair
	verifier pki.KeyPair

	source   uint64
	session  uint8
	sequence uint16

	// outgoing frame in the write region
	request protocol.Header
	packed  int

	// last frame in the read region
	header     protocol.Header
	received   int
	payloadEnd int

	state State
}

// New wraps c. A nil c gets a fresh plain connection.
func New(c *conn.Conn) *Endpoint {
	if c == nil {
		c = conn.New(nil)
	}
	return &Endpoint{conn: c}
}

func (e *Endpoint) Conn() *conn.Conn { return e.conn }
func (e *Endpoint) State() State     { return e.state }

// Connect dials target through the owned connection and resets the exchange.
func (e *Endpoint) Connect(ctx context.Context, target string, ioTimeout time.Duration) error {
	e.reset()
	return e.conn.Connect(ctx, target, ioTimeout)
}

func (e *Endpoint) Disconnect() error {
	e.reset()
	return e.conn.Disconnect()
}

// UseKeyPair signs and verifies with the same key pair. Nil disables both.
func (e *Endpoint) UseKeyPair(kp pki.KeyPair) {
	e.signer = kp
	e.verifier = kp
}

// UseKeys signs with signer and verifies peers with verifier; either may be
// nil.
func (e *Endpoint) UseKeys(signer, verifier pki.KeyPair) {
	e.signer = signer
	e.verifier = verifier
}

func (e *Endpoint) SetSource(id uint64)    { e.source = id }
func (e *Endpoint) Source() uint64         { return e.source }
func (e *Endpoint) SetSession(id uint8)    { e.session = id }
func (e *Endpoint) Session() uint8         { return e.session }
func (e *Endpoint) SetSequence(seq uint16) { e.sequence = seq }
func (e *Endpoint) Sequence() uint16       { return e.sequence }

// NextSequence advances the counter and returns the new value. Zero is
// skipped so generated requests always get correlated.
func (e *Endpoint) NextSequence() uint16 {
	e.sequence++
	if e.sequence == 0 {
		e.sequence = 1
	}
	return e.sequence
}

// NewRequest builds a request header from the endpoint's source, session and
// next sequence number.
func (e *Endpoint) NewRequest(destination uint64, command, qualifier uint8) protocol.Header {
	return protocol.Header{
		Source:      e.source,
		Destination: destination,
		Sequence:    e.NextSequence(),
		Session:     e.session,
		Command:     command,
		Qualifier:   qualifier,
		Status:      protocol.StatusRequest,
	}
}

// Pack starts a new exchange with h and a payload described by format. A zero
// source is replaced with the endpoint's own.
func (e *Endpoint) Pack(h protocol.Header, format string, args ...any) error {
	if h.Source == 0 {
		h.Source = e.source
	}
	e.state = StateIdle
	e.packed = 0
	n, err := protocol.Pack(e.conn.WriteBuffer(), h, format, args...)
	if err != nil {
		return err
	}
	h.Length = uint16(n)
	e.request = h
	e.packed = n
	e.state = StatePacked
	return nil
}

// PackFrame starts a new exchange with a pre-built frame.
func (e *Endpoint) PackFrame(frame []byte) error {
	e.state = StateIdle
	e.packed = 0
	h, err := protocol.CheckFrame(frame)
	if err != nil {
		return err
	}
	if int(h.Length) != len(frame) {
		return fmt.Errorf("%w: frame is %d bytes, header says %d", protocol.ErrInvalidLength, len(frame), h.Length)
	}
	copy(e.conn.WriteBuffer(), frame)
	e.request = h
	e.packed = len(frame)
	e.state = StatePacked
	return nil
}

// Append extends the packed payload.
func (e *Endpoint) Append(format string, args ...any) error {
	if e.state != StatePacked {
		return ErrNotPacked
	}
	n, err := protocol.Append(e.conn.WriteBuffer(), e.packed, format, args...)
	if err != nil {
		return err
	}
	e.packed = n
	e.request.Length = uint16(n)
	return nil
}

// Request returns the header of the packed message.
func (e *Endpoint) Request() protocol.Header { return e.request }

// Send writes the packed message, signed when sign is set and a signing key
// is configured.
func (e *Endpoint) Send(sign bool) error {
	if e.state != StatePacked {
		return ErrNotPacked
	}
	n := e.packed
	if sign {
		signed, err := auth.Sign(e.conn.WriteBuffer(), n, e.signer)
		if err != nil {
			return e.fail(err)
		}
		n = signed
	}
	if err := e.conn.WriteFrame(n); err != nil {
		return e.fail(err)
	}
	e.state = StateSent
	return nil
}

// Receive reads one frame. With verify set the trailing signature is checked
// against the verifying key; a non-zero expectedSequence must match the
// frame's sequence number. The session is never compared.
func (e *Endpoint) Receive(expectedSequence uint16, verify bool) error {
	if err := e.receive(expectedSequence, verify); err != nil {
		return err
	}
	observability.RecordExchange(e.state.String())
	return nil
}

// receive leaves a good frame in StateMatched without recording the outcome,
// which the caller settles.
func (e *Endpoint) receive(expectedSequence uint16, verify bool) error {
	e.state = StateAwaiting
	e.received = 0
	e.payloadEnd = 0

	n, err := e.conn.ReadFrame()
	if err != nil {
		return e.fail(err)
	}
	buf := e.conn.ReadBuffer()
	h, err := protocol.DecodeHeader(buf)
	if err != nil {
		return e.fail(err)
	}
	e.header = h
	e.received = n
	e.payloadEnd = n

	if verify {
		if !auth.Verify(buf, n, e.verifier) {
			return e.fail(protocol.ErrVerification)
		}
		e.payloadEnd = auth.Unsigned(n, e.verifier)
	}
	if expectedSequence != 0 && h.Sequence != expectedSequence {
		return e.fail(fmt.Errorf("%w: want %d, got %d", protocol.ErrSequenceMismatch, expectedSequence, h.Sequence))
	}
	e.state = StateMatched
	return nil
}

// ExecuteRequest sends the packed message and waits for the reply carrying
// its sequence number. It reports false without error when the peer answers
// with StatusRejected.
func (e *Endpoint) ExecuteRequest(sign, verify bool) (bool, error) {
	seq := e.request.Sequence
	if err := e.Send(sign); err != nil {
		return false, err
	}
	if err := e.receive(seq, verify); err != nil {
		return false, err
	}
	if e.header.Status == protocol.StatusRejected {
		e.state = StateRejected
	}
	observability.RecordExchange(e.state.String())
	if e.state == StateRejected {
		logs.Debugf("endpoint.Endpoint.ExecuteRequest peer rejected seq=%d cmd=%d", seq, e.header.Command)
		return false, nil
	}
	return true, nil
}

// SendPong blocks until a ping request arrives and answers it with a pong
// carrying the same correlation fields. Other frames are skipped.
func (e *Endpoint) SendPong() error {
	for {
		if err := e.Receive(0, false); err != nil {
			return err
		}
		if e.header.Command == protocol.CommandPing && e.header.Status == protocol.StatusRequest {
			break
		}
		logs.Debugf("endpoint.Endpoint.SendPong skip cmd=%d seq=%d", e.header.Command, e.header.Sequence)
	}
	if err := e.Pack(e.header.Reply(protocol.CommandPong, protocol.StatusAccepted), ""); err != nil {
		return err
	}
	return e.Send(false)
}

// Header returns the last received header.
func (e *Endpoint) Header() protocol.Header { return e.header }

// UnpackHeader is Header for a received message; it fails when nothing has
// been received since the last reset.
func (e *Endpoint) UnpackHeader() (protocol.Header, error) {
	if e.received == 0 {
		return protocol.Header{}, ErrNoResponse
	}
	return e.header, nil
}

// Unpack scans the last received payload, excluding any verified signature.
func (e *Endpoint) Unpack(format string, args ...any) error {
	if e.received == 0 {
		return ErrNoResponse
	}
	_, err := protocol.ScanFormat(e.Payload(), format, args...)
	return err
}

// Payload is a view of the last received payload. It is overwritten by the
// next receive.
func (e *Endpoint) Payload() []byte {
	if e.received == 0 {
		return nil
	}
	return e.conn.ReadBuffer()[protocol.HeaderSize:e.payloadEnd]
}

func (e *Endpoint) CheckCommand(command, qualifier uint8) bool {
	return e.header.Is(command, qualifier)
}

func (e *Endpoint) CheckCommandStatus(command, qualifier, status uint8) bool {
	return e.header.IsStatus(command, qualifier, status)
}

// fail moves the exchange to Rejected for protocol faults and Faulted for
// everything else.
func (e *Endpoint) fail(err error) error {
	if errors.Is(err, protocol.ErrProtocol) {
		e.state = StateRejected
	} else {
		e.state = StateFaulted
	}
	observability.RecordExchange(e.state.String())
	logs.Debugf("endpoint.Endpoint state=%s err=%v", e.state, err)
	return err
}

func (e *Endpoint) reset() {
	e.state = StateIdle
	e.packed = 0
	e.received = 0
	e.payloadEnd = 0
	e.header = protocol.Header{}
	e.request = protocol.Header{}
}
