//go:build linux

package hub

import (
	"errors"
	"fmt"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"

	"github.com/danmuck/wanhub/internal/auth"
	"github.com/danmuck/wanhub/internal/conn"
	logs "github.com/danmuck/wanhub/internal/logging"
	"github.com/danmuck/wanhub/internal/observability"
	"github.com/danmuck/wanhub/internal/protocol"
	"github.com/danmuck/wanhub/internal/reactor"
)

var errOutboundFull = errors.New("hub: outbound queue full")

// peer is the socket handler for one accepted connection. Inbound bytes
// accumulate in in until a whole frame is present; replies wait in out until
// the socket is writable.
type peer struct {
	hub    *Hub
	w      *reactor.Watcher
	remote string

	in  [protocol.MTU]byte
	n   int
	out *queue.Queue
	off int
}

func newPeer(h *Hub, remote string) *peer {
	return &peer{hub: h, remote: remote, out: queue.New()}
}

func (p *peer) HandleRead(w *reactor.Watcher) bool {
	for {
		n, err := unix.Read(w.Fd(), p.in[p.n:])
		switch {
		case err == nil:
		case errors.Is(err, unix.EAGAIN):
			return true
		case errors.Is(err, unix.EINTR):
			continue
		default:
			return p.fault("transport", err)
		}
		if n == 0 {
			logs.Debugf("hub.peer.read remote=%s closed", p.remote)
			return false
		}
		p.n += n
		if !p.consume() {
			return false
		}
	}
}

// consume handles every complete frame in the buffer. The length field is
// checked as soon as a header is present, before waiting for the payload.
func (p *peer) consume() bool {
	start := 0
	for p.n-start >= protocol.HeaderSize {
		length, _ := protocol.PeekLength(p.in[start:p.n])
		if !protocol.ValidLength(length) {
			return p.fault("framing", fmt.Errorf("%w: %d", protocol.ErrInvalidLength, length))
		}
		if p.n-start < length {
			break
		}
		if err := p.handle(p.in[start : start+length]); err != nil {
			return p.fault(faultClass(err), err)
		}
		start += length
	}
	if start > 0 {
		p.n = copy(p.in[:], p.in[start:p.n])
	}
	return true
}

func (p *peer) handle(frame []byte) error {
	h := p.hub
	if h.opts.PeerKey != nil && !auth.Verify(frame, len(frame), h.opts.PeerKey) {
		return protocol.ErrVerification
	}
	msg, err := protocol.ParseMessage(frame)
	if err != nil {
		return err
	}
	hdr := msg.Header
	payload := msg.Payload[:auth.Unsigned(len(frame), h.opts.PeerKey)-protocol.HeaderSize]
	h.framesIn.Add(1)
	observability.RecordFrame(h.opts.Name, "in", hdr.Command)
	logs.Tracef("hub.peer.handle remote=%s cmd=%d seq=%d status=%d", p.remote, hdr.Command, hdr.Sequence, hdr.Status)

	if hdr.Status != protocol.StatusRequest {
		logs.Debugf("hub.peer.handle remote=%s drop reply cmd=%d seq=%d", p.remote, hdr.Command, hdr.Sequence)
		return nil
	}
	if hdr.Command == protocol.CommandPing {
		return p.reply(hdr.Reply(protocol.CommandPong, protocol.StatusAccepted), payload)
	}
	return p.reply(hdr.Reply(hdr.Command, protocol.StatusRejected), nil)
}

// reply packs header and raw payload into a fresh frame, signs it when the hub
// signs replies, and queues it. A payload that leaves no room for the
// signature is a framing fault.
func (p *peer) reply(hdr protocol.Header, payload []byte) error {
	keys := p.hub.keys
	if !p.hub.opts.SignReplies {
		keys = nil
	}
	room := protocol.MTU
	if keys != nil {
		room -= keys.SignatureSize()
	}
	if protocol.HeaderSize+len(payload) > room {
		return fmt.Errorf("%w: %d payload bytes with %d for the signature", protocol.ErrMessageTooLarge, len(payload), protocol.MTU-room)
	}
	frame := make([]byte, protocol.MTU)
	length := protocol.HeaderSize + copy(frame[protocol.HeaderSize:], payload)
	hdr.Length = uint16(length)
	if err := protocol.EncodeHeader(frame, hdr); err != nil {
		return err
	}
	length, err := auth.Sign(frame, length, keys)
	if err != nil {
		return err
	}
	return p.queue(frame[:length], hdr.Command)
}

type outbound struct {
	frame   []byte
	command uint8
}

func (p *peer) queue(frame []byte, command uint8) error {
	if p.out.Length() >= p.hub.opts.OutboundLimit {
		return errOutboundFull
	}
	p.out.Add(outbound{frame: frame, command: command})
	if p.w.Interest()&reactor.Write != 0 {
		return nil
	}
	if err := p.flush(); err != nil {
		return err
	}
	if p.out.Length() > 0 {
		return p.hub.reactor.Modify(p.w, reactor.Read|reactor.Write)
	}
	return nil
}

// flush writes queued frames until the queue is empty or the socket would
// block.
func (p *peer) flush() error {
	for p.out.Length() > 0 {
		next := p.out.Peek().(outbound)
		n, err := unix.Write(p.w.Fd(), next.frame[p.off:])
		switch {
		case err == nil:
		case errors.Is(err, unix.EAGAIN):
			return nil
		case errors.Is(err, unix.EINTR):
			continue
		default:
			return fmt.Errorf("%w: write: %w", conn.ErrTransport, err)
		}
		p.off += n
		if p.off < len(next.frame) {
			continue
		}
		p.out.Remove()
		p.off = 0
		p.hub.framesOut.Add(1)
		observability.RecordFrame(p.hub.opts.Name, "out", next.command)
	}
	return nil
}

func (p *peer) HandleWrite(w *reactor.Watcher) bool {
	if err := p.flush(); err != nil {
		return p.fault("transport", err)
	}
	if p.out.Length() == 0 {
		if err := p.hub.reactor.Modify(w, reactor.Read); err != nil {
			return p.fault("transport", err)
		}
	}
	return true
}

func (p *peer) HandleError(_ *reactor.Watcher, ev reactor.Events) bool {
	logs.Debugf("hub.peer.error remote=%s events=%#x", p.remote, uint32(ev))
	return false
}

func (p *peer) Stopped(*reactor.Watcher) {
	p.hub.forget(p)
	logs.Debugf("hub.peer.stopped remote=%s pending=%d", p.remote, p.out.Length())
}

func (p *peer) fault(class string, err error) bool {
	p.hub.faults.Add(1)
	observability.RecordHubFault(p.hub.opts.Name, class)
	logs.Warnf("hub.peer.fault remote=%s class=%s err=%v", p.remote, class, err)
	return false
}

func faultClass(err error) string {
	switch {
	case errors.Is(err, protocol.ErrFraming):
		return "framing"
	case errors.Is(err, protocol.ErrProtocol):
		return "protocol"
	case errors.Is(err, errOutboundFull):
		return "overflow"
	default:
		return "transport"
	}
}
