package endpoint

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/danmuck/wanhub/internal/conn"
	"github.com/danmuck/wanhub/internal/observability"
	"github.com/danmuck/wanhub/internal/pki"
	"github.com/danmuck/wanhub/internal/protocol"
	"github.com/danmuck/wanhub/internal/protocol/frame"
	"github.com/danmuck/wanhub/internal/testutil/testlog"
)

func pipePair(t *testing.T) (*Endpoint, *Endpoint) {
	t.Helper()
	left, right := net.Pipe()
	a := New(nil)
	b := New(nil)
	if err := a.Conn().SetSocket(left); err != nil {
		t.Fatalf("set left: %v", err)
	}
	if err := b.Conn().SetSocket(right); err != nil {
		t.Fatalf("set right: %v", err)
	}
	a.Conn().SetTimeout(2*time.Second, 2*time.Second)
	b.Conn().SetTimeout(2*time.Second, 2*time.Second)
	t.Cleanup(func() {
		_ = a.Disconnect()
		_ = b.Disconnect()
	})
	return a, b
}

// rawPeer installs one end of a pipe in an Endpoint and returns the other.
func rawPeer(t *testing.T) (*Endpoint, net.Conn) {
	t.Helper()
	left, right := net.Pipe()
	a := New(nil)
	_ = a.Conn().SetSocket(left)
	a.Conn().SetTimeout(2*time.Second, 2*time.Second)
	t.Cleanup(func() {
		_ = a.Disconnect()
		_ = right.Close()
	})
	return a, right
}

// replyWith reads one frame from peer and answers with a header derived by
// mutate from the request.
func replyWith(peer net.Conn, mutate func(req protocol.Header) protocol.Header) <-chan error {
	done := make(chan error, 1)
	go func() {
		buf := make([]byte, protocol.MTU)
		n, err := frame.Read(peer, buf)
		if err != nil {
			done <- err
			return
		}
		req, err := protocol.DecodeHeader(buf[:n])
		if err != nil {
			done <- err
			return
		}
		out := make([]byte, protocol.MTU)
		m, err := protocol.Pack(out, mutate(req), "s", "reply")
		if err != nil {
			done <- err
			return
		}
		done <- frame.Write(peer, out, m)
	}()
	return done
}

func TestPingPong(t *testing.T) {
	testlog.Start(t)
	a, b := pipePair(t)
	a.SetSource(10)
	b.SetSource(20)

	done := make(chan error, 1)
	go func() { done <- b.SendPong() }()

	req := a.NewRequest(20, protocol.CommandPing, 0)
	if err := a.Pack(req, ""); err != nil {
		t.Fatalf("pack: %v", err)
	}
	if a.State() != StatePacked {
		t.Fatalf("state after pack=%s", a.State())
	}
	ok, err := a.ExecuteRequest(false, false)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !ok {
		t.Fatalf("ping rejected")
	}
	if err := <-done; err != nil {
		t.Fatalf("send pong: %v", err)
	}
	if !a.CheckCommand(protocol.CommandPong, 0) {
		t.Fatalf("expected pong, got %+v", a.Header())
	}
	if !a.CheckCommandStatus(protocol.CommandPong, 0, protocol.StatusAccepted) {
		t.Fatalf("expected accepted status, got %d", a.Header().Status)
	}
	h := a.Header()
	if h.Sequence != req.Sequence || h.Source != 20 || h.Destination != 10 {
		t.Fatalf("pong correlation wrong: %+v", h)
	}
	if a.State() != StateMatched {
		t.Fatalf("state=%s", a.State())
	}
}

func TestSendPongSkipsNonPing(t *testing.T) {
	testlog.Start(t)
	a, b := pipePair(t)
	done := make(chan error, 1)
	go func() { done <- b.SendPong() }()

	if err := a.Pack(protocol.Header{Command: protocol.CommandBasic, Sequence: 1}, "s", "noise"); err != nil {
		t.Fatalf("pack noise: %v", err)
	}
	if err := a.Send(false); err != nil {
		t.Fatalf("send noise: %v", err)
	}
	if err := a.Pack(a.NewRequest(0, protocol.CommandPing, 3), ""); err != nil {
		t.Fatalf("pack ping: %v", err)
	}
	ok, err := a.ExecuteRequest(false, false)
	if err != nil || !ok {
		t.Fatalf("execute: ok=%t err=%v", ok, err)
	}
	if !a.CheckCommand(protocol.CommandPong, 3) {
		t.Fatalf("qualifier not echoed: %+v", a.Header())
	}
	if err := <-done; err != nil {
		t.Fatalf("send pong: %v", err)
	}
}

func TestReceiveSequenceMismatch(t *testing.T) {
	testlog.Start(t)
	a, peer := rawPeer(t)
	done := replyWith(peer, func(req protocol.Header) protocol.Header {
		r := req.Reply(protocol.CommandBasic, protocol.StatusAccepted)
		r.Sequence = req.Sequence + 1
		return r
	})

	if err := a.Pack(a.NewRequest(1, protocol.CommandBasic, 0), "s", "req"); err != nil {
		t.Fatalf("pack: %v", err)
	}
	ok, err := a.ExecuteRequest(false, false)
	if ok || !errors.Is(err, protocol.ErrSequenceMismatch) {
		t.Fatalf("expected sequence mismatch, ok=%t err=%v", ok, err)
	}
	if !errors.Is(err, protocol.ErrProtocol) {
		t.Fatalf("mismatch should be a protocol fault: %v", err)
	}
	if a.State() != StateRejected {
		t.Fatalf("state=%s", a.State())
	}
	if err := <-done; err != nil {
		t.Fatalf("peer: %v", err)
	}
}

func TestReceiveWithoutExpectedSequenceAcceptsAny(t *testing.T) {
	testlog.Start(t)
	a, peer := rawPeer(t)
	done := replyWith(peer, func(req protocol.Header) protocol.Header {
		r := req.Reply(protocol.CommandBasic, protocol.StatusAccepted)
		r.Sequence = 999
		return r
	})
	if err := a.Pack(protocol.Header{Command: protocol.CommandBasic}, ""); err != nil {
		t.Fatalf("pack: %v", err)
	}
	if err := a.Send(false); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := a.Receive(0, false); err != nil {
		t.Fatalf("receive: %v", err)
	}
	var text string
	if err := a.Unpack("s", &text); err != nil || text != "reply" {
		t.Fatalf("unpack: %q %v", text, err)
	}
	if err := <-done; err != nil {
		t.Fatalf("peer: %v", err)
	}
}

func TestExecuteRequestPeerRejected(t *testing.T) {
	testlog.Start(t)
	a, peer := rawPeer(t)
	done := replyWith(peer, func(req protocol.Header) protocol.Header {
		return req.Reply(req.Command, protocol.StatusRejected)
	})
	if err := a.Pack(a.NewRequest(1, protocol.CommandOverlay, 0), ""); err != nil {
		t.Fatalf("pack: %v", err)
	}
	ok, err := a.ExecuteRequest(false, false)
	if ok || err != nil {
		t.Fatalf("expected (false, nil), got (%t, %v)", ok, err)
	}
	if a.State() != StateRejected {
		t.Fatalf("state=%s", a.State())
	}
	if err := <-done; err != nil {
		t.Fatalf("peer: %v", err)
	}
}

// exchanges reads the endpoint outcome counter from the default registry.
func exchanges(t *testing.T, outcome string) float64 {
	t.Helper()
	observability.RegisterMetrics()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "wanhub_endpoint_exchanges_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "outcome" && lp.GetValue() == outcome {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestExecuteRequestRecordsOneOutcome(t *testing.T) {
	testlog.Start(t)
	matched := exchanges(t, StateMatched.String())
	rejected := exchanges(t, StateRejected.String())

	a, peer := rawPeer(t)
	done := replyWith(peer, func(req protocol.Header) protocol.Header {
		return req.Reply(req.Command, protocol.StatusRejected)
	})
	if err := a.Pack(a.NewRequest(1, protocol.CommandOverlay, 0), ""); err != nil {
		t.Fatalf("pack: %v", err)
	}
	if ok, err := a.ExecuteRequest(false, false); ok || err != nil {
		t.Fatalf("expected (false, nil), got (%t, %v)", ok, err)
	}
	if err := <-done; err != nil {
		t.Fatalf("peer: %v", err)
	}
	if got := exchanges(t, StateRejected.String()) - rejected; got != 1 {
		t.Fatalf("rejected outcomes=%v want 1", got)
	}
	if got := exchanges(t, StateMatched.String()) - matched; got != 0 {
		t.Fatalf("matched outcomes=%v want 0", got)
	}
}

func TestExecuteRequestTransportFault(t *testing.T) {
	testlog.Start(t)
	a, peer := rawPeer(t)
	go func() {
		buf := make([]byte, protocol.MTU)
		_, _ = frame.Read(peer, buf)
		_ = peer.Close()
	}()
	if err := a.Pack(a.NewRequest(1, protocol.CommandPing, 0), ""); err != nil {
		t.Fatalf("pack: %v", err)
	}
	_, err := a.ExecuteRequest(false, false)
	if !errors.Is(err, conn.ErrTransport) {
		t.Fatalf("expected transport fault, got %v", err)
	}
	if a.State() != StateFaulted {
		t.Fatalf("state=%s", a.State())
	}
}

func TestSignedExchange(t *testing.T) {
	testlog.Start(t)
	kp, err := pki.GenerateRSA(1024)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	a, b := pipePair(t)
	a.UseKeyPair(kp)
	b.UseKeyPair(kp)

	done := make(chan error, 1)
	go func() {
		if err := b.Receive(0, true); err != nil {
			done <- err
			return
		}
		var q string
		if err := b.Unpack("s", &q); err != nil {
			done <- err
			return
		}
		if err := b.Pack(b.Header().Reply(protocol.CommandBasic, protocol.StatusAccepted), "s", q+"!"); err != nil {
			done <- err
			return
		}
		done <- b.Send(true)
	}()

	if err := a.Pack(a.NewRequest(2, protocol.CommandBasic, 0), "s", "signed"); err != nil {
		t.Fatalf("pack: %v", err)
	}
	ok, err := a.ExecuteRequest(true, true)
	if err != nil || !ok {
		t.Fatalf("execute: ok=%t err=%v", ok, err)
	}
	if err := <-done; err != nil {
		t.Fatalf("peer: %v", err)
	}
	var got string
	if err := a.Unpack("s", &got); err != nil || got != "signed!" {
		t.Fatalf("unpack: %q %v", got, err)
	}
	if len(a.Payload()) != 2+len("signed!") {
		t.Fatalf("payload includes signature: %d bytes", len(a.Payload()))
	}
}

func TestVerificationFailureIsRejected(t *testing.T) {
	testlog.Start(t)
	kp, err := pki.GenerateRSA(1024)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	a, peer := rawPeer(t)
	a.UseKeyPair(kp)
	done := replyWith(peer, func(req protocol.Header) protocol.Header {
		return req.Reply(protocol.CommandBasic, protocol.StatusAccepted)
	})
	if err := a.Pack(a.NewRequest(1, protocol.CommandBasic, 0), ""); err != nil {
		t.Fatalf("pack: %v", err)
	}
	_, err = a.ExecuteRequest(false, true)
	if !errors.Is(err, protocol.ErrVerification) {
		t.Fatalf("expected ErrVerification, got %v", err)
	}
	if a.State() != StateRejected {
		t.Fatalf("state=%s", a.State())
	}
	if err := <-done; err != nil {
		t.Fatalf("peer: %v", err)
	}
}

func TestNextSequenceSkipsZero(t *testing.T) {
	testlog.Start(t)
	e := New(nil)
	e.SetSequence(0xfffe)
	if got := e.NextSequence(); got != 0xffff {
		t.Fatalf("got %d", got)
	}
	if got := e.NextSequence(); got != 1 {
		t.Fatalf("wrap: got %d", got)
	}
}

func TestPackAppendAndPackFrame(t *testing.T) {
	testlog.Start(t)
	e := New(nil)
	e.SetSource(7)
	if err := e.Append("c", uint8(1)); !errors.Is(err, ErrNotPacked) {
		t.Fatalf("append before pack: %v", err)
	}
	if err := e.Pack(protocol.Header{Command: protocol.CommandBasic}, "h", uint16(5)); err != nil {
		t.Fatalf("pack: %v", err)
	}
	if e.Request().Source != 7 {
		t.Fatalf("default source not applied: %+v", e.Request())
	}
	if err := e.Append("s", "more"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if int(e.Request().Length) != protocol.HeaderSize+2+2+4 {
		t.Fatalf("length=%d", e.Request().Length)
	}

	raw, err := protocol.AppendMessage(nil, protocol.Message{Header: protocol.Header{Command: protocol.CommandNode}, Payload: []byte{1, 2}})
	if err != nil {
		t.Fatalf("append message: %v", err)
	}
	if err := e.PackFrame(raw); err != nil {
		t.Fatalf("pack frame: %v", err)
	}
	if e.Request().Command != protocol.CommandNode || e.State() != StatePacked {
		t.Fatalf("pack frame state: %+v %s", e.Request(), e.State())
	}
	if err := e.PackFrame(raw[:len(raw)-1]); !errors.Is(err, protocol.ErrFraming) {
		t.Fatalf("short frame: %v", err)
	}
	if e.State() != StateIdle {
		t.Fatalf("state after bad frame=%s", e.State())
	}
}

func TestSendRequiresPacked(t *testing.T) {
	testlog.Start(t)
	e := New(nil)
	if err := e.Send(false); !errors.Is(err, ErrNotPacked) {
		t.Fatalf("expected ErrNotPacked, got %v", err)
	}
	if err := e.Unpack(""); !errors.Is(err, ErrNoResponse) {
		t.Fatalf("expected ErrNoResponse, got %v", err)
	}
	if _, err := e.UnpackHeader(); !errors.Is(err, ErrNoResponse) {
		t.Fatalf("expected ErrNoResponse, got %v", err)
	}
}

func TestStateString(t *testing.T) {
	testlog.Start(t)
	if StateAwaiting.String() != "awaiting" || State(42).String() != "state(42)" {
		t.Fatalf("state strings wrong")
	}
}
