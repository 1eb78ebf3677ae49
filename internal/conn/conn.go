// Package conn owns one blocking transport to a peer hub: a plain net.Conn or
// a TLS session over one, never both.
package conn

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	logs "github.com/danmuck/wanhub/internal/logging"
	"github.com/danmuck/wanhub/internal/protocol"
	"github.com/danmuck/wanhub/internal/protocol/frame"
)

var (
	// ErrTransport marks faults at the OS boundary. The connection is
	// presumed unusable after one.
	ErrTransport    = errors.New("conn: transport fault")
	ErrNotConnected = fmt.Errorf("%w: not connected", ErrTransport)
	ErrNilSocket    = errors.New("conn: nil socket")
)

const (
	unixPrefix              = "unix:"
	DefaultHandshakeTimeout = 5 * time.Second
)

// Conn is a single-owner transport with a private IO buffer. The write region
// is WriteBuffer, the read region ReadBuffer; each holds one MTU frame.
type Conn struct {
	plain  net.Conn
	secure *tls.Conn
	tlsCfg *tls.Config

	buf [2 * protocol.MTU]byte

	recvTimeout      time.Duration
	sendTimeout      time.Duration
	handshakeTimeout time.Duration
}

// New returns a disconnected Conn. A non-nil tlsCfg makes Connect wrap TCP
// targets in TLS.
func New(tlsCfg *tls.Config) *Conn {
	return &Conn{tlsCfg: tlsCfg, handshakeTimeout: DefaultHandshakeTimeout}
}

// ParseTarget splits a dial target into network and address. Targets with a
// "unix:" prefix or an absolute path are unix-domain sockets.
func ParseTarget(target string) (string, string) {
	target = strings.TrimSpace(target)
	if rest, ok := strings.CutPrefix(target, unixPrefix); ok {
		return "unix", rest
	}
	if strings.HasPrefix(target, "/") {
		return "unix", target
	}
	return "tcp", target
}

func (c *Conn) SetTLSConfig(cfg *tls.Config) { c.tlsCfg = cfg }
func (c *Conn) TLSConfig() *tls.Config       { return c.tlsCfg }

// SetHandshakeTimeout bounds TLS handshakes run by Connect and the secure
// setters. Non-positive values restore the default.
func (c *Conn) SetHandshakeTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultHandshakeTimeout
	}
	c.handshakeTimeout = d
}

// Connect drops any current transport, dials target and applies ioTimeout to
// both directions. Unix targets clear the TLS config.
func (c *Conn) Connect(ctx context.Context, target string, ioTimeout time.Duration) error {
	if err := c.Disconnect(); err != nil {
		logs.Debugf("conn.Conn.Connect close previous err=%v", err)
	}
	network, address := ParseTarget(target)
	if network == "unix" {
		c.tlsCfg = nil
	}

	var dialer net.Dialer
	raw, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return transportErr("dial", err)
	}
	if c.tlsCfg == nil {
		c.plain = raw
	} else {
		cfg := c.tlsCfg.Clone()
		if cfg.ServerName == "" {
			if host, _, err := net.SplitHostPort(address); err == nil {
				cfg.ServerName = host
			}
		}
		secure := tls.Client(raw, cfg)
		if err := c.handshake(ctx, secure); err != nil {
			_ = raw.Close()
			return err
		}
		c.secure = secure
	}
	c.SetTimeout(ioTimeout, ioTimeout)
	logs.Debugf("conn.Conn.Connect network=%s addr=%s tls=%t", network, address, c.secure != nil)
	return nil
}

func (c *Conn) handshake(ctx context.Context, secure *tls.Conn) error {
	if secure.ConnectionState().HandshakeComplete {
		return nil
	}
	hctx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()
	if err := secure.HandshakeContext(hctx); err != nil {
		return transportErr("tls handshake", err)
	}
	return nil
}

// Disconnect closes whichever transport is installed.
func (c *Conn) Disconnect() error {
	cur := c.detach()
	if cur == nil {
		return nil
	}
	if err := cur.Close(); err != nil {
		return transportErr("close", err)
	}
	return nil
}

func (c *Conn) Connected() bool { return c.plain != nil || c.secure != nil }

// Socket returns the plain transport, nil when disconnected or secure.
func (c *Conn) Socket() net.Conn { return c.plain }

// SecureSocket returns the TLS transport, nil when disconnected or plain.
func (c *Conn) SecureSocket() *tls.Conn { return c.secure }

// SetSocket installs nc after closing the current transport.
func (c *Conn) SetSocket(nc net.Conn) error {
	if nc == nil {
		return ErrNilSocket
	}
	err := c.Disconnect()
	c.plain = nc
	return err
}

// SetSecureSocket completes the handshake on tc if needed and installs it
// after closing the current transport. On handshake failure nothing changes.
func (c *Conn) SetSecureSocket(tc *tls.Conn) error {
	if tc == nil {
		return ErrNilSocket
	}
	if err := c.handshake(context.Background(), tc); err != nil {
		return err
	}
	err := c.Disconnect()
	c.secure = tc
	return err
}

// SwapSocket installs nc and hands back the previous transport unclosed.
func (c *Conn) SwapSocket(nc net.Conn) (net.Conn, error) {
	if nc == nil {
		return nil, ErrNilSocket
	}
	prev := c.detach()
	c.plain = nc
	return prev, nil
}

// SwapSecureSocket is SwapSocket for a TLS transport. On handshake failure
// nothing changes and no transport is returned.
func (c *Conn) SwapSecureSocket(tc *tls.Conn) (net.Conn, error) {
	if tc == nil {
		return nil, ErrNilSocket
	}
	if err := c.handshake(context.Background(), tc); err != nil {
		return nil, err
	}
	prev := c.detach()
	c.secure = tc
	return prev, nil
}

// ReleaseSocket hands the current transport to the caller unclosed and leaves
// the Conn disconnected. A secure transport comes back as its *tls.Conn.
func (c *Conn) ReleaseSocket() net.Conn {
	return c.detach()
}

// ReleaseSecureSocket hands the TLS transport to the caller unclosed and
// leaves the Conn disconnected. A plain transport cannot be handed back as a
// TLS session, so it is closed and nil is returned.
func (c *Conn) ReleaseSecureSocket() *tls.Conn {
	if tc := c.secure; tc != nil {
		c.detach()
		return tc
	}
	if nc := c.detach(); nc != nil {
		if err := nc.Close(); err != nil {
			logs.Debugf("conn.Conn.releaseSecureSocket close err=%v", err)
		}
	}
	return nil
}

// SetTimeout sets per-operation receive and send timeouts. Zero blocks
// forever; a negative value keeps the current setting.
func (c *Conn) SetTimeout(recv, send time.Duration) {
	if recv >= 0 {
		c.recvTimeout = recv
	}
	if send >= 0 {
		c.sendTimeout = send
	}
}

func (c *Conn) Timeouts() (recv, send time.Duration) { return c.recvTimeout, c.sendTimeout }

// WriteBuffer is the region outgoing frames are packed into.
func (c *Conn) WriteBuffer() []byte { return c.buf[:protocol.MTU] }

// ReadBuffer is the region incoming frames land in.
func (c *Conn) ReadBuffer() []byte { return c.buf[protocol.MTU:] }

// WriteFrame sends the first n bytes of the write region as one frame.
func (c *Conn) WriteFrame(n int) error {
	nc := c.active()
	if nc == nil {
		return ErrNotConnected
	}
	if err := nc.SetWriteDeadline(deadline(c.sendTimeout)); err != nil {
		return transportErr("set write deadline", err)
	}
	if err := frame.Write(nc, c.WriteBuffer(), n); err != nil {
		return transportErr("write", err)
	}
	return nil
}

// ReadFrame reads one frame into the read region and returns its length.
func (c *Conn) ReadFrame() (int, error) {
	nc := c.active()
	if nc == nil {
		return 0, ErrNotConnected
	}
	if err := nc.SetReadDeadline(deadline(c.recvTimeout)); err != nil {
		return 0, transportErr("set read deadline", err)
	}
	n, err := frame.Read(nc, c.ReadBuffer())
	if err != nil {
		return 0, transportErr("read", err)
	}
	return n, nil
}

func (c *Conn) active() net.Conn {
	if c.secure != nil {
		return c.secure
	}
	if c.plain != nil {
		return c.plain
	}
	return nil
}

func (c *Conn) detach() net.Conn {
	cur := c.active()
	c.plain = nil
	c.secure = nil
	return cur
}

func deadline(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}

// transportErr classifies err. Framing faults keep their class; everything
// else becomes a transport fault with the cause still reachable.
func transportErr(op string, err error) error {
	if errors.Is(err, protocol.ErrFraming) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrTransport, op, err)
}
