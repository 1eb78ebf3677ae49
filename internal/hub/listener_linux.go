//go:build linux

package hub

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/danmuck/wanhub/internal/conn"
)

// listen opens a non-blocking listening socket for a tcp host:port or a unix
// path target and returns it with the unix path to unlink on close.
func listen(target string, backlog int) (int, string, error) {
	network, addr := conn.ParseTarget(target)
	var (
		family int
		sa     unix.Sockaddr
		path   string
	)
	switch network {
	case "unix":
		if addr == "" {
			return -1, "", fmt.Errorf("%w: empty unix path", ErrInvalidOptions)
		}
		if err := removeStaleSocket(addr); err != nil {
			return -1, "", err
		}
		family, sa, path = unix.AF_UNIX, &unix.SockaddrUnix{Name: addr}, addr
	default:
		tcp, err := net.ResolveTCPAddr("tcp", addr)
		if err != nil {
			return -1, "", fmt.Errorf("hub: resolve %s: %w", addr, err)
		}
		family, sa = tcpSockaddr(tcp)
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, "", fmt.Errorf("hub: socket: %w", err)
	}
	if family != unix.AF_UNIX {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			_ = unix.Close(fd)
			return -1, "", fmt.Errorf("hub: reuseaddr: %w", err)
		}
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, "", fmt.Errorf("hub: bind %s: %w", target, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		if path != "" {
			_ = os.Remove(path)
		}
		return -1, "", fmt.Errorf("hub: listen %s: %w", target, err)
	}
	return fd, path, nil
}

func tcpSockaddr(addr *net.TCPAddr) (int, unix.Sockaddr) {
	if ip4 := addr.IP.To4(); ip4 != nil || addr.IP == nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		if ip4 != nil {
			copy(sa.Addr[:], ip4)
		}
		return unix.AF_INET, sa
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	if addr.Zone != "" {
		if ifi, err := net.InterfaceByName(addr.Zone); err == nil {
			sa.ZoneId = uint32(ifi.Index)
		}
	}
	return unix.AF_INET6, sa
}

// removeStaleSocket unlinks a leftover socket file; anything else at path is
// an error.
func removeStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("hub: stat %s: %w", path, err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%w: %s exists and is not a socket", ErrInvalidOptions, path)
	}
	return os.Remove(path)
}

// sockaddrString renders an address for logs and returns the limiter key,
// which is empty for unix peers.
func sockaddrString(sa unix.Sockaddr) (string, string) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		ip := net.IP(a.Addr[:]).String()
		return net.JoinHostPort(ip, strconv.Itoa(a.Port)), ip
	case *unix.SockaddrInet6:
		ip := net.IP(a.Addr[:]).String()
		return net.JoinHostPort(ip, strconv.Itoa(a.Port)), ip
	case *unix.SockaddrUnix:
		if a.Name == "" {
			return "unix:@", ""
		}
		return "unix:" + a.Name, ""
	default:
		return "unknown", ""
	}
}
