package testutil

import (
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
)

// Socks5Server 是一个只支持无认证 CONNECT 的最小 SOCKS5 服务端，
// 用来验证探测流量确实经过了上游拨号器。
type Socks5Server struct {
	Addr string

	connects atomic.Int32
	mu       sync.Mutex
	conns    []net.Conn
}

// NewSocks5Server starts the server on a loopback port. It is stopped, and
// every relayed connection closed, when the test ends.
func NewSocks5Server(t testing.TB) *Socks5Server {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start socks5 server: %v", err)
	}
	s := &Socks5Server{Addr: l.Addr().String()}
	t.Cleanup(func() {
		l.Close()
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, c := range s.conns {
			c.Close()
		}
	})

	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			s.track(c)
			go s.handle(c)
		}
	}()
	return s
}

// URL returns the server as a socks5:// URL.
func (s *Socks5Server) URL() string {
	return "socks5://" + s.Addr
}

// Connects returns how many CONNECT requests were relayed.
func (s *Socks5Server) Connects() int {
	return int(s.connects.Load())
}

func (s *Socks5Server) track(c net.Conn) {
	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()
}

func (s *Socks5Server) handle(c net.Conn) {
	defer c.Close()
	buf := make([]byte, 256)

	// 握手：VER NMETHODS METHODS...
	if _, err := io.ReadFull(c, buf[:2]); err != nil || buf[0] != 5 {
		return
	}
	if _, err := io.ReadFull(c, buf[:buf[1]]); err != nil {
		return
	}
	if _, err := c.Write([]byte{5, 0}); err != nil {
		return
	}

	// 请求：VER CMD RSV ATYP DST.ADDR DST.PORT
	if _, err := io.ReadFull(c, buf[:4]); err != nil || buf[1] != 1 {
		return
	}
	var host string
	switch buf[3] {
	case 1:
		if _, err := io.ReadFull(c, buf[:4]); err != nil {
			return
		}
		host = net.IP(buf[:4]).String()
	case 3:
		if _, err := io.ReadFull(c, buf[:1]); err != nil {
			return
		}
		n := int(buf[0])
		if _, err := io.ReadFull(c, buf[:n]); err != nil {
			return
		}
		host = string(buf[:n])
	case 4:
		if _, err := io.ReadFull(c, buf[:16]); err != nil {
			return
		}
		host = net.IP(buf[:16]).String()
	default:
		return
	}
	if _, err := io.ReadFull(c, buf[:2]); err != nil {
		return
	}
	port := binary.BigEndian.Uint16(buf[:2])

	up, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		c.Write([]byte{5, 5, 0, 1, 0, 0, 0, 0, 0, 0})
		return
	}
	s.track(up)
	defer up.Close()
	s.connects.Add(1)

	if _, err := c.Write([]byte{5, 0, 0, 1, 0, 0, 0, 0, 0, 0}); err != nil {
		return
	}
	go func() {
		io.Copy(up, c)
		up.Close()
	}()
	io.Copy(c, up)
}
