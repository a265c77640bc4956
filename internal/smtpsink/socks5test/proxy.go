// Package socks5test provides a loopback SOCKS5 proxy for tests of
// anonymized delivery. It records every CONNECT target exactly as the client
// sent it, so tests can assert that host names were left to the proxy.
package socks5test

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
)

// SOCKS5 constants (RFC 1928).
const (
	socksVersion     = 0x05
	socksNoAuth      = 0x00
	socksNoMethods   = 0xff
	socksCmdConnect  = 0x01
	socksAtypIPv4    = 0x01
	socksAtypDomain  = 0x03
	socksAtypIPv6    = 0x04
	socksReplyOK     = 0x00
	socksReplyFailed = 0x01
	socksReplyCmd    = 0x07
)

// Proxy is a running SOCKS5 relay on a loopback port.
type Proxy struct {
	// Addr is the "host:port" the proxy listens on.
	Addr string

	routes map[string]string
	stall  bool

	ln     net.Listener
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	targets []string
}

// NewProxy starts a relay. routes maps a requested "host:port" to the
// address actually dialed; other targets are dialed as requested. The caller
// must call Close.
func NewProxy(routes map[string]string) *Proxy {
	return start(routes, false)
}

// NewStalledProxy starts a proxy that accepts connections but never answers
// the SOCKS handshake.
func NewStalledProxy() *Proxy {
	return start(nil, true)
}

func start(routes map[string]string, stall bool) *Proxy {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(fmt.Sprintf("socks5test: failed to listen on a port: %v", err))
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Proxy{
		Addr:   ln.Addr().String(),
		routes: routes,
		stall:  stall,
		ln:     ln,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go p.serve(ctx)
	return p
}

// HostPort splits Addr for use as a proxy host and port setting.
func (p *Proxy) HostPort() (string, int) {
	host, port, _ := net.SplitHostPort(p.Addr)
	n, _ := strconv.Atoi(port)
	return host, n
}

// Targets returns the CONNECT targets requested so far.
func (p *Proxy) Targets() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.targets...)
}

// Close stops the proxy and waits for open relays to finish.
func (p *Proxy) Close() {
	p.cancel()
	p.ln.Close()
	<-p.done
}

func (p *Proxy) serve(ctx context.Context) {
	defer close(p.done)
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				p.wg.Wait()
				return
			}
			continue
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.handle(ctx, conn)
		}()
	}
}

func (p *Proxy) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if p.stall {
		<-ctx.Done()
		return
	}

	target, err := negotiate(conn)
	if err != nil {
		return
	}

	p.mu.Lock()
	p.targets = append(p.targets, target)
	route, ok := p.routes[target]
	p.mu.Unlock()
	if !ok {
		route = target
	}

	upstream, err := (&net.Dialer{}).DialContext(ctx, "tcp", route)
	if err != nil {
		_ = writeReply(conn, socksReplyFailed)
		return
	}
	defer upstream.Close()

	if err := writeReply(conn, socksReplyOK); err != nil {
		return
	}

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(upstream, conn)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(conn, upstream)
		done <- struct{}{}
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// negotiate performs the method selection and reads a CONNECT request.
func negotiate(conn net.Conn) (string, error) {
	head := make([]byte, 2)
	if _, err := io.ReadFull(conn, head); err != nil {
		return "", err
	}
	if head[0] != socksVersion {
		return "", fmt.Errorf("unsupported socks version %d", head[0])
	}
	methods := make([]byte, head[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return "", err
	}
	method := byte(socksNoMethods)
	for _, m := range methods {
		if m == socksNoAuth {
			method = socksNoAuth
		}
	}
	if _, err := conn.Write([]byte{socksVersion, method}); err != nil {
		return "", err
	}
	if method == socksNoMethods {
		return "", errors.New("no acceptable authentication method")
	}

	req := make([]byte, 4)
	if _, err := io.ReadFull(conn, req); err != nil {
		return "", err
	}
	if req[1] != socksCmdConnect {
		_ = writeReply(conn, socksReplyCmd)
		return "", fmt.Errorf("unsupported socks command %d", req[1])
	}

	var host string
	switch req[3] {
	case socksAtypIPv4, socksAtypIPv6:
		size := net.IPv4len
		if req[3] == socksAtypIPv6 {
			size = net.IPv6len
		}
		ip := make([]byte, size)
		if _, err := io.ReadFull(conn, ip); err != nil {
			return "", err
		}
		host = net.IP(ip).String()
	case socksAtypDomain:
		n := make([]byte, 1)
		if _, err := io.ReadFull(conn, n); err != nil {
			return "", err
		}
		name := make([]byte, n[0])
		if _, err := io.ReadFull(conn, name); err != nil {
			return "", err
		}
		host = string(name)
	default:
		return "", fmt.Errorf("unsupported address type %d", req[3])
	}

	port := make([]byte, 2)
	if _, err := io.ReadFull(conn, port); err != nil {
		return "", err
	}
	return net.JoinHostPort(host, strconv.Itoa(int(binary.BigEndian.Uint16(port)))), nil
}

func writeReply(conn net.Conn, code byte) error {
	_, err := conn.Write([]byte{socksVersion, code, 0x00, socksAtypIPv4, 0, 0, 0, 0, 0, 0})
	return err
}
