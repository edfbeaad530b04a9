package listener

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/fabian4/dynaproxy/internal/metrics"
	"github.com/fabian4/dynaproxy/internal/model"
	"github.com/fabian4/dynaproxy/internal/router"
)

const tcpDialTimeout = 5 * time.Second

// tcpServer relays raw connections to the backend of the first matching route.
// Routes of a TCP service are matched with path "/" and no headers, so only
// authorization and declaration order decide.
type tcpServer struct {
	id     string
	idle   time.Duration
	engine *router.Engine
	m      *metrics.Registry

	mu      sync.Mutex
	ln      net.Listener
	conns   map[net.Conn]struct{}
	closing bool
	wg      sync.WaitGroup
}

func newTCPServer(svc model.Service, d Deps) *tcpServer {
	return &tcpServer{
		id:     svc.ID,
		idle:   idleTimeout(svc),
		engine: d.Engine,
		m:      d.Metrics,
		conns:  make(map[net.Conn]struct{}),
	}
}

var errServerClosed = errors.New("tcp: server closed")

func (s *tcpServer) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return errServerClosed
	}
	s.ln = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return errServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			return err
		}
		if !s.track(conn) {
			_ = conn.Close()
			return errServerClosed
		}
		go func() {
			defer s.untrack(conn)
			s.handle(conn)
		}()
	}
}

func (s *tcpServer) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *tcpServer) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.wg.Done()
}

// Shutdown stops accepting and waits for open relays until ctx expires, then cuts them.
func (s *tcpServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	<-done
	return ctx.Err()
}

func (s *tcpServer) handle(conn net.Conn) {
	s.m.IncActiveConns(s.id, string(model.ProtoTCP))
	defer s.m.DecActiveConns(s.id, string(model.ProtoTCP))
	defer func() { _ = conn.Close() }()

	res, err := s.engine.Check(s.id, nil, "/", conn.RemoteAddr())
	if err != nil {
		log.Printf("[listener] %s tcp route: %v", s.id, err)
		return
	}
	// no match or refused: close without a response
	if res == nil || res.Filesystem {
		return
	}
	routeName := res.Route.Name

	addr := res.Backend.URL().Host
	upstream, err := net.DialTimeout("tcp", addr, tcpDialTimeout)
	if err != nil {
		log.Printf("[listener] %s tcp dial upstream %s: %v", s.id, addr, err)
		s.m.IncRequest(s.id, routeName, "TCP", "502")
		return
	}
	defer func() { _ = upstream.Close() }()
	start := time.Now()

	clientConn := &idleTimeoutConn{Conn: conn, timeout: s.idle}
	upstreamConn := &idleTimeoutConn{Conn: upstream, timeout: s.idle}

	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(upstreamConn, clientConn)
		if c, ok := upstream.(*net.TCPConn); ok {
			_ = c.CloseWrite()
		}
		close(done)
	}()

	_, _ = io.Copy(clientConn, upstreamConn)
	if c, ok := conn.(*net.TCPConn); ok {
		_ = c.CloseWrite()
	}
	<-done
	s.m.IncRequest(s.id, routeName, "TCP", "200")
	s.m.ObserveLatency(s.id, routeName, time.Since(start))
}

// idleTimeoutConn pushes the deadline forward on every read and write.
type idleTimeoutConn struct {
	net.Conn
	timeout time.Duration
}

func (c *idleTimeoutConn) Read(b []byte) (int, error) {
	_ = c.SetDeadline(time.Now().Add(c.timeout))
	return c.Conn.Read(b)
}

func (c *idleTimeoutConn) Write(b []byte) (int, error) {
	_ = c.SetDeadline(time.Now().Add(c.timeout))
	return c.Conn.Write(b)
}
