package listener

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/fabian4/dynaproxy/internal/accesslog"
	fwd "github.com/fabian4/dynaproxy/internal/forward"
	"github.com/fabian4/dynaproxy/internal/metrics"
	"github.com/fabian4/dynaproxy/internal/model"
	"github.com/fabian4/dynaproxy/internal/ratelimit"
	"github.com/fabian4/dynaproxy/internal/router"
	"github.com/fabian4/dynaproxy/internal/store"
)

// DefaultDrainTimeout bounds how long a stopping listener waits for in-flight work.
const DefaultDrainTimeout = 10 * time.Second

// Server is the capability every protocol listener offers.
type Server interface {
	Serve(ln net.Listener) error
	Shutdown(ctx context.Context) error
}

// Deps are the shared collaborators of every listener.
type Deps struct {
	Engine     *router.Engine
	Transports fwd.Factory
	Limiter    *ratelimit.Limiter
	AccessLog  *accesslog.Logger
	Metrics    *metrics.Registry

	// ListenHost is the interface to bind, empty for all.
	ListenHost   string
	DrainTimeout time.Duration
}

// Listener is a bound, not yet serving, protocol server for one service.
type Listener struct {
	svc   model.Service
	srv   Server
	ln    net.Listener
	drain time.Duration
	m     *metrics.Registry

	// h2c connections leave http.Server's bookkeeping once hijacked
	conns *trackingListener
}

// New builds the protocol server for svc without binding.
func New(svc model.Service, d Deps) (Server, error) {
	switch svc.Protocol {
	case model.ProtoTCP:
		return newTCPServer(svc, d), nil
	case model.ProtoHTTP, model.ProtoHTTPS, model.ProtoHTTP2, model.ProtoHTTP2TLS, "":
	default:
		return nil, fmt.Errorf("%w: unsupported protocol %q", model.ErrListenerBind, svc.Protocol)
	}
	h, err := newHTTPHandler(svc, d)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	switch svc.Protocol {
	case model.ProtoHTTP2:
		// prior-knowledge and upgrade h2c on a cleartext port. ConfigureServer lets
		// Shutdown send GOAWAY to the connections h2c hijacks from srv.
		h2s := &http2.Server{IdleTimeout: idleTimeout(svc)}
		srv.Handler = h2c.NewHandler(h, h2s)
		if err := http2.ConfigureServer(srv, h2s); err != nil {
			return nil, fmt.Errorf("%w: http2: %v", model.ErrListenerBind, err)
		}
	case model.ProtoHTTP2TLS:
		srv.TLSConfig = &tls.Config{}
		if err := http2.ConfigureServer(srv, &http2.Server{IdleTimeout: idleTimeout(svc)}); err != nil {
			return nil, fmt.Errorf("%w: http2: %v", model.ErrListenerBind, err)
		}
	}
	return srv, nil
}

// Bind builds the server for svc and binds its port. TLS protocols require
// certificate material on the service; missing or invalid material fails the bind.
func Bind(svc model.Service, d Deps) (*Listener, error) {
	srv, err := New(svc, d)
	if err != nil {
		return nil, err
	}
	var tlsCfg *tls.Config
	if svc.Protocol.TLS() {
		if tlsCfg, err = serverTLS(svc, srv); err != nil {
			return nil, err
		}
	}
	addr := net.JoinHostPort(d.ListenHost, strconv.Itoa(svc.ListenPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", model.ErrListenerBind, addr, err)
	}
	var conns *trackingListener
	switch {
	case tlsCfg != nil:
		ln = tls.NewListener(ln, tlsCfg)
	case svc.Protocol == model.ProtoHTTP2:
		conns = newTrackingListener(ln)
		ln = conns
	}
	drain := d.DrainTimeout
	if drain <= 0 {
		drain = DefaultDrainTimeout
	}
	return &Listener{svc: svc, srv: srv, ln: ln, drain: drain, m: d.Metrics, conns: conns}, nil
}

// Addr is the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// StateFunc receives lifecycle transitions.
type StateFunc func(state model.ListenerState, err error)

// Serve runs the listener until h.Stop fires, then drains and closes h.Done.
func (l *Listener) Serve(h store.Handle, report StateFunc) {
	defer close(h.Done)
	if report == nil {
		report = func(model.ListenerState, error) {}
	}

	errc := make(chan error, 1)
	go func() { errc <- l.srv.Serve(l.ln) }()
	report(model.StateRunning, nil)
	l.m.SetListenerUp(l.svc.ID, true)
	defer l.m.SetListenerUp(l.svc.ID, false)
	log.Printf("[listener] %s %s listening on %s", l.svc.ID, l.svc.Protocol, l.ln.Addr())

	select {
	case <-h.Stop:
	case err := <-errc:
		// the server died on its own
		if err != nil && err != http.ErrServerClosed {
			log.Printf("[listener] %s serve: %v", l.svc.ID, err)
			report(model.StateFailed, err)
			return
		}
	}

	report(model.StateStopping, nil)
	ctx, cancel := context.WithTimeout(context.Background(), l.drain)
	defer cancel()
	if err := l.srv.Shutdown(ctx); err != nil {
		log.Printf("[listener] %s shutdown: %v", l.svc.ID, err)
	}
	if l.conns != nil {
		if n := l.conns.drain(ctx); n > 0 {
			log.Printf("[listener] %s closed %d connections after drain timeout", l.svc.ID, n)
		}
	}
	_ = l.ln.Close()
	report(model.StateStopped, nil)
	log.Printf("[listener] %s stopped", l.svc.ID)
}

// Run is the full lifecycle of one service listener. It binds, reports the bound
// address to bound (which may be nil) and serves until h.Stop fires. A bind failure
// ends in the failed state and is not retried. h.Done is closed when Run returns.
func Run(svc model.Service, d Deps, h store.Handle, report StateFunc, bound func(net.Addr)) *Listener {
	if report == nil {
		report = func(model.ListenerState, error) {}
	}
	report(model.StateStarting, nil)
	l, err := Bind(svc, d)
	if err != nil {
		log.Printf("[listener] %s: %v", svc.ID, err)
		report(model.StateFailed, err)
		close(h.Done)
		return nil
	}
	if bound != nil {
		bound(l.Addr())
	}
	l.Serve(h, report)
	return l
}

func idleTimeout(svc model.Service) time.Duration {
	if svc.Timeouts.Idle > 0 {
		return svc.Timeouts.Idle
	}
	return model.DefaultIdleTimeout
}

func serverTLS(svc model.Service, srv Server) (*tls.Config, error) {
	if svc.TLS == nil || len(svc.TLS.CertPEM) == 0 || len(svc.TLS.KeyPEM) == 0 {
		return nil, fmt.Errorf("%w: %s requires certificate and key", model.ErrListenerBind, svc.Protocol)
	}
	cert, err := tls.X509KeyPair(svc.TLS.CertPEM, svc.TLS.KeyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: tls: %v", model.ErrListenerBind, err)
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, NextProtos: []string{"http/1.1"}}
	if hs, ok := srv.(*http.Server); ok && hs.TLSConfig != nil {
		// carries the h2 ALPN entry installed by http2.ConfigureServer
		cfg = hs.TLSConfig.Clone()
		if cfg.MinVersion == 0 {
			cfg.MinVersion = tls.VersionTLS12
		}
	}
	cfg.Certificates = []tls.Certificate{cert}
	return cfg, nil
}
