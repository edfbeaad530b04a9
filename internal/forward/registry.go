package forward

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2"
)

// Well-known transport names.
const (
	ProtoHTTP1 = "http1" // strictly HTTP/1.1 to upstream
	ProtoAuto  = "auto"  // ALPN, allow h2 over TLS when available
	ProtoH2C   = "h2c"   // prior-knowledge HTTP/2 over cleartext (gRPC upstreams)
	ProtoH2    = "h2"    // HTTP/2 over TLS only
)

// Options tunes the default transports.
type Options struct {
	// Dial/keepalive
	DialTimeout   time.Duration
	DialKeepAlive time.Duration

	// Pool sizing
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	MaxConnsPerHost     int // 0 = unlimited

	// Timeouts
	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration
	ResponseHeaderTimeout time.Duration // optional, 0 to disable

	// TLS knobs for the base transports; routes with upstream TLS go through RegisterCustom
	InsecureSkipVerify bool
	RootCAs            *x509.CertPool
}

// DefaultOptions mirrors battle-tested proxy-ish settings.
func DefaultOptions() Options {
	return Options{
		DialTimeout:           5 * time.Second,
		DialKeepAlive:         60 * time.Second,
		MaxIdleConns:          512,
		MaxIdleConnsPerHost:   128,
		IdleConnTimeout:       90 * time.Second,
		MaxConnsPerHost:       0,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 0,
		InsecureSkipVerify:    false,
		RootCAs:               nil,
	}
}

// Factory returns a RoundTripper by name.
type Factory interface {
	Get(name string) http.RoundTripper
	Register(name string, rt http.RoundTripper)
	RegisterCustom(name string, tlsConfig *tls.Config, proto string)
	Forget(prefix string)
	CloseIdle()
}

// Registry is a threadsafe map of named RoundTrippers.
type Registry struct {
	mu    sync.RWMutex
	store map[string]http.RoundTripper
	opts  Options
}

var _ Factory = (*Registry)(nil)

// NewDefaultRegistry builds a registry with DefaultOptions.
func NewDefaultRegistry() *Registry { return NewRegistry(DefaultOptions()) }

// NewRegistry builds a registry with given options and pre-registers the four base transports.
func NewRegistry(opts Options) *Registry {
	r := &Registry{
		store: make(map[string]http.RoundTripper),
		opts:  opts,
	}
	r.store[ProtoHTTP1] = r.newHTTP1(nil)
	r.store[ProtoAuto] = r.newAuto(nil)
	r.store[ProtoH2C] = r.newH2C()
	r.store[ProtoH2] = r.newH2(nil)
	return r
}

func (r *Registry) Get(name string) http.RoundTripper {
	r.mu.RLock()
	rt, ok := r.store[name]
	r.mu.RUnlock()
	if ok && rt != nil {
		return rt
	}
	// fallback to http1
	r.mu.RLock()
	fb := r.store[ProtoHTTP1]
	r.mu.RUnlock()
	return fb
}

func (r *Registry) Register(name string, rt http.RoundTripper) {
	if name == "" || rt == nil {
		return
	}
	r.mu.Lock()
	r.store[name] = rt
	r.mu.Unlock()
}

// RegisterCustom builds a transport of the given base proto around a route's own
// upstream TLS settings and registers it under name. A nil tlsConfig uses the defaults.
func (r *Registry) RegisterCustom(name string, tlsConfig *tls.Config, proto string) {
	switch proto {
	case ProtoAuto:
		r.Register(name, r.newAuto(tlsConfig))
	case ProtoH2:
		r.Register(name, r.newH2(tlsConfig))
	case ProtoH2C:
		r.Register(name, r.newH2C())
	default:
		r.Register(name, r.newHTTP1(tlsConfig))
	}
}

// Forget closes the idle connections of every transport whose name starts with
// prefix and drops it. The built-in names never match a non-empty prefix containing "/".
func (r *Registry) Forget(prefix string) {
	if prefix == "" {
		return
	}
	r.mu.Lock()
	var gone []http.RoundTripper
	for name, rt := range r.store {
		if strings.HasPrefix(name, prefix) {
			gone = append(gone, rt)
			delete(r.store, name)
		}
	}
	r.mu.Unlock()
	for _, rt := range gone {
		closeIdle(rt)
	}
}

// CloseIdle calls CloseIdleConnections on all transports in the registry.
func (r *Registry) CloseIdle() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rt := range r.store {
		closeIdle(rt)
	}
}

func closeIdle(rt http.RoundTripper) {
	if t, ok := rt.(interface{ CloseIdleConnections() }); ok {
		t.CloseIdleConnections()
	}
}

// CustomName is the registry name of the transport owned by one route of a service.
func CustomName(serviceID, route, proto string) string {
	return serviceID + "/" + route + "/" + proto
}

// ForScheme picks the transport name for an upstream URL scheme and downstream protocol.
// gRPC over cleartext needs prior-knowledge h2c; over TLS, h2 via ALPN. HTTP/1
// listeners negotiate with https backends and stay on HTTP/1.1 otherwise.
func ForScheme(scheme string, http2Downstream bool) string {
	if !http2Downstream {
		if scheme == "https" {
			return ProtoAuto
		}
		return ProtoHTTP1
	}
	if scheme == "https" {
		return ProtoH2
	}
	return ProtoH2C
}

// --- builders ---

func (r *Registry) tlsConfig(custom *tls.Config, nextProtos ...string) *tls.Config {
	var c *tls.Config
	if custom != nil {
		c = custom.Clone()
	} else {
		c = &tls.Config{InsecureSkipVerify: r.opts.InsecureSkipVerify, RootCAs: r.opts.RootCAs}
	}
	if len(nextProtos) > 0 {
		c.NextProtos = nextProtos
	}
	return c
}

func (r *Registry) newHTTP1(custom *tls.Config) http.RoundTripper {
	dialer := &net.Dialer{
		Timeout:   r.opts.DialTimeout,
		KeepAlive: r.opts.DialKeepAlive,
	}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     false,
		TLSClientConfig:       r.tlsConfig(custom, "http/1.1"),
		MaxIdleConns:          r.opts.MaxIdleConns,
		MaxIdleConnsPerHost:   r.opts.MaxIdleConnsPerHost,
		IdleConnTimeout:       r.opts.IdleConnTimeout,
		MaxConnsPerHost:       r.opts.MaxConnsPerHost,
		TLSHandshakeTimeout:   r.opts.TLSHandshakeTimeout,
		ExpectContinueTimeout: r.opts.ExpectContinueTimeout,
	}
	if r.opts.ResponseHeaderTimeout > 0 {
		tr.ResponseHeaderTimeout = r.opts.ResponseHeaderTimeout
	}
	return tr
}

func (r *Registry) newAuto(custom *tls.Config) http.RoundTripper {
	dialer := &net.Dialer{
		Timeout:   r.opts.DialTimeout,
		KeepAlive: r.opts.DialKeepAlive,
	}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true, // ALPN to h2 when possible; no h2c
		TLSClientConfig:       r.tlsConfig(custom),
		MaxIdleConns:          r.opts.MaxIdleConns,
		MaxIdleConnsPerHost:   r.opts.MaxIdleConnsPerHost,
		IdleConnTimeout:       r.opts.IdleConnTimeout,
		MaxConnsPerHost:       r.opts.MaxConnsPerHost,
		TLSHandshakeTimeout:   r.opts.TLSHandshakeTimeout,
		ExpectContinueTimeout: r.opts.ExpectContinueTimeout,
	}
	if r.opts.ResponseHeaderTimeout > 0 {
		tr.ResponseHeaderTimeout = r.opts.ResponseHeaderTimeout
	}
	return tr
}

func (r *Registry) newH2C() http.RoundTripper {
	dialer := &net.Dialer{
		Timeout:   r.opts.DialTimeout,
		KeepAlive: r.opts.DialKeepAlive,
	}
	return &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
		ReadIdleTimeout: r.opts.IdleConnTimeout,
	}
}

func (r *Registry) newH2(custom *tls.Config) http.RoundTripper {
	return &http2.Transport{
		TLSClientConfig: r.tlsConfig(custom, "h2"),
		ReadIdleTimeout: r.opts.IdleConnTimeout,
	}
}
