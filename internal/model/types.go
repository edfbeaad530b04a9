package model

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"regexp"
	"time"
)

// Protocol is the framing a service listener speaks downstream.
type Protocol string

const (
	ProtoHTTP     Protocol = "http"
	ProtoHTTPS    Protocol = "https"
	ProtoTCP      Protocol = "tcp"
	ProtoHTTP2    Protocol = "http2"     // h2c, cleartext gRPC
	ProtoHTTP2TLS Protocol = "http2_tls" // h2 over TLS
)

// TLS reports whether the protocol terminates TLS and therefore needs certificate material.
func (p Protocol) TLS() bool { return p == ProtoHTTPS || p == ProtoHTTP2TLS }

// Valid reports whether p is one of the known protocols.
func (p Protocol) Valid() bool {
	switch p {
	case ProtoHTTP, ProtoHTTPS, ProtoTCP, ProtoHTTP2, ProtoHTTP2TLS:
		return true
	}
	return false
}

// ListenerState tracks the lifecycle of a service's listener task.
type ListenerState string

const (
	StateStarting ListenerState = "starting"
	StateRunning  ListenerState = "running"
	StateStopping ListenerState = "stopping"
	StateStopped  ListenerState = "stopped"
	StateFailed   ListenerState = "failed"
)

// Service is one exposed proxy endpoint: port + protocol + ordered routing table.
type Service struct {
	ID         string       `json:"id"`
	ListenPort int          `json:"listen_port"`
	Protocol   Protocol     `json:"protocol"`
	Routes     []Route      `json:"routes"`
	TLS        *TLSMaterial `json:"-"`
	Timeouts   Timeouts     `json:"timeouts"`

	// Runtime state, filled in by the store on snapshot.
	State     ListenerState `json:"state,omitempty"`
	Addr      string        `json:"addr,omitempty"`
	LastError string        `json:"last_error,omitempty"`
}

// TLSMaterial is already-loaded PEM certificate chain and private key.
type TLSMaterial struct {
	CertPEM []byte
	KeyPEM  []byte
}

type Timeouts struct {
	Upstream time.Duration `json:"upstream"` // 0 = no per-request bound beyond transport defaults
	Idle     time.Duration `json:"idle"`     // TCP idle timeout, 0 = DefaultIdleTimeout
}

const DefaultIdleTimeout = 5 * time.Minute

// Route match + authorization + backend cluster.
type Route struct {
	Name        string       `json:"name"`
	Match       Matcher      `json:"match"`
	Auth        *AuthRule    `json:"auth,omitempty"`
	Cluster     Cluster      `json:"cluster"`
	RateLimit   *RateLimit   `json:"rate_limit,omitempty"`
	HealthCheck *HealthCheck `json:"health_check,omitempty"`
}

type Matcher struct {
	Host       string        `json:"host,omitempty"` // empty => any; "*.example.com" => subdomains
	PathPrefix string        `json:"path_prefix"`    // must start with "/"
	Headers    []HeaderMatch `json:"headers,omitempty"`
}

// HeaderMatch is a predicate on one request header. With Pattern set the value
// must match the regex, with Value set it must be equal, otherwise presence is enough.
type HeaderMatch struct {
	Name    string `json:"name"`
	Value   string `json:"value,omitempty"`
	Pattern string `json:"regex,omitempty"`

	re *regexp.Regexp
}

// Compile prepares the regex, if any. Must be called before Matches on a Pattern predicate.
func (h *HeaderMatch) Compile() error {
	if h.Pattern == "" {
		h.re = nil
		return nil
	}
	re, err := regexp.Compile(h.Pattern)
	if err != nil {
		return err
	}
	h.re = re
	return nil
}

func (h HeaderMatch) Matches(hdr http.Header) bool {
	vv := hdr.Values(h.Name)
	if len(vv) == 0 {
		return false
	}
	for _, v := range vv {
		switch {
		case h.re != nil:
			if h.re.MatchString(v) {
				return true
			}
		case h.Value != "":
			if v == h.Value {
				return true
			}
		default:
			return true
		}
	}
	return false
}

// AuthRule authorizes a caller by address and, optionally, required headers.
// Deny wins over Allow; an empty Allow list admits every address not denied.
type AuthRule struct {
	Allow          []netip.Prefix `json:"allow,omitempty"`
	Deny           []netip.Prefix `json:"deny,omitempty"`
	RequireHeaders []HeaderMatch  `json:"require_headers,omitempty"`
}

func (a *AuthRule) Allowed(addr netip.Addr, hdr http.Header) bool {
	if a == nil {
		return true
	}
	addr = addr.Unmap()
	for _, p := range a.Deny {
		if p.Contains(addr) {
			return false
		}
	}
	if len(a.Allow) > 0 {
		ok := false
		for _, p := range a.Allow {
			if p.Contains(addr) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for _, h := range a.RequireHeaders {
		if !h.Matches(hdr) {
			return false
		}
	}
	return true
}

type Strategy string

const (
	StrategyRoundRobin Strategy = "round_robin"
	StrategyWeighted   Strategy = "weighted"
	StrategyRandom     Strategy = "random"
)

// HealthPolicy decides how liveness flags influence selection.
type HealthPolicy string

const (
	// PolicyAdvisory prefers live backends but falls back to unhealthy ones when none are live.
	PolicyAdvisory HealthPolicy = "advisory"
	// PolicyStrict never selects an unhealthy backend.
	PolicyStrict HealthPolicy = "strict"
)

type Cluster struct {
	Strategy     Strategy     `json:"strategy"`
	HealthPolicy HealthPolicy `json:"health_policy"`
	Backends     []Backend    `json:"backends"` // non-empty

	// UpstreamTLS verifies https backends against a private CA or a fixed server name.
	UpstreamTLS *UpstreamTLS `json:"upstream_tls,omitempty"`
}

type UpstreamTLS struct {
	CAPEM              []byte `json:"ca_pem,omitempty"`
	ServerName         string `json:"server_name,omitempty"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify,omitempty"`
}

// ClientConfig builds the client side TLS configuration; nil u yields nil.
func (u *UpstreamTLS) ClientConfig() (*tls.Config, error) {
	if u == nil {
		return nil, nil
	}
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         u.ServerName,
		InsecureSkipVerify: u.InsecureSkipVerify,
	}
	if len(u.CAPEM) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(u.CAPEM) {
			return nil, fmt.Errorf("ca: no PEM certificates found")
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// Backend is one forwarding target: a network URL or a local directory.
type Backend struct {
	Endpoint string `json:"endpoint"`
	Weight   int    `json:"weight"`
	Healthy  bool   `json:"healthy"`

	url *url.URL
}

// NewBackend classifies endpoint as URL (has a scheme and host) or filesystem path.
func NewBackend(endpoint string, weight int) Backend {
	if weight <= 0 {
		weight = 1
	}
	b := Backend{Endpoint: endpoint, Weight: weight, Healthy: true}
	if u, err := url.Parse(endpoint); err == nil && u.Scheme != "" && u.Host != "" {
		b.url = u
	}
	return b
}

// URL returns the parsed endpoint, nil for filesystem backends.
func (b Backend) URL() *url.URL { return b.url }

func (b Backend) IsFilesystem() bool { return b.url == nil }

type RateLimit struct {
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
}

type HealthCheck struct {
	Path     string        `json:"path,omitempty"` // HTTP GET path; empty => TCP dial
	Interval time.Duration `json:"interval"`
	Timeout  time.Duration `json:"timeout"`
}

// CheckResult is the per-request outcome of a successful match.
type CheckResult struct {
	Target     string // forward URL or filesystem path
	Filesystem bool
	Route      Route
	Backend    Backend
}

// Clone returns a deep copy safe to hand out of the store's critical section.
func (s Service) Clone() Service {
	out := s
	if s.Routes != nil {
		out.Routes = make([]Route, len(s.Routes))
		for i, r := range s.Routes {
			out.Routes[i] = r.Clone()
		}
	}
	if s.TLS != nil {
		t := *s.TLS
		out.TLS = &t
	}
	return out
}

func (r Route) Clone() Route {
	out := r
	out.Match.Headers = append([]HeaderMatch(nil), r.Match.Headers...)
	if r.Auth != nil {
		a := AuthRule{
			Allow:          append([]netip.Prefix(nil), r.Auth.Allow...),
			Deny:           append([]netip.Prefix(nil), r.Auth.Deny...),
			RequireHeaders: append([]HeaderMatch(nil), r.Auth.RequireHeaders...),
		}
		out.Auth = &a
	}
	out.Cluster.Backends = append([]Backend(nil), r.Cluster.Backends...)
	if r.Cluster.UpstreamTLS != nil {
		u := *r.Cluster.UpstreamTLS
		u.CAPEM = append([]byte(nil), u.CAPEM...)
		out.Cluster.UpstreamTLS = &u
	}
	if r.RateLimit != nil {
		rl := *r.RateLimit
		out.RateLimit = &rl
	}
	if r.HealthCheck != nil {
		hc := *r.HealthCheck
		out.HealthCheck = &hc
	}
	return out
}

// Compile prepares every header predicate of the service and reports the first bad regex.
func (s *Service) Compile() error {
	for i := range s.Routes {
		r := &s.Routes[i]
		for j := range r.Match.Headers {
			if err := r.Match.Headers[j].Compile(); err != nil {
				return fmt.Errorf("routes[%d].match.headers[%d]: %w", i, j, err)
			}
		}
		if r.Auth == nil {
			continue
		}
		for j := range r.Auth.RequireHeaders {
			if err := r.Auth.RequireHeaders[j].Compile(); err != nil {
				return fmt.Errorf("routes[%d].auth.require_headers[%d]: %w", i, j, err)
			}
		}
	}
	return nil
}

// Validate checks the structural invariants of a definition and compiles its predicates.
// Route names default to "route-<index>" and must be unique within the service.
func (s *Service) Validate() error {
	if !s.Protocol.Valid() {
		return fmt.Errorf("%w: protocol %q", ErrInvalidConfig, s.Protocol)
	}
	if s.ListenPort < 0 || s.ListenPort > 65535 {
		return fmt.Errorf("%w: listen_port %d out of range", ErrInvalidConfig, s.ListenPort)
	}
	seen := make(map[string]bool, len(s.Routes))
	for i := range s.Routes {
		r := &s.Routes[i]
		if r.Name == "" {
			r.Name = fmt.Sprintf("route-%d", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("%w: routes[%d]: duplicate name %q", ErrInvalidConfig, i, r.Name)
		}
		seen[r.Name] = true
		if p := r.Match.PathPrefix; p != "" && p[0] != '/' {
			return fmt.Errorf("%w: routes[%d].match.path_prefix %q must start with /", ErrInvalidConfig, i, p)
		}
		if len(r.Cluster.Backends) == 0 {
			return fmt.Errorf("%w: routes[%d].cluster: no backends", ErrInvalidConfig, i)
		}
		switch r.Cluster.Strategy {
		case "", StrategyRoundRobin, StrategyWeighted, StrategyRandom:
		default:
			return fmt.Errorf("%w: routes[%d].cluster.strategy %q", ErrInvalidConfig, i, r.Cluster.Strategy)
		}
		switch r.Cluster.HealthPolicy {
		case "", PolicyAdvisory, PolicyStrict:
		default:
			return fmt.Errorf("%w: routes[%d].cluster.health_policy %q", ErrInvalidConfig, i, r.Cluster.HealthPolicy)
		}
		if _, err := r.Cluster.UpstreamTLS.ClientConfig(); err != nil {
			return fmt.Errorf("%w: routes[%d].cluster.tls: %v", ErrInvalidConfig, i, err)
		}
		for j, b := range r.Cluster.Backends {
			if b.Endpoint == "" {
				return fmt.Errorf("%w: routes[%d].cluster.backends[%d]: empty endpoint", ErrInvalidConfig, i, j)
			}
			if s.Protocol == ProtoTCP && b.IsFilesystem() {
				return fmt.Errorf("%w: routes[%d].cluster.backends[%d]: tcp services need a network endpoint", ErrInvalidConfig, i, j)
			}
		}
	}
	if err := s.Compile(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}
