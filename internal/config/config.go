package config

import (
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fabian4/dynaproxy/internal/model"
)

// Load reads and parses a service file. It does not build or validate the services.
func Load(path string) ([]ServiceDef, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse decodes a YAML sequence of service definitions. An empty document is zero services.
func Parse(b []byte) ([]ServiceDef, error) {
	var defs []ServiceDef
	if err := yaml.Unmarshal(b, &defs); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	return defs, nil
}

// LoadServices loads, builds and validates every service of the file at path.
func LoadServices(path string) ([]model.Service, error) {
	defs, err := Load(path)
	if err != nil {
		return nil, err
	}
	return BuildAll(defs)
}

// BuildAll builds every definition and rejects two services on one listen port.
func BuildAll(defs []ServiceDef) ([]model.Service, error) {
	out := make([]model.Service, 0, len(defs))
	ports := make(map[int]int, len(defs))
	for i, d := range defs {
		svc, err := Build(d)
		if err != nil {
			return nil, fmt.Errorf("services[%d]: %w", i, err)
		}
		if svc.ListenPort != 0 {
			if j, dup := ports[svc.ListenPort]; dup {
				return nil, fmt.Errorf("services[%d]: listen_port %d already used by services[%d]", i, svc.ListenPort, j)
			}
			ports[svc.ListenPort] = i
		}
		out = append(out, svc)
	}
	return out, nil
}

// Build turns one definition into a validated model.Service, loading TLS material from disk.
func Build(d ServiceDef) (model.Service, error) {
	proto := model.Protocol(strings.ToLower(strings.TrimSpace(d.Protocol)))
	if proto == "" {
		proto = model.ProtoHTTP
	}
	svc := model.Service{ListenPort: d.ListenPort, Protocol: proto}

	var err error
	if svc.Timeouts.Upstream, err = duration(d.Timeouts.Upstream); err != nil {
		return model.Service{}, fmt.Errorf("timeouts.upstream: %v", err)
	}
	if svc.Timeouts.Idle, err = duration(d.Timeouts.Idle); err != nil {
		return model.Service{}, fmt.Errorf("timeouts.idle: %v", err)
	}

	if d.TLS != nil {
		if !proto.TLS() {
			return model.Service{}, fmt.Errorf("tls: protocol %q does not terminate TLS", proto)
		}
		cert, err := os.ReadFile(d.TLS.CertFile)
		if err != nil {
			return model.Service{}, fmt.Errorf("tls.cert_file: %w", err)
		}
		key, err := os.ReadFile(d.TLS.KeyFile)
		if err != nil {
			return model.Service{}, fmt.Errorf("tls.key_file: %w", err)
		}
		svc.TLS = &model.TLSMaterial{CertPEM: cert, KeyPEM: key}
	} else if proto.TLS() {
		return model.Service{}, fmt.Errorf("tls: protocol %q requires cert_file and key_file", proto)
	}

	if len(d.Routes) == 0 {
		return model.Service{}, fmt.Errorf("routes: at least one is required")
	}
	for i, rd := range d.Routes {
		r, err := buildRoute(rd)
		if err != nil {
			return model.Service{}, fmt.Errorf("routes[%d].%w", i, err)
		}
		svc.Routes = append(svc.Routes, r)
	}

	if err := svc.Validate(); err != nil {
		return model.Service{}, err
	}
	return svc, nil
}

func buildRoute(rd RouteDef) (model.Route, error) {
	r := model.Route{
		Name: strings.TrimSpace(rd.Name),
		Match: model.Matcher{
			Host:       strings.ToLower(strings.TrimSpace(rd.Match.Host)),
			PathPrefix: strings.TrimSpace(rd.Match.PathPrefix),
			Headers:    headers(rd.Match.Headers),
		},
		Cluster: model.Cluster{
			Strategy:     model.Strategy(strings.ToLower(strings.TrimSpace(rd.Cluster.Strategy))),
			HealthPolicy: model.HealthPolicy(strings.ToLower(strings.TrimSpace(rd.Cluster.HealthPolicy))),
		},
	}
	if r.Match.PathPrefix != "" && !strings.HasPrefix(r.Match.PathPrefix, "/") {
		return model.Route{}, fmt.Errorf("match.path_prefix: must start with '/'")
	}

	if rd.Auth != nil {
		a := &model.AuthRule{RequireHeaders: headers(rd.Auth.RequireHeaders)}
		var err error
		if a.Allow, err = prefixes(rd.Auth.Allow); err != nil {
			return model.Route{}, fmt.Errorf("auth.allow%w", err)
		}
		if a.Deny, err = prefixes(rd.Auth.Deny); err != nil {
			return model.Route{}, fmt.Errorf("auth.deny%w", err)
		}
		r.Auth = a
	}

	if rd.RateLimit != nil {
		if rd.RateLimit.RequestsPerSecond <= 0 {
			return model.Route{}, fmt.Errorf("rate_limit.requests_per_second: must be positive")
		}
		r.RateLimit = &model.RateLimit{RequestsPerSecond: rd.RateLimit.RequestsPerSecond, Burst: rd.RateLimit.Burst}
	}

	if rd.HealthCheck != nil {
		hc := &model.HealthCheck{Path: strings.TrimSpace(rd.HealthCheck.Path)}
		var err error
		if hc.Interval, err = duration(rd.HealthCheck.Interval); err != nil {
			return model.Route{}, fmt.Errorf("health_check.interval: %v", err)
		}
		if hc.Timeout, err = duration(rd.HealthCheck.Timeout); err != nil {
			return model.Route{}, fmt.Errorf("health_check.timeout: %v", err)
		}
		r.HealthCheck = hc
	}

	if len(rd.Cluster.Backends) == 0 {
		return model.Route{}, fmt.Errorf("cluster.backends: is empty")
	}
	for j, raw := range rd.Cluster.Backends {
		b, err := backend(raw)
		if err != nil {
			return model.Route{}, fmt.Errorf("cluster.backends[%d]: %v", j, err)
		}
		r.Cluster.Backends = append(r.Cluster.Backends, b)
	}
	if t := rd.Cluster.TLS; t != nil {
		u := &model.UpstreamTLS{ServerName: strings.TrimSpace(t.ServerName), InsecureSkipVerify: t.InsecureSkipVerify}
		if t.CAFile != "" {
			ca, err := os.ReadFile(t.CAFile)
			if err != nil {
				return model.Route{}, fmt.Errorf("cluster.tls.ca_file: %w", err)
			}
			u.CAPEM = ca
		}
		r.Cluster.UpstreamTLS = u
	}
	return r, nil
}

// backend accepts "endpoint" or {endpoint, weight}; YAML yields int weights, JSON float64.
func backend(raw any) (model.Backend, error) {
	var endpoint string
	weight := 1
	switch v := raw.(type) {
	case string:
		endpoint = v
	case map[string]any:
		endpoint, _ = v["endpoint"].(string)
		switch w := v["weight"].(type) {
		case nil:
		case int:
			weight = w
		case float64:
			weight = int(w)
		default:
			return model.Backend{}, fmt.Errorf("weight: invalid type %T", w)
		}
	default:
		return model.Backend{}, fmt.Errorf("invalid format")
	}
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return model.Backend{}, fmt.Errorf("endpoint is required")
	}
	if weight < 1 {
		return model.Backend{}, fmt.Errorf("weight: must be >= 1")
	}
	b := model.NewBackend(endpoint, weight)
	if b.IsFilesystem() && strings.Contains(endpoint, "://") {
		return model.Backend{}, fmt.Errorf("endpoint %q: URL needs a host", endpoint)
	}
	return b, nil
}

func headers(hs []HeaderDef) []model.HeaderMatch {
	if len(hs) == 0 {
		return nil
	}
	out := make([]model.HeaderMatch, len(hs))
	for i, h := range hs {
		out[i] = model.HeaderMatch{Name: strings.TrimSpace(h.Name), Value: h.Value, Pattern: h.Regex}
	}
	return out
}

// prefixes parses CIDRs; a bare address is its own /32 or /128.
func prefixes(ss []string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for i, s := range ss {
		s = strings.TrimSpace(s)
		if !strings.Contains(s, "/") {
			a, err := netip.ParseAddr(s)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %v", i, err)
			}
			out = append(out, netip.PrefixFrom(a, a.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %v", i, err)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

func duration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("must not be negative")
	}
	return d, nil
}
