package router

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/fabian4/dynaproxy/internal/model"
	"github.com/fabian4/dynaproxy/internal/store"
)

// Engine matches requests against a service's routing table and selects a backend.
type Engine struct {
	store *store.Store
}

func NewEngine(s *store.Store) *Engine {
	return &Engine{store: s}
}

// Check resolves one request of service id.
// It returns (nil, nil) when no route matches or the first matching route refuses the caller;
// the caller cannot tell the two cases apart.
// The Host header, when relevant, is read from hdr.
func (e *Engine) Check(id string, hdr http.Header, uri string, peer net.Addr) (*model.CheckResult, error) {
	u, err := url.ParseRequestURI(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidRequest, err)
	}
	if hdr == nil {
		hdr = http.Header{}
	}
	addr := peerAddr(peer)
	host := strings.ToLower(hostOnly(hdr.Get("Host")))

	var (
		matched bool
		rest    string
		route   model.Route
		backend model.Backend
		pickErr error
	)
	err = e.store.View(id, func(svc *model.Service, pick store.PickFunc) error {
		for i := range svc.Routes {
			r := &svc.Routes[i]
			rem, ok := matchRoute(r, host, u.Path, hdr)
			if !ok {
				continue
			}
			// first match wins, even when refused
			if !r.Auth.Allowed(addr, hdr) {
				return nil
			}
			bi := pick(i)
			if bi < 0 {
				pickErr = fmt.Errorf("%w: route %s has no selectable backend", model.ErrBackendUnreachable, r.Name)
				return nil
			}
			matched, rest = true, rem
			route = r.Clone()
			backend = r.Cluster.Backends[bi]
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if pickErr != nil {
		return nil, pickErr
	}
	if !matched {
		return nil, nil
	}

	res := &model.CheckResult{Route: route, Backend: backend}
	if backend.IsFilesystem() {
		target, err := resolvePath(backend.Endpoint, rest)
		if err != nil {
			return nil, err
		}
		res.Target, res.Filesystem = target, true
		return res, nil
	}
	target, err := resolveURL(backend.URL(), rest, u.RawQuery)
	if err != nil {
		return nil, err
	}
	res.Target = target
	return res, nil
}

func matchRoute(r *model.Route, host, path string, hdr http.Header) (string, bool) {
	if r.Match.Host != "" && !hostMatch(host, strings.ToLower(r.Match.Host)) {
		return "", false
	}
	if !pathPrefixMatch(path, r.Match.PathPrefix) {
		return "", false
	}
	for _, h := range r.Match.Headers {
		if !h.Matches(hdr) {
			return "", false
		}
	}
	return remainder(path, r.Match.PathPrefix), true
}

// remainder is the part of path after prefix, always starting with "/" unless empty.
func remainder(path, prefix string) string {
	if prefix == "/" || prefix == "" {
		return path
	}
	rest := strings.TrimPrefix(path, strings.TrimSuffix(prefix, "/"))
	if rest != "" && !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	return rest
}

// resolveURL joins rest onto the base URL's path and carries the request query.
//
//	base=http://example.com/api rest=/v1/items => http://example.com/api/v1/items
func resolveURL(base *url.URL, rest, rawQuery string) (string, error) {
	u := new(url.URL)
	*u = *base
	if rest != "" {
		u.Path = joinSlash(base.Path, rest)
		u.RawPath = ""
	} else if u.Path == "" {
		u.Path = "/"
	}
	if rawQuery != "" {
		u.RawQuery = rawQuery
	}
	u.Fragment = ""
	target := u.String()
	if _, err := url.Parse(target); err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrRouting, err)
	}
	return target, nil
}

// resolvePath joins rest under root. ".." segments are resolved lexically inside
// root and symlinks are followed without escaping it.
func resolvePath(root, rest string) (string, error) {
	target, err := securejoin.SecureJoin(root, rest)
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrRouting, err)
	}
	return target, nil
}

func peerAddr(peer net.Addr) netip.Addr {
	if peer == nil {
		return netip.Addr{}
	}
	if ap, err := netip.ParseAddrPort(peer.String()); err == nil {
		return ap.Addr().Unmap()
	}
	if a, err := netip.ParseAddr(peer.String()); err == nil {
		return a.Unmap()
	}
	return netip.Addr{}
}

func joinSlash(a, b string) string {
	as := strings.HasSuffix(a, "/")
	bs := strings.HasPrefix(b, "/")
	switch {
	case as && bs:
		return a + b[1:]
	case !as && !bs:
		return a + "/" + b
	default:
		return a + b
	}
}

// pathPrefixMatch ensures PathPrefix behaves like a path-segment prefix, not a raw string prefix.
// Examples:
//
//	prefix="/api"  matches "/api", "/api/", "/api/v1" but NOT "/apiary"
//	prefix="/api/" matches "/api/v1", "/api/foo" but NOT "/api"
//	prefix="/"     matches everything.
func pathPrefixMatch(path, prefix string) bool {
	if prefix == "/" || prefix == "" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) {
		return true
	}
	return strings.HasSuffix(prefix, "/") || path[len(prefix)] == '/'
}

func hostMatch(host, pattern string) bool {
	if strings.HasPrefix(pattern, "*.") && len(pattern) > 2 {
		return wildcardHostMatch(host, pattern[2:])
	}
	return host == pattern
}

// wildcardHostMatch implements "*.example.com" semantics:
//   - "api.example.com" matches suffix "example.com"
//   - "example.com" does NOT match suffix "example.com"
//   - "deep.api.example.com" also matches suffix "example.com"
func wildcardHostMatch(host, suffix string) bool {
	if host == "" || suffix == "" {
		return false
	}
	if len(host) <= len(suffix) {
		return false
	}
	if !strings.HasSuffix(host, suffix) {
		return false
	}
	idx := len(host) - len(suffix) - 1
	return idx >= 0 && host[idx] == '.'
}

func hostOnly(h string) string {
	if strings.HasPrefix(h, "[") {
		if i := strings.IndexByte(h, ']'); i >= 0 {
			return h[1:i]
		}
	}
	if i := strings.IndexByte(h, ':'); i >= 0 {
		return h[:i]
	}
	return h
}
