package listener

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/netip"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/fabian4/dynaproxy/internal/accesslog"
	fwd "github.com/fabian4/dynaproxy/internal/forward"
	"github.com/fabian4/dynaproxy/internal/model"
	"github.com/fabian4/dynaproxy/internal/ratelimit"
)

type httpHandler struct {
	id              string
	http2           bool
	upstreamTimeout time.Duration
	d               Deps
}

var _ http.Handler = (*httpHandler)(nil)

// newHTTPHandler also registers the transports of routes carrying upstream TLS
// settings; the owner drops them with Factory.Forget(svc.ID + "/").
func newHTTPHandler(svc model.Service, d Deps) (*httpHandler, error) {
	g := &httpHandler{
		id:              svc.ID,
		http2:           svc.Protocol == model.ProtoHTTP2 || svc.Protocol == model.ProtoHTTP2TLS,
		upstreamTimeout: svc.Timeouts.Upstream,
		d:               d,
	}
	for _, r := range svc.Routes {
		cfg, err := r.Cluster.UpstreamTLS.ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("%w: routes %s: upstream tls: %v", model.ErrListenerBind, r.Name, err)
		}
		if cfg == nil {
			continue
		}
		proto := fwd.ForScheme("https", g.http2)
		d.Transports.RegisterCustom(fwd.CustomName(svc.ID, r.Name, proto), cfg, proto)
	}
	return g, nil
}

func (g *httpHandler) transport(scheme string, route model.Route) http.RoundTripper {
	name := fwd.ForScheme(scheme, g.http2)
	if scheme == "https" && route.Cluster.UpstreamTLS != nil {
		name = fwd.CustomName(g.id, route.Name, name)
	}
	return g.d.Transports.Get(name)
}

func (g *httpHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	lw := &accesslog.ResponseWriter{ResponseWriter: w}
	var routeName, upstream string
	defer func() {
		status := lw.StatusCode()
		duration := time.Since(start)
		g.d.AccessLog.Log(accesslog.Entry{
			Time:         start,
			Method:       r.Method,
			Path:         r.URL.Path,
			Protocol:     r.Proto,
			Status:       status,
			Duration:     duration.Milliseconds(),
			RemoteIP:     r.RemoteAddr,
			UserAgent:    r.UserAgent(),
			Referer:      r.Referer(),
			Service:      g.id,
			Route:        routeName,
			Upstream:     upstream,
			BytesWritten: lw.Bytes,
		})
		g.d.Metrics.IncRequest(g.id, routeName, r.Method, strconv.Itoa(status))
		g.d.Metrics.ObserveLatency(g.id, routeName, duration)
	}()

	// the engine reads Host from the header set; net/http moves it to r.Host
	hdr := r.Header.Clone()
	hdr.Set("Host", r.Host)
	res, err := g.d.Engine.Check(g.id, hdr, r.URL.RequestURI(), remoteAddr(r.RemoteAddr))
	if err != nil {
		writeCheckError(lw, err)
		return
	}
	if res == nil {
		http.NotFound(lw, r)
		return
	}
	routeName = res.Route.Name
	upstream = res.Target

	if !g.d.Limiter.Allow(ratelimit.Key(g.id, routeName), res.Route.RateLimit) {
		http.Error(lw, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}

	if res.Filesystem {
		http.ServeFile(lw, r, res.Target)
		return
	}
	g.forward(lw, r, res)
}

func writeCheckError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrInvalidRequest):
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
	case errors.Is(err, model.ErrConfigurationNotFound):
		// the service was removed while this connection was open
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
	default:
		log.Printf("[listener] route: %v", err)
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
	}
}

func (g *httpHandler) forward(w *accesslog.ResponseWriter, r *http.Request, res *model.CheckResult) {
	base := res.Backend.URL()
	tr := g.transport(base.Scheme, res.Route)

	hdr := cloneHeader(r.Header)
	dropHopByHop(hdr)
	addXFF(hdr, r.RemoteAddr)
	setXFProto(hdr, r)
	setXFHost(hdr, r.Host)

	ctx := r.Context()
	if g.upstreamTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.upstreamTimeout)
		defer cancel()
	}

	reqUp, err := http.NewRequestWithContext(ctx, r.Method, res.Target, r.Body)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	reqUp.Header = hdr
	reqUp.Host = base.Host
	reqUp.ContentLength = r.ContentLength
	if r.ContentLength == 0 {
		reqUp.Body = nil
	}
	if len(r.Trailer) > 0 {
		reqUp.Trailer = r.Trailer
	}

	resUp, err := tr.RoundTrip(reqUp)
	if err != nil {
		log.Printf("[listener] %s upstream %s: %v", g.id, res.Target, err)
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			log.Printf("[listener] closing upstream body: %v", err)
		}
	}(resUp.Body)

	dropHopByHop(resUp.Header)
	copyHeaders(w.Header(), resUp.Header)

	// announce the trailers known up front; gRPC servers often send grpc-status undeclared
	if len(resUp.Trailer) > 0 {
		keys := make([]string, 0, len(resUp.Trailer))
		for k := range resUp.Trailer {
			keys = append(keys, k)
		}
		w.Header().Set("Trailer", strings.Join(keys, ","))
	}

	w.WriteHeader(resUp.StatusCode)
	w.Flush()
	_, _ = io.Copy(w, resUp.Body)

	// resUp.Trailer is complete only after EOF; the prefix also carries keys never announced
	for k, vv := range resUp.Trailer {
		for _, v := range vv {
			w.Header().Add(http.TrailerPrefix+k, v)
		}
	}
}

func remoteAddr(s string) net.Addr {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return nil
	}
	return net.TCPAddrFromAddrPort(ap)
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vv := range h {
		cc := make([]string, len(vv))
		copy(cc, vv)
		out[k] = cc
	}
	return out
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst.Del(k)
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

var hopByHop = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func dropHopByHop(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, k := range strings.Split(f, ",") {
			if k = textproto.TrimString(k); k != "" {
				h.Del(k)
			}
		}
	}
	for _, k := range hopByHop {
		// gRPC requires "TE: trailers" end to end
		if k == "TE" && h.Get("TE") == "trailers" {
			continue
		}
		h.Del(k)
	}
}

func addXFF(h http.Header, remoteAddr string) {
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil || ip == "" {
		return
	}
	const key = "X-Forwarded-For"
	if prior := h.Get(key); prior != "" {
		h.Set(key, prior+", "+ip)
	} else {
		h.Set(key, ip)
	}
}

func setXFHost(h http.Header, host string) {
	h.Set("X-Forwarded-Host", host)
}

func setXFProto(h http.Header, r *http.Request) {
	if r.TLS != nil {
		h.Set("X-Forwarded-Proto", "https")
	} else {
		h.Set("X-Forwarded-Proto", "http")
	}
}
