package health

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/fabian4/dynaproxy/internal/metrics"
	"github.com/fabian4/dynaproxy/internal/model"
)

const defaultProbeTimeout = 2 * time.Second

// Updater receives probe outcomes. *store.Store satisfies it.
type Updater interface {
	SetBackendHealth(id, route, endpoint string, healthy bool) error
}

// Prober builds check functions that probe a route's backends and record liveness.
type Prober struct {
	Updater   Updater
	Transport http.RoundTripper
	Metrics   *metrics.Registry
}

// TaskID names the health task of one route of one service.
func TaskID(serviceID, route string) string {
	return serviceID + "/" + route
}

// Check returns the probe for route r of service id. Backends are captured at call time;
// a service update resubmits the task with the new set.
func (p *Prober) Check(id string, r model.Route) CheckFunc {
	hc := model.HealthCheck{}
	if r.HealthCheck != nil {
		hc = *r.HealthCheck
	}
	if hc.Timeout <= 0 {
		hc.Timeout = defaultProbeTimeout
	}
	backends := append([]model.Backend(nil), r.Cluster.Backends...)
	rt := p.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	// https backends of a cluster with its own CA are checked with that CA
	if cfg, err := r.Cluster.UpstreamTLS.ClientConfig(); err == nil && cfg != nil {
		if t, ok := rt.(*http.Transport); ok {
			t = t.Clone()
			t.TLSClientConfig = cfg
			rt = t
		}
	}
	client := &http.Client{
		Transport: rt,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return func(ctx context.Context) {
		for _, b := range backends {
			if ctx.Err() != nil {
				return
			}
			err := probe(ctx, client, b, hc)
			healthy := err == nil
			if err != nil {
				log.Printf("[health] %s route=%s backend=%s unhealthy: %v", id, r.Name, b.Endpoint, err)
			}
			// a removed service is not an error worth logging
			_ = p.Updater.SetBackendHealth(id, r.Name, b.Endpoint, healthy)
			p.Metrics.ObserveHealthCheck(id, r.Name, b.Endpoint, healthy)
		}
	}
}

func probe(ctx context.Context, client *http.Client, b model.Backend, hc model.HealthCheck) error {
	ctx, cancel := context.WithTimeout(ctx, hc.Timeout)
	defer cancel()

	if b.IsFilesystem() {
		fi, err := os.Stat(b.Endpoint)
		if err != nil {
			return err
		}
		if !fi.IsDir() {
			return fmt.Errorf("%s is not a directory", b.Endpoint)
		}
		return nil
	}

	u := b.URL()
	if hc.Path == "" || (u.Scheme != "http" && u.Scheme != "https") {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", hostPort(u))
		if err != nil {
			return err
		}
		return conn.Close()
	}

	target := *u
	target.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(hc.Path, "/")
	target.RawPath, target.RawQuery = "", ""
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func hostPort(u *url.URL) string {
	if port := u.Port(); port != "" {
		return net.JoinHostPort(u.Hostname(), port)
	}
	if u.Scheme == "https" {
		return net.JoinHostPort(u.Hostname(), "443")
	}
	return net.JoinHostPort(u.Hostname(), "80")
}
