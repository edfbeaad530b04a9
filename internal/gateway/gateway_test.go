package gateway

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/fabian4/dynaproxy/internal/health"
	"github.com/fabian4/dynaproxy/internal/listener"
	"github.com/fabian4/dynaproxy/internal/model"
)

func newOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	o := New(Options{Deps: listener.Deps{ListenHost: "127.0.0.1", DrainTimeout: time.Second}})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return o
}

func service(port int, prefix, endpoint string) model.Service {
	return model.Service{
		ListenPort: port,
		Protocol:   model.ProtoHTTP,
		Routes: []model.Route{{
			Name:    "r",
			Match:   model.Matcher{PathPrefix: prefix},
			Cluster: model.Cluster{Backends: []model.Backend{model.NewBackend(endpoint, 1)}},
		}},
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func waitState(t *testing.T, o *Orchestrator, id string, want model.ListenerState) model.Service {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		svc, err := o.GetService(id)
		if err == nil && svc.State == want {
			return svc
		}
		if time.Now().After(deadline) {
			t.Fatalf("service %s: state %q (err %v), want %q", id, svc.State, err, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func body(t *testing.T, url string) string {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return string(b)
}

func upstream(t *testing.T, reply string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestApplyService_ConcurrentIDsAreUnique(t *testing.T) {
	o := newOrchestrator(t)
	up := upstream(t, "ok")

	const n = 20
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := o.ApplyService(service(0, "/", up))
			if err != nil {
				t.Errorf("apply %d: %v", i, err)
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, id := range ids {
		if id == "" || seen[id] {
			t.Fatalf("duplicate or empty id %q in %v", id, ids)
		}
		seen[id] = true
	}
	if got := len(o.Snapshot()); got != n {
		t.Fatalf("snapshot: got %d services, want %d", got, n)
	}
}

func TestApplyService_ServesAndRemoves(t *testing.T) {
	o := newOrchestrator(t)
	id, err := o.ApplyService(service(0, "/users", upstream(t, "users")))
	if err != nil {
		t.Fatal(err)
	}
	svc := waitState(t, o, id, model.StateRunning)
	if svc.Addr == "" {
		t.Fatalf("bound address not recorded")
	}
	if got := body(t, "http://"+svc.Addr+"/users/42"); got != "users" {
		t.Fatalf("got %q, want users", got)
	}

	if err := o.RemoveService(id); err != nil {
		t.Fatal(err)
	}
	if _, err := http.Get("http://" + svc.Addr + "/users/42"); err == nil {
		t.Fatalf("removed service still accepting")
	}
	if err := o.RemoveService(id); !errors.Is(err, model.ErrTaskNotFound) {
		t.Fatalf("second remove: got %v, want ErrTaskNotFound", err)
	}
	if err := o.RemoveService("never-applied"); !errors.Is(err, model.ErrTaskNotFound) {
		t.Fatalf("unknown remove: got %v, want ErrTaskNotFound", err)
	}
}

func TestApplyService_Invalid(t *testing.T) {
	o := newOrchestrator(t)
	svc := service(0, "/", "http://b")
	svc.Routes[0].Cluster.Backends = nil
	if _, err := o.ApplyService(svc); !errors.Is(err, model.ErrInvalidConfig) {
		t.Fatalf("got %v, want ErrInvalidConfig", err)
	}
	if len(o.Snapshot()) != 0 {
		t.Fatalf("invalid service was stored")
	}
}

func TestApplyService_BindFailureIsolated(t *testing.T) {
	o := newOrchestrator(t)
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()
	up := upstream(t, "ok")

	bad, err := o.ApplyService(service(busy.Addr().(*net.TCPAddr).Port, "/", up))
	if err != nil {
		t.Fatal(err)
	}
	good, err := o.ApplyService(service(0, "/", up))
	if err != nil {
		t.Fatal(err)
	}

	failed := waitState(t, o, bad, model.StateFailed)
	if failed.LastError == "" {
		t.Fatalf("failed service has no error recorded")
	}
	svc := waitState(t, o, good, model.StateRunning)
	if got := body(t, "http://"+svc.Addr+"/"); got != "ok" {
		t.Fatalf("got %q", got)
	}
	// a failed service can still be removed
	if err := o.RemoveService(bad); err != nil {
		t.Fatal(err)
	}
}

func TestUpdateService_RestartsWithSameID(t *testing.T) {
	o := newOrchestrator(t)
	port := freePort(t)
	id, err := o.ApplyService(service(port, "/", upstream(t, "v1")))
	if err != nil {
		t.Fatal(err)
	}
	svc := waitState(t, o, id, model.StateRunning)
	if got := body(t, "http://"+svc.Addr+"/"); got != "v1" {
		t.Fatalf("before update: got %q", got)
	}

	if err := o.UpdateService(id, service(port, "/", upstream(t, "v2"))); err != nil {
		t.Fatal(err)
	}
	svc = waitState(t, o, id, model.StateRunning)
	// the old keep-alive connection belongs to the stopped listener
	http.DefaultTransport.(*http.Transport).CloseIdleConnections()
	if got := body(t, "http://"+svc.Addr+"/"); got != "v2" {
		t.Fatalf("after update: got %q", got)
	}
	if err := o.UpdateService("missing", service(port, "/", "http://x")); !errors.Is(err, model.ErrConfigurationNotFound) {
		t.Fatalf("update unknown: got %v", err)
	}
}

func TestHealthTasksFollowServiceLifecycle(t *testing.T) {
	o := newOrchestrator(t)
	svc := service(0, "/", upstream(t, "ok"))
	svc.Routes[0].HealthCheck = &model.HealthCheck{Path: "/", Interval: time.Hour}

	id, err := o.ApplyService(svc)
	if err != nil {
		t.Fatal(err)
	}
	tid := health.TaskID(id, "r")
	if !o.pool.Has(tid) {
		t.Fatalf("health task %s not registered", tid)
	}

	svc.Routes[0].HealthCheck = nil
	if err := o.UpdateService(id, svc); err != nil {
		t.Fatal(err)
	}
	if o.pool.Has(tid) {
		t.Fatalf("health task survived an update that removed it")
	}

	svc.Routes[0].HealthCheck = &model.HealthCheck{Interval: time.Hour}
	if err := o.UpdateService(id, svc); err != nil {
		t.Fatal(err)
	}
	if err := o.RemoveService(id); err != nil {
		t.Fatal(err)
	}
	if o.pool.Len() != 0 {
		t.Fatalf("health tasks left after remove: %d", o.pool.Len())
	}
}

func TestHealthChecksMarkBackends(t *testing.T) {
	o := newOrchestrator(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	dead := "http://" + ln.Addr().String()
	ln.Close()

	svc := service(0, "/", dead)
	svc.Routes[0].HealthCheck = &model.HealthCheck{Interval: 5 * time.Millisecond, Timeout: 100 * time.Millisecond}
	id, err := o.ApplyService(svc)
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		got, _ := o.GetService(id)
		if !got.Routes[0].Cluster.Backends[0].Healthy {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("backend never marked unhealthy")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBootAndReconcile(t *testing.T) {
	o := newOrchestrator(t)
	pa, pb, pc := freePort(t), freePort(t), freePort(t)
	up := upstream(t, "ok")

	if err := o.Boot([]model.Service{service(pa, "/", up), service(pb, "/", up)}); err != nil {
		t.Fatal(err)
	}
	byPort := func() map[int]string {
		m := map[int]string{}
		for _, s := range o.Snapshot() {
			m[s.ListenPort] = s.ID
		}
		return m
	}
	before := byPort()
	if len(before) != 2 {
		t.Fatalf("boot: got %v", before)
	}

	// a control-plane service is never touched by reconcile
	manual, err := o.ApplyService(service(0, "/", up))
	if err != nil {
		t.Fatal(err)
	}

	// a unchanged, b changed, c new, and nothing removed yet
	if err := o.Reconcile([]model.Service{service(pa, "/", up), service(pb, "/v2", up), service(pc, "/", up)}); err != nil {
		t.Fatal(err)
	}
	after := byPort()
	if after[pa] != before[pa] || after[pb] != before[pb] || after[pc] == "" {
		t.Fatalf("reconcile: before %v after %v", before, after)
	}
	got, _ := o.GetService(after[pb])
	if got.Routes[0].Match.PathPrefix != "/v2" {
		t.Fatalf("changed service not updated: %+v", got.Routes[0].Match)
	}

	if err := o.Reconcile([]model.Service{service(pc, "/", up)}); err != nil {
		t.Fatal(err)
	}
	final := byPort()
	if _, ok := final[pa]; ok {
		t.Fatalf("vanished port %d still present", pa)
	}
	if _, ok := final[pb]; ok {
		t.Fatalf("vanished port %d still present", pb)
	}
	if _, err := o.GetService(manual); err != nil {
		t.Fatalf("control-plane service removed by reconcile: %v", err)
	}
}

func TestReconcile_DuplicatePorts(t *testing.T) {
	o := newOrchestrator(t)
	err := o.Reconcile([]model.Service{service(9999, "/", "http://a"), service(9999, "/", "http://b")})
	if !errors.Is(err, model.ErrInvalidConfig) {
		t.Fatalf("got %v, want ErrInvalidConfig", err)
	}
}

func TestShutdownStopsEverything(t *testing.T) {
	o := New(Options{Deps: listener.Deps{ListenHost: "127.0.0.1", DrainTimeout: time.Second}})
	id, err := o.ApplyService(service(0, "/", upstream(t, "ok")))
	if err != nil {
		t.Fatal(err)
	}
	svc := waitState(t, o, id, model.StateRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := http.Get("http://" + svc.Addr + "/"); err == nil {
		t.Fatalf("listener still accepting after shutdown")
	}
}

func TestShutdownRefusesNewListeners(t *testing.T) {
	o := New(Options{Deps: listener.Deps{ListenHost: "127.0.0.1", DrainTimeout: time.Second}})
	id, err := o.ApplyService(service(0, "/", upstream(t, "ok")))
	if err != nil {
		t.Fatal(err)
	}
	waitState(t, o, id, model.StateRunning)

	// Apply calls racing Shutdown either win or see ErrClosed; none may panic the WaitGroup
	var wg sync.WaitGroup
	errc := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := o.ApplyService(service(0, "/", "http://127.0.0.1:1")); err != nil {
				errc <- err
			}
		}()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	wg.Wait()
	close(errc)
	for err := range errc {
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("racing apply: got %v, want ErrClosed", err)
		}
	}

	if _, err := o.ApplyService(service(0, "/", "http://127.0.0.1:1")); !errors.Is(err, ErrClosed) {
		t.Fatalf("apply after shutdown: got %v, want ErrClosed", err)
	}
	if err := o.UpdateService(id, service(0, "/", "http://127.0.0.1:1")); !errors.Is(err, ErrClosed) {
		t.Fatalf("update after shutdown: got %v, want ErrClosed", err)
	}
	if err := o.Shutdown(ctx); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
}
