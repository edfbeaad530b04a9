package store

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/fabian4/dynaproxy/internal/model"
)

func svc(id string, port int) model.Service {
	return model.Service{
		ID:         id,
		ListenPort: port,
		Protocol:   model.ProtoHTTP,
		Routes: []model.Route{{
			Name:  "r1",
			Match: model.Matcher{PathPrefix: "/"},
			Cluster: model.Cluster{Backends: []model.Backend{
				model.NewBackend("http://10.0.0.1:9000", 1),
				model.NewBackend("http://10.0.0.2:9000", 1),
			}},
		}},
	}
}

func TestStore_InsertGetDelete(t *testing.T) {
	s := New()
	h := NewHandle()
	if err := s.Insert(svc("a", 8080), h); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := s.Get("a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ListenPort != 8080 || got.State != model.StateStarting {
		t.Fatalf("Get: got port=%d state=%q", got.ListenPort, got.State)
	}

	dh, err := s.Delete("a")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if dh.Done != h.Done {
		t.Fatalf("Delete returned a different handle")
	}
	if _, err := s.Get("a"); !errors.Is(err, model.ErrConfigurationNotFound) {
		t.Fatalf("Get after delete: got %v, want ErrConfigurationNotFound", err)
	}
	if _, err := s.Delete("a"); !errors.Is(err, model.ErrConfigurationNotFound) {
		t.Fatalf("second Delete: got %v, want ErrConfigurationNotFound", err)
	}
}

func TestStore_IDsNeverReused(t *testing.T) {
	s := New()
	if err := s.Insert(svc("a", 1), NewHandle()); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Delete("a"); err != nil {
		t.Fatal(err)
	}
	if err := s.Insert(svc("a", 1), NewHandle()); err == nil {
		t.Fatalf("want error re-inserting a previously used id")
	}
}

func TestStore_SnapshotIsACopy(t *testing.T) {
	s := New()
	if err := s.Insert(svc("a", 1), NewHandle()); err != nil {
		t.Fatal(err)
	}
	snap := s.Snapshot()
	snap[0].Routes[0].Cluster.Backends[0].Endpoint = "mutated"
	snap[0].Routes[0].Name = "mutated"

	got, _ := s.Get("a")
	if got.Routes[0].Name != "r1" || got.Routes[0].Cluster.Backends[0].Endpoint != "http://10.0.0.1:9000" {
		t.Fatalf("snapshot mutation leaked into store: %+v", got.Routes[0])
	}
}

func TestStore_SnapshotOrder(t *testing.T) {
	s := New()
	for i, port := range []int{9000, 8000, 8500} {
		if err := s.Insert(svc(fmt.Sprintf("s%d", i), port), NewHandle()); err != nil {
			t.Fatal(err)
		}
	}
	snap := s.Snapshot()
	for i, want := range []int{8000, 8500, 9000} {
		if snap[i].ListenPort != want {
			t.Fatalf("snapshot[%d]: got port %d, want %d", i, snap[i].ListenPort, want)
		}
	}
}

func TestStore_SetStateIgnoresStaleHandle(t *testing.T) {
	s := New()
	old := NewHandle()
	if err := s.Insert(svc("a", 1), old); err != nil {
		t.Fatal(err)
	}
	cur := NewHandle()
	if _, err := s.Replace(svc("a", 2), cur); err != nil {
		t.Fatal(err)
	}

	s.SetState("a", old, model.StateFailed, errors.New("boom"))
	got, _ := s.Get("a")
	if got.State != model.StateStarting {
		t.Fatalf("stale handle changed state to %q", got.State)
	}

	s.SetState("a", cur, model.StateFailed, errors.New("boom"))
	got, _ = s.Get("a")
	if got.State != model.StateFailed || got.LastError != "boom" {
		t.Fatalf("state: got %q/%q, want failed/boom", got.State, got.LastError)
	}
}

func TestStore_SetBackendHealth(t *testing.T) {
	s := New()
	if err := s.Insert(svc("a", 1), NewHandle()); err != nil {
		t.Fatal(err)
	}
	if err := s.SetBackendHealth("a", "r1", "http://10.0.0.1:9000", false); err != nil {
		t.Fatalf("SetBackendHealth: %v", err)
	}
	got, _ := s.Get("a")
	if got.Routes[0].Cluster.Backends[0].Healthy {
		t.Fatalf("backend still healthy")
	}
	if !got.Routes[0].Cluster.Backends[1].Healthy {
		t.Fatalf("unrelated backend changed")
	}

	err := s.SetBackendHealth("a", "nope", "http://10.0.0.1:9000", true)
	if !errors.Is(err, model.ErrConfigurationNotFound) {
		t.Fatalf("unknown route: got %v", err)
	}
	err = s.SetBackendHealth("missing", "r1", "x", true)
	if !errors.Is(err, model.ErrConfigurationNotFound) {
		t.Fatalf("unknown service: got %v", err)
	}
}

func TestStore_ViewPicksThroughBalancer(t *testing.T) {
	s := New()
	if err := s.Insert(svc("a", 1), NewHandle()); err != nil {
		t.Fatal(err)
	}
	var picks []int
	for i := 0; i < 4; i++ {
		err := s.View("a", func(_ *model.Service, pick PickFunc) error {
			picks = append(picks, pick(0))
			return nil
		})
		if err != nil {
			t.Fatalf("View: %v", err)
		}
	}
	want := []int{0, 1, 0, 1}
	for i := range want {
		if picks[i] != want[i] {
			t.Fatalf("picks: got %v, want %v", picks, want)
		}
	}
	if err := s.View("missing", func(*model.Service, PickFunc) error { return nil }); !errors.Is(err, model.ErrConfigurationNotFound) {
		t.Fatalf("View missing: got %v", err)
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", i)
			_ = s.Insert(svc(id, i), NewHandle())
			_ = s.Snapshot()
			_ = s.SetBackendHealth(id, "r1", "http://10.0.0.1:9000", i%2 == 0)
		}(i)
	}
	wg.Wait()
	if s.Len() != 50 {
		t.Fatalf("len: got %d, want 50", s.Len())
	}
}

func TestHandle_SignalIsMultiUse(t *testing.T) {
	h := NewHandle()
	h.Signal()
	h.Signal() // must not block
	select {
	case <-h.Stop:
	default:
		t.Fatalf("stop signal not delivered")
	}
	h.Signal()
	select {
	case <-h.Stop:
	default:
		t.Fatalf("second stop signal not delivered")
	}
}
