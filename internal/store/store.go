package store

import (
	"fmt"
	"sort"
	"sync"

	"github.com/fabian4/dynaproxy/internal/lb"
	"github.com/fabian4/dynaproxy/internal/model"
)

// Handle is the control side of one service's listener task.
type Handle struct {
	// Stop is a multi-use stop signal; see Signal.
	Stop chan struct{}
	// Done is closed by the listener task when it has fully stopped.
	Done chan struct{}
}

// NewHandle allocates the channels for a listener task.
func NewHandle() Handle {
	return Handle{Stop: make(chan struct{}, 1), Done: make(chan struct{})}
}

// Signal asks the listener to stop. Safe to call any number of times.
func (h Handle) Signal() {
	if h.Stop == nil {
		return
	}
	select {
	case h.Stop <- struct{}{}:
	default:
	}
}

type entry struct {
	svc       model.Service
	balancers []lb.Balancer // one per route, same order
	handle    Handle
	state     model.ListenerState
	addr      string
	lastErr   string
}

// Store is the shared configuration registry: service id -> service state.
// Every access goes through one mutex held only for in-memory work.
type Store struct {
	mu       sync.Mutex
	services map[string]*entry
	used     map[string]struct{} // every id ever inserted
}

func New() *Store {
	return &Store{
		services: make(map[string]*entry),
		used:     make(map[string]struct{}),
	}
}

func newEntry(svc model.Service, h Handle) (*entry, error) {
	e := &entry{svc: svc.Clone(), handle: h, state: model.StateStarting}
	e.svc.State, e.svc.Addr, e.svc.LastError = "", "", ""
	if err := e.svc.Compile(); err != nil {
		return nil, fmt.Errorf("store: service %s: %w", svc.ID, err)
	}
	e.balancers = make([]lb.Balancer, len(svc.Routes))
	for i, r := range svc.Routes {
		e.balancers[i] = lb.New(r.Cluster)
	}
	return e, nil
}

// Insert registers a new service. Identifiers are unique for the store's lifetime.
func (s *Store) Insert(svc model.Service, h Handle) error {
	if svc.ID == "" {
		return fmt.Errorf("store: empty service id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.used[svc.ID]; dup {
		return fmt.Errorf("store: service id %q already used", svc.ID)
	}
	e, err := newEntry(svc, h)
	if err != nil {
		return err
	}
	s.used[svc.ID] = struct{}{}
	s.services[svc.ID] = e
	return nil
}

// Replace swaps the definition and handle of an existing service, returning the old handle.
func (s *Store) Replace(svc model.Service, h Handle) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.services[svc.ID]
	if !ok {
		return Handle{}, fmt.Errorf("%w: service %s", model.ErrConfigurationNotFound, svc.ID)
	}
	e, err := newEntry(svc, h)
	if err != nil {
		return Handle{}, err
	}
	s.services[svc.ID] = e
	return old.handle, nil
}

// Delete forgets a service and returns its handle so the caller can signal it.
func (s *Store) Delete(id string) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.services[id]
	if !ok {
		return Handle{}, fmt.Errorf("%w: service %s", model.ErrConfigurationNotFound, id)
	}
	delete(s.services, id)
	return e.handle, nil
}

// Handle returns the listener handle of a service.
func (s *Store) Handle(id string) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.services[id]
	if !ok {
		return Handle{}, fmt.Errorf("%w: service %s", model.ErrConfigurationNotFound, id)
	}
	return e.handle, nil
}

// Get returns a copy of one service including its listener state.
func (s *Store) Get(id string) (model.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.services[id]
	if !ok {
		return model.Service{}, fmt.Errorf("%w: service %s", model.ErrConfigurationNotFound, id)
	}
	return e.snapshot(), nil
}

// Snapshot returns copies of all services ordered by listen port, then id.
func (s *Store) Snapshot() []model.Service {
	s.mu.Lock()
	out := make([]model.Service, 0, len(s.services))
	for _, e := range s.services {
		out = append(out, e.snapshot())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ListenPort != out[j].ListenPort {
			return out[i].ListenPort < out[j].ListenPort
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (e *entry) snapshot() model.Service {
	svc := e.svc.Clone()
	svc.State = e.state
	svc.Addr = e.addr
	svc.LastError = e.lastErr
	return svc
}

// SetState records the listener state. Updates for a handle that is no longer
// current (the service was replaced or removed) are dropped.
func (s *Store) SetState(id string, h Handle, state model.ListenerState, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.services[id]
	if !ok || e.handle.Done != h.Done {
		return
	}
	e.state = state
	if err != nil {
		e.lastErr = err.Error()
	} else if state == model.StateRunning {
		e.lastErr = ""
	}
}

// SetAddr records the address the listener actually bound, under the same staleness rule as SetState.
func (s *Store) SetAddr(id string, h Handle, addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.services[id]; ok && e.handle.Done == h.Done {
		e.addr = addr
	}
}

// SetBackendHealth flips the liveness flag of every backend with the given endpoint in the named route.
func (s *Store) SetBackendHealth(id, route, endpoint string, healthy bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.services[id]
	if !ok {
		return fmt.Errorf("%w: service %s", model.ErrConfigurationNotFound, id)
	}
	for i := range e.svc.Routes {
		r := &e.svc.Routes[i]
		if r.Name != route {
			continue
		}
		found := false
		for j := range r.Cluster.Backends {
			if r.Cluster.Backends[j].Endpoint == endpoint {
				r.Cluster.Backends[j].Healthy = healthy
				found = true
			}
		}
		if !found {
			break
		}
		return nil
	}
	return fmt.Errorf("%w: service %s route %s backend %s", model.ErrConfigurationNotFound, id, route, endpoint)
}

// PickFunc selects a backend index for the route at the given position, -1 if none.
type PickFunc func(route int) int

// View runs fn against the live service while holding the store lock.
// fn must only do in-memory work and must copy anything it keeps.
func (s *Store) View(id string, fn func(svc *model.Service, pick PickFunc) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.services[id]
	if !ok {
		return fmt.Errorf("%w: service %s", model.ErrConfigurationNotFound, id)
	}
	pick := func(route int) int {
		if route < 0 || route >= len(e.balancers) {
			return -1
		}
		return e.balancers[route].Next(e.svc.Routes[route].Cluster.Backends)
	}
	return fn(&e.svc, pick)
}

// Len reports the number of registered services.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.services)
}
