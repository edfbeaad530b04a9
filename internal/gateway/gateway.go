package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	fwd "github.com/fabian4/dynaproxy/internal/forward"
	"github.com/fabian4/dynaproxy/internal/health"
	"github.com/fabian4/dynaproxy/internal/listener"
	"github.com/fabian4/dynaproxy/internal/model"
	"github.com/fabian4/dynaproxy/internal/ratelimit"
	"github.com/fabian4/dynaproxy/internal/router"
	"github.com/fabian4/dynaproxy/internal/store"
)

// Options configures an Orchestrator. Deps.Engine is filled in by New.
type Options struct {
	Deps           listener.Deps
	HealthInterval time.Duration
}

// Orchestrator owns the store, one listener task per service and the health task pool.
type Orchestrator struct {
	store  *store.Store
	deps   listener.Deps
	pool   *health.Pool
	prober *health.Prober

	healthInterval time.Duration

	// locks serializes update/remove per service id
	locks sync.Map

	mu        sync.Mutex
	tasks     map[string][]string // service id -> health task ids
	fromFile  map[int]fileEntry   // listen port -> service loaded from the service file
	closed    bool                // set by Shutdown; no listener is spawned afterwards
	listeners sync.WaitGroup
}

// ErrClosed is returned by calls that would start a listener after Shutdown.
var ErrClosed = errors.New("gateway: shut down")

type fileEntry struct {
	id          string
	fingerprint string
}

func New(opts Options) *Orchestrator {
	s := store.New()
	deps := opts.Deps
	deps.Engine = router.NewEngine(s)
	if deps.Transports == nil {
		deps.Transports = fwd.NewDefaultRegistry()
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.NewLimiter()
	}
	interval := opts.HealthInterval
	if interval <= 0 {
		interval = health.DefaultInterval
	}
	return &Orchestrator{
		store:          s,
		deps:           deps,
		pool:           health.NewPool(),
		prober:         &health.Prober{Updater: s, Metrics: deps.Metrics},
		healthInterval: interval,
		tasks:          make(map[string][]string),
		fromFile:       make(map[int]fileEntry),
	}
}

// Store exposes the shared configuration store.
func (o *Orchestrator) Store() *store.Store { return o.store }

// Engine exposes the matching engine bound to the store.
func (o *Orchestrator) Engine() *router.Engine { return o.deps.Engine }

// ApplyService registers a new service under a fresh identifier and starts its listener.
// A bind failure does not fail the call; the service is kept in the failed state.
func (o *Orchestrator) ApplyService(svc model.Service) (string, error) {
	svc = svc.Clone()
	if err := svc.Validate(); err != nil {
		return "", err
	}
	if o.isClosed() {
		return "", ErrClosed
	}
	svc.ID = uuid.NewString()
	h := store.NewHandle()
	if err := o.store.Insert(svc, h); err != nil {
		return "", err
	}
	if !o.spawn(svc, h) {
		_, _ = o.store.Delete(svc.ID)
		return "", ErrClosed
	}
	o.submitHealth(svc)
	log.Printf("[gateway] applied service %s (%s :%d, %d routes)", svc.ID, svc.Protocol, svc.ListenPort, len(svc.Routes))
	return svc.ID, nil
}

// UpdateService swaps the definition of id and restarts its listener. In-flight
// requests on the old listener drain against the new routing table.
func (o *Orchestrator) UpdateService(id string, svc model.Service) error {
	svc = svc.Clone()
	svc.ID = id
	if err := svc.Validate(); err != nil {
		return err
	}
	if o.isClosed() {
		return ErrClosed
	}
	unlock := o.lock(id)
	defer unlock()

	h := store.NewHandle()
	old, err := o.store.Replace(svc, h)
	if err != nil {
		return err
	}
	o.removeHealth(id)
	o.deps.Limiter.Forget(id)
	old.Signal()
	<-old.Done
	o.deps.Transports.Forget(id + "/")

	if !o.spawn(svc, h) {
		return ErrClosed
	}
	o.submitHealth(svc)
	log.Printf("[gateway] updated service %s", id)
	return nil
}

// RemoveService forgets the service, stops its health tasks and its listener.
// An unknown id fails with model.ErrTaskNotFound.
func (o *Orchestrator) RemoveService(id string) error {
	unlock := o.lock(id)
	defer unlock()

	h, err := o.store.Delete(id)
	if err != nil {
		return fmt.Errorf("%w: service %s", model.ErrTaskNotFound, id)
	}
	o.removeHealth(id)
	h.Signal()
	<-h.Done
	o.deps.Limiter.Forget(id)
	o.deps.Metrics.ForgetService(id)
	o.deps.Transports.Forget(id + "/")

	o.mu.Lock()
	for port, e := range o.fromFile {
		if e.id == id {
			delete(o.fromFile, port)
		}
	}
	o.mu.Unlock()
	o.locks.Delete(id)
	log.Printf("[gateway] removed service %s", id)
	return nil
}

// GetService returns a copy of one service with its listener state.
func (o *Orchestrator) GetService(id string) (model.Service, error) {
	return o.store.Get(id)
}

// Snapshot returns read-only copies of every service.
func (o *Orchestrator) Snapshot() []model.Service {
	return o.store.Snapshot()
}

// Boot applies the initial services concurrently; one service failing does not stop the others.
// The services are remembered as file-sourced for later Reconcile calls.
func (o *Orchestrator) Boot(svcs []model.Service) error {
	errs := make([]error, len(svcs))
	var wg sync.WaitGroup
	for i := range svcs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := o.ApplyService(svcs[i])
			if err != nil {
				errs[i] = fmt.Errorf("services[%d]: %w", i, err)
				return
			}
			o.mu.Lock()
			o.fromFile[svcs[i].ListenPort] = fileEntry{id: id, fingerprint: fingerprint(svcs[i])}
			o.mu.Unlock()
		}(i)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Reconcile brings file-sourced services in line with svcs, matching by listen port:
// new ports are applied, changed definitions are updated, vanished ports are removed.
// Services created through the control plane are never touched.
func (o *Orchestrator) Reconcile(svcs []model.Service) error {
	want := make(map[int]model.Service, len(svcs))
	for i, s := range svcs {
		if _, dup := want[s.ListenPort]; dup {
			return fmt.Errorf("%w: services[%d]: duplicate listen_port %d", model.ErrInvalidConfig, i, s.ListenPort)
		}
		want[s.ListenPort] = s
	}

	o.mu.Lock()
	current := make(map[int]fileEntry, len(o.fromFile))
	for p, e := range o.fromFile {
		current[p] = e
	}
	o.mu.Unlock()

	var errs []error
	for port, e := range current {
		if _, ok := want[port]; ok {
			continue
		}
		if err := o.RemoveService(e.id); err != nil && !errors.Is(err, model.ErrTaskNotFound) {
			errs = append(errs, err)
		}
	}
	for port, s := range want {
		fp := fingerprint(s)
		e, ok := current[port]
		switch {
		case !ok:
			id, err := o.ApplyService(s)
			if err != nil {
				errs = append(errs, fmt.Errorf("port %d: %w", port, err))
				continue
			}
			o.remember(port, id, fp)
		case e.fingerprint != fp:
			if err := o.UpdateService(e.id, s); err != nil {
				errs = append(errs, fmt.Errorf("port %d: %w", port, err))
				continue
			}
			o.remember(port, e.id, fp)
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) remember(port int, id, fp string) {
	o.mu.Lock()
	o.fromFile[port] = fileEntry{id: id, fingerprint: fp}
	o.mu.Unlock()
}

// Shutdown stops every listener and health task. It returns ctx.Err() if the
// listeners have not drained before ctx ends. Later Apply and Update calls fail with ErrClosed.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.pool.Close()
	for _, svc := range o.store.Snapshot() {
		if h, err := o.store.Handle(svc.ID); err == nil {
			h.Signal()
		}
	}
	done := make(chan struct{})
	go func() {
		o.listeners.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.deps.Transports.CloseIdle()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// spawn starts the listener task unless Shutdown has begun. A refused handle is
// marked stopped and its Done closed so waiters never block.
func (o *Orchestrator) spawn(svc model.Service, h store.Handle) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		o.store.SetState(svc.ID, h, model.StateStopped, ErrClosed)
		close(h.Done)
		return false
	}
	// Add under mu: Shutdown's Wait never races a late Add
	o.listeners.Add(1)
	o.mu.Unlock()
	go func() {
		defer o.listeners.Done()
		report := func(state model.ListenerState, err error) {
			if state == model.StateFailed {
				log.Printf("[gateway] service %s unavailable: %v", svc.ID, err)
			}
			o.store.SetState(svc.ID, h, state, err)
		}
		bound := func(addr net.Addr) {
			o.store.SetAddr(svc.ID, h, addr.String())
		}
		listener.Run(svc, o.deps, h, report, bound)
	}()
	return true
}

func (o *Orchestrator) submitHealth(svc model.Service) {
	var ids []string
	for _, r := range svc.Routes {
		if r.HealthCheck == nil {
			continue
		}
		interval := r.HealthCheck.Interval
		if interval <= 0 {
			interval = o.healthInterval
		}
		tid := health.TaskID(svc.ID, r.Name)
		if err := o.pool.Submit(tid, interval, o.prober.Check(svc.ID, r)); err != nil {
			log.Printf("[gateway] health task %s: %v", tid, err)
			continue
		}
		ids = append(ids, tid)
	}
	o.mu.Lock()
	o.tasks[svc.ID] = ids
	o.mu.Unlock()
}

func (o *Orchestrator) removeHealth(id string) {
	o.mu.Lock()
	ids := o.tasks[id]
	delete(o.tasks, id)
	o.mu.Unlock()
	for _, tid := range ids {
		if err := o.pool.Remove(tid); err != nil {
			log.Printf("[gateway] %v", err)
		}
	}
}

func (o *Orchestrator) lock(id string) func() {
	v, _ := o.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// fingerprint identifies a definition independently of its id and runtime state.
func fingerprint(svc model.Service) string {
	svc = svc.Clone()
	svc.ID, svc.State, svc.Addr, svc.LastError = "", "", "", ""
	b, _ := json.Marshal(svc)
	h := sha256.New()
	h.Write(b)
	if svc.TLS != nil {
		h.Write(svc.TLS.CertPEM)
		h.Write(svc.TLS.KeyPEM)
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
