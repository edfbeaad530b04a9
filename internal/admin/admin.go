// Package admin is the control-plane HTTP API: CRUD over services plus
// liveness and Prometheus endpoints.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/fabian4/dynaproxy/internal/config"
	"github.com/fabian4/dynaproxy/internal/model"
)

const maxBody = 1 << 20

// Orchestrator is the slice of gateway.Orchestrator the API drives.
type Orchestrator interface {
	ApplyService(svc model.Service) (string, error)
	UpdateService(id string, svc model.Service) error
	RemoveService(id string) error
	GetService(id string) (model.Service, error)
	Snapshot() []model.Service
}

// Persister records definitions applied through the API.
type Persister interface {
	Save(ctx context.Context, def config.ServiceDef) error
	Delete(ctx context.Context, port int) error
}

// Server serves the control-plane API.
type Server struct {
	orch    Orchestrator
	persist Persister // optional
	mux     *http.ServeMux
}

// New builds the API. persist and metrics may be nil.
func New(orch Orchestrator, persist Persister, metrics http.Handler) *Server {
	s := &Server{orch: orch, persist: persist, mux: http.NewServeMux()}
	s.mux.HandleFunc("GET /api/services", s.handleList)
	s.mux.HandleFunc("POST /api/services", s.handleCreate)
	s.mux.HandleFunc("GET /api/services/{id}", s.handleGet)
	s.mux.HandleFunc("PUT /api/services/{id}", s.handleUpdate)
	s.mux.HandleFunc("DELETE /api/services/{id}", s.handleDelete)
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	if metrics != nil {
		s.mux.Handle("GET /metrics", metrics)
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type errorBody struct {
	Error string `json:"error"`
}

type createdBody struct {
	ID string `json:"id"`
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	svcs := s.orch.Snapshot()
	if svcs == nil {
		svcs = []model.Service{}
	}
	writeJSON(w, http.StatusOK, svcs)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	svc, err := s.orch.GetService(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, svc)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	def, svc, err := decode(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := s.orch.ApplyService(svc)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.persist != nil {
		if err := s.persist.Save(r.Context(), def); err != nil {
			log.Printf("[admin] persist service %s: %v", id, err)
		}
	}
	log.Printf("[admin] created service %s on port %d", id, svc.ListenPort)
	w.Header().Set("Location", "/api/services/"+id)
	writeJSON(w, http.StatusCreated, createdBody{ID: id})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	old, err := s.orch.GetService(id)
	if err != nil {
		writeError(w, err)
		return
	}
	def, svc, err := decode(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.orch.UpdateService(id, svc); err != nil {
		writeError(w, err)
		return
	}
	if s.persist != nil {
		if old.ListenPort != svc.ListenPort {
			if err := s.persist.Delete(r.Context(), old.ListenPort); err != nil {
				log.Printf("[admin] persist service %s: %v", id, err)
			}
		}
		if err := s.persist.Save(r.Context(), def); err != nil {
			log.Printf("[admin] persist service %s: %v", id, err)
		}
	}
	log.Printf("[admin] updated service %s", id)
	updated, err := s.orch.GetService(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	svc, err := s.orch.GetService(id)
	if err != nil {
		writeError(w, fmt.Errorf("%w: service %s", model.ErrTaskNotFound, id))
		return
	}
	if err := s.orch.RemoveService(id); err != nil {
		writeError(w, err)
		return
	}
	if s.persist != nil {
		if err := s.persist.Delete(r.Context(), svc.ListenPort); err != nil {
			log.Printf("[admin] persist service %s: %v", id, err)
		}
	}
	log.Printf("[admin] deleted service %s", id)
	w.WriteHeader(http.StatusNoContent)
}

// decode reads a service definition in the service-file shape and builds it.
func decode(w http.ResponseWriter, r *http.Request) (config.ServiceDef, model.Service, error) {
	var def config.ServiceDef
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&def); err != nil {
		return def, model.Service{}, fmt.Errorf("%w: body: %v", model.ErrInvalidConfig, err)
	}
	svc, err := config.Build(def)
	if err != nil && !errors.Is(err, model.ErrInvalidConfig) {
		err = fmt.Errorf("%w: %v", model.ErrInvalidConfig, err)
	}
	return def, svc, err
}

func status(err error) int {
	switch {
	case errors.Is(err, model.ErrConfigurationNotFound), errors.Is(err, model.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidConfig), errors.Is(err, model.ErrInvalidRequest):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, status(err), errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[admin] encode response: %v", err)
	}
}
