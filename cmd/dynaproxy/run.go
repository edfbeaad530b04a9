package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fabian4/dynaproxy/internal/accesslog"
	"github.com/fabian4/dynaproxy/internal/admin"
	"github.com/fabian4/dynaproxy/internal/config"
	"github.com/fabian4/dynaproxy/internal/gateway"
	"github.com/fabian4/dynaproxy/internal/listener"
	"github.com/fabian4/dynaproxy/internal/metrics"
	"github.com/fabian4/dynaproxy/internal/model"
	"github.com/fabian4/dynaproxy/internal/persist"
)

const shutdownTimeout = 15 * time.Second

// settings reads the environment and lets explicitly set flags win.
func settings(cmd *cobra.Command) (config.Static, error) {
	st, err := config.FromEnv()
	if err != nil {
		return config.Static{}, err
	}
	f := cmd.Flags()
	if f.Changed("admin-port") {
		p, _ := f.GetInt("admin-port")
		if p < 1 || p > 65535 {
			return config.Static{}, fmt.Errorf("--admin-port: invalid port %d", p)
		}
		st.AdminPort = p
	}
	if f.Changed("config") {
		st.ConfigFile, _ = f.GetString("config")
	}
	if f.Changed("access-log") {
		st.AccessLog, _ = f.GetString("access-log")
	}
	if f.Changed("database-url") {
		st.DatabaseURL, _ = f.GetString("database-url")
	}
	if f.Changed("watch") {
		st.Watch, _ = f.GetBool("watch")
	}
	return st, nil
}

func runGateway(cmd *cobra.Command, _ []string) error {
	st, err := settings(cmd)
	if err != nil {
		return err
	}

	// A malformed service file is fatal before any listener starts.
	var initial []model.Service
	if st.ConfigFile != "" {
		if initial, err = config.LoadServices(st.ConfigFile); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}

	var alog io.Writer = os.Stdout
	if st.AccessLog != "" {
		fh, err := os.OpenFile(st.AccessLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("access log: %w", err)
		}
		defer fh.Close()
		alog = fh
	}

	reg := metrics.NewRegistry()
	orch := gateway.New(gateway.Options{
		Deps: listener.Deps{
			AccessLog: accesslog.New(alog, accesslog.Config{Sampling: st.AccessLogSampling, Fields: st.AccessLogFields}),
			Metrics:   reg,
		},
		HealthInterval: st.HealthInterval,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := orch.Boot(initial); err != nil {
		log.Printf("[gateway] boot: %v", err)
	}
	log.Printf("dynaproxy %s started %d services from %q", Version, len(initial), st.ConfigFile)

	var persister admin.Persister
	if st.DatabaseURL != "" {
		db, err := persist.Open(st.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		defer db.Close()
		persister = db
		replay(ctx, orch, db, initial)
	}

	if st.ConfigFile != "" && st.Watch {
		w, err := config.NewWatcher(st.ConfigFile, config.DefaultDebounce)
		if err != nil {
			log.Printf("[config] hot reload disabled: %v", err)
		} else {
			go func() {
				if err := w.Run(ctx, func() { reload(orch, st.ConfigFile) }); err != nil {
					log.Printf("[config] %v", err)
				}
			}()
		}
	}

	srv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(st.AdminPort)),
		Handler:           admin.New(orch, persister, reg.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Printf("[admin] listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Printf("shutting down")
	case err := <-errc:
		runErr = fmt.Errorf("admin: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.Printf("[gateway] shutdown: %v", err)
	}
	return runErr
}

type loader interface {
	Load(ctx context.Context) ([]config.ServiceDef, error)
}

type applier interface {
	ApplyService(svc model.Service) (string, error)
}

// replay applies stored definitions whose port the service file does not already claim.
func replay(ctx context.Context, orch applier, db loader, fromFile []model.Service) int {
	defs, err := db.Load(ctx)
	if err != nil {
		log.Printf("[persist] %v", err)
		return 0
	}
	claimed := make(map[int]bool, len(fromFile))
	for _, s := range fromFile {
		claimed[s.ListenPort] = true
	}
	n := 0
	for _, def := range defs {
		if claimed[def.ListenPort] {
			log.Printf("[persist] port %d is defined by the service file, skipping stored definition", def.ListenPort)
			continue
		}
		svc, err := config.Build(def)
		if err != nil {
			log.Printf("[persist] port %d: %v", def.ListenPort, err)
			continue
		}
		if _, err := orch.ApplyService(svc); err != nil {
			log.Printf("[persist] port %d: %v", def.ListenPort, err)
			continue
		}
		n++
	}
	log.Printf("[persist] restored %d services", n)
	return n
}

type reconciler interface {
	Reconcile(svcs []model.Service) error
}

// reload re-reads the service file; a malformed file is logged and the running set is kept.
func reload(orch reconciler, path string) {
	svcs, err := config.LoadServices(path)
	if err != nil {
		log.Printf("[config] reload %s ignored: %v", path, err)
		return
	}
	if err := orch.Reconcile(svcs); err != nil {
		log.Printf("[config] reload %s: %v", path, err)
		return
	}
	log.Printf("[config] reloaded %s (%d services)", path, len(svcs))
}
