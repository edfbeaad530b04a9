package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/fabian4/dynaproxy/internal/config"
	"github.com/fabian4/dynaproxy/internal/model"
)

const twoServices = `
- listen_port: 18080
  routes:
    - match: { path_prefix: / }
      cluster: { backends: [ "http://127.0.0.1:9000" ] }
- listen_port: 18081
  protocol: tcp
  routes:
    - cluster: { backends: [ "tcp://127.0.0.1:5432" ] }
`

func writeFile(t *testing.T, content string) string {
	t.Helper()
	fp := filepath.Join(t.TempDir(), "services.yaml")
	if err := os.WriteFile(fp, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return fp
}

func newFlagsCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "x"}
	f := cmd.Flags()
	f.Int("admin-port", 0, "")
	f.String("config", "", "")
	f.String("access-log", "", "")
	f.String("database-url", "", "")
	f.Bool("watch", true, "")
	if err := f.Parse(args); err != nil {
		t.Fatal(err)
	}
	return cmd
}

func TestSettings_FlagsOverrideEnv(t *testing.T) {
	t.Setenv("ADMIN_PORT", "9100")
	t.Setenv("CONFIG_FILE_PATH", "/env/services.yaml")
	t.Setenv("DATABASE_URL", "sqlite:///env.db")

	st, err := settings(newFlagsCmd(t, "--admin-port=9200", "--watch=false", "--access-log", "/tmp/a.log"))
	if err != nil {
		t.Fatal(err)
	}
	if st.AdminPort != 9200 {
		t.Errorf("admin port: got %d, want 9200", st.AdminPort)
	}
	if st.ConfigFile != "/env/services.yaml" {
		t.Errorf("config file: got %q, want env value", st.ConfigFile)
	}
	if st.DatabaseURL != "sqlite:///env.db" {
		t.Errorf("database url: got %q", st.DatabaseURL)
	}
	if st.AccessLog != "/tmp/a.log" || st.Watch {
		t.Errorf("access log %q watch %v", st.AccessLog, st.Watch)
	}
}

func TestSettings_BadPortFlag(t *testing.T) {
	if _, err := settings(newFlagsCmd(t, "--admin-port=70000")); err == nil {
		t.Fatalf("want error for out-of-range port")
	}
}

func TestValidateCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"validate", writeFile(t, twoServices)})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out.String(), "2 services OK") {
		t.Fatalf("got %q", out.String())
	}

	rootCmd.SetArgs([]string{"validate", writeFile(t, "- listen_port: 1\n")})
	if err := rootCmd.Execute(); err == nil {
		t.Fatalf("validate accepted a service without routes")
	}
}

type fakeLoader struct {
	defs []config.ServiceDef
	err  error
}

func (f fakeLoader) Load(context.Context) ([]config.ServiceDef, error) { return f.defs, f.err }

type fakeOrch struct {
	applied    []model.Service
	reconciled [][]model.Service
}

func (f *fakeOrch) ApplyService(svc model.Service) (string, error) {
	f.applied = append(f.applied, svc)
	return "id", nil
}

func (f *fakeOrch) Reconcile(svcs []model.Service) error {
	f.reconciled = append(f.reconciled, svcs)
	return nil
}

func storedDef(port int) config.ServiceDef {
	return config.ServiceDef{ListenPort: port, Routes: []config.RouteDef{{
		Cluster: config.ClusterDef{Backends: []any{"http://127.0.0.1:1"}},
	}}}
}

func TestReplay_SkipsPortsFromFile(t *testing.T) {
	orch := &fakeOrch{}
	bad := storedDef(7003)
	bad.Routes = nil
	db := fakeLoader{defs: []config.ServiceDef{storedDef(7001), storedDef(7002), bad}}

	n := replay(context.Background(), orch, db, []model.Service{{ListenPort: 7001}})
	if n != 1 {
		t.Fatalf("restored: got %d, want 1", n)
	}
	if len(orch.applied) != 1 || orch.applied[0].ListenPort != 7002 {
		t.Fatalf("applied: %+v", orch.applied)
	}
}

func TestReplay_LoadError(t *testing.T) {
	orch := &fakeOrch{}
	if n := replay(context.Background(), orch, fakeLoader{err: errors.New("locked")}, nil); n != 0 {
		t.Fatalf("got %d, want 0", n)
	}
}

func TestReload(t *testing.T) {
	orch := &fakeOrch{}
	fp := writeFile(t, twoServices)
	reload(orch, fp)
	if len(orch.reconciled) != 1 || len(orch.reconciled[0]) != 2 {
		t.Fatalf("reconciled: %+v", orch.reconciled)
	}

	// a broken file keeps the running set
	if err := os.WriteFile(fp, []byte("- listen_port: [\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	reload(orch, fp)
	if len(orch.reconciled) != 1 {
		t.Fatalf("malformed file was reconciled")
	}
}
