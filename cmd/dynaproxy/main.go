package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "dynaproxy",
	Short: "Dynamic multi-protocol reverse proxy",
	Long: `dynaproxy runs one listener per configured service (HTTP, HTTPS, TCP,
HTTP/2 cleartext and HTTP/2 over TLS), routes each request through the
service's ordered route table and forwards it to a backend cluster.

Services come from an optional YAML file and from the control-plane API.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runGateway,
}

func init() {
	f := rootCmd.Flags()
	f.Int("admin-port", 0, "control-plane port (env ADMIN_PORT, default 8870)")
	f.String("config", "", "YAML service file (env CONFIG_FILE_PATH)")
	f.String("access-log", "", "access-log file, appended; stdout when empty (env ACCESS_LOG)")
	f.String("database-url", "", "state store, sqlite://<path> (env DATABASE_URL)")
	f.Bool("watch", true, "reload the service file when it changes")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
