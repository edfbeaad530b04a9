package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fabian4/dynaproxy/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Check a service file without starting any listener",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svcs, err := config.LoadServices(args[0])
		if err != nil {
			return fmt.Errorf("%s: %w", args[0], err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s: %d services OK\n", args[0], len(svcs))
		for _, s := range svcs {
			fmt.Fprintf(out, "  :%d %s (%d routes)\n", s.ListenPort, s.Protocol, len(s.Routes))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
