package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

var healthFake bool

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe every configured engine endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "detect", healthFake)
		if err != nil {
			return err
		}
		defer env.Close()

		status := env.Orchestrator.GetHealthStatus(cmd.Context())

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	},
}

func init() {
	healthCmd.Flags().BoolVar(&healthFake, "fake", false, "use in-process fake engines")
	rootCmd.AddCommand(healthCmd)
}
