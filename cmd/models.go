package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/detection-orchestrator/internal/model"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List registered model versions and experiments",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := initRegistry(cfg)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "CAPABILITY\tMODEL\tENABLED\tACTIVE\tTHRESHOLD\tENDPOINT")
		for _, capability := range model.Capabilities {
			active, hasActive := reg.GetActiveModel(capability)
			for _, m := range reg.Models(capability) {
				isActive := hasActive && m.Key() == active.Key() && m.Enabled
				fmt.Fprintf(w, "%s\t%s\t%t\t%t\t%.2f\t%s\n",
					capability, m.Key(), m.Enabled, isActive, m.ConfidenceThreshold, m.Endpoint)
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}

		exps := reg.Experiments()
		if len(exps) == 0 {
			return nil
		}
		fmt.Println()
		w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "EXPERIMENT\tCAPABILITY\tMODEL_A\tMODEL_B\tSPLIT\tENABLED")
		for _, e := range exps {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.2f\t%t\n",
				e.ExperimentID, e.Capability(), e.ModelA.Key(), e.ModelB.Key(), e.TrafficSplit, e.Enabled)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(modelsCmd)
}
