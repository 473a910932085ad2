package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/detection-orchestrator/internal/resilience"
)

var (
	dlqErrorType  string
	dlqLimit      int
	dlqRetryLimit int
	dlqRetryFake  bool
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay the dead letter queue",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered detection requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if dlqErrorType != "" && dlqErrorType != "transient" && dlqErrorType != "permanent" {
			return eris.Errorf("--error-type must be transient or permanent, got %q", dlqErrorType)
		}
		if err := cfg.Validate("migrate"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		entries, err := st.ListDLQ(ctx, resilience.DLQFilter{
			ErrorType: dlqErrorType,
			Limit:     dlqLimit,
		})
		if err != nil {
			return eris.Wrap(err, "list dlq")
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "REQUEST\tPHOTO\tTYPE\tRETRIES\tNEXT RETRY\tERROR")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
				e.RequestID, e.Request.PhotoID, e.ErrorType, e.RetryCount, e.MaxRetries,
				e.NextRetryAt.Format(time.RFC3339), e.Error)
		}
		return w.Flush()
	},
}

var dlqCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Print the dead letter queue depth",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("migrate"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := st.CountDLQ(ctx)
		if err != nil {
			return eris.Wrap(err, "count dlq")
		}
		fmt.Println(n)
		return nil
	},
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Re-run due transient dead letters through the pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "detect", dlqRetryFake)
		if err != nil {
			return err
		}
		defer env.Close()

		stats, err := env.Pipeline.RetryDLQ(ctx, dlqRetryLimit)
		if err != nil {
			return eris.Wrap(err, "retry dlq")
		}

		zap.L().Info("dlq retry complete",
			zap.Int("attempted", stats.Attempted),
			zap.Int("recovered", stats.Recovered),
			zap.Int("rescheduled", stats.Rescheduled),
			zap.Int("exhausted", stats.Exhausted),
			zap.Int("skipped", stats.Skipped),
		)
		fmt.Printf("attempted=%d recovered=%d rescheduled=%d exhausted=%d skipped=%d\n",
			stats.Attempted, stats.Recovered, stats.Rescheduled, stats.Exhausted, stats.Skipped)
		return nil
	},
}

func init() {
	dlqListCmd.Flags().StringVar(&dlqErrorType, "error-type", "", "filter by error type (transient or permanent)")
	dlqListCmd.Flags().IntVar(&dlqLimit, "limit", 50, "max entries to list")
	dlqRetryCmd.Flags().IntVar(&dlqRetryLimit, "limit", 100, "max due entries to retry")
	dlqRetryCmd.Flags().BoolVar(&dlqRetryFake, "fake", false, "use in-process fake engines")
	dlqCmd.AddCommand(dlqListCmd, dlqCountCmd, dlqRetryCmd)
	rootCmd.AddCommand(dlqCmd)
}
