package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/model-governor/internal/monitoring"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show champion health across all tenants",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		snap, err := monitoring.NewCollector(st).Collect(ctx)
		if err != nil {
			return err
		}

		if len(snap.Champions) == 0 {
			fmt.Println("no champions registered")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TENANT\tMODEL\tCHAMPION\tPROMOTED\tCHALLENGER\tRETRAINING\tLAST RETRAIN")
		for _, h := range snap.Champions {
			promoted := "-"
			if h.PromotedAt != nil {
				promoted = h.PromotedAt.Format(time.DateOnly)
			}
			challenger := h.ChallengerVersion
			if challenger == "" {
				challenger = "-"
			}
			retraining := "-"
			if h.RetrainingInFlight {
				retraining = "running"
			}
			last := h.LastRetrainStatus
			if last == "" {
				last = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				h.TenantID, h.ModelName, h.Version, promoted, challenger, retraining, last)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
