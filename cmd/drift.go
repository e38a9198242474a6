package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/model-governor/internal/drift"
	"github.com/sells-group/model-governor/internal/gate"
	"github.com/sells-group/model-governor/internal/monitoring"
	"github.com/sells-group/model-governor/internal/registry"
	"github.com/sells-group/model-governor/internal/retrain"
	"github.com/sells-group/model-governor/pkg/trainer"
)

var driftCmd = &cobra.Command{
	Use:   "drift",
	Short: "Run a drift check across all champions",
	Long:  "Compares each champion's recent MAE against its trailing baseline. Champions over their drift threshold trigger challenger retraining and a critical alert.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		alerter := monitoring.NewWebhookAlerter(cfg.Alerts)
		reg := registry.New(st, gate.PolicyFromConfig(cfg.Gate), registry.WithAlerter(alerter))
		trainerClient := trainer.NewClient(cfg.Trainer.APIKey, cfg.Trainer.BaseURL,
			trainer.WithTimeout(time.Duration(cfg.Retrain.TimeoutMin)*time.Minute))
		orch := retrain.New(st, trainerClient, reg, cfg.Retrain)

		reports, err := drift.New(st, cfg.Drift, orch, alerter).CheckAll(ctx)
		if err != nil {
			return err
		}
		defer orch.Wait()

		if len(reports) == 0 {
			fmt.Println("no champions to check")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TENANT\tMODEL\tVERSION\tRECENT MAE\tBASELINE MAE\tDRIFT\tTHRESHOLD\tACTION")
		for _, r := range reports {
			action := "ok"
			switch {
			case r.Insufficient:
				action = "insufficient data"
			case r.Triggered:
				action = "retraining triggered"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%.3f\t%.3f\t%.1f%%\t%.1f%%\t%s\n",
				r.TenantID, r.ModelName, r.Version,
				r.RecentMAE, r.BaselineMAE,
				r.DriftPct*100, r.Threshold*100, action)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(driftCmd)
}
