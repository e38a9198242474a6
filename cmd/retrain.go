package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/model-governor/internal/gate"
	"github.com/sells-group/model-governor/internal/model"
	"github.com/sells-group/model-governor/internal/monitoring"
	"github.com/sells-group/model-governor/internal/registry"
	"github.com/sells-group/model-governor/internal/retrain"
	"github.com/sells-group/model-governor/pkg/trainer"
)

var (
	retrainTenant string
	retrainModel  string
	retrainWait   bool
)

var retrainCmd = &cobra.Command{
	Use:   "retrain",
	Short: "Trigger a manual retraining run",
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

		entry, err := orch.Trigger(ctx, retrainTenant, retrainModel, model.TriggerManual, nil)
		if err != nil {
			return err
		}
		fmt.Printf("retraining started: %s\n", entry.ID)

		if retrainWait {
			orch.Wait()
			entries, err := st.ListRetraining(ctx, retrainTenant, retrainModel, 1)
			if err != nil {
				return err
			}
			if len(entries) > 0 {
				fmt.Printf("retraining %s: %s\n", entries[0].ID, entries[0].Status)
			}
		}
		return nil
	},
}

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Fail retraining runs stuck past the timeout",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		n, err := retrain.NewReaper(st, cfg.Retrain).ReapOnce(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("reaped %d stale run(s)\n", n)
		return nil
	},
}

func init() {
	retrainCmd.Flags().StringVar(&retrainTenant, "tenant", "", "tenant ID (required)")
	retrainCmd.Flags().StringVar(&retrainModel, "model", "", "model name (required)")
	retrainCmd.Flags().BoolVar(&retrainWait, "wait", false, "block until the run finishes")
	_ = retrainCmd.MarkFlagRequired("tenant")
	_ = retrainCmd.MarkFlagRequired("model")
	rootCmd.AddCommand(retrainCmd)
	rootCmd.AddCommand(reapCmd)
}
