package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/model-governor/internal/gate"
	"github.com/sells-group/model-governor/internal/monitoring"
	"github.com/sells-group/model-governor/internal/registry"
)

var (
	promoteTenant  string
	promoteModel   string
	promoteVersion string
	promoteReason  string
	promoteActor   string
)

func swapFlags(c *cobra.Command) {
	c.Flags().StringVar(&promoteTenant, "tenant", "", "tenant ID (required)")
	c.Flags().StringVar(&promoteModel, "model", "", "model name (required)")
	c.Flags().StringVar(&promoteVersion, "version", "", "target version (required)")
	c.Flags().StringVar(&promoteReason, "reason", "", "audit reason (required)")
	c.Flags().StringVar(&promoteActor, "actor", "", "actor performing the change (required)")
	_ = c.MarkFlagRequired("tenant")
	_ = c.MarkFlagRequired("model")
	_ = c.MarkFlagRequired("version")
}

func runSwap(cmd *cobra.Command, rollback bool) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := initStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	reg := registry.New(st, gate.PolicyFromConfig(cfg.Gate),
		registry.WithAlerter(monitoring.NewWebhookAlerter(cfg.Alerts)))

	target, err := st.FindVersion(ctx, promoteTenant, promoteModel, promoteVersion)
	if err != nil {
		return err
	}
	if target == nil {
		return eris.Errorf("version %s not found for %s/%s", promoteVersion, promoteTenant, promoteModel)
	}

	if rollback {
		err = reg.Rollback(ctx, target.ID, promoteReason, promoteActor)
	} else {
		err = reg.Promote(ctx, target.ID, promoteReason, promoteActor)
	}
	if err != nil {
		return err
	}

	fmt.Printf("%s/%s champion is now %s\n", promoteTenant, promoteModel, promoteVersion)
	return nil
}

var promoteCmd = &cobra.Command{
	Use:   "promote",
	Short: "Manually promote a version to champion",
	Long:  "Promotes a registered version to champion with a mandatory reason and actor. The swap re-checks the champion's lock version and aborts on concurrent change.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSwap(cmd, false)
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Roll the champion back to an archived version",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSwap(cmd, true)
	},
}

func init() {
	swapFlags(promoteCmd)
	swapFlags(rollbackCmd)
	rootCmd.AddCommand(promoteCmd)
	rootCmd.AddCommand(rollbackCmd)
}
