package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/model-governor/internal/backtest"
	"github.com/sells-group/model-governor/pkg/evaluator"
)

var (
	backtestTenant  string
	backtestModel   string
	backtestVersion string
	backtestDays    int
)

var backtestCmd = &cobra.Command{
	Use:   "backtest",
	Short: "Walk-forward backtest one registered version",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		target, err := st.FindVersion(ctx, backtestTenant, backtestModel, backtestVersion)
		if err != nil {
			return err
		}
		if target == nil {
			return eris.Errorf("version %s not found for %s/%s", backtestVersion, backtestTenant, backtestModel)
		}

		evalClient := evaluator.NewClient(cfg.Evaluator.APIKey, cfg.Evaluator.BaseURL)
		results, err := backtest.New(st, evalClient, cfg.Backtest).Run(ctx, target, backtestDays, time.Now().UTC())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "WINDOW\tMAE\tMAPE\tCOVERAGE\tSTOCKOUT MISS\tOVERSTOCK\tSAMPLES")
		for _, r := range results {
			fmt.Fprintf(w, "%s..%s\t%.3f\t%.3f\t%.3f\t%.3f\t%.3f\t%d\n",
				r.WindowStart.Format(time.DateOnly), r.WindowEnd.Format(time.DateOnly),
				r.MAE, r.MAPENonZero, r.Coverage, r.StockoutMissRate, r.OverstockRate, r.SampleCount)
		}
		return w.Flush()
	},
}

func init() {
	backtestCmd.Flags().StringVar(&backtestTenant, "tenant", "", "tenant ID (required)")
	backtestCmd.Flags().StringVar(&backtestModel, "model", "", "model name (required)")
	backtestCmd.Flags().StringVar(&backtestVersion, "version", "", "version to backtest (required)")
	backtestCmd.Flags().IntVar(&backtestDays, "days", 90, "backtest window in days")
	_ = backtestCmd.MarkFlagRequired("tenant")
	_ = backtestCmd.MarkFlagRequired("model")
	_ = backtestCmd.MarkFlagRequired("version")
	rootCmd.AddCommand(backtestCmd)
}
