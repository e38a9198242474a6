package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/model-governor/internal/api"
	"github.com/sells-group/model-governor/internal/backtest"
	"github.com/sells-group/model-governor/internal/drift"
	"github.com/sells-group/model-governor/internal/experiment"
	"github.com/sells-group/model-governor/internal/gate"
	"github.com/sells-group/model-governor/internal/ingest"
	"github.com/sells-group/model-governor/internal/monitoring"
	"github.com/sells-group/model-governor/internal/registry"
	"github.com/sells-group/model-governor/internal/retrain"
	"github.com/sells-group/model-governor/internal/shadow"
	"github.com/sells-group/model-governor/pkg/evaluator"
	"github.com/sells-group/model-governor/pkg/trainer"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the governance API server and background loops",
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
		evalClient := evaluator.NewClient(cfg.Evaluator.APIKey, cfg.Evaluator.BaseURL)

		orch := retrain.New(st, trainerClient, reg, cfg.Retrain)
		detector := drift.New(st, cfg.Drift, orch, alerter)
		backtester := backtest.New(st, evalClient, cfg.Backtest)
		recorder := shadow.NewRecorder(st, cfg.Shadow)
		reaper := retrain.NewReaper(st, cfg.Retrain)
		collector := monitoring.NewCollector(st)
		checker := monitoring.NewChecker(collector, alerter, cfg.Alerts)

		server := api.NewServer(api.ServerDeps{
			Store:        st,
			Registry:     reg,
			Ingestor:     ingest.New(st),
			Recorder:     recorder,
			Reconciler:   shadow.NewReconciler(st),
			Aggregator:   shadow.NewAggregator(st, cfg.Shadow),
			Orchestrator: orch,
			Workflow:     experiment.New(st),
			Collector:    collector,
		}, cfg.Server)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: server.Router(),
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return ignoreCancel(recorder.Run(gctx)) })
		g.Go(func() error { return ignoreCancel(detector.Run(gctx)) })
		g.Go(func() error { return ignoreCancel(backtester.RunDaily(gctx)) })
		g.Go(func() error { return ignoreCancel(backtester.RunWeekly(gctx)) })
		g.Go(func() error { return ignoreCancel(reaper.Run(gctx)) })
		g.Go(func() error { return ignoreCancel(checker.Run(gctx)) })

		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			orch.Wait()
			return nil
		})

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			stop()
			_ = g.Wait()
			return eris.Wrap(err, "server listen")
		}

		return g.Wait()
	},
}

// ignoreCancel keeps a clean shutdown from surfacing context.Canceled
// as a serve failure.
func ignoreCancel(err error) error {
	if err == nil || eris.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
