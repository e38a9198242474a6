// Package ingest accepts externally computed metric windows. The engine
// never calculates forecast accuracy itself; evaluation output arrives
// here in batches and lands in the metric_windows table.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/model-governor/internal/model"
	"github.com/sells-group/model-governor/internal/store"
)

// Ingestor validates and persists metric window batches.
type Ingestor struct {
	store store.Store
	log   *zap.Logger
}

func New(st store.Store) *Ingestor {
	return &Ingestor{
		store: st,
		log:   zap.L().With(zap.String("component", "ingest")),
	}
}

// Ingest validates the whole batch before writing anything, then
// upserts it. Re-delivered batches are safe: the window key is unique
// and later deliveries overwrite earlier rows.
func (i *Ingestor) Ingest(ctx context.Context, windows []model.MetricWindow) (int64, error) {
	if len(windows) == 0 {
		return 0, nil
	}

	for idx := range windows {
		if err := windows[idx].Validate(); err != nil {
			var verr *model.ValidationError
			if errors.As(err, &verr) {
				verr.Reason = fmt.Sprintf("window %d: %s", idx, verr.Reason)
				return 0, verr
			}
			return 0, err
		}
	}

	n, err := i.store.UpsertMetricWindows(ctx, windows)
	if err != nil {
		return 0, eris.Wrap(err, "ingest: upsert windows")
	}

	i.log.Info("metric windows ingested",
		zap.Int("received", len(windows)),
		zap.Int64("written", n),
	)
	return n, nil
}

// Latest returns the most recent window for a version, or (nil, nil).
func (i *Ingestor) Latest(ctx context.Context, tenantID, modelName, version string) (*model.MetricWindow, error) {
	return i.store.LatestMetricWindow(ctx, tenantID, modelName, version)
}
