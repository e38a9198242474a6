package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/model-governor/internal/model"
	"github.com/sells-group/model-governor/internal/store"
)

// ChampionHealth is the governance state of one serving model.
type ChampionHealth struct {
	TenantID           string     `json:"tenant_id"`
	ModelName          string     `json:"model_name"`
	Version            string     `json:"version"`
	PromotedAt         *time.Time `json:"promoted_at,omitempty"`
	ChallengerVersion  string     `json:"challenger_version,omitempty"`
	RetrainingInFlight bool       `json:"retraining_in_flight"`
	LastRetrainStatus  string     `json:"last_retrain_status,omitempty"`
}

// Snapshot is a point-in-time view across all tenants.
type Snapshot struct {
	Champions   []ChampionHealth `json:"champions"`
	CollectedAt time.Time        `json:"collected_at"`
}

// Collector builds governance health snapshots for the status command
// and the stale-champion checker.
type Collector struct {
	store store.Store
}

func NewCollector(st store.Store) *Collector {
	return &Collector{store: st}
}

// Collect reads every champion and its surrounding governance state.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	champions, err := c.store.ListChampions(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list champions")
	}

	snap := &Snapshot{CollectedAt: time.Now().UTC()}
	for i := range champions {
		champ := &champions[i]
		h := ChampionHealth{
			TenantID:   champ.TenantID,
			ModelName:  champ.ModelName,
			Version:    champ.Version,
			PromotedAt: champ.PromotedAt,
		}

		if chal, err := c.store.GetByStatus(ctx, champ.TenantID, champ.ModelName, model.StatusChallenger); err == nil && chal != nil {
			h.ChallengerVersion = chal.Version
		}

		running, err := c.store.HasRunningRetraining(ctx, champ.TenantID, champ.ModelName)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: check retraining")
		}
		h.RetrainingInFlight = running

		if entries, err := c.store.ListRetraining(ctx, champ.TenantID, champ.ModelName, 1); err == nil && len(entries) > 0 {
			h.LastRetrainStatus = string(entries[0].Status)
		}

		snap.Champions = append(snap.Champions, h)
	}
	return snap, nil
}
