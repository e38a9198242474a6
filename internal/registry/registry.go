// Package registry owns the model version lifecycle: registration,
// gate-driven status transitions, and the explicit promote/rollback
// operations with their optimistic concurrency checks.
package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/model-governor/internal/gate"
	"github.com/sells-group/model-governor/internal/model"
	"github.com/sells-group/model-governor/internal/resilience"
	"github.com/sells-group/model-governor/internal/store"
)

// Alerter receives lifecycle notifications. Satisfied by
// monitoring.WebhookAlerter; a nil Alerter disables emission.
type Alerter interface {
	Emit(ctx context.Context, alertType, severity string, payload map[string]any)
}

// Registry coordinates version lifecycle operations against the store.
type Registry struct {
	store   store.Store
	policy  gate.Policy
	alerter Alerter
	retry   resilience.RetryConfig
	log     *zap.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithAlerter attaches a lifecycle alert sink.
func WithAlerter(a Alerter) Option {
	return func(r *Registry) { r.alerter = a }
}

// WithRetryConfig overrides the transient-conflict retry behavior.
func WithRetryConfig(cfg resilience.RetryConfig) Option {
	return func(r *Registry) { r.retry = cfg }
}

// New creates a Registry with the given store and gate policy.
func New(st store.Store, policy gate.Policy, opts ...Option) *Registry {
	r := &Registry{
		store:  st,
		policy: policy,
		retry:  resilience.DefaultRetryConfig(),
		log:    zap.L().With(zap.String("component", "registry")),
	}
	r.retry.OnRetry = resilience.RetryLogger("registry", "swap_champion")
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterRequest is the input to Register.
type RegisterRequest struct {
	TenantID        string
	ModelName       string
	Version         string
	Metrics         model.Metrics
	TriggerType     model.TriggerType
	TriggerMetadata map[string]any
	FeatureTier     string
	DatasetID       string
	ArtifactRef     string
	SampleCount     int
	Actor           string
}

func (req *RegisterRequest) validate() error {
	switch {
	case req.TenantID == "":
		return &model.ValidationError{Field: "tenant_id", Reason: "required"}
	case req.ModelName == "":
		return &model.ValidationError{Field: "model_name", Reason: "required"}
	case req.Version == "":
		return &model.ValidationError{Field: "version", Reason: "required"}
	case req.TriggerType == "":
		return &model.ValidationError{Field: "trigger_type", Reason: "required"}
	}
	if missing := req.Metrics.Missing(model.StatisticalKeys...); len(missing) > 0 {
		return &model.ValidationError{Field: "metrics", Reason: "missing required keys", Missing: missing}
	}
	return nil
}

// Register records a new candidate version and immediately runs the
// promotion gate against the current champion. The first version ever
// registered for a (tenant, model) pair has no champion to beat and is
// promoted implicitly, still leaving an audit decision behind.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*model.ModelVersion, *model.PromotionDecision, error) {
	if err := req.validate(); err != nil {
		return nil, nil, err
	}

	if existing, err := r.store.FindVersion(ctx, req.TenantID, req.ModelName, req.Version); err != nil {
		return nil, nil, eris.Wrap(err, "registry: check existing version")
	} else if existing != nil {
		return nil, nil, &model.ValidationError{Field: "version", Reason: fmt.Sprintf("already registered: %s", req.Version)}
	}

	v := &model.ModelVersion{
		TenantID:        req.TenantID,
		ModelName:       req.ModelName,
		Version:         req.Version,
		Status:          model.StatusCandidate,
		Metrics:         req.Metrics,
		TriggerType:     req.TriggerType,
		TriggerMetadata: req.TriggerMetadata,
		FeatureTier:     req.FeatureTier,
		DatasetID:       req.DatasetID,
		ArtifactRef:     req.ArtifactRef,
	}
	if err := r.store.CreateVersion(ctx, v); err != nil {
		return nil, nil, eris.Wrap(err, "registry: create version")
	}

	r.log.Info("version registered",
		zap.String("tenant_id", v.TenantID),
		zap.String("model_name", v.ModelName),
		zap.String("version", v.Version),
		zap.String("trigger_type", string(v.TriggerType)),
	)

	decision, err := r.EvaluateCandidate(ctx, v, req.SampleCount, req.Actor)
	if err != nil {
		return v, nil, err
	}
	return v, decision, nil
}

// EvaluateCandidate runs the gate for a candidate against the current
// champion and applies the outcome: promoted swaps the champion,
// held_as_challenger moves the candidate to challenger, and blocked
// outcomes record the decision and leave the candidate untouched.
// Transient store conflicts are retried; a genuine champion change
// since evaluation surfaces as ConcurrentModificationError.
func (r *Registry) EvaluateCandidate(ctx context.Context, v *model.ModelVersion, sampleCount int, actor string) (*model.PromotionDecision, error) {
	champion, err := r.store.GetByStatus(ctx, v.TenantID, v.ModelName, model.StatusChampion)
	if err != nil {
		return nil, eris.Wrap(err, "registry: load champion")
	}

	in := gate.Input{
		Candidate:   v.Metrics,
		SampleCount: sampleCount,
		TriggerType: v.TriggerType,
	}
	if champion != nil {
		in.Champion = champion.Metrics
	}

	decision := gate.Evaluate(r.policy, in)
	decision.ModelVersionID = v.ID
	decision.Actor = actor

	switch decision.Outcome {
	case model.OutcomePromoted:
		if err := r.applySwap(ctx, v, champion, &decision, false); err != nil {
			return nil, err
		}

	case model.OutcomeHeldAsChallenger:
		if err := r.store.UpdateVersionStatus(ctx, v.ID, model.StatusChallenger, v.LockVersion); err != nil {
			return nil, eris.Wrap(err, "registry: hold as challenger")
		}
		if err := r.store.InsertDecision(ctx, &decision); err != nil {
			return nil, eris.Wrap(err, "registry: record decision")
		}

	default:
		// Blocked outcomes are terminal decisions, recorded for audit.
		if err := r.store.InsertDecision(ctx, &decision); err != nil {
			return nil, eris.Wrap(err, "registry: record decision")
		}
	}

	r.log.Info("gate evaluated",
		zap.String("tenant_id", v.TenantID),
		zap.String("model_name", v.ModelName),
		zap.String("version", v.Version),
		zap.String("outcome", string(decision.Outcome)),
		zap.Strings("failed_rules", decision.FailedRules),
	)
	r.emit(ctx, &decision, v)
	return &decision, nil
}

// GetChampion returns the serving version, or (nil, nil) before first
// deployment.
func (r *Registry) GetChampion(ctx context.Context, tenantID, modelName string) (*model.ModelVersion, error) {
	return r.store.GetByStatus(ctx, tenantID, modelName, model.StatusChampion)
}

// GetChallenger returns the newest challenger, or (nil, nil).
func (r *Registry) GetChallenger(ctx context.Context, tenantID, modelName string) (*model.ModelVersion, error) {
	return r.store.GetByStatus(ctx, tenantID, modelName, model.StatusChallenger)
}

// Promote makes the target version champion. The optimistic check
// inside the store guarantees the champion observed here is still
// current at commit time; the caller re-evaluates on
// ConcurrentModificationError.
func (r *Registry) Promote(ctx context.Context, targetID, reason, actor string) error {
	return r.swapTo(ctx, targetID, reason, actor, false)
}

// Rollback re-promotes a version, the only path by which an archived
// version returns to production. Newer challengers keep their status.
func (r *Registry) Rollback(ctx context.Context, targetID, reason, actor string) error {
	return r.swapTo(ctx, targetID, reason, actor, true)
}

func (r *Registry) swapTo(ctx context.Context, targetID, reason, actor string, rollback bool) error {
	if reason == "" {
		return &model.ValidationError{Field: "reason", Reason: "required"}
	}
	if actor == "" {
		return &model.ValidationError{Field: "actor", Reason: "required"}
	}

	target, err := r.store.GetVersion(ctx, targetID)
	if err != nil {
		return eris.Wrap(err, "registry: load target")
	}

	decision := &model.PromotionDecision{
		ModelVersionID: target.ID,
		Outcome:        model.OutcomePromoted,
		Confidence:     model.ConfidenceMeasured,
		Reason:         reason,
		Actor:          actor,
	}
	if err := r.applySwap(ctx, target, nil, decision, rollback); err != nil {
		return err
	}

	op := "promote"
	if rollback {
		op = "rollback"
	}
	r.log.Info(op+" applied",
		zap.String("tenant_id", target.TenantID),
		zap.String("model_name", target.ModelName),
		zap.String("version", target.Version),
		zap.String("actor", actor),
	)
	r.emit(ctx, decision, target)
	return nil
}

// applySwap executes the champion swap with transient-conflict retry.
// champion may be nil, in which case the current champion is loaded
// fresh; either way the swap carries the observed id and lock version so
// the store can detect a concurrent change.
func (r *Registry) applySwap(ctx context.Context, target, champion *model.ModelVersion, decision *model.PromotionDecision, rollback bool) error {
	err := resilience.Do(ctx, r.retry, func(ctx context.Context) error {
		cur := champion
		if cur == nil {
			var err error
			cur, err = r.store.GetByStatus(ctx, target.TenantID, target.ModelName, model.StatusChampion)
			if err != nil {
				return eris.Wrap(err, "registry: load champion")
			}
		}

		swap := store.ChampionSwap{
			TenantID:  target.TenantID,
			ModelName: target.ModelName,
			TargetID:  target.ID,
			Rollback:  rollback,
			Decision:  decision,
		}
		if cur != nil {
			swap.PriorChampionID = cur.ID
			swap.PriorLockVersion = cur.LockVersion
		}
		return r.store.SwapChampion(ctx, swap)
	})
	if err != nil {
		var conflict *model.ConcurrentModificationError
		if errors.As(err, &conflict) {
			return conflict
		}
		return eris.Wrap(err, "registry: swap champion")
	}
	return nil
}

// History returns the version list and their decision trails.
func (r *Registry) History(ctx context.Context, tenantID, modelName string, limit int) ([]model.ModelVersion, map[string][]model.PromotionDecision, error) {
	versions, err := r.store.ListVersions(ctx, store.VersionFilter{
		TenantID:  tenantID,
		ModelName: modelName,
		Limit:     limit,
	})
	if err != nil {
		return nil, nil, eris.Wrap(err, "registry: list versions")
	}

	decisions := make(map[string][]model.PromotionDecision, len(versions))
	for i := range versions {
		ds, err := r.store.ListDecisions(ctx, versions[i].ID, 10)
		if err != nil {
			return nil, nil, eris.Wrap(err, "registry: list decisions")
		}
		if len(ds) > 0 {
			decisions[versions[i].ID] = ds
		}
	}
	return versions, decisions, nil
}

// Archive retires a version without touching the champion.
func (r *Registry) Archive(ctx context.Context, versionID string) error {
	v, err := r.store.GetVersion(ctx, versionID)
	if err != nil {
		return eris.Wrap(err, "registry: load version")
	}
	if v.Status == model.StatusChampion {
		return &model.ValidationError{Field: "version_id", Reason: "champion cannot be archived directly; promote or rollback a replacement"}
	}
	if err := r.store.UpdateVersionStatus(ctx, versionID, model.StatusArchived, v.LockVersion); err != nil {
		return eris.Wrap(err, "registry: archive version")
	}
	return nil
}

func (r *Registry) emit(ctx context.Context, d *model.PromotionDecision, v *model.ModelVersion) {
	if r.alerter == nil {
		return
	}
	severity := "info"
	if d.Blocked() {
		severity = "warning"
	}
	r.alerter.Emit(ctx, "promotion_decision", severity, map[string]any{
		"tenant_id":    v.TenantID,
		"model_name":   v.ModelName,
		"version":      v.Version,
		"outcome":      string(d.Outcome),
		"failed_rules": d.FailedRules,
		"reason":       d.Reason,
		"actor":        d.Actor,
	})
}
