package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/model-governor/internal/experiment"
	"github.com/sells-group/model-governor/internal/model"
	"github.com/sells-group/model-governor/internal/registry"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.collector.Collect(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, snap)
}

func (s *Server) handleModelHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := chi.URLParam(r, "tenantID")
	modelName := chi.URLParam(r, "modelName")

	champ, err := s.registry.GetChampion(ctx, tenantID, modelName)
	if err != nil {
		s.respondError(w, err)
		return
	}
	chal, err := s.registry.GetChallenger(ctx, tenantID, modelName)
	if err != nil {
		s.respondError(w, err)
		return
	}
	triggers, err := s.store.ListRetraining(ctx, tenantID, modelName, 10)
	if err != nil {
		s.respondError(w, err)
		return
	}

	s.respond(w, http.StatusOK, map[string]any{
		"tenant_id":           tenantID,
		"model_name":          modelName,
		"champion":            champ,
		"challenger":          chal,
		"retraining_triggers": triggers,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit := queryInt(r, "limit", 50)

	versions, decisions, err := s.registry.History(ctx, chi.URLParam(r, "tenantID"), chi.URLParam(r, "modelName"), limit)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"versions":  versions,
		"decisions": decisions,
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Version         string         `json:"version"`
		Metrics         model.Metrics  `json:"metrics"`
		TriggerType     string         `json:"trigger_type"`
		TriggerMetadata map[string]any `json:"trigger_metadata"`
		FeatureTier     string         `json:"feature_tier"`
		DatasetID       string         `json:"dataset_id"`
		ArtifactRef     string         `json:"artifact_ref"`
		SampleCount     int            `json:"sample_count"`
		Actor           string         `json:"actor"`
	}
	if err := decode(r, &body); err != nil {
		s.respondError(w, err)
		return
	}

	version, decision, err := s.registry.Register(r.Context(), registry.RegisterRequest{
		TenantID:        chi.URLParam(r, "tenantID"),
		ModelName:       chi.URLParam(r, "modelName"),
		Version:         body.Version,
		Metrics:         body.Metrics,
		TriggerType:     model.TriggerType(body.TriggerType),
		TriggerMetadata: body.TriggerMetadata,
		FeatureTier:     body.FeatureTier,
		DatasetID:       body.DatasetID,
		ArtifactRef:     body.ArtifactRef,
		SampleCount:     body.SampleCount,
		Actor:           body.Actor,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusCreated, map[string]any{
		"version":  version,
		"decision": decision,
	})
}

type swapRequest struct {
	Version string `json:"version"`
	Reason  string `json:"reason"`
	Actor   string `json:"actor"`
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	s.handleSwap(w, r, s.registry.Promote)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	s.handleSwap(w, r, s.registry.Rollback)
}

func (s *Server) handleSwap(w http.ResponseWriter, r *http.Request, swap func(ctx context.Context, targetID, reason, actor string) error) {
	ctx := r.Context()
	tenantID := chi.URLParam(r, "tenantID")
	modelName := chi.URLParam(r, "modelName")

	var body swapRequest
	if err := decode(r, &body); err != nil {
		s.respondError(w, err)
		return
	}

	target, err := s.store.FindVersion(ctx, tenantID, modelName, body.Version)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if target == nil {
		s.respond(w, http.StatusNotFound, map[string]string{"error": "version not found"})
		return
	}

	if err := swap(ctx, target.ID, body.Reason, body.Actor); err != nil {
		s.respondError(w, err)
		return
	}

	champ, err := s.registry.GetChampion(ctx, tenantID, modelName)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"champion": champ})
}

func (s *Server) handleRetrain(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TriggerType string         `json:"trigger_type"`
		Metadata    map[string]any `json:"metadata"`
	}
	if err := decode(r, &body); err != nil {
		s.respondError(w, err)
		return
	}
	trigger := model.TriggerType(body.TriggerType)
	if trigger == "" {
		trigger = model.TriggerManual
	}

	entry, err := s.orchestrator.Trigger(r.Context(), chi.URLParam(r, "tenantID"), chi.URLParam(r, "modelName"), trigger, body.Metadata)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusAccepted, entry)
}

func (s *Server) handleBacktestResults(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 90)
	since := time.Now().UTC().AddDate(0, 0, -days)

	results, err := s.store.ListBacktestResults(r.Context(), chi.URLParam(r, "versionID"), since)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleShadowAggregates(w http.ResponseWriter, r *http.Request) {
	aggs, err := s.aggregator.Aggregates(r.Context(), chi.URLParam(r, "versionID"), time.Now().UTC())
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"aggregates": aggs})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Windows []model.MetricWindow `json:"windows"`
	}
	if err := decode(r, &body); err != nil {
		s.respondError(w, err)
		return
	}

	n, err := s.ingestor.Ingest(r.Context(), body.Windows)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]int64{"upserted": n})
}

// handleShadowRecord accepts predictions fire-and-forget: full buffers
// drop rather than block, and the response reports both counts.
func (s *Server) handleShadowRecord(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Predictions []model.ShadowPrediction `json:"predictions"`
	}
	if err := decode(r, &body); err != nil {
		s.respondError(w, err)
		return
	}

	var accepted, dropped int
	for _, p := range body.Predictions {
		if s.recorder.Record(p) {
			accepted++
		} else {
			dropped++
		}
	}
	s.respond(w, http.StatusAccepted, map[string]int{
		"accepted": accepted,
		"dropped":  dropped,
	})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Truths []model.GroundTruth `json:"truths"`
	}
	if err := decode(r, &body); err != nil {
		s.respondError(w, err)
		return
	}

	result, err := s.reconciler.Reconcile(r.Context(), body.Truths)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, result)
}

func (s *Server) handleExperimentPropose(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TenantID             string   `json:"tenant_id"`
		ModelName            string   `json:"model_name"`
		Hypothesis           string   `json:"hypothesis"`
		ExperimentType       string   `json:"experiment_type"`
		BaselineVersion      string   `json:"baseline_version"`
		ExperimentalVersions []string `json:"experimental_versions"`
		ProposedBy           string   `json:"proposed_by"`
	}
	if err := decode(r, &body); err != nil {
		s.respondError(w, err)
		return
	}

	ex, err := s.workflow.Propose(r.Context(), experiment.ProposeRequest{
		TenantID:             body.TenantID,
		ModelName:            body.ModelName,
		Hypothesis:           body.Hypothesis,
		ExperimentType:       body.ExperimentType,
		BaselineVersion:      body.BaselineVersion,
		ExperimentalVersions: body.ExperimentalVersions,
		ProposedBy:           body.ProposedBy,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusCreated, ex)
}

func (s *Server) handleExperimentList(w http.ResponseWriter, r *http.Request) {
	exs, err := s.workflow.List(r.Context(), r.URL.Query().Get("tenant_id"), queryInt(r, "limit", 50))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"experiments": exs})
}

func (s *Server) handleExperimentGet(w http.ResponseWriter, r *http.Request) {
	ex, err := s.workflow.Get(r.Context(), chi.URLParam(r, "experimentID"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	if ex == nil {
		s.respond(w, http.StatusNotFound, map[string]string{"error": "experiment not found"})
		return
	}
	s.respond(w, http.StatusOK, ex)
}

type actorRequest struct {
	Actor     string `json:"actor"`
	Rationale string `json:"rationale"`
}

func (s *Server) handleExperimentApprove(w http.ResponseWriter, r *http.Request) {
	s.handleExperimentTransition(w, r, s.workflow.Approve)
}

func (s *Server) handleExperimentReject(w http.ResponseWriter, r *http.Request) {
	s.handleExperimentTransition(w, r, s.workflow.Reject)
}

func (s *Server) handleExperimentTransition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id, actor, rationale string) (*model.Experiment, error)) {
	var body actorRequest
	if err := decode(r, &body); err != nil {
		s.respondError(w, err)
		return
	}

	ex, err := fn(r.Context(), chi.URLParam(r, "experimentID"), body.Actor, body.Rationale)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, ex)
}

func (s *Server) handleExperimentStart(w http.ResponseWriter, r *http.Request) {
	var body actorRequest
	if err := decode(r, &body); err != nil {
		s.respondError(w, err)
		return
	}

	ex, err := s.workflow.Start(r.Context(), chi.URLParam(r, "experimentID"), body.Actor)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, ex)
}

func (s *Server) handleExperimentShadow(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Actor    string   `json:"actor"`
		Versions []string `json:"versions"`
	}
	if err := decode(r, &body); err != nil {
		s.respondError(w, err)
		return
	}

	ex, err := s.workflow.StartShadow(r.Context(), chi.URLParam(r, "experimentID"), body.Actor, body.Versions)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, ex)
}

func (s *Server) handleExperimentComplete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Actor     string         `json:"actor"`
		Rationale string         `json:"rationale"`
		Decision  string         `json:"decision"`
		Results   map[string]any `json:"results"`
	}
	if err := decode(r, &body); err != nil {
		s.respondError(w, err)
		return
	}

	ex, err := s.workflow.Complete(r.Context(), chi.URLParam(r, "experimentID"), experiment.CompleteRequest{
		Actor:     body.Actor,
		Rationale: body.Rationale,
		Decision:  model.ExperimentDecision(body.Decision),
		Results:   body.Results,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, ex)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
