// Package gate implements the promotion gate: a pure, fail-closed policy
// function deciding whether a candidate version may replace the champion.
package gate

import (
	"fmt"
	"time"

	"github.com/sells-group/model-governor/internal/config"
	"github.com/sells-group/model-governor/internal/model"
)

// Rule names reported in PromotionDecision.FailedRules.
const (
	RuleMAE              = "mae_non_regression"
	RuleMAPE             = "mape_non_regression"
	RuleCoverage         = "coverage_non_regression"
	RuleStockoutMissRate = "stockout_miss_rate_non_regression"
	RuleOverstockRate    = "overstock_rate_non_regression"
	RuleOverstockDollars = "overstock_dollars_improvement"
)

// Policy holds the gate thresholds. Zero values are replaced with the
// fail-closed defaults, so an empty Policy is safe to evaluate with.
type Policy struct {
	// TolerancePct bounds relative MAE/MAPE degradation, in percent.
	TolerancePct float64
	// RateTolerancePts bounds stockout/overstock rate degradation, in
	// absolute percentage points.
	RateTolerancePts float64
	// DollarsImprovePct is the overstock-dollars improvement that passes
	// the dollars rule outright, in percent.
	DollarsImprovePct float64
	// DollarsSlackPct is the tolerated dollars degradation when the
	// stockout miss rate improves, in percent.
	DollarsSlackPct float64
	// LowSampleThreshold blocks candidates evaluated on fewer samples.
	LowSampleThreshold int
}

// DefaultPolicy returns the gate thresholds used when no configuration
// overrides them.
func DefaultPolicy() Policy {
	return Policy{
		TolerancePct:       2.0,
		RateTolerancePts:   0.5,
		DollarsImprovePct:  1.0,
		DollarsSlackPct:    0.5,
		LowSampleThreshold: 50,
	}
}

// PolicyFromConfig builds a Policy from loaded configuration, filling
// unset fields with defaults.
func PolicyFromConfig(cfg config.GateConfig) Policy {
	p := Policy{
		TolerancePct:       cfg.TolerancePct,
		RateTolerancePts:   cfg.RateTolerancePts,
		DollarsImprovePct:  cfg.DollarsImprovePct,
		DollarsSlackPct:    cfg.DollarsSlackPct,
		LowSampleThreshold: cfg.LowSampleThreshold,
	}
	return p.withDefaults()
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.TolerancePct <= 0 {
		p.TolerancePct = def.TolerancePct
	}
	if p.RateTolerancePts <= 0 {
		p.RateTolerancePts = def.RateTolerancePts
	}
	if p.DollarsImprovePct <= 0 {
		p.DollarsImprovePct = def.DollarsImprovePct
	}
	if p.DollarsSlackPct <= 0 {
		p.DollarsSlackPct = def.DollarsSlackPct
	}
	if p.LowSampleThreshold <= 0 {
		p.LowSampleThreshold = def.LowSampleThreshold
	}
	return p
}

// Input is everything the gate considers for one evaluation.
type Input struct {
	Candidate model.Metrics
	// Champion is nil on first deployment (bootstrap): the candidate is
	// promoted unconditionally.
	Champion    model.Metrics
	SampleCount int
	TriggerType model.TriggerType
}

// Evaluate applies the fail-closed promotion policy. It is pure: no
// clock reads beyond the decision timestamp, no I/O, no state. Blocked
// outcomes always name the specific failing rules or missing metrics.
func Evaluate(p Policy, in Input) model.PromotionDecision {
	p = p.withDefaults()
	d := model.PromotionDecision{
		Confidence:  model.ConfidenceMeasured,
		EvaluatedAt: time.Now().UTC(),
	}

	// Bootstrap: nothing to beat.
	if in.Champion == nil {
		d.Outcome = model.OutcomePromoted
		d.Reason = "no_existing_champion"
		if in.SampleCount < p.LowSampleThreshold {
			d.Confidence = model.ConfidenceLowSample
		}
		return d
	}

	if in.SampleCount < p.LowSampleThreshold {
		d.Outcome = model.OutcomeBlockedLowConfidence
		d.Confidence = model.ConfidenceLowSample
		d.Reason = fmt.Sprintf("sample_count %d below threshold %d", in.SampleCount, p.LowSampleThreshold)
		return d
	}

	// Fail closed on absent evidence: statistical keys on either side
	// count as missing inputs just like the business keys do.
	if missing := in.Candidate.Missing(model.BusinessKeys...); len(missing) > 0 {
		d.Outcome = model.OutcomeBlockedMissingBusiness
		d.MissingMetrics = missing
		d.Reason = "candidate business metrics absent"
		return d
	}
	if missing := in.Candidate.Missing(model.StatisticalKeys...); len(missing) > 0 {
		d.Outcome = model.OutcomeBlockedMissingBusiness
		d.MissingMetrics = missing
		d.Reason = "candidate statistical metrics absent"
		return d
	}
	if missing := in.Champion.Missing(append(model.StatisticalKeys, model.BusinessKeys...)...); len(missing) > 0 {
		d.Outcome = model.OutcomeBlockedMissingBusiness
		d.MissingMetrics = missing
		d.Reason = "champion metrics absent"
		return d
	}

	deltas, failed := evaluateRules(p, in.Candidate, in.Champion)
	d.Deltas = deltas
	if len(failed) > 0 {
		d.Outcome = model.OutcomeBlockedRegression
		d.FailedRules = failed
		d.Reason = fmt.Sprintf("failed %d non-regression rule(s)", len(failed))
		return d
	}

	// Drift-triggered candidates never auto-promote: a human confirms
	// that replacing the champion is the right response to the drift.
	if in.TriggerType == model.TriggerDriftDetected {
		d.Outcome = model.OutcomeHeldAsChallenger
		d.Reason = "drift_detected trigger requires manual promotion"
		return d
	}

	d.Outcome = model.OutcomePromoted
	d.Reason = "all gate rules passed"
	return d
}

// evaluateRules runs the non-regression rules in their fixed order and
// returns the computed deltas plus every rule that failed.
func evaluateRules(p Policy, cand, champ model.Metrics) (map[string]float64, []string) {
	deltas := make(map[string]float64, 6)
	var failed []string

	// Error metrics: lower is better, relative tolerance.
	maeDelta := relativeDeltaPct(cand[model.MetricMAE], champ[model.MetricMAE])
	deltas["mae_pct"] = maeDelta
	if maeDelta > p.TolerancePct {
		failed = append(failed, RuleMAE)
	}

	mapeDelta := relativeDeltaPct(cand[model.MetricMAPE], champ[model.MetricMAPE])
	deltas["mape_pct"] = mapeDelta
	if mapeDelta > p.TolerancePct {
		failed = append(failed, RuleMAPE)
	}

	// Coverage: higher is better, no tolerance.
	coverageDelta := cand[model.MetricCoverage] - champ[model.MetricCoverage]
	deltas["coverage"] = coverageDelta
	if coverageDelta < 0 {
		failed = append(failed, RuleCoverage)
	}

	// Rates: lower is better, absolute percentage-point tolerance.
	stockoutDelta := (cand[model.MetricStockoutMissRate] - champ[model.MetricStockoutMissRate]) * 100
	deltas["stockout_miss_rate_pts"] = stockoutDelta
	if stockoutDelta > p.RateTolerancePts {
		failed = append(failed, RuleStockoutMissRate)
	}

	overstockDelta := (cand[model.MetricOverstockRate] - champ[model.MetricOverstockRate]) * 100
	deltas["overstock_rate_pts"] = overstockDelta
	if overstockDelta > p.RateTolerancePts {
		failed = append(failed, RuleOverstockRate)
	}

	// Dollars: must improve outright, or hold within slack while the
	// stockout miss rate improves.
	dollarsDelta := relativeDeltaPct(cand[model.MetricOverstockDollars], champ[model.MetricOverstockDollars])
	deltas["overstock_dollars_pct"] = dollarsDelta
	improved := dollarsDelta <= -p.DollarsImprovePct
	heldWithTradeoff := dollarsDelta <= p.DollarsSlackPct && stockoutDelta < 0
	if !improved && !heldWithTradeoff {
		failed = append(failed, RuleOverstockDollars)
	}

	return deltas, failed
}

// relativeDeltaPct returns the candidate's change versus the champion in
// percent; positive means the candidate is worse for lower-is-better
// metrics. A zero champion with a nonzero candidate is treated as full
// degradation so the comparison still fails closed.
func relativeDeltaPct(cand, champ float64) float64 {
	if champ == 0 {
		if cand == 0 {
			return 0
		}
		return 100
	}
	return (cand - champ) / champ * 100
}
