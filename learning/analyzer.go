package learning

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sentinelops/medic/core"
)

// PatternType classifies a detected outcome pattern.
type PatternType string

const (
	PatternFalsePositiveSpike     PatternType = "FALSE_POSITIVE_SPIKE"
	PatternModuleInstability      PatternType = "MODULE_INSTABILITY"
	PatternTimeCorrelation        PatternType = "TIME_CORRELATION"
	PatternRiskScoreDrift         PatternType = "RISK_SCORE_DRIFT"
	PatternAutoApproveDegradation PatternType = "AUTO_APPROVE_DEGRADATION"
	PatternRecoveryTimeIncrease   PatternType = "RECOVERY_TIME_INCREASE"
)

// PatternSeverity grades how urgently a pattern needs attention.
type PatternSeverity string

const (
	PatternInfo     PatternSeverity = "INFO"
	PatternWarning  PatternSeverity = "WARNING"
	PatternCritical PatternSeverity = "CRITICAL"
)

// DetectedPattern is one finding from an analysis pass.
type DetectedPattern struct {
	PatternType        PatternType            `json:"pattern_type"`
	Severity           PatternSeverity        `json:"severity"`
	Confidence         float64                `json:"confidence"`
	Description        string                 `json:"description"`
	AffectedModules    []string               `json:"affected_modules"`
	Evidence           map[string]interface{} `json:"evidence"`
	RecommendedActions []string               `json:"recommended_actions"`
	DetectedAt         time.Time              `json:"detected_at"`
}

// Risk trend labels for module profiles.
const (
	TrendIncreasing       = "increasing"
	TrendDecreasing       = "decreasing"
	TrendStable           = "stable"
	TrendInsufficientData = "insufficient_data"
)

// ModuleProfile summarizes one module's resurrection history.
type ModuleProfile struct {
	Module              string     `json:"module"`
	TotalResurrections  int        `json:"total_resurrections"`
	SuccessRate         float64    `json:"success_rate"`
	AvgRiskScore        float64    `json:"avg_risk_score"`
	AvgRecoverySeconds  float64    `json:"avg_recovery_seconds"`
	FalsePositiveRate   float64    `json:"false_positive_rate"`
	LastFailure         *time.Time `json:"last_failure,omitempty"`
	RiskTrend           string     `json:"risk_trend"`
	AutoApproveEligible bool       `json:"auto_approve_eligible"`
}

// AnalyzerConfig holds the pattern detection thresholds.
type AnalyzerConfig struct {
	WindowDays                   int     `json:"window_days" yaml:"window_days"`
	MinSamples                   int     `json:"min_samples" yaml:"min_samples"`
	FalsePositiveThreshold       float64 `json:"false_positive_threshold" yaml:"false_positive_threshold"`
	SuccessRateThreshold         float64 `json:"success_rate_threshold" yaml:"success_rate_threshold"`
	AutoApproveAccuracyThreshold float64 `json:"auto_approve_accuracy_threshold" yaml:"auto_approve_accuracy_threshold"`
}

// DefaultAnalyzerConfig returns the standard detection thresholds.
func DefaultAnalyzerConfig() AnalyzerConfig {
	return AnalyzerConfig{
		WindowDays:                   30,
		MinSamples:                   10,
		FalsePositiveThreshold:       0.30,
		SuccessRateThreshold:         0.70,
		AutoApproveAccuracyThreshold: 0.90,
	}
}

// analysisScanLimit caps how many records one analysis pass reads.
const analysisScanLimit = 1000

// PatternAnalyzer runs read-only pattern detection over the outcome store.
// It never mutates anything; its findings feed logging, telemetry, and the
// threshold adapter.
type PatternAnalyzer struct {
	store  core.OutcomeStore
	config AnalyzerConfig
	logger core.Logger
}

// NewPatternAnalyzer creates an analyzer over the given store.
func NewPatternAnalyzer(store core.OutcomeStore, config AnalyzerConfig) *PatternAnalyzer {
	if config.WindowDays <= 0 {
		config.WindowDays = 30
	}
	if config.MinSamples <= 0 {
		config.MinSamples = 10
	}
	if config.FalsePositiveThreshold <= 0 {
		config.FalsePositiveThreshold = 0.30
	}
	if config.SuccessRateThreshold <= 0 {
		config.SuccessRateThreshold = 0.70
	}
	if config.AutoApproveAccuracyThreshold <= 0 {
		config.AutoApproveAccuracyThreshold = 0.90
	}
	return &PatternAnalyzer{
		store:  store,
		config: config,
		logger: &core.NoOpLogger{},
	}
}

// SetLogger configures the logger for this analyzer
func (a *PatternAnalyzer) SetLogger(logger core.Logger) {
	if logger != nil {
		a.logger = logger
	}
}

// Analyze runs every detector over the configured window. Below the
// minimum sample count it returns an empty slice, not an error; thin data
// is a normal state, not a failure.
func (a *PatternAnalyzer) Analyze(ctx context.Context) ([]DetectedPattern, error) {
	since := time.Now().UTC().AddDate(0, 0, -a.config.WindowDays)
	outcomes, err := a.store.ListRecent(ctx, analysisScanLimit, since)
	if err != nil {
		return nil, err
	}

	if len(outcomes) < a.config.MinSamples {
		if a.logger != nil {
			a.logger.Debug("Not enough outcomes for pattern analysis", map[string]interface{}{
				"outcomes":    len(outcomes),
				"min_samples": a.config.MinSamples,
			})
		}
		return []DetectedPattern{}, nil
	}

	now := time.Now().UTC()
	patterns := make([]DetectedPattern, 0)
	for _, detect := range []func([]*core.ResurrectionOutcome) *DetectedPattern{
		a.detectFalsePositiveSpike,
		a.detectModuleInstability,
		a.detectTimeCorrelation,
		a.detectRiskScoreDrift,
		a.detectAutoApproveDegradation,
		a.detectRecoveryTimeIncrease,
	} {
		if p := detect(outcomes); p != nil {
			p.DetectedAt = now
			patterns = append(patterns, *p)
		}
	}

	if a.logger != nil {
		a.logger.Info("Pattern analysis complete", map[string]interface{}{
			"outcomes_analyzed": len(outcomes),
			"patterns_found":    len(patterns),
		})
	}
	return patterns, nil
}

func (a *PatternAnalyzer) detectFalsePositiveSpike(outcomes []*core.ResurrectionOutcome) *DetectedPattern {
	fps := make([]*core.ResurrectionOutcome, 0)
	for _, o := range outcomes {
		if o.OutcomeType == core.OutcomeFalsePositive {
			fps = append(fps, o)
		}
	}

	fpRate := float64(len(fps)) / float64(len(outcomes))
	if fpRate <= a.config.FalsePositiveThreshold {
		return nil
	}

	severity := PatternWarning
	if fpRate >= 0.5 {
		severity = PatternCritical
	}

	counts := make(map[string]int)
	for _, o := range fps {
		counts[o.TargetModule]++
	}
	top := topModules(counts, 5)

	return &DetectedPattern{
		PatternType:     PatternFalsePositiveSpike,
		Severity:        severity,
		Confidence:      minFloat(0.95, 0.5+float64(len(fps))/100),
		Description:     fmt.Sprintf("High false positive rate detected: %.1f%%", fpRate*100),
		AffectedModules: top,
		Evidence: map[string]interface{}{
			"false_positive_rate": fpRate,
			"fp_count":            len(fps),
			"total_outcomes":      len(outcomes),
			"top_modules":         counts,
		},
		RecommendedActions: []string{
			"Review Smith detection thresholds",
			"Analyze common characteristics of false positives",
			"Consider adjusting risk scoring weights",
		},
	}
}

func (a *PatternAnalyzer) detectModuleInstability(outcomes []*core.ResurrectionOutcome) *DetectedPattern {
	byModule := make(map[string][]*core.ResurrectionOutcome)
	for _, o := range outcomes {
		byModule[o.TargetModule] = append(byModule[o.TargetModule], o)
	}

	maxFailureRate := 1 - a.config.SuccessRateThreshold

	type unstableModule struct {
		module      string
		failureRate float64
		total       int
		failures    int
	}
	unstable := make([]unstableModule, 0)
	for module, records := range byModule {
		if len(records) < 3 {
			continue
		}
		failures := 0
		for _, o := range records {
			if o.OutcomeType == core.OutcomeFailure || o.OutcomeType == core.OutcomeRollback {
				failures++
			}
		}
		rate := float64(failures) / float64(len(records))
		if rate > maxFailureRate {
			unstable = append(unstable, unstableModule{module, rate, len(records), failures})
		}
	}
	if len(unstable) == 0 {
		return nil
	}

	sort.Slice(unstable, func(i, j int) bool {
		if unstable[i].failureRate != unstable[j].failureRate {
			return unstable[i].failureRate > unstable[j].failureRate
		}
		return unstable[i].module < unstable[j].module
	})

	modules := make([]string, len(unstable))
	evidence := make([]map[string]interface{}, len(unstable))
	for i, u := range unstable {
		modules[i] = u.module
		evidence[i] = map[string]interface{}{
			"module":              u.module,
			"failure_rate":        u.failureRate,
			"total_resurrections": u.total,
			"failures":            u.failures,
		}
	}

	return &DetectedPattern{
		PatternType:     PatternModuleInstability,
		Severity:        PatternWarning,
		Confidence:      0.8,
		Description:     fmt.Sprintf("%d modules showing instability", len(unstable)),
		AffectedModules: modules,
		Evidence: map[string]interface{}{
			"unstable_modules": evidence,
		},
		RecommendedActions: []string{
			"Review module health checks",
			"Consider excluding from auto-resurrection",
			"Investigate root cause of repeated failures",
		},
	}
}

func (a *PatternAnalyzer) detectTimeCorrelation(outcomes []*core.ResurrectionOutcome) *DetectedPattern {
	byHour := make(map[int][]*core.ResurrectionOutcome)
	for _, o := range outcomes {
		byHour[o.Timestamp.UTC().Hour()] = append(byHour[o.Timestamp.UTC().Hour()], o)
	}

	hourRates := make(map[int]float64)
	var rateSum float64
	for hour, records := range byHour {
		if len(records) < 3 {
			continue
		}
		failures := 0
		for _, o := range records {
			if o.OutcomeType == core.OutcomeFailure || o.OutcomeType == core.OutcomeRollback {
				failures++
			}
		}
		hourRates[hour] = float64(failures) / float64(len(records))
		rateSum += hourRates[hour]
	}
	if len(hourRates) == 0 {
		return nil
	}

	avgRate := rateSum / float64(len(hourRates))
	highRisk := make([]int, 0)
	for hour, rate := range hourRates {
		if rate > avgRate*1.5 && rate > 0.3 {
			highRisk = append(highRisk, hour)
		}
	}
	if len(highRisk) == 0 {
		return nil
	}
	sort.Ints(highRisk)

	ratesByHour := make(map[string]float64, len(hourRates))
	for hour, rate := range hourRates {
		ratesByHour[fmt.Sprintf("%02d", hour)] = rate
	}

	return &DetectedPattern{
		PatternType:     PatternTimeCorrelation,
		Severity:        PatternInfo,
		Confidence:      0.7,
		Description:     fmt.Sprintf("Higher failure rates detected during hours: %v", highRisk),
		AffectedModules: []string{},
		Evidence: map[string]interface{}{
			"high_risk_hours":      highRisk,
			"hour_failure_rates":   ratesByHour,
			"average_failure_rate": avgRate,
		},
		RecommendedActions: []string{
			"Consider time-based risk adjustments",
			"Review deployments during high-risk hours",
			"Investigate time-specific triggers",
		},
	}
}

func (a *PatternAnalyzer) detectRiskScoreDrift(outcomes []*core.ResurrectionOutcome) *DetectedPattern {
	if len(outcomes) < 20 {
		return nil
	}

	chronological := make([]*core.ResurrectionOutcome, len(outcomes))
	copy(chronological, outcomes)
	sort.SliceStable(chronological, func(i, j int) bool {
		return chronological[i].Timestamp.Before(chronological[j].Timestamp)
	})

	mid := len(chronological) / 2
	firstCal := riskCalibration(chronological[:mid])
	secondCal := riskCalibration(chronological[mid:])

	// Healthy scoring keeps failure risk well above success risk. Drift
	// means that separation collapsed in the recent half.
	if firstCal <= 0.1 || secondCal >= firstCal*0.5 {
		return nil
	}

	return &DetectedPattern{
		PatternType:     PatternRiskScoreDrift,
		Severity:        PatternWarning,
		Confidence:      0.75,
		Description:     "Risk score calibration has degraded over time",
		AffectedModules: []string{},
		Evidence: map[string]interface{}{
			"first_period_calibration":  firstCal,
			"second_period_calibration": secondCal,
			"calibration_change":        secondCal - firstCal,
		},
		RecommendedActions: []string{
			"Review risk scoring weights",
			"Retrain risk model with recent data",
			"Consider adaptive threshold adjustment",
		},
	}
}

// riskCalibration measures how far average failure risk sits above average
// success risk. Zero when either side has no samples.
func riskCalibration(outcomes []*core.ResurrectionOutcome) float64 {
	var successSum, failureSum float64
	var successN, failureN int
	for _, o := range outcomes {
		switch o.OutcomeType {
		case core.OutcomeSuccess:
			successSum += o.OriginalRiskScore
			successN++
		case core.OutcomeFailure, core.OutcomeRollback:
			failureSum += o.OriginalRiskScore
			failureN++
		}
	}
	if successN == 0 || failureN == 0 {
		return 0
	}
	return failureSum/float64(failureN) - successSum/float64(successN)
}

func (a *PatternAnalyzer) detectAutoApproveDegradation(outcomes []*core.ResurrectionOutcome) *DetectedPattern {
	auto := make([]*core.ResurrectionOutcome, 0)
	for _, o := range outcomes {
		if o.WasAutoApproved {
			auto = append(auto, o)
		}
	}
	if len(auto) < 10 {
		return nil
	}

	autoSuccess := 0
	failing := make(map[string]int)
	for _, o := range auto {
		if o.OutcomeType == core.OutcomeSuccess {
			autoSuccess++
		} else {
			failing[o.TargetModule]++
		}
	}

	accuracy := float64(autoSuccess) / float64(len(auto))
	if accuracy >= a.config.AutoApproveAccuracyThreshold {
		return nil
	}

	severity := PatternWarning
	if accuracy < 0.7 {
		severity = PatternCritical
	}

	return &DetectedPattern{
		PatternType:     PatternAutoApproveDegradation,
		Severity:        severity,
		Confidence:      0.9,
		Description:     fmt.Sprintf("Auto-approval accuracy has dropped to %.1f%%", accuracy*100),
		AffectedModules: topModules(failing, 5),
		Evidence: map[string]interface{}{
			"auto_approve_accuracy": accuracy,
			"auto_approved_count":   len(auto),
			"auto_success_count":    autoSuccess,
			"top_failing_modules":   failing,
		},
		RecommendedActions: []string{
			"Tighten auto-approval thresholds",
			"Review modules with high auto-approve failure rates",
			"Consider moving to manual mode temporarily",
		},
	}
}

func (a *PatternAnalyzer) detectRecoveryTimeIncrease(outcomes []*core.ResurrectionOutcome) *DetectedPattern {
	timed := make([]*core.ResurrectionOutcome, 0)
	for _, o := range outcomes {
		if o.OutcomeType == core.OutcomeSuccess && o.TimeToHealthy != nil {
			timed = append(timed, o)
		}
	}
	if len(timed) < 10 {
		return nil
	}

	sort.SliceStable(timed, func(i, j int) bool {
		return timed[i].Timestamp.Before(timed[j].Timestamp)
	})

	mid := len(timed) / 2
	firstAvg := avgTimeToHealthy(timed[:mid])
	secondAvg := avgTimeToHealthy(timed[mid:])

	if secondAvg <= firstAvg*1.5 || secondAvg <= 60 {
		return nil
	}

	return &DetectedPattern{
		PatternType:     PatternRecoveryTimeIncrease,
		Severity:        PatternInfo,
		Confidence:      0.7,
		Description:     fmt.Sprintf("Module recovery times have increased from %.0fs to %.0fs", firstAvg, secondAvg),
		AffectedModules: []string{},
		Evidence: map[string]interface{}{
			"first_period_avg":  firstAvg,
			"second_period_avg": secondAvg,
			"increase_percent":  (secondAvg - firstAvg) / firstAvg * 100,
		},
		RecommendedActions: []string{
			"Review module startup procedures",
			"Check for resource constraints",
			"Investigate dependency loading times",
		},
	}
}

func avgTimeToHealthy(outcomes []*core.ResurrectionOutcome) float64 {
	if len(outcomes) == 0 {
		return 0
	}
	var sum float64
	for _, o := range outcomes {
		sum += *o.TimeToHealthy
	}
	return sum / float64(len(outcomes))
}

// BuildModuleProfile condenses one module's recent history (up to 100
// records) into a profile the guard and operators can read at a glance.
func (a *PatternAnalyzer) BuildModuleProfile(ctx context.Context, module string) (*ModuleProfile, error) {
	outcomes, err := a.store.ListByModule(ctx, module, 100, time.Time{})
	if err != nil {
		return nil, err
	}

	profile := &ModuleProfile{
		Module:    module,
		RiskTrend: TrendInsufficientData,
	}
	if len(outcomes) == 0 {
		return profile, nil
	}

	var successes []*core.ResurrectionOutcome
	var riskSum float64
	fpCount := 0
	for _, o := range outcomes {
		riskSum += o.OriginalRiskScore
		switch o.OutcomeType {
		case core.OutcomeSuccess:
			successes = append(successes, o)
		case core.OutcomeFailure, core.OutcomeRollback:
			// Listing is newest first, so the first failure seen is the
			// most recent one.
			if profile.LastFailure == nil {
				t := o.Timestamp
				profile.LastFailure = &t
			}
		case core.OutcomeFalsePositive:
			fpCount++
		}
	}

	profile.TotalResurrections = len(outcomes)
	profile.SuccessRate = float64(len(successes)) / float64(len(outcomes))
	profile.AvgRiskScore = riskSum / float64(len(outcomes))
	profile.FalsePositiveRate = float64(fpCount) / float64(len(outcomes))

	if len(successes) > 0 {
		var recoverySum float64
		for _, o := range successes {
			if o.TimeToHealthy != nil {
				recoverySum += *o.TimeToHealthy
			}
		}
		profile.AvgRecoverySeconds = recoverySum / float64(len(successes))
	}

	if len(outcomes) >= 10 {
		mid := len(outcomes) / 2
		recentAvg := avgRisk(outcomes[:mid])
		olderAvg := avgRisk(outcomes[mid:])
		switch {
		case recentAvg > olderAvg*1.2:
			profile.RiskTrend = TrendIncreasing
		case recentAvg < olderAvg*0.8:
			profile.RiskTrend = TrendDecreasing
		default:
			profile.RiskTrend = TrendStable
		}
	}

	// High false positive rate means Smith kills this module wrongly more
	// often than not, which argues for resurrecting it without review.
	profile.AutoApproveEligible = len(outcomes) >= 5 &&
		profile.SuccessRate >= 0.9 &&
		profile.FalsePositiveRate >= 0.2

	return profile, nil
}

// AllModuleProfiles builds profiles for every module seen in the recent
// window, busiest modules first.
func (a *PatternAnalyzer) AllModuleProfiles(ctx context.Context) ([]*ModuleProfile, error) {
	outcomes, err := a.store.ListRecent(ctx, analysisScanLimit, time.Time{})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	modules := make([]string, 0)
	for _, o := range outcomes {
		if !seen[o.TargetModule] {
			seen[o.TargetModule] = true
			modules = append(modules, o.TargetModule)
		}
	}

	profiles := make([]*ModuleProfile, 0, len(modules))
	for _, module := range modules {
		profile, err := a.BuildModuleProfile(ctx, module)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, profile)
	}

	sort.SliceStable(profiles, func(i, j int) bool {
		if profiles[i].TotalResurrections != profiles[j].TotalResurrections {
			return profiles[i].TotalResurrections > profiles[j].TotalResurrections
		}
		return profiles[i].Module < profiles[j].Module
	})
	return profiles, nil
}

func avgRisk(outcomes []*core.ResurrectionOutcome) float64 {
	if len(outcomes) == 0 {
		return 0
	}
	var sum float64
	for _, o := range outcomes {
		sum += o.OriginalRiskScore
	}
	return sum / float64(len(outcomes))
}

// topModules returns up to n module names ordered by descending count,
// name breaking ties so output is deterministic.
func topModules(counts map[string]int, n int) []string {
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if counts[names[i]] != counts[names[j]] {
			return counts[names[i]] > counts[names[j]]
		}
		return names[i] < names[j]
	})
	if len(names) > n {
		names = names[:n]
	}
	return names
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
