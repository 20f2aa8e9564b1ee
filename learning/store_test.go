package learning

import (
	"context"
	"database/sql"
	"math/rand"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/sentinelops/medic/core"
)

// storeBackends returns a constructor per OutcomeStore backend so every
// contract test runs identically against both.
func storeBackends() map[string]func(t *testing.T) core.OutcomeStore {
	return map[string]func(t *testing.T) core.OutcomeStore{
		"memory": func(t *testing.T) core.OutcomeStore {
			t.Helper()
			return NewMemoryOutcomeStore()
		},
		"sqlite": func(t *testing.T) core.OutcomeStore {
			t.Helper()
			store, err := NewSQLiteOutcomeStore(filepath.Join(t.TempDir(), "outcomes.db"))
			if err != nil {
				t.Fatalf("NewSQLiteOutcomeStore() failed: %v", err)
			}
			t.Cleanup(func() { store.Close() })
			return store
		},
	}
}

func testOutcome(id, module string, outcomeType core.OutcomeType, ts time.Time) *core.ResurrectionOutcome {
	return &core.ResurrectionOutcome{
		OutcomeID:          id,
		DecisionID:         "dec-" + id,
		KillID:             "kill-" + id,
		TargetModule:       module,
		Timestamp:          ts,
		OutcomeType:        outcomeType,
		OriginalRiskScore:  0.25,
		OriginalConfidence: 0.9,
		OriginalDecision:   "APPROVE_AUTO",
		FeedbackSource:     core.FeedbackAutomated,
	}
}

func mustStore(t *testing.T, store core.OutcomeStore, outcomes ...*core.ResurrectionOutcome) {
	t.Helper()
	for _, o := range outcomes {
		if err := store.Store(context.Background(), o); err != nil {
			t.Fatalf("Store(%s) failed: %v", o.OutcomeID, err)
		}
	}
}

// Test full-record round trip through store and get
func TestOutcomeStoreRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 26, 53, 589793238, time.UTC)
	health := 0.95
	recovery := 12.5
	feedback := "came back clean"
	corrected := "approve_manual"

	original := &core.ResurrectionOutcome{
		OutcomeID:          "out-roundtrip",
		DecisionID:         "dec-roundtrip",
		KillID:             "kill-roundtrip",
		TargetModule:       "auth-service",
		Timestamp:          ts,
		OutcomeType:        core.OutcomeSuccess,
		OriginalRiskScore:  0.22,
		OriginalConfidence: 0.91,
		OriginalDecision:   "APPROVE_AUTO",
		WasAutoApproved:    true,
		HealthScoreAfter:   &health,
		TimeToHealthy:      &recovery,
		AnomaliesDetected:  1,
		RequiredRollback:   false,
		FeedbackSource:     core.FeedbackHumanOperator,
		HumanFeedback:      &feedback,
		CorrectedDecision:  &corrected,
		Metadata: map[string]interface{}{
			"recommendation": "safe_to_resurrect",
			"attempt":        float64(2),
		},
	}

	for name, newStore := range storeBackends() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			mustStore(t, store, original)

			got, err := store.Get(context.Background(), "out-roundtrip")
			if err != nil {
				t.Fatalf("Get() failed: %v", err)
			}

			if got.OutcomeID != original.OutcomeID {
				t.Errorf("OutcomeID = %q, want %q", got.OutcomeID, original.OutcomeID)
			}
			if got.DecisionID != original.DecisionID {
				t.Errorf("DecisionID = %q, want %q", got.DecisionID, original.DecisionID)
			}
			if got.KillID != original.KillID {
				t.Errorf("KillID = %q, want %q", got.KillID, original.KillID)
			}
			if got.TargetModule != original.TargetModule {
				t.Errorf("TargetModule = %q, want %q", got.TargetModule, original.TargetModule)
			}
			if !got.Timestamp.Equal(original.Timestamp) {
				t.Errorf("Timestamp = %v, want %v", got.Timestamp, original.Timestamp)
			}
			if got.OutcomeType != original.OutcomeType {
				t.Errorf("OutcomeType = %q, want %q", got.OutcomeType, original.OutcomeType)
			}
			if got.OriginalRiskScore != original.OriginalRiskScore {
				t.Errorf("OriginalRiskScore = %v, want %v", got.OriginalRiskScore, original.OriginalRiskScore)
			}
			if got.OriginalConfidence != original.OriginalConfidence {
				t.Errorf("OriginalConfidence = %v, want %v", got.OriginalConfidence, original.OriginalConfidence)
			}
			if got.OriginalDecision != original.OriginalDecision {
				t.Errorf("OriginalDecision = %q, want %q", got.OriginalDecision, original.OriginalDecision)
			}
			if got.WasAutoApproved != original.WasAutoApproved {
				t.Errorf("WasAutoApproved = %v, want %v", got.WasAutoApproved, original.WasAutoApproved)
			}
			if got.HealthScoreAfter == nil || *got.HealthScoreAfter != health {
				t.Errorf("HealthScoreAfter = %v, want %v", got.HealthScoreAfter, health)
			}
			if got.TimeToHealthy == nil || *got.TimeToHealthy != recovery {
				t.Errorf("TimeToHealthy = %v, want %v", got.TimeToHealthy, recovery)
			}
			if got.AnomaliesDetected != original.AnomaliesDetected {
				t.Errorf("AnomaliesDetected = %d, want %d", got.AnomaliesDetected, original.AnomaliesDetected)
			}
			if got.RequiredRollback != original.RequiredRollback {
				t.Errorf("RequiredRollback = %v, want %v", got.RequiredRollback, original.RequiredRollback)
			}
			if got.FeedbackSource != original.FeedbackSource {
				t.Errorf("FeedbackSource = %q, want %q", got.FeedbackSource, original.FeedbackSource)
			}
			if got.HumanFeedback == nil || *got.HumanFeedback != feedback {
				t.Errorf("HumanFeedback = %v, want %q", got.HumanFeedback, feedback)
			}
			if got.CorrectedDecision == nil || *got.CorrectedDecision != corrected {
				t.Errorf("CorrectedDecision = %v, want %q", got.CorrectedDecision, corrected)
			}
			if !reflect.DeepEqual(got.Metadata, original.Metadata) {
				t.Errorf("Metadata = %v, want %v", got.Metadata, original.Metadata)
			}
		})
	}
}

// Test that unset optional fields stay unset across a round trip
func TestOutcomeStoreRoundTripOptionalFieldsNil(t *testing.T) {
	for name, newStore := range storeBackends() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			mustStore(t, store, testOutcome("out-bare", "cache-service", core.OutcomeUndetermined, time.Now().UTC()))

			got, err := store.Get(context.Background(), "out-bare")
			if err != nil {
				t.Fatalf("Get() failed: %v", err)
			}
			if got.HealthScoreAfter != nil {
				t.Errorf("HealthScoreAfter = %v, want nil", *got.HealthScoreAfter)
			}
			if got.TimeToHealthy != nil {
				t.Errorf("TimeToHealthy = %v, want nil", *got.TimeToHealthy)
			}
			if got.HumanFeedback != nil {
				t.Errorf("HumanFeedback = %q, want nil", *got.HumanFeedback)
			}
			if got.CorrectedDecision != nil {
				t.Errorf("CorrectedDecision = %q, want nil", *got.CorrectedDecision)
			}
		})
	}
}

// Test get of an unknown outcome
func TestOutcomeStoreGetNotFound(t *testing.T) {
	for name, newStore := range storeBackends() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)

			_, err := store.Get(context.Background(), "out-missing")
			if err == nil {
				t.Fatal("Get() for unknown outcome should fail")
			}
			if !core.IsNotFound(err) {
				t.Errorf("Get() error = %v, want outcome-not-found", err)
			}
		})
	}
}

// Test insert-or-replace semantics keyed by outcome_id
func TestOutcomeStoreReplace(t *testing.T) {
	for name, newStore := range storeBackends() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ts := time.Now().UTC()

			first := testOutcome("out-rep", "cache-service", core.OutcomeUndetermined, ts)
			mustStore(t, store, first)

			second := testOutcome("out-rep", "cache-service", core.OutcomeSuccess, ts)
			second.OriginalRiskScore = 0.4
			mustStore(t, store, second)

			got, err := store.Get(context.Background(), "out-rep")
			if err != nil {
				t.Fatalf("Get() failed: %v", err)
			}
			if got.OutcomeType != core.OutcomeSuccess {
				t.Errorf("OutcomeType = %q, want SUCCESS after replace", got.OutcomeType)
			}
			if got.OriginalRiskScore != 0.4 {
				t.Errorf("OriginalRiskScore = %v, want 0.4 after replace", got.OriginalRiskScore)
			}

			all, err := store.ListRecent(context.Background(), 0, time.Time{})
			if err != nil {
				t.Fatalf("ListRecent() failed: %v", err)
			}
			if len(all) != 1 {
				t.Errorf("ListRecent() returned %d records, want 1 after replace", len(all))
			}
		})
	}
}

// Test newest-first ordering with insertion order breaking timestamp ties
func TestOutcomeStoreListOrdering(t *testing.T) {
	for name, newStore := range storeBackends() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

			a := testOutcome("out-a", "m1", core.OutcomeSuccess, base)
			b := testOutcome("out-b", "m1", core.OutcomeSuccess, base)
			c := testOutcome("out-c", "m1", core.OutcomeSuccess, base.Add(time.Hour))
			mustStore(t, store, a, b, c)

			// Replacing a record must not move it in the ordering.
			a2 := testOutcome("out-a", "m1", core.OutcomeFailure, base)
			mustStore(t, store, a2)

			got, err := store.ListRecent(context.Background(), 0, time.Time{})
			if err != nil {
				t.Fatalf("ListRecent() failed: %v", err)
			}
			wantOrder := []string{"out-c", "out-a", "out-b"}
			if len(got) != len(wantOrder) {
				t.Fatalf("ListRecent() returned %d records, want %d", len(got), len(wantOrder))
			}
			for i, want := range wantOrder {
				if got[i].OutcomeID != want {
					t.Errorf("ListRecent()[%d] = %s, want %s", i, got[i].OutcomeID, want)
				}
			}
		})
	}
}

// Test limit and since filtering
func TestOutcomeStoreListFilters(t *testing.T) {
	for name, newStore := range storeBackends() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()
			base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

			mustStore(t, store,
				testOutcome("out-1", "cache-service", core.OutcomeSuccess, base),
				testOutcome("out-2", "cache-service", core.OutcomeFailure, base.Add(1*time.Hour)),
				testOutcome("out-3", "auth-service", core.OutcomeSuccess, base.Add(2*time.Hour)),
				testOutcome("out-4", "auth-service", core.OutcomeFalsePositive, base.Add(3*time.Hour)),
			)

			byModule, err := store.ListByModule(ctx, "cache-service", 0, time.Time{})
			if err != nil {
				t.Fatalf("ListByModule() failed: %v", err)
			}
			if len(byModule) != 2 || byModule[0].OutcomeID != "out-2" {
				t.Errorf("ListByModule() = %v, want [out-2 out-1]", outcomeIDs(byModule))
			}

			byType, err := store.ListByType(ctx, core.OutcomeSuccess, 0, time.Time{})
			if err != nil {
				t.Fatalf("ListByType() failed: %v", err)
			}
			if len(byType) != 2 || byType[0].OutcomeID != "out-3" {
				t.Errorf("ListByType() = %v, want [out-3 out-1]", outcomeIDs(byType))
			}

			// since is inclusive of the boundary timestamp
			since, err := store.ListRecent(ctx, 0, base.Add(1*time.Hour))
			if err != nil {
				t.Fatalf("ListRecent() failed: %v", err)
			}
			if len(since) != 3 {
				t.Errorf("ListRecent(since) = %v, want 3 records including the boundary", outcomeIDs(since))
			}

			limited, err := store.ListRecent(ctx, 2, time.Time{})
			if err != nil {
				t.Fatalf("ListRecent() failed: %v", err)
			}
			if len(limited) != 2 || limited[0].OutcomeID != "out-4" {
				t.Errorf("ListRecent(limit=2) = %v, want [out-4 out-3]", outcomeIDs(limited))
			}
		})
	}
}

// Test that update ignores keys outside the allowed set
func TestOutcomeStoreUpdateAllowedFieldsOnly(t *testing.T) {
	for name, newStore := range storeBackends() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()
			mustStore(t, store, testOutcome("out-upd", "cache-service", core.OutcomeUndetermined, time.Now().UTC()))

			found, err := store.Update(ctx, "out-upd", map[string]interface{}{
				"outcome_type":        "SUCCESS",
				"health_score_after":  0.88,
				"time_to_healthy":     7.5,
				"corrected_decision":  "approve_manual",
				"target_module":       "hijacked",
				"original_risk_score": 0.99,
				"kill_id":             "kill-hijacked",
				"nonsense":            42,
			})
			if err != nil {
				t.Fatalf("Update() failed: %v", err)
			}
			if !found {
				t.Fatal("Update() found = false, want true")
			}

			got, err := store.Get(ctx, "out-upd")
			if err != nil {
				t.Fatalf("Get() failed: %v", err)
			}
			if got.OutcomeType != core.OutcomeSuccess {
				t.Errorf("OutcomeType = %q, want SUCCESS", got.OutcomeType)
			}
			if got.HealthScoreAfter == nil || *got.HealthScoreAfter != 0.88 {
				t.Errorf("HealthScoreAfter = %v, want 0.88", got.HealthScoreAfter)
			}
			if got.TimeToHealthy == nil || *got.TimeToHealthy != 7.5 {
				t.Errorf("TimeToHealthy = %v, want 7.5", got.TimeToHealthy)
			}
			if got.CorrectedDecision == nil || *got.CorrectedDecision != "approve_manual" {
				t.Errorf("CorrectedDecision = %v, want approve_manual", got.CorrectedDecision)
			}

			// Keys outside the allowed set must not leak through.
			if got.TargetModule != "cache-service" {
				t.Errorf("TargetModule = %q, want cache-service (immutable)", got.TargetModule)
			}
			if got.OriginalRiskScore != 0.25 {
				t.Errorf("OriginalRiskScore = %v, want 0.25 (immutable)", got.OriginalRiskScore)
			}
			if got.KillID != "kill-out-upd" {
				t.Errorf("KillID = %q, want kill-out-upd (immutable)", got.KillID)
			}
		})
	}
}

// Test update against an unknown outcome
func TestOutcomeStoreUpdateNotFound(t *testing.T) {
	for name, newStore := range storeBackends() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)

			found, err := store.Update(context.Background(), "out-nope", map[string]interface{}{
				"outcome_type": "SUCCESS",
			})
			if err != nil {
				t.Fatalf("Update() failed: %v", err)
			}
			if found {
				t.Error("Update() found = true for unknown outcome, want false")
			}
		})
	}
}

// Test the statistics aggregate on a known seed
func TestOutcomeStoreStatistics(t *testing.T) {
	for name, newStore := range storeBackends() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()
			base := time.Date(2026, 4, 10, 8, 0, 0, 0, time.UTC)

			s1 := testOutcome("out-s1", "cache-service", core.OutcomeSuccess, base)
			s1.WasAutoApproved = true
			s1.OriginalRiskScore = 0.2
			s2 := testOutcome("out-s2", "cache-service", core.OutcomeSuccess, base.Add(1*time.Hour))
			s2.WasAutoApproved = true
			s2.OriginalRiskScore = 0.25
			f1 := testOutcome("out-f1", "auth-service", core.OutcomeFailure, base.Add(2*time.Hour))
			f1.WasAutoApproved = true
			f1.OriginalRiskScore = 0.6
			fp := testOutcome("out-fp", "auth-service", core.OutcomeFalsePositive, base.Add(3*time.Hour))
			fp.OriginalRiskScore = 0.3
			mustStore(t, store, s1, s2, f1, fp)

			stats, err := store.Statistics(ctx, time.Time{}, time.Time{})
			if err != nil {
				t.Fatalf("Statistics() failed: %v", err)
			}

			if stats.TotalOutcomes != 4 {
				t.Errorf("TotalOutcomes = %d, want 4", stats.TotalOutcomes)
			}
			if stats.CountsByType[core.OutcomeSuccess] != 2 {
				t.Errorf("success count = %d, want 2", stats.CountsByType[core.OutcomeSuccess])
			}
			if stats.CountsByType[core.OutcomeFailure] != 1 {
				t.Errorf("failure count = %d, want 1", stats.CountsByType[core.OutcomeFailure])
			}
			if stats.CountsByType[core.OutcomeFalsePositive] != 1 {
				t.Errorf("false positive count = %d, want 1", stats.CountsByType[core.OutcomeFalsePositive])
			}
			if !almostEqual(stats.AvgRiskSuccess, 0.225) {
				t.Errorf("AvgRiskSuccess = %v, want 0.225", stats.AvgRiskSuccess)
			}
			if !almostEqual(stats.AvgRiskFailure, 0.6) {
				t.Errorf("AvgRiskFailure = %v, want 0.6", stats.AvgRiskFailure)
			}
			if stats.AutoApproveTotal != 3 {
				t.Errorf("AutoApproveTotal = %d, want 3", stats.AutoApproveTotal)
			}
			if !almostEqual(stats.AutoApproveAccuracy, 2.0/3.0) {
				t.Errorf("AutoApproveAccuracy = %v, want 2/3", stats.AutoApproveAccuracy)
			}
			if stats.HumanOverrideRate != 0 {
				t.Errorf("HumanOverrideRate = %v, want 0", stats.HumanOverrideRate)
			}
			if !stats.PeriodStart.Equal(base) {
				t.Errorf("PeriodStart = %v, want %v", stats.PeriodStart, base)
			}
			if !stats.PeriodEnd.Equal(base.Add(3 * time.Hour)) {
				t.Errorf("PeriodEnd = %v, want %v", stats.PeriodEnd, base.Add(3*time.Hour))
			}

			// The until bound is inclusive of the newest record.
			bounded, err := store.Statistics(ctx, base, base.Add(3*time.Hour))
			if err != nil {
				t.Fatalf("Statistics(bounded) failed: %v", err)
			}
			if bounded.TotalOutcomes != 4 {
				t.Errorf("bounded TotalOutcomes = %d, want 4", bounded.TotalOutcomes)
			}
		})
	}
}

// Test that statistics agrees with a straightforward pass over ListRecent
func TestOutcomeStoreStatisticsMatchesList(t *testing.T) {
	for name, newStore := range storeBackends() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()
			rng := rand.New(rand.NewSource(42))
			base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

			types := []core.OutcomeType{
				core.OutcomeSuccess, core.OutcomeSuccess, core.OutcomeFailure,
				core.OutcomeRollback, core.OutcomeFalsePositive, core.OutcomeUndetermined,
			}
			modules := []string{"cache-service", "auth-service", "payment-gateway"}
			for i := 0; i < 40; i++ {
				o := testOutcome(
					"out-gen-"+string(rune('a'+i%26))+string(rune('a'+i/26)),
					modules[rng.Intn(len(modules))],
					types[rng.Intn(len(types))],
					base.Add(time.Duration(rng.Intn(720))*time.Hour),
				)
				o.OriginalRiskScore = rng.Float64()
				o.WasAutoApproved = rng.Intn(2) == 0
				if o.OutcomeType == core.OutcomeSuccess && rng.Intn(2) == 0 {
					v := rng.Float64() * 120
					o.TimeToHealthy = &v
				}
				if rng.Intn(5) == 0 {
					c := "deny_manual"
					o.CorrectedDecision = &c
				}
				mustStore(t, store, o)
			}

			stats, err := store.Statistics(ctx, time.Time{}, time.Time{})
			if err != nil {
				t.Fatalf("Statistics() failed: %v", err)
			}
			all, err := store.ListRecent(ctx, 0, time.Time{})
			if err != nil {
				t.Fatalf("ListRecent() failed: %v", err)
			}

			want := aggregateStatistics(all)
			if stats.TotalOutcomes != want.TotalOutcomes {
				t.Errorf("TotalOutcomes = %d, want %d", stats.TotalOutcomes, want.TotalOutcomes)
			}
			if !reflect.DeepEqual(stats.CountsByType, want.CountsByType) {
				t.Errorf("CountsByType = %v, want %v", stats.CountsByType, want.CountsByType)
			}
			if !almostEqual(stats.AvgRiskSuccess, want.AvgRiskSuccess) {
				t.Errorf("AvgRiskSuccess = %v, want %v", stats.AvgRiskSuccess, want.AvgRiskSuccess)
			}
			if !almostEqual(stats.AvgRiskFailure, want.AvgRiskFailure) {
				t.Errorf("AvgRiskFailure = %v, want %v", stats.AvgRiskFailure, want.AvgRiskFailure)
			}
			if !almostEqual(stats.AvgTimeToHealthy, want.AvgTimeToHealthy) {
				t.Errorf("AvgTimeToHealthy = %v, want %v", stats.AvgTimeToHealthy, want.AvgTimeToHealthy)
			}
			if stats.AutoApproveTotal != want.AutoApproveTotal {
				t.Errorf("AutoApproveTotal = %d, want %d", stats.AutoApproveTotal, want.AutoApproveTotal)
			}
			if !almostEqual(stats.AutoApproveAccuracy, want.AutoApproveAccuracy) {
				t.Errorf("AutoApproveAccuracy = %v, want %v", stats.AutoApproveAccuracy, want.AutoApproveAccuracy)
			}
			if !almostEqual(stats.HumanOverrideRate, want.HumanOverrideRate) {
				t.Errorf("HumanOverrideRate = %v, want %v", stats.HumanOverrideRate, want.HumanOverrideRate)
			}
			if !stats.PeriodStart.Equal(want.PeriodStart) {
				t.Errorf("PeriodStart = %v, want %v", stats.PeriodStart, want.PeriodStart)
			}
			if !stats.PeriodEnd.Equal(want.PeriodEnd) {
				t.Errorf("PeriodEnd = %v, want %v", stats.PeriodEnd, want.PeriodEnd)
			}
		})
	}
}

// Test statistics on an empty store
func TestOutcomeStoreStatisticsEmpty(t *testing.T) {
	for name, newStore := range storeBackends() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)

			stats, err := store.Statistics(context.Background(), time.Time{}, time.Time{})
			if err != nil {
				t.Fatalf("Statistics() failed: %v", err)
			}
			if stats.TotalOutcomes != 0 {
				t.Errorf("TotalOutcomes = %d, want 0", stats.TotalOutcomes)
			}
			if stats.AutoApproveAccuracy != 0 {
				t.Errorf("AutoApproveAccuracy = %v, want 0", stats.AutoApproveAccuracy)
			}
			if len(stats.CountsByType) != 0 {
				t.Errorf("CountsByType = %v, want empty", stats.CountsByType)
			}
		})
	}
}

// Test per-module history aggregation
func TestOutcomeStoreModuleStatistics(t *testing.T) {
	for name, newStore := range storeBackends() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()
			base := time.Now().UTC().Add(-24 * time.Hour)

			recovery1, recovery2 := 10.0, 20.0
			s1 := testOutcome("out-m1", "cache-service", core.OutcomeSuccess, base)
			s1.OriginalRiskScore = 0.2
			s1.TimeToHealthy = &recovery1
			s2 := testOutcome("out-m2", "cache-service", core.OutcomeSuccess, base.Add(time.Hour))
			s2.OriginalRiskScore = 0.2
			s2.TimeToHealthy = &recovery2
			f1 := testOutcome("out-m3", "cache-service", core.OutcomeFailure, base.Add(2*time.Hour))
			f1.OriginalRiskScore = 0.8
			r1 := testOutcome("out-m4", "cache-service", core.OutcomeRollback, base.Add(3*time.Hour))
			r1.OriginalRiskScore = 0.4

			other := testOutcome("out-o1", "auth-service", core.OutcomeSuccess, base)
			mustStore(t, store, s1, s2, f1, r1, other)

			history, err := store.ModuleStatistics(ctx, "cache-service")
			if err != nil {
				t.Fatalf("ModuleStatistics() failed: %v", err)
			}

			if history.TotalResurrections != 4 {
				t.Errorf("TotalResurrections = %d, want 4", history.TotalResurrections)
			}
			if history.SuccessCount != 2 {
				t.Errorf("SuccessCount = %d, want 2", history.SuccessCount)
			}
			if history.FailureCount != 2 {
				t.Errorf("FailureCount = %d, want 2 (failure + rollback)", history.FailureCount)
			}
			if !almostEqual(history.SuccessRate, 0.5) {
				t.Errorf("SuccessRate = %v, want 0.5", history.SuccessRate)
			}
			if !almostEqual(history.AvgRiskScore, 0.4) {
				t.Errorf("AvgRiskScore = %v, want 0.4", history.AvgRiskScore)
			}
			if !almostEqual(history.AvgRecoverySeconds, 15.0) {
				t.Errorf("AvgRecoverySeconds = %v, want 15", history.AvgRecoverySeconds)
			}

			empty, err := store.ModuleStatistics(ctx, "never-seen")
			if err != nil {
				t.Fatalf("ModuleStatistics(never-seen) failed: %v", err)
			}
			if empty.TotalResurrections != 0 {
				t.Errorf("TotalResurrections = %d for unknown module, want 0", empty.TotalResurrections)
			}
		})
	}
}

// Test that stored records are isolated from later caller mutation
func TestMemoryStoreCallerCannotMutateStored(t *testing.T) {
	store := NewMemoryOutcomeStore()
	ctx := context.Background()

	o := testOutcome("out-iso", "cache-service", core.OutcomeSuccess, time.Now().UTC())
	o.Metadata = map[string]interface{}{"key": "original"}
	mustStore(t, store, o)

	// Mutate the caller's copy after storing.
	o.TargetModule = "mutated"
	o.Metadata["key"] = "mutated"

	got, err := store.Get(ctx, "out-iso")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.TargetModule != "cache-service" {
		t.Errorf("TargetModule = %q, stored record must not alias caller memory", got.TargetModule)
	}
	if got.Metadata["key"] != "original" {
		t.Errorf("Metadata = %v, stored record must not alias caller memory", got.Metadata)
	}

	// Mutating the returned record must not touch the stored one either.
	got.Metadata["key"] = "tampered"
	again, _ := store.Get(ctx, "out-iso")
	if again.Metadata["key"] != "original" {
		t.Errorf("Metadata = %v after tampering with a returned copy", again.Metadata)
	}
}

// Test that the SQLite backend survives a close and reopen
func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outcomes.db")
	ctx := context.Background()

	store, err := NewSQLiteOutcomeStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteOutcomeStore() failed: %v", err)
	}
	mustStore(t, store, testOutcome("out-persist", "cache-service", core.OutcomeSuccess, time.Now().UTC()))
	if err := store.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	reopened, err := NewSQLiteOutcomeStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Get(ctx, "out-persist")
	if err != nil {
		t.Fatalf("Get() after reopen failed: %v", err)
	}
	if got.TargetModule != "cache-service" {
		t.Errorf("TargetModule = %q after reopen, want cache-service", got.TargetModule)
	}
}

// Test that a corrupt row is skipped instead of failing the whole scan
func TestSQLiteStoreSkipsCorruptRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outcomes.db")
	ctx := context.Background()

	store, err := NewSQLiteOutcomeStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteOutcomeStore() failed: %v", err)
	}
	defer store.Close()
	mustStore(t, store, testOutcome("out-good", "cache-service", core.OutcomeSuccess, time.Now().UTC()))

	// Plant a row the scanner cannot parse.
	raw, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("raw open failed: %v", err)
	}
	defer raw.Close()
	_, err = raw.Exec(`INSERT INTO outcomes (
		outcome_id, decision_id, kill_id, target_module, timestamp,
		outcome_type, original_risk_score, original_confidence, original_decision,
		was_auto_approved, feedback_source, metadata
	) VALUES ('out-bad', 'dec-bad', 'kill-bad', 'mystery', 'not-a-timestamp',
		'SUCCESS', 0.5, 0.5, 'DENY', 0, 'AUTOMATED', '{}')`)
	if err != nil {
		t.Fatalf("raw insert failed: %v", err)
	}

	got, err := store.ListRecent(ctx, 0, time.Time{})
	if err != nil {
		t.Fatalf("ListRecent() failed: %v", err)
	}
	if len(got) != 1 || got[0].OutcomeID != "out-good" {
		t.Errorf("ListRecent() = %v, want just out-good", outcomeIDs(got))
	}
}

func outcomeIDs(outcomes []*core.ResurrectionOutcome) []string {
	ids := make([]string, len(outcomes))
	for i, o := range outcomes {
		ids[i] = o.OutcomeID
	}
	return ids
}

func almostEqual(a, b float64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff < 1e-9
}
