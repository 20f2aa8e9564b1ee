package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sentinelops/medic/core"
)

// fakeSIEM is an in-process SIEM API: token auth, per-module alerts,
// and false-positive counts.
type fakeSIEM struct {
	t      *testing.T
	server *httptest.Server

	mu          sync.Mutex
	apiKey      string
	authCalls   int
	validTokens map[string]bool
	alerts      map[string][]siemAlert
	fps         map[string]int
	failAlerts  bool
}

func newFakeSIEM(t *testing.T) *fakeSIEM {
	t.Helper()
	f := &fakeSIEM{
		t:           t,
		apiKey:      "test-key",
		validTokens: make(map[string]bool),
		alerts:      make(map[string][]siemAlert),
		fps:         make(map[string]int),
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeSIEM) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth" {
		var body struct {
			APIKey string `json:"api_key"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.APIKey != f.apiKey {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.authCalls++
		token := fmt.Sprintf("tok-%d", f.authCalls)
		f.validTokens[token] = true
		json.NewEncoder(w).Encode(map[string]string{"token": token})
		return
	}

	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !f.validTokens[token] {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	module := r.URL.Query().Get("module")
	switch r.URL.Path {
	case "/api/alerts":
		if f.failAlerts {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(alertsResponse{Alerts: f.alerts[module]})
	case "/api/false_positives":
		json.NewEncoder(w).Encode(falsePositivesResponse{Module: module, Count: f.fps[module]})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// revokeTokens invalidates every issued token, forcing re-auth.
func (f *fakeSIEM) revokeTokens() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validTokens = make(map[string]bool)
}

func (f *fakeSIEM) authCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authCalls
}

func newTestEnricher(t *testing.T, f *fakeSIEM) *SIEMEnricher {
	t.Helper()
	e, err := NewSIEMEnricher(core.EnricherConfig{
		Provider: "siem",
		BaseURL:  f.server.URL,
		APIKey:   "test-key",
		Timeout:  5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewSIEMEnricher: %v", err)
	}
	// Keep failure-path tests fast.
	e.retry.InitialDelay = time.Millisecond
	e.retry.MaxDelay = 5 * time.Millisecond
	return e
}

func enrichEvent(module string) *core.KillEvent {
	return &core.KillEvent{
		KillID:          "kill-enrich-1",
		TargetModule:    module,
		KillReason:      core.KillReasonAnomalyBehavior,
		Severity:        core.SeverityMedium,
		ConfidenceScore: 0.5,
		SourceAgent:     "smith",
	}
}

func TestSIEMEnricherScoresAlerts(t *testing.T) {
	f := newFakeSIEM(t)
	f.alerts["cache-service"] = []siemAlert{
		{ID: "a1", Severity: "critical", Category: "malware", Title: "beacon to known C2"},
		{ID: "a2", Severity: "critical", Category: "malware", Title: "persistence artifact"},
		{ID: "a3", Severity: "high", Category: "exfil", Title: "large outbound transfer"},
		{ID: "a4", Severity: "low", Title: "port scan observed"},
	}
	f.fps["cache-service"] = 2

	e := newTestEnricher(t, f)
	result := e.Enrich(context.Background(), enrichEvent("cache-service"))

	// 3/4 high-or-critical halved (0.375) plus the capped critical boost (0.4).
	if got, want := result.RiskScore, 0.775; !almostEqual(got, want) {
		t.Fatalf("risk score = %v, want %v", got, want)
	}
	if result.Recommendation != core.RecommendationManualReview {
		t.Errorf("recommendation = %q, want manual_review", result.Recommendation)
	}
	if result.FalsePositiveHistory != 2 {
		t.Errorf("fp history = %d, want 2", result.FalsePositiveHistory)
	}
	if result.Source != "siem" {
		t.Errorf("source = %q, want siem", result.Source)
	}

	if len(result.ThreatIndicators) != 4 {
		t.Fatalf("indicators = %d, want 4", len(result.ThreatIndicators))
	}
	first := result.ThreatIndicators[0]
	if first.Type != "malware" || !almostEqual(first.Score, 0.95) || first.Description != "beacon to known C2" {
		t.Errorf("unexpected first indicator: %+v", first)
	}
	// Category-less alerts fall back to the generic type.
	last := result.ThreatIndicators[3]
	if last.Type != "siem_alert" || !almostEqual(last.Score, 0.25) {
		t.Errorf("unexpected last indicator: %+v", last)
	}
}

func TestSIEMEnricherRecommendationLadder(t *testing.T) {
	cases := []struct {
		name   string
		alerts []siemAlert
		fps    int
		want   string
	}{
		{
			// 3/3 high-or-critical halved + 0.3 critical boost = 0.8 exactly.
			name: "deny boundary inclusive",
			alerts: []siemAlert{
				{Severity: "critical"}, {Severity: "high"}, {Severity: "high"},
			},
			want: core.RecommendationDenyResurrection,
		},
		{
			// 1/2 halved + 0.3 boost = 0.55.
			name:   "caution in the middle band",
			alerts: []siemAlert{{Severity: "critical"}, {Severity: "low"}},
			want:   core.RecommendationProceedWithCaution,
		},
		{
			name:   "safe when quiet",
			alerts: []siemAlert{{Severity: "low"}, {Severity: "low"}},
			fps:    3,
			want:   core.RecommendationSafeToResurrect,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := scoreAlerts(tc.alerts, tc.fps)
			if result.Recommendation != tc.want {
				t.Errorf("recommendation = %q, want %q (risk %v)", result.Recommendation, tc.want, result.RiskScore)
			}
		})
	}
}

func TestSIEMEnricherVolumeBoost(t *testing.T) {
	alerts := make([]siemAlert, 12)
	for i := range alerts {
		alerts[i] = siemAlert{ID: fmt.Sprintf("a%d", i), Severity: "low"}
	}
	result := scoreAlerts(alerts, 0)
	if !almostEqual(result.RiskScore, 0.1) {
		t.Fatalf("risk score = %v, want 0.1", result.RiskScore)
	}
}

func TestSIEMEnricherNoData(t *testing.T) {
	f := newFakeSIEM(t)
	e := newTestEnricher(t, f)

	result := e.Enrich(context.Background(), enrichEvent("unknown-module"))
	if result.Recommendation != core.RecommendationNoData {
		t.Errorf("recommendation = %q, want no_data", result.Recommendation)
	}
	if !almostEqual(result.RiskScore, 0.5) {
		t.Errorf("risk score = %v, want neutral 0.5", result.RiskScore)
	}
	if result.FalsePositiveHistory != 0 {
		t.Errorf("fp history = %d, want 0", result.FalsePositiveHistory)
	}
}

func TestSIEMEnricherCachesToken(t *testing.T) {
	f := newFakeSIEM(t)
	f.alerts["cache-service"] = []siemAlert{{Severity: "low"}}
	e := newTestEnricher(t, f)

	e.Enrich(context.Background(), enrichEvent("cache-service"))
	e.Enrich(context.Background(), enrichEvent("cache-service"))

	if got := f.authCount(); got != 1 {
		t.Fatalf("auth calls = %d, want 1 (token should be cached)", got)
	}
}

func TestSIEMEnricherReauthenticatesOn401(t *testing.T) {
	f := newFakeSIEM(t)
	f.alerts["cache-service"] = []siemAlert{{Severity: "high", Title: "odd traffic"}}
	e := newTestEnricher(t, f)

	// Prime the token, then revoke it server-side.
	e.Enrich(context.Background(), enrichEvent("cache-service"))
	f.revokeTokens()

	result := e.Enrich(context.Background(), enrichEvent("cache-service"))
	if result.Recommendation == core.RecommendationUnknown {
		t.Fatal("enrichment fell back to defaults instead of re-authenticating")
	}
	if got := f.authCount(); got != 2 {
		t.Fatalf("auth calls = %d, want 2", got)
	}
}

func TestSIEMEnricherFailureFallsBackToDefaults(t *testing.T) {
	f := newFakeSIEM(t)
	f.failAlerts = true
	e := newTestEnricher(t, f)

	result := e.Enrich(context.Background(), enrichEvent("cache-service"))
	if result.Recommendation != core.RecommendationUnknown {
		t.Errorf("recommendation = %q, want unknown", result.Recommendation)
	}
	if !almostEqual(result.RiskScore, 0.5) {
		t.Errorf("risk score = %v, want 0.5", result.RiskScore)
	}
	if result.Source != "siem" {
		t.Errorf("source = %q, want siem", result.Source)
	}
}

func TestSIEMEnricherRequiresBaseURL(t *testing.T) {
	_, err := NewSIEMEnricher(core.EnricherConfig{Provider: "siem"})
	if !core.IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestNoopEnricherReturnsDefaults(t *testing.T) {
	e := NewNoopEnricher()
	result := e.Enrich(context.Background(), enrichEvent("cache-service"))

	if result.Recommendation != core.RecommendationUnknown {
		t.Errorf("recommendation = %q, want unknown", result.Recommendation)
	}
	if !almostEqual(result.RiskScore, 0.5) {
		t.Errorf("risk score = %v, want 0.5", result.RiskScore)
	}
	if result.Source != "noop" {
		t.Errorf("source = %q, want noop", result.Source)
	}
}

func almostEqual(a, b float64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff < 1e-9
}
