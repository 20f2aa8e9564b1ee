// Package enrich provides the threat-intelligence adapters consulted
// between event intake and risk assessment. Enrichers never fail the
// pipeline: upstream trouble collapses into the unknown default result
// and the decision proceeds on reduced signal.
package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/sentinelops/medic/core"
	"github.com/sentinelops/medic/resilience"
)

// siemAlert is one active alert as the SIEM reports it.
type siemAlert struct {
	ID       string `json:"id"`
	Severity string `json:"severity"`
	Category string `json:"category"`
	Title    string `json:"title"`
}

type alertsResponse struct {
	Alerts []siemAlert `json:"alerts"`
}

type falsePositivesResponse struct {
	Module string `json:"module"`
	Count  int    `json:"count"`
}

type authResponse struct {
	Token string `json:"token"`
}

// indicatorScores maps SIEM alert severities onto threat-indicator
// scores. Critical alerts land above the decision engine's 0.9
// immediate-deny line.
var indicatorScores = map[string]float64{
	"critical": 0.95,
	"high":     0.75,
	"medium":   0.5,
	"low":      0.25,
}

// SIEMEnricher queries the SIEM REST API for active alerts and
// false-positive history about a killed module. Authentication exchanges
// the configured API key for a bearer token; a 401 mid-flight triggers
// one re-authentication before the call fails.
type SIEMEnricher struct {
	baseURL string
	apiKey  string
	client  *http.Client
	retry   *resilience.RetryConfig
	breaker *resilience.CircuitBreaker
	logger  core.Logger

	mu    sync.Mutex
	token string
}

var _ core.Enricher = (*SIEMEnricher)(nil)

// NewSIEMEnricher creates an enricher for the SIEM at config.BaseURL.
func NewSIEMEnricher(config core.EnricherConfig) (*SIEMEnricher, error) {
	if config.BaseURL == "" {
		return nil, &core.AgentError{
			Op:      "NewSIEMEnricher",
			Kind:    "config",
			Message: "siem enricher requires a base URL",
			Err:     core.ErrInvalidConfiguration,
		}
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	breakerConfig := resilience.DefaultConfig()
	breakerConfig.Name = "siem-enricher"
	breaker, err := resilience.NewCircuitBreaker(breakerConfig)
	if err != nil {
		return nil, err
	}

	return &SIEMEnricher{
		baseURL: config.BaseURL,
		apiKey:  config.APIKey,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		retry:   resilience.DefaultRetryConfig(),
		breaker: breaker,
		logger:  &core.NoOpLogger{},
	}, nil
}

// SetLogger configures the logger for this enricher and its breaker.
func (e *SIEMEnricher) SetLogger(logger core.Logger) {
	if logger != nil {
		e.logger = logger
		e.breaker.SetLogger(logger)
	}
}

// Name identifies this enricher in outcome metadata.
func (e *SIEMEnricher) Name() string { return "siem" }

// Enrich queries the SIEM about the killed module. Any upstream failure
// is logged and swallowed into the unknown default so the pipeline
// keeps moving.
func (e *SIEMEnricher) Enrich(ctx context.Context, event *core.KillEvent) core.EnrichmentResult {
	started := time.Now()
	module := event.TargetModule

	var alerts []siemAlert
	var fpCount int
	err := resilience.RetryWithCircuitBreaker(ctx, e.retry, e.breaker, func() error {
		fetched, err := e.fetchAlerts(ctx, module)
		if err != nil {
			return err
		}
		count, err := e.fetchFalsePositives(ctx, module)
		if err != nil {
			return err
		}
		alerts, fpCount = fetched, count
		return nil
	})
	if err != nil {
		if e.logger != nil {
			e.logger.Error("SIEM enrichment failed, using defaults", map[string]interface{}{
				"kill_id":       event.KillID,
				"target_module": module,
				"error":         err.Error(),
				"duration_ms":   time.Since(started).Milliseconds(),
			})
		}
		result := core.DefaultEnrichmentResult()
		result.Source = e.Name()
		return result
	}

	result := scoreAlerts(alerts, fpCount)
	result.Source = e.Name()

	if e.logger != nil {
		e.logger.Info("SIEM enrichment complete", map[string]interface{}{
			"kill_id":         event.KillID,
			"target_module":   module,
			"risk_score":      result.RiskScore,
			"active_alerts":   len(alerts),
			"false_positives": fpCount,
			"recommendation":  result.Recommendation,
			"duration_ms":     time.Since(started).Milliseconds(),
		})
	}

	return result
}

// scoreAlerts turns the SIEM's view of a module into an enrichment
// result. Risk is the high/critical proportion halved, boosted by 0.3
// per critical alert (capped at 0.4) and by 0.1 when the module is noisy
// (>10 active alerts).
func scoreAlerts(alerts []siemAlert, fpCount int) core.EnrichmentResult {
	if len(alerts) == 0 && fpCount == 0 {
		result := core.DefaultEnrichmentResult()
		result.Recommendation = core.RecommendationNoData
		return result
	}

	var highOrCritical, criticals int
	indicators := make([]core.ThreatIndicator, 0, len(alerts))
	for _, alert := range alerts {
		switch alert.Severity {
		case "critical":
			criticals++
			highOrCritical++
		case "high":
			highOrCritical++
		}
		score, ok := indicatorScores[alert.Severity]
		if !ok {
			score = 0.4
		}
		indicatorType := alert.Category
		if indicatorType == "" {
			indicatorType = "siem_alert"
		}
		indicators = append(indicators, core.ThreatIndicator{
			Type:        indicatorType,
			Score:       score,
			Description: alert.Title,
		})
	}

	risk := 0.0
	if len(alerts) > 0 {
		risk = float64(highOrCritical) / float64(len(alerts)) * 0.5
	}
	boost := 0.3 * float64(criticals)
	if boost > 0.4 {
		boost = 0.4
	}
	risk += boost
	if len(alerts) > 10 {
		risk += 0.1
	}
	risk = core.Clamp01(risk)

	var recommendation string
	switch {
	case risk >= 0.8:
		recommendation = core.RecommendationDenyResurrection
	case risk >= 0.6:
		recommendation = core.RecommendationManualReview
	case risk >= 0.4:
		recommendation = core.RecommendationProceedWithCaution
	default:
		recommendation = core.RecommendationSafeToResurrect
	}

	return core.EnrichmentResult{
		RiskScore:            risk,
		FalsePositiveHistory: fpCount,
		Recommendation:       recommendation,
		ThreatIndicators:     indicators,
	}
}

// fetchAlerts lists the module's active alerts.
func (e *SIEMEnricher) fetchAlerts(ctx context.Context, module string) ([]siemAlert, error) {
	var out alertsResponse
	if err := e.get(ctx, "/api/alerts", module, &out); err != nil {
		return nil, err
	}
	return out.Alerts, nil
}

// fetchFalsePositives counts the module's prior false positives.
func (e *SIEMEnricher) fetchFalsePositives(ctx context.Context, module string) (int, error) {
	var out falsePositivesResponse
	if err := e.get(ctx, "/api/false_positives", module, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// get performs an authenticated GET, re-authenticating once on 401.
func (e *SIEMEnricher) get(ctx context.Context, path, module string, out interface{}) error {
	token, err := e.ensureToken(ctx)
	if err != nil {
		return err
	}

	status, err := e.getWithToken(ctx, path, module, token, out)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		token, err = e.refreshToken(ctx, token)
		if err != nil {
			return err
		}
		status, err = e.getWithToken(ctx, path, module, token, out)
		if err != nil {
			return err
		}
	}
	if status != http.StatusOK {
		return &core.AgentError{
			Op:      "SIEMEnricher.get",
			Kind:    "enricher",
			Message: fmt.Sprintf("GET %s returned status %d", path, status),
			Err:     core.ErrEnricherUnavailable,
		}
	}
	return nil
}

func (e *SIEMEnricher) getWithToken(ctx context.Context, path, module, token string, out interface{}) (int, error) {
	query := url.Values{"module": {module}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, &core.AgentError{
			Op:      "SIEMEnricher.get",
			Kind:    "enricher",
			Message: fmt.Sprintf("GET %s failed", path),
			Err:     core.ErrEnricherUnavailable,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return 0, &core.AgentError{
			Op:      "SIEMEnricher.get",
			Kind:    "enricher",
			Message: fmt.Sprintf("decoding %s response", path),
			Err:     core.ErrEnricherUnavailable,
		}
	}
	return resp.StatusCode, nil
}

// ensureToken returns the cached bearer token, authenticating on first use.
func (e *SIEMEnricher) ensureToken(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.token != "" {
		return e.token, nil
	}
	return e.authenticateLocked(ctx)
}

// refreshToken re-authenticates after a 401. If another goroutine
// already replaced the stale token, that one is reused instead.
func (e *SIEMEnricher) refreshToken(ctx context.Context, stale string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.token != "" && e.token != stale {
		return e.token, nil
	}
	e.token = ""
	return e.authenticateLocked(ctx)
}

// authenticateLocked exchanges the API key for a bearer token. Callers
// hold the mutex.
func (e *SIEMEnricher) authenticateLocked(ctx context.Context) (string, error) {
	body, err := json.Marshal(map[string]string{"api_key": e.apiKey})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/auth", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", &core.AgentError{
			Op:      "SIEMEnricher.authenticate",
			Kind:    "enricher",
			Message: "auth request failed",
			Err:     core.ErrEnricherUnavailable,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &core.AgentError{
			Op:      "SIEMEnricher.authenticate",
			Kind:    "enricher",
			Message: fmt.Sprintf("auth returned status %d", resp.StatusCode),
			Err:     core.ErrEnricherUnavailable,
		}
	}

	var auth authResponse
	if err := json.NewDecoder(resp.Body).Decode(&auth); err != nil || auth.Token == "" {
		return "", &core.AgentError{
			Op:      "SIEMEnricher.authenticate",
			Kind:    "enricher",
			Message: "auth response missing token",
			Err:     core.ErrEnricherUnavailable,
		}
	}

	e.token = auth.Token
	if e.logger != nil {
		e.logger.Info("Authenticated with SIEM", nil)
	}
	return e.token, nil
}
