package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sentinelops/medic/core"
	"github.com/sentinelops/medic/learning"
	"github.com/sentinelops/medic/telemetry"
)

// recentDefaultLimit is used when GET /api/outcomes/recent carries no
// limit parameter; recentMaxLimit bounds what a caller may request.
const (
	recentDefaultLimit = 20
	recentMaxLimit     = 500
)

// Deps are the agent collaborators the admin endpoints read and write.
// Store is required. Feedback defaults to a processor over Store when
// nil. Adapter and Thresholds may be nil when learning is disabled, in
// which case the proposal and threshold endpoints answer 503.
type Deps struct {
	Store      core.OutcomeStore
	Listener   core.KillEventListener
	Feedback   *learning.FeedbackProcessor
	Adapter    *learning.ThresholdAdapter
	Thresholds *core.ThresholdState
	Mode       core.AgentMode
}

// AdminHandler implements the admin endpoints. It holds no state of its
// own beyond the start time used for uptime reporting.
type AdminHandler struct {
	store      core.OutcomeStore
	listener   core.KillEventListener
	feedback   *learning.FeedbackProcessor
	adapter    *learning.ThresholdAdapter
	thresholds *core.ThresholdState
	mode       core.AgentMode
	logger     core.Logger

	mu        sync.RWMutex
	startedAt time.Time
}

// NewAdminHandler creates the handler set over the given collaborators.
func NewAdminHandler(deps Deps) (*AdminHandler, error) {
	if deps.Store == nil {
		return nil, &core.AgentError{
			Op:      "api.NewAdminHandler",
			Kind:    "configuration",
			Message: "outcome store is required",
			Err:     core.ErrMissingConfiguration,
		}
	}
	if deps.Feedback == nil {
		deps.Feedback = learning.NewFeedbackProcessor(deps.Store)
	}
	return &AdminHandler{
		store:      deps.Store,
		listener:   deps.Listener,
		feedback:   deps.Feedback,
		adapter:    deps.Adapter,
		thresholds: deps.Thresholds,
		mode:       deps.Mode,
		logger:     &core.NoOpLogger{},
	}, nil
}

// SetLogger sets the logger for the handlers.
func (h *AdminHandler) SetLogger(logger core.Logger) {
	if logger == nil {
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		h.logger = cal.WithComponent("medic/api")
	} else {
		h.logger = logger
	}
}

// markStarted records the serving start time used for uptime reporting.
func (h *AdminHandler) markStarted(t time.Time) {
	h.mu.Lock()
	h.startedAt = t
	h.mu.Unlock()
}

func (h *AdminHandler) uptime() float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.startedAt.IsZero() {
		return 0
	}
	return time.Since(h.startedAt).Seconds()
}

// ═══════════════════════════════════════════════════════════════════════════
// Request/Response Types
// ═══════════════════════════════════════════════════════════════════════════

// HealthResponse reports liveness of the agent and its dependencies.
type HealthResponse struct {
	Service          string            `json:"service"`
	Status           string            `json:"status"`
	Mode             string            `json:"mode"`
	Listener         string            `json:"listener"`
	Store            string            `json:"store"`
	UptimeSeconds    float64           `json:"uptime_seconds"`
	ThresholdVersion int               `json:"threshold_version,omitempty"`
	Telemetry        *telemetry.Health `json:"telemetry,omitempty"`
	Problems         map[string]string `json:"problems,omitempty"`
}

// RecentOutcomesResponse lists outcomes newest first.
type RecentOutcomesResponse struct {
	Outcomes []*core.ResurrectionOutcome `json:"outcomes"`
	Count    int                         `json:"count"`
}

// ApproveRequest is the body for manual outcome approval.
type ApproveRequest struct {
	// Operator identifies who approved; required.
	Operator string `json:"operator"`

	// Feedback is the operator's free-form note.
	Feedback string `json:"feedback,omitempty"`
}

// ApproveResponse confirms a manual approval.
type ApproveResponse struct {
	KillID    string `json:"kill_id"`
	OutcomeID string `json:"outcome_id"`
	Status    string `json:"status"`
	Operator  string `json:"operator"`
}

// FeedbackRequest is the body for typed outcome feedback.
type FeedbackRequest struct {
	// Kind is one of the learning.FeedbackKind values; required.
	Kind string `json:"kind"`

	// Source defaults to HUMAN_OPERATOR when empty.
	Source string `json:"source,omitempty"`

	// SubmittedBy identifies the submitter.
	SubmittedBy string `json:"submitted_by,omitempty"`

	// Comment is a free-form note stored with the outcome.
	Comment string `json:"comment,omitempty"`
}

// ModuleStatsResponse wraps one module's aggregated history.
type ModuleStatsResponse struct {
	Module  string              `json:"module"`
	History *core.ModuleHistory `json:"history"`
}

// ThresholdsResponse is the live threshold state view.
type ThresholdsResponse struct {
	Thresholds core.RiskThresholds     `json:"thresholds"`
	Weights    core.RiskWeights        `json:"weights"`
	Version    int                     `json:"version"`
	UpdatedAt  time.Time               `json:"updated_at"`
	History    []core.AdjustmentRecord `json:"history"`
}

// ProposalsResponse lists proposals awaiting review, oldest first.
type ProposalsResponse struct {
	Proposals []*core.AdjustmentProposal `json:"proposals"`
	Count     int                        `json:"count"`
}

// ProposalActionRequest is the body for proposal approval or rejection.
type ProposalActionRequest struct {
	// ApprovedBy identifies the approver; required for approve.
	ApprovedBy string `json:"approved_by,omitempty"`

	// Reason explains a rejection; required for reject.
	Reason string `json:"reason,omitempty"`
}

// ProposalActionResponse confirms a proposal state change.
type ProposalActionResponse struct {
	ProposalID string `json:"proposal_id"`
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
}

// ProposalSimulation is one adjustment's replay result.
type ProposalSimulation struct {
	ThresholdName string                     `json:"threshold_name"`
	Result        *learning.SimulationResult `json:"result"`
}

// SimulateResponse replays every adjustment in a proposal against the
// stored outcome window.
type SimulateResponse struct {
	ProposalID  string               `json:"proposal_id"`
	Simulations []ProposalSimulation `json:"simulations"`
}

// ErrorResponse is the standard error body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// ═══════════════════════════════════════════════════════════════════════════
// HTTP Handlers
// ═══════════════════════════════════════════════════════════════════════════

// HandleHealth handles GET /health.
func (h *AdminHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	resp := HealthResponse{
		Service:       "medic",
		Status:        string(core.HealthHealthy),
		Mode:          string(h.mode),
		Listener:      string(core.HealthNone),
		Store:         string(core.HealthHealthy),
		UptimeSeconds: h.uptime(),
	}
	problems := make(map[string]string)

	if err := h.store.HealthCheck(ctx); err != nil {
		resp.Store = string(core.HealthUnhealthy)
		problems["store"] = err.Error()
	}
	if h.listener != nil {
		resp.Listener = string(core.HealthHealthy)
		if err := h.listener.HealthCheck(ctx); err != nil {
			resp.Listener = string(core.HealthUnhealthy)
			problems["listener"] = err.Error()
		}
	}
	if h.thresholds != nil {
		resp.ThresholdVersion = h.thresholds.Version()
	}
	if snap := telemetry.Snapshot(); snap.Initialized {
		resp.Telemetry = &snap
	}

	status := http.StatusOK
	if len(problems) > 0 {
		resp.Status = "degraded"
		resp.Problems = problems
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, resp)
}

// HandleRecentOutcomes handles GET /api/outcomes/recent?limit=.
func (h *AdminHandler) HandleRecentOutcomes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := recentDefaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer", "INVALID_LIMIT")
			return
		}
		limit = parsed
	}
	if limit > recentMaxLimit {
		limit = recentMaxLimit
	}

	outcomes, err := h.store.ListRecent(ctx, limit, time.Time{})
	if err != nil {
		h.writeStoreError(w, r, "Failed to list outcomes", err)
		return
	}

	h.writeJSON(w, http.StatusOK, RecentOutcomesResponse{
		Outcomes: outcomes,
		Count:    len(outcomes),
	})
}

// HandleGetOutcome handles GET /api/outcomes/:id.
func (h *AdminHandler) HandleGetOutcome(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	outcomeID := extractID(r.URL.Path, "/api/outcomes/")
	if outcomeID == "" {
		h.writeError(w, http.StatusBadRequest, "outcome ID is required", "MISSING_OUTCOME_ID")
		return
	}

	outcome, err := h.store.Get(ctx, outcomeID)
	if err != nil {
		if core.IsNotFound(err) {
			h.writeError(w, http.StatusNotFound, "outcome not found", "OUTCOME_NOT_FOUND")
			return
		}
		h.writeStoreError(w, r, "Failed to get outcome", err)
		return
	}

	h.writeJSON(w, http.StatusOK, outcome)
}

// HandleApprove handles POST /api/outcomes/:kill_id/approve. The kill is
// resolved to its newest outcome; only UNDETERMINED outcomes can be
// approved.
func (h *AdminHandler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	path := strings.TrimSuffix(r.URL.Path, "/approve")
	killID := extractID(path, "/api/outcomes/")
	if killID == "" {
		h.writeError(w, http.StatusBadRequest, "kill ID is required", "MISSING_KILL_ID")
		return
	}

	var req ApproveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", "INVALID_REQUEST")
		return
	}
	if req.Operator == "" {
		h.writeError(w, http.StatusBadRequest, "operator is required", "MISSING_OPERATOR")
		return
	}

	fb, err := h.feedback.ApproveByKill(ctx, killID, req.Operator, req.Feedback)
	if err != nil {
		switch {
		case core.IsAlreadyResolved(err):
			h.writeError(w, http.StatusConflict,
				fmt.Sprintf("outcome for kill %s is already resolved", killID), "ALREADY_RESOLVED")
		case core.IsNotFound(err):
			h.writeError(w, http.StatusNotFound,
				fmt.Sprintf("no outcome recorded for kill %s", killID), "KILL_NOT_FOUND")
		default:
			h.writeStoreError(w, r, "Failed to approve outcome", err)
		}
		return
	}

	h.logger.Info("Outcome manually approved", map[string]interface{}{
		"kill_id":    killID,
		"outcome_id": fb.OutcomeID,
		"operator":   req.Operator,
	})

	h.writeJSON(w, http.StatusOK, ApproveResponse{
		KillID:    killID,
		OutcomeID: fb.OutcomeID,
		Status:    "approved",
		Operator:  req.Operator,
	})
}

// HandleFeedback handles POST /api/outcomes/:id/feedback.
func (h *AdminHandler) HandleFeedback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	path := strings.TrimSuffix(r.URL.Path, "/feedback")
	outcomeID := extractID(path, "/api/outcomes/")
	if outcomeID == "" {
		h.writeError(w, http.StatusBadRequest, "outcome ID is required", "MISSING_OUTCOME_ID")
		return
	}

	var req FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", "INVALID_REQUEST")
		return
	}

	kind, err := learning.ParseFeedbackKind(req.Kind)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown feedback kind %q", req.Kind), "INVALID_KIND")
		return
	}
	source := core.FeedbackHumanOperator
	if req.Source != "" {
		source, err = core.ParseFeedbackSource(req.Source)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown feedback source %q", req.Source), "INVALID_SOURCE")
			return
		}
	}

	fb, err := h.feedback.Submit(ctx, outcomeID, kind, source, req.SubmittedBy, req.Comment)
	if err != nil {
		switch {
		case core.IsNotFound(err):
			h.writeError(w, http.StatusNotFound, "outcome not found", "OUTCOME_NOT_FOUND")
		case core.IsAlreadyResolved(err):
			h.writeError(w, http.StatusConflict, "feedback contradicts an earlier classification", "ALREADY_RESOLVED")
		case core.IsInvalidInput(err):
			h.writeError(w, http.StatusBadRequest, err.Error(), "INVALID_REQUEST")
		default:
			h.writeStoreError(w, r, "Failed to apply feedback", err)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, fb)
}

// HandleStats handles GET /api/stats?days=. A missing or zero days
// parameter aggregates the full history.
func (h *AdminHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var since time.Time
	if raw := r.URL.Query().Get("days"); raw != "" {
		days, err := strconv.Atoi(raw)
		if err != nil || days < 0 {
			h.writeError(w, http.StatusBadRequest, "days must be a non-negative integer", "INVALID_DAYS")
			return
		}
		if days > 0 {
			since = time.Now().UTC().AddDate(0, 0, -days)
		}
	}

	stats, err := h.store.Statistics(ctx, since, time.Time{})
	if err != nil {
		h.writeStoreError(w, r, "Failed to aggregate statistics", err)
		return
	}

	h.writeJSON(w, http.StatusOK, stats)
}

// HandleModuleStats handles GET /api/modules/:module/stats.
func (h *AdminHandler) HandleModuleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	path := strings.TrimSuffix(r.URL.Path, "/stats")
	module := extractID(path, "/api/modules/")
	if module == "" {
		h.writeError(w, http.StatusBadRequest, "module name is required", "MISSING_MODULE")
		return
	}

	history, err := h.store.ModuleStatistics(ctx, module)
	if err != nil {
		h.writeStoreError(w, r, "Failed to aggregate module statistics", err)
		return
	}

	h.writeJSON(w, http.StatusOK, ModuleStatsResponse{
		Module:  module,
		History: history,
	})
}

// HandleThresholds handles GET /api/thresholds.
func (h *AdminHandler) HandleThresholds(w http.ResponseWriter, r *http.Request) {
	if h.thresholds == nil {
		h.writeError(w, http.StatusServiceUnavailable, "threshold state not configured", "LEARNING_DISABLED")
		return
	}

	h.writeJSON(w, http.StatusOK, ThresholdsResponse{
		Thresholds: h.thresholds.Snapshot(),
		Weights:    h.thresholds.Weights(),
		Version:    h.thresholds.Version(),
		UpdatedAt:  h.thresholds.UpdatedAt(),
		History:    h.thresholds.History(),
	})
}

// HandleProposals handles GET /api/proposals - list pending proposals.
func (h *AdminHandler) HandleProposals(w http.ResponseWriter, r *http.Request) {
	if h.adapter == nil {
		h.writeError(w, http.StatusServiceUnavailable, "threshold adapter not configured", "LEARNING_DISABLED")
		return
	}

	pending := h.adapter.PendingProposals()
	h.writeJSON(w, http.StatusOK, ProposalsResponse{
		Proposals: pending,
		Count:     len(pending),
	})
}

// HandleGetProposal handles GET /api/proposals/:id.
func (h *AdminHandler) HandleGetProposal(w http.ResponseWriter, r *http.Request) {
	if h.adapter == nil {
		h.writeError(w, http.StatusServiceUnavailable, "threshold adapter not configured", "LEARNING_DISABLED")
		return
	}

	proposalID := extractID(r.URL.Path, "/api/proposals/")
	if proposalID == "" {
		h.writeError(w, http.StatusBadRequest, "proposal ID is required", "MISSING_PROPOSAL_ID")
		return
	}

	proposal, ok := h.adapter.Proposal(proposalID)
	if !ok {
		h.writeError(w, http.StatusNotFound, "proposal not found", "PROPOSAL_NOT_FOUND")
		return
	}

	h.writeJSON(w, http.StatusOK, proposal)
}

// HandleProposalApprove handles POST /api/proposals/:id/approve.
func (h *AdminHandler) HandleProposalApprove(w http.ResponseWriter, r *http.Request) {
	if h.adapter == nil {
		h.writeError(w, http.StatusServiceUnavailable, "threshold adapter not configured", "LEARNING_DISABLED")
		return
	}

	path := strings.TrimSuffix(r.URL.Path, "/approve")
	proposalID := extractID(path, "/api/proposals/")
	if proposalID == "" {
		h.writeError(w, http.StatusBadRequest, "proposal ID is required", "MISSING_PROPOSAL_ID")
		return
	}

	var req ProposalActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", "INVALID_REQUEST")
		return
	}
	if req.ApprovedBy == "" {
		h.writeError(w, http.StatusBadRequest, "approved_by is required", "MISSING_APPROVER")
		return
	}

	proposal, ok := h.adapter.Proposal(proposalID)
	if !ok {
		h.writeError(w, http.StatusNotFound, "proposal not found", "PROPOSAL_NOT_FOUND")
		return
	}
	if proposal.Status != core.ProposalPending {
		h.writeError(w, http.StatusConflict,
			fmt.Sprintf("proposal is %s, not pending", proposal.Status), "PROPOSAL_NOT_PENDING")
		return
	}

	// Approve revalidates under the adapter lock; a concurrent reviewer
	// racing this request loses here.
	if !h.adapter.Approve(proposalID, req.ApprovedBy) {
		h.writeError(w, http.StatusConflict, "proposal could not be applied", "PROPOSAL_NOT_PENDING")
		return
	}

	telemetry.Counter(telemetry.MetricProposalsApplied)
	if h.thresholds != nil {
		telemetry.Gauge(telemetry.MetricThresholdVersion, float64(h.thresholds.Version()))
	}

	h.logger.Info("Proposal approved via admin API", map[string]interface{}{
		"proposal_id": proposalID,
		"approved_by": req.ApprovedBy,
	})

	h.writeJSON(w, http.StatusOK, ProposalActionResponse{
		ProposalID: proposalID,
		Status:     string(core.ProposalApproved),
		Message:    "thresholds updated",
	})
}

// HandleProposalReject handles POST /api/proposals/:id/reject.
func (h *AdminHandler) HandleProposalReject(w http.ResponseWriter, r *http.Request) {
	if h.adapter == nil {
		h.writeError(w, http.StatusServiceUnavailable, "threshold adapter not configured", "LEARNING_DISABLED")
		return
	}

	path := strings.TrimSuffix(r.URL.Path, "/reject")
	proposalID := extractID(path, "/api/proposals/")
	if proposalID == "" {
		h.writeError(w, http.StatusBadRequest, "proposal ID is required", "MISSING_PROPOSAL_ID")
		return
	}

	var req ProposalActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", "INVALID_REQUEST")
		return
	}
	if req.Reason == "" {
		h.writeError(w, http.StatusBadRequest, "reason is required", "MISSING_REASON")
		return
	}

	if _, ok := h.adapter.Proposal(proposalID); !ok {
		h.writeError(w, http.StatusNotFound, "proposal not found", "PROPOSAL_NOT_FOUND")
		return
	}
	if !h.adapter.Reject(proposalID, req.Reason) {
		h.writeError(w, http.StatusConflict, "proposal is not pending", "PROPOSAL_NOT_PENDING")
		return
	}
	telemetry.Counter(telemetry.MetricProposalsRejected)

	h.logger.Info("Proposal rejected via admin API", map[string]interface{}{
		"proposal_id": proposalID,
		"reason":      req.Reason,
	})

	h.writeJSON(w, http.StatusOK, ProposalActionResponse{
		ProposalID: proposalID,
		Status:     string(core.ProposalRejected),
		Message:    req.Reason,
	})
}

// HandleProposalSimulate handles POST /api/proposals/:id/simulate -
// replay each adjustment against the stored window without applying it.
func (h *AdminHandler) HandleProposalSimulate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.adapter == nil {
		h.writeError(w, http.StatusServiceUnavailable, "threshold adapter not configured", "LEARNING_DISABLED")
		return
	}

	path := strings.TrimSuffix(r.URL.Path, "/simulate")
	proposalID := extractID(path, "/api/proposals/")
	if proposalID == "" {
		h.writeError(w, http.StatusBadRequest, "proposal ID is required", "MISSING_PROPOSAL_ID")
		return
	}

	proposal, ok := h.adapter.Proposal(proposalID)
	if !ok {
		h.writeError(w, http.StatusNotFound, "proposal not found", "PROPOSAL_NOT_FOUND")
		return
	}

	resp := SimulateResponse{ProposalID: proposalID}
	for _, adj := range proposal.Adjustments {
		result, err := h.adapter.Simulate(ctx, adj)
		if err != nil {
			h.writeStoreError(w, r, "Failed to simulate adjustment", err)
			return
		}
		resp.Simulations = append(resp.Simulations, ProposalSimulation{
			ThresholdName: adj.ThresholdName,
			Result:        result,
		})
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// ═══════════════════════════════════════════════════════════════════════════
// Route Registration
// ═══════════════════════════════════════════════════════════════════════════

// RegisterRoutes registers every admin route on the given mux. Suffix
// dispatch mirrors the path layout: /api/outcomes/:id[/approve|/feedback]
// and /api/proposals/:id[/approve|/reject|/simulate].
func (h *AdminHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			h.HandleHealth(w, r)
			return
		}
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
	})

	mux.HandleFunc("/api/outcomes/recent", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			h.HandleRecentOutcomes(w, r)
			return
		}
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
	})

	mux.HandleFunc("/api/outcomes/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/approve"):
			if r.Method == http.MethodPost {
				h.HandleApprove(w, r)
				return
			}
		case strings.HasSuffix(r.URL.Path, "/feedback"):
			if r.Method == http.MethodPost {
				h.HandleFeedback(w, r)
				return
			}
		default:
			if r.Method == http.MethodGet {
				h.HandleGetOutcome(w, r)
				return
			}
		}
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
	})

	mux.HandleFunc("/api/stats", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			h.HandleStats(w, r)
			return
		}
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
	})

	mux.HandleFunc("/api/modules/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/stats") {
			h.HandleModuleStats(w, r)
			return
		}
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
	})

	mux.HandleFunc("/api/thresholds", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			h.HandleThresholds(w, r)
			return
		}
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
	})

	mux.HandleFunc("/api/proposals", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			h.HandleProposals(w, r)
			return
		}
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
	})

	mux.HandleFunc("/api/proposals/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/approve"):
			if r.Method == http.MethodPost {
				h.HandleProposalApprove(w, r)
				return
			}
		case strings.HasSuffix(r.URL.Path, "/reject"):
			if r.Method == http.MethodPost {
				h.HandleProposalReject(w, r)
				return
			}
		case strings.HasSuffix(r.URL.Path, "/simulate"):
			if r.Method == http.MethodPost {
				h.HandleProposalSimulate(w, r)
				return
			}
		default:
			if r.Method == http.MethodGet {
				h.HandleGetProposal(w, r)
				return
			}
		}
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
	})
}

// ═══════════════════════════════════════════════════════════════════════════
// Helper Functions
// ═══════════════════════════════════════════════════════════════════════════

// extractID pulls the path segment following prefix, stripping any
// trailing components.
func extractID(path, prefix string) string {
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	id := strings.TrimPrefix(path, prefix)
	if idx := strings.Index(id, "/"); idx > 0 {
		id = id[:idx]
	}
	return id
}

// writeJSON writes a JSON response with the given status.
func (h *AdminHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// writeError writes a JSON error response.
func (h *AdminHandler) writeError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Encoding failures here have nowhere better to go.
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// writeStoreError logs a backend failure and maps it onto 503 for an
// unavailable store and 500 for everything else.
func (h *AdminHandler) writeStoreError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, map[string]interface{}{
		"path":  r.URL.Path,
		"error": err.Error(),
	})
	if core.IsStoreUnavailable(err) {
		h.writeError(w, http.StatusServiceUnavailable, "outcome store unavailable", "STORE_UNAVAILABLE")
		return
	}
	h.writeError(w, http.StatusInternalServerError, msg, "STORE_ERROR")
}
