package decision

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sentinelops/medic/core"
)

// GuardStats is a point-in-time view of the guard's throttle state.
type GuardStats struct {
	Enabled          bool     `json:"enabled"`
	AttemptsLastHour int      `json:"attempts_last_hour"`
	GlobalLimit      int      `json:"global_limit"`
	ModuleLimit      int      `json:"module_limit"`
	CooldownSeconds  int      `json:"cooldown_seconds"`
	Blacklisted      []string `json:"blacklisted_modules,omitempty"`
}

// ResurrectionGuard is the pre-execution gate for approved resurrections.
// It enforces a global rate limit, a per-module rate limit, a per-module
// cooldown, and a blacklist over sliding one-hour windows. A refused
// resurrection is skipped, not queued.
type ResurrectionGuard struct {
	mu          sync.Mutex
	config      core.GuardConfig
	global      []time.Time
	perModule   map[string][]time.Time
	lastAttempt map[string]time.Time
	blacklist   map[string]struct{}
	logger      core.Logger
	now         func() time.Time
}

// NewResurrectionGuard creates a guard from config. Zero limits fall
// back to the defaults (10/hour global, 3/hour per module, 300 s
// cooldown).
func NewResurrectionGuard(config core.GuardConfig) *ResurrectionGuard {
	if config.GlobalPerHour <= 0 {
		config.GlobalPerHour = 10
	}
	if config.ModulePerHour <= 0 {
		config.ModulePerHour = 3
	}
	if config.CooldownSeconds <= 0 {
		config.CooldownSeconds = 300
	}
	blacklist := make(map[string]struct{}, len(config.Blacklist))
	for _, m := range config.Blacklist {
		blacklist[m] = struct{}{}
	}
	return &ResurrectionGuard{
		config:      config,
		perModule:   make(map[string][]time.Time),
		lastAttempt: make(map[string]time.Time),
		blacklist:   blacklist,
		logger:      &core.NoOpLogger{},
		now:         time.Now,
	}
}

// SetLogger configures the logger for this guard.
func (g *ResurrectionGuard) SetLogger(logger core.Logger) {
	if logger != nil {
		g.logger = logger
	}
}

// Allow reports whether a resurrection of module may execute now. A
// refusal comes with the operator-facing reason; the caller records it
// on the outcome. Allow does not consume rate budget; pair it with
// RecordAttempt when execution actually starts.
func (g *ResurrectionGuard) Allow(module string) (bool, string) {
	if !g.config.Enabled {
		return true, ""
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, listed := g.blacklist[module]; listed {
		return g.refuse(module, fmt.Sprintf("module %q is blacklisted", module))
	}

	now := g.now().UTC()
	g.prune(now)

	if len(g.global) >= g.config.GlobalPerHour {
		return g.refuse(module, fmt.Sprintf("global rate limit exceeded (%d/hour)", g.config.GlobalPerHour))
	}
	if len(g.perModule[module]) >= g.config.ModulePerHour {
		return g.refuse(module, fmt.Sprintf("module rate limit exceeded (%d/hour)", g.config.ModulePerHour))
	}

	if last, ok := g.lastAttempt[module]; ok {
		elapsed := now.Sub(last)
		if cooldown := time.Duration(g.config.CooldownSeconds) * time.Second; elapsed < cooldown {
			remaining := cooldown - elapsed
			return g.refuse(module, fmt.Sprintf("module in cooldown for %.0f more seconds", remaining.Seconds()))
		}
	}

	return true, ""
}

// RecordAttempt counts one execution against the rate limits and starts
// the module's cooldown.
func (g *ResurrectionGuard) RecordAttempt(module string) {
	if !g.config.Enabled {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now().UTC()
	g.prune(now)
	g.global = append(g.global, now)
	g.perModule[module] = append(g.perModule[module], now)
	g.lastAttempt[module] = now
}

// Blacklist bars a module from auto-resurrection until removed.
func (g *ResurrectionGuard) Blacklist(module string) {
	g.mu.Lock()
	g.blacklist[module] = struct{}{}
	g.mu.Unlock()

	if g.logger != nil {
		g.logger.Info("Module blacklisted", map[string]interface{}{"target_module": module})
	}
}

// Unblacklist removes a module from the blacklist.
func (g *ResurrectionGuard) Unblacklist(module string) {
	g.mu.Lock()
	delete(g.blacklist, module)
	g.mu.Unlock()
}

// Stats returns the guard's current throttle state.
func (g *ResurrectionGuard) Stats() GuardStats {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.prune(g.now().UTC())
	listed := make([]string, 0, len(g.blacklist))
	for m := range g.blacklist {
		listed = append(listed, m)
	}
	sort.Strings(listed)

	return GuardStats{
		Enabled:          g.config.Enabled,
		AttemptsLastHour: len(g.global),
		GlobalLimit:      g.config.GlobalPerHour,
		ModuleLimit:      g.config.ModulePerHour,
		CooldownSeconds:  g.config.CooldownSeconds,
		Blacklisted:      listed,
	}
}

// prune drops window entries older than one hour. Callers hold the lock.
func (g *ResurrectionGuard) prune(now time.Time) {
	horizon := now.Add(-time.Hour)
	g.global = pruneWindow(g.global, horizon)
	for module, window := range g.perModule {
		pruned := pruneWindow(window, horizon)
		if len(pruned) == 0 {
			delete(g.perModule, module)
			continue
		}
		g.perModule[module] = pruned
	}
}

// refuse logs the refusal and returns it. Callers hold the lock.
func (g *ResurrectionGuard) refuse(module, reason string) (bool, string) {
	if g.logger != nil {
		g.logger.Warn("Resurrection refused by guard", map[string]interface{}{
			"target_module": module,
			"reason":        reason,
		})
	}
	return false, reason
}

func pruneWindow(window []time.Time, horizon time.Time) []time.Time {
	kept := window[:0]
	for _, ts := range window {
		if ts.After(horizon) {
			kept = append(kept, ts)
		}
	}
	return kept
}
