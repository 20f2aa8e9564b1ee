package decision

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/medic/core"
)

// newTestGuard returns a guard on a controllable clock.
func newTestGuard(config core.GuardConfig) (*ResurrectionGuard, func(time.Duration)) {
	g := NewResurrectionGuard(config)
	current := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return current }
	advance := func(d time.Duration) { current = current.Add(d) }
	return g, advance
}

func TestGuardDisabledAllowsEverything(t *testing.T) {
	g, _ := newTestGuard(core.GuardConfig{Enabled: false, Blacklist: []string{"cache-service"}})

	for i := 0; i < 50; i++ {
		ok, reason := g.Allow("cache-service")
		require.True(t, ok)
		require.Empty(t, reason)
		g.RecordAttempt("cache-service")
	}
}

func TestGuardBlacklist(t *testing.T) {
	g, _ := newTestGuard(core.GuardConfig{Enabled: true, Blacklist: []string{"flaky-service"}})

	ok, reason := g.Allow("flaky-service")
	assert.False(t, ok)
	assert.Contains(t, reason, "blacklisted")

	ok, _ = g.Allow("cache-service")
	assert.True(t, ok)

	g.Unblacklist("flaky-service")
	ok, _ = g.Allow("flaky-service")
	assert.True(t, ok)

	g.Blacklist("cache-service")
	ok, reason = g.Allow("cache-service")
	assert.False(t, ok)
	assert.Contains(t, reason, "blacklisted")
}

func TestGuardGlobalRateLimit(t *testing.T) {
	g, advance := newTestGuard(core.GuardConfig{
		Enabled:         true,
		GlobalPerHour:   3,
		ModulePerHour:   10,
		CooldownSeconds: 1,
	})

	for _, module := range []string{"svc-a", "svc-b", "svc-c"} {
		ok, _ := g.Allow(module)
		require.True(t, ok)
		g.RecordAttempt(module)
		advance(2 * time.Second)
	}

	ok, reason := g.Allow("svc-d")
	assert.False(t, ok)
	assert.Equal(t, "global rate limit exceeded (3/hour)", reason)

	// The window slides: an hour later the budget is back.
	advance(61 * time.Minute)
	ok, _ = g.Allow("svc-d")
	assert.True(t, ok)
}

func TestGuardModuleRateLimit(t *testing.T) {
	g, advance := newTestGuard(core.GuardConfig{
		Enabled:         true,
		GlobalPerHour:   100,
		ModulePerHour:   2,
		CooldownSeconds: 1,
	})

	for i := 0; i < 2; i++ {
		ok, _ := g.Allow("cache-service")
		require.True(t, ok)
		g.RecordAttempt("cache-service")
		advance(2 * time.Second)
	}

	ok, reason := g.Allow("cache-service")
	assert.False(t, ok)
	assert.Equal(t, "module rate limit exceeded (2/hour)", reason)

	// Other modules are unaffected.
	ok, _ = g.Allow("auth-service")
	assert.True(t, ok)

	advance(61 * time.Minute)
	ok, _ = g.Allow("cache-service")
	assert.True(t, ok)
}

func TestGuardCooldown(t *testing.T) {
	g, advance := newTestGuard(core.GuardConfig{
		Enabled:         true,
		GlobalPerHour:   100,
		ModulePerHour:   10,
		CooldownSeconds: 300,
	})

	ok, _ := g.Allow("cache-service")
	require.True(t, ok)
	g.RecordAttempt("cache-service")

	advance(100 * time.Second)
	ok, reason := g.Allow("cache-service")
	assert.False(t, ok)
	assert.Equal(t, "module in cooldown for 200 more seconds", reason)

	// Cooldown is per module.
	ok, _ = g.Allow("auth-service")
	assert.True(t, ok)

	advance(201 * time.Second)
	ok, _ = g.Allow("cache-service")
	assert.True(t, ok)
}

func TestGuardDefaultsApplied(t *testing.T) {
	g, _ := newTestGuard(core.GuardConfig{Enabled: true})

	stats := g.Stats()
	assert.Equal(t, 10, stats.GlobalLimit)
	assert.Equal(t, 3, stats.ModuleLimit)
	assert.Equal(t, 300, stats.CooldownSeconds)
}

func TestGuardStats(t *testing.T) {
	g, advance := newTestGuard(core.GuardConfig{
		Enabled:         true,
		GlobalPerHour:   10,
		ModulePerHour:   5,
		CooldownSeconds: 1,
	})
	g.Blacklist("svc-z")
	g.Blacklist("svc-a")

	g.RecordAttempt("cache-service")
	advance(2 * time.Second)
	g.RecordAttempt("cache-service")
	advance(2 * time.Second)
	g.RecordAttempt("auth-service")

	stats := g.Stats()
	assert.True(t, stats.Enabled)
	assert.Equal(t, 3, stats.AttemptsLastHour)
	assert.Equal(t, []string{"svc-a", "svc-z"}, stats.Blacklisted)

	// Attempts age out of the reported window.
	advance(2 * time.Hour)
	assert.Equal(t, 0, g.Stats().AttemptsLastHour)
}
