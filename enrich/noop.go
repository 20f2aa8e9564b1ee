package enrich

import (
	"context"

	"github.com/sentinelops/medic/core"
)

// NoopEnricher returns the unknown default for every event. It is the
// configured enricher when no SIEM is available.
type NoopEnricher struct{}

var _ core.Enricher = (*NoopEnricher)(nil)

// NewNoopEnricher creates the degenerate enricher.
func NewNoopEnricher() *NoopEnricher { return &NoopEnricher{} }

// Name identifies this enricher in outcome metadata.
func (e *NoopEnricher) Name() string { return "noop" }

// Enrich returns the unknown default result.
func (e *NoopEnricher) Enrich(ctx context.Context, event *core.KillEvent) core.EnrichmentResult {
	result := core.DefaultEnrichmentResult()
	result.Source = e.Name()
	return result
}
