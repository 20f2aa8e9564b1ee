package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// instrumentSet lazily creates and caches the two instrument kinds the
// agent emits: monotonic float counters and float histograms. OTel
// instruments are cheap to use but not to create, so creation happens
// once per name under the write lock and the hot path only takes the
// read lock.
type instrumentSet struct {
	meter metric.Meter

	mu         sync.RWMutex
	counters   map[string]metric.Float64Counter
	histograms map[string]metric.Float64Histogram
}

func newInstrumentSet(meter metric.Meter) *instrumentSet {
	return &instrumentSet{
		meter:      meter,
		counters:   make(map[string]metric.Float64Counter),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

// add increments the named counter.
func (s *instrumentSet) add(ctx context.Context, name string, value float64, attrs []attribute.KeyValue) error {
	counter, err := s.counter(name)
	if err != nil {
		return err
	}
	counter.Add(ctx, value, metric.WithAttributes(attrs...))
	return nil
}

// record adds a sample to the named histogram.
func (s *instrumentSet) record(ctx context.Context, name string, value float64, attrs []attribute.KeyValue) error {
	histogram, err := s.histogram(name)
	if err != nil {
		return err
	}
	histogram.Record(ctx, value, metric.WithAttributes(attrs...))
	return nil
}

func (s *instrumentSet) counter(name string) (metric.Float64Counter, error) {
	s.mu.RLock()
	counter, ok := s.counters[name]
	s.mu.RUnlock()
	if ok {
		return counter, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if counter, ok := s.counters[name]; ok {
		return counter, nil
	}
	counter, err := s.meter.Float64Counter(name)
	if err != nil {
		return nil, fmt.Errorf("creating counter %s: %w", name, err)
	}
	s.counters[name] = counter
	return counter, nil
}

func (s *instrumentSet) histogram(name string) (metric.Float64Histogram, error) {
	s.mu.RLock()
	histogram, ok := s.histograms[name]
	s.mu.RUnlock()
	if ok {
		return histogram, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if histogram, ok := s.histograms[name]; ok {
		return histogram, nil
	}
	histogram, err := s.meter.Float64Histogram(name)
	if err != nil {
		return nil, fmt.Errorf("creating histogram %s: %w", name, err)
	}
	s.histograms[name] = histogram
	return histogram, nil
}
