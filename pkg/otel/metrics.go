package otel

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type RepositoryMetrics struct {
	meter metric.Meter

	CacheHits           metric.Int64Counter
	CacheMisses         metric.Int64Counter
	CacheEvictions      metric.Int64Counter
	CacheSize           metric.Int64ObservableGauge
	CacheRepairs        metric.Int64Counter
	DefinitionsDeployed metric.Int64Counter
	DeploymentsRemoved  metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*RepositoryMetrics, error) {
	var errJoin error

	cacheHits, err := meter.Int64Counter("definition_cache_hits", metric.WithDescription("Number of definitions resolved from the cache"))
	errJoin = errors.Join(errJoin, err)

	cacheMisses, err := meter.Int64Counter("definition_cache_misses", metric.WithDescription("Number of definition lookups that missed the cache"))
	errJoin = errors.Join(errJoin, err)

	cacheEvictions, err := meter.Int64Counter("definition_cache_evictions", metric.WithDescription("Number of definitions evicted from the cache"))
	errJoin = errors.Join(errJoin, err)

	cacheSize, err := meter.Int64ObservableGauge("definition_cache_size", metric.WithDescription("Number of definitions currently cached"))
	errJoin = errors.Join(errJoin, err)

	cacheRepairs, err := meter.Int64Counter("definition_cache_repairs", metric.WithDescription("Number of cache misses repaired by redeploying from the store"))
	errJoin = errors.Join(errJoin, err)

	definitionsDeployed, err := meter.Int64Counter("definitions_deployed", metric.WithDescription("Number of new definition versions deployed"))
	errJoin = errors.Join(errJoin, err)

	deploymentsRemoved, err := meter.Int64Counter("deployments_removed", metric.WithDescription("Number of deployments removed"))
	errJoin = errors.Join(errJoin, err)

	metrics := RepositoryMetrics{
		meter:               meter,
		CacheHits:           cacheHits,
		CacheMisses:         cacheMisses,
		CacheEvictions:      cacheEvictions,
		CacheSize:           cacheSize,
		CacheRepairs:        cacheRepairs,
		DefinitionsDeployed: definitionsDeployed,
		DeploymentsRemoved:  deploymentsRemoved,
	}
	return &metrics, errJoin
}

// NoopMetrics returns metrics that record nothing.
func NoopMetrics() *RepositoryMetrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter("noop"))
	return m
}

// ObserveCacheSize reports the value returned by size as the current cache size on every collection.
func (m *RepositoryMetrics) ObserveCacheSize(size func() int) (metric.Registration, error) {
	return m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.CacheSize, int64(size()))
		return nil
	}, m.CacheSize)
}
