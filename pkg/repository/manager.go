// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package repository

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/hashicorp/go-hclog"
	zenotel "github.com/pbinitiative/zenrepo/pkg/otel"
	"github.com/pbinitiative/zenrepo/pkg/repository/exporter"
	"github.com/pbinitiative/zenrepo/pkg/repository/runtime"
	"github.com/pbinitiative/zenrepo/pkg/storage"
	"github.com/pbinitiative/zenrepo/pkg/zenflake"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/singleflight"
)

// CascadeHandler deletes runtime data that depends on definitions of a removed deployment.
type CascadeHandler interface {
	DeleteByDefinitions(ctx context.Context, definitions []runtime.Definition) error
}

type CascadeHandlerFunc func(ctx context.Context, definitions []runtime.Definition) error

func (f CascadeHandlerFunc) DeleteByDefinitions(ctx context.Context, definitions []runtime.Definition) error {
	return f(ctx, definitions)
}

// Manager is the entry point for deploying and resolving definitions.
// Resolution is served from the cache, misses are repaired by redeploying the stored deployment of the definition.
type Manager struct {
	store           storage.Storage
	parsers         *ParserRegistry
	deployer        *Deployer
	cache           *DefinitionCache
	idGen           zenflake.IdGenerator
	repairs         singleflight.Group
	deploymentLocks *stripedLock
	cascadeHandlers []CascadeHandler
	exporters       []exporter.EventExporter
	metrics         *zenotel.RepositoryMetrics
	logger          hclog.Logger
	tracer          trace.Tracer
	now             func() time.Time

	policy        DeployPolicy
	cacheSize     int
	cacheTTL      time.Duration
	repairRetries int
}

type ManagerOption = func(*Manager)

func WithCacheSize(size int) ManagerOption {
	return func(m *Manager) { m.cacheSize = size }
}

// WithCacheTTL expires cached definitions after ttl. Zero disables expiry.
func WithCacheTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) { m.cacheTTL = ttl }
}

func WithDeployPolicy(policy DeployPolicy) ManagerOption {
	return func(m *Manager) { m.policy = policy }
}

func WithIdGenerator(idGen zenflake.IdGenerator) ManagerOption {
	return func(m *Manager) { m.idGen = idGen }
}

// WithRepairRetries sets how many times a cache repair that did not produce the entry is repeated
// before CacheRepairFailedError is returned.
func WithRepairRetries(retries int) ManagerOption {
	return func(m *Manager) { m.repairRetries = retries }
}

func WithMetrics(metrics *zenotel.RepositoryMetrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

func WithTracer(tracer trace.Tracer) ManagerOption {
	return func(m *Manager) { m.tracer = tracer }
}

func WithLogger(logger hclog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

func WithExporter(e exporter.EventExporter) ManagerOption {
	return func(m *Manager) { m.exporters = append(m.exporters, e) }
}

func WithCascadeHandler(handler CascadeHandler) ManagerOption {
	return func(m *Manager) { m.cascadeHandlers = append(m.cascadeHandlers, handler) }
}

func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

func NewManager(store storage.Storage, parsers *ParserRegistry, options ...ManagerOption) (*Manager, error) {
	if store == nil {
		return nil, errors.New("repository manager requires a storage")
	}
	if parsers == nil {
		return nil, errors.New("repository manager requires a parser registry")
	}
	m := &Manager{
		store:           store,
		parsers:         parsers,
		deploymentLocks: newStripedLock(defaultStripes),
		metrics:         zenotel.NoopMetrics(),
		logger:          hclog.Default().Named("repository"),
		tracer:          noop.NewTracerProvider().Tracer(zenotel.TracerName),
		now:             time.Now,
		policy:          DefaultDeployPolicy(),
		cacheSize:       DefaultCacheSize,
	}
	for _, option := range options {
		option(m)
	}
	if m.idGen == nil {
		idGen, err := zenflake.NewGenerator(zenflake.GeneratorSnowflake, -1)
		if err != nil {
			return nil, err
		}
		m.idGen = idGen
	}
	cache, err := NewDefinitionCache(m.cacheSize, m.cacheTTL, m.metrics, m.logger.Named("cache"), m.exporters...)
	if err != nil {
		return nil, err
	}
	m.cache = cache

	deployerOptions := []DeployerOption{
		DeployerWithPolicy(m.policy),
		DeployerWithMetrics(m.metrics),
		DeployerWithLogger(m.logger.Named("deployer")),
		DeployerWithTracer(m.tracer),
	}
	for _, e := range m.exporters {
		deployerOptions = append(deployerOptions, DeployerWithExporter(e))
	}
	m.deployer = NewDeployer(store, parsers, cache, m.idGen, deployerOptions...)
	return m, nil
}

// Deploy persists a new deployment and the next version of every definition it contains.
// With duplicate filtering enabled the latest deployment with the same name and tenant is returned
// instead when it carries exactly the same resources.
func (m *Manager) Deploy(ctx context.Context, deployment *runtime.Deployment) (*runtime.Deployment, error) {
	if deployment == nil {
		return nil, ErrNilDeployment
	}
	d := *deployment
	d.Resources = make([]runtime.Resource, len(deployment.Resources))
	for i, r := range deployment.Resources {
		d.Resources[i] = runtime.NewResource(r.Name, r.Bytes)
	}
	d.TenantId = runtime.NormalizeTenant(d.TenantId)

	if d.DuplicateFiltering && d.Name != "" {
		latest, err := m.store.FindLatestDeploymentByName(ctx, d.Name, d.TenantId)
		switch {
		case err == nil:
			if latest.SameResources(&d) {
				m.logger.Debug("Skipping deployment with unchanged resources", "name", d.Name, "deploymentId", latest.Id)
				return &latest, nil
			}
		case errors.Is(err, storage.ErrNotFound):
		default:
			return nil, storeError("find latest deployment", err)
		}
	}

	d.Id = m.idGen.NewId()
	d.DeploymentTime = m.now()
	d.IsNew = true
	if err := m.deployer.Deploy(ctx, &d); err != nil {
		return nil, err
	}
	d.IsNew = false
	d.DuplicateFiltering = false
	return &d, nil
}

// ResolveById returns the cache entry of the definition, repairing the cache when the entry is missing.
func (m *Manager) ResolveById(ctx context.Context, definitionId string) (_ *runtime.CacheEntry, err error) {
	ctx, span := m.tracer.Start(ctx, "resolve", trace.WithAttributes(
		attribute.String(zenotel.AttributeDefinitionId, definitionId),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if entry, ok := m.cache.Get(definitionId); ok {
		span.SetAttributes(attribute.Bool(zenotel.AttributeCacheHit, true))
		return entry, nil
	}
	span.SetAttributes(attribute.Bool(zenotel.AttributeCacheHit, false))
	// the first caller's context is used by the shared repair
	v, err, _ := m.repairs.Do(definitionId, func() (any, error) {
		// a concurrent repair may have finished between the miss and this flight
		if entry, ok := m.cache.Peek(definitionId); ok {
			return entry, nil
		}
		return m.repair(ctx, definitionId)
	})
	if err != nil {
		return nil, err
	}
	return v.(*runtime.CacheEntry), nil
}

// ResolveLatestByKey resolves the definition with the highest version for the key within the tenant.
func (m *Manager) ResolveLatestByKey(ctx context.Context, key string, tenantId string) (*runtime.CacheEntry, error) {
	tenantId = runtime.NormalizeTenant(tenantId)
	def, err := m.store.FindLatestDefinitionByKey(ctx, key, tenantId)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &DefinitionNotFoundError{Key: key, TenantId: tenantId}
		}
		return nil, storeError("find latest definition", err)
	}
	return m.ResolveById(ctx, def.Id)
}

func (m *Manager) ResolveByKeyVersionTenant(ctx context.Context, key string, version int32, tenantId string) (*runtime.CacheEntry, error) {
	tenantId = runtime.NormalizeTenant(tenantId)
	def, err := m.store.FindDefinitionByKeyAndVersion(ctx, key, version, tenantId)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &DefinitionNotFoundError{Key: key, Version: version, TenantId: tenantId}
		}
		return nil, storeError("find definition by version", err)
	}
	return m.ResolveById(ctx, def.Id)
}

func (m *Manager) repair(ctx context.Context, definitionId string) (entry *runtime.CacheEntry, err error) {
	ctx, span := m.tracer.Start(ctx, "repair", trace.WithAttributes(
		attribute.String(zenotel.AttributeDefinitionId, definitionId),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	for attempt := 0; ; attempt++ {
		entry, err = m.repairOnce(ctx, definitionId)
		var repairErr *CacheRepairFailedError
		if err == nil || !errors.As(err, &repairErr) {
			return entry, err
		}
		if attempt >= m.repairRetries {
			m.logger.Error("Cache repair did not produce the definition", "definitionId", definitionId, "deploymentId", repairErr.DeploymentId)
			return nil, err
		}
		m.logger.Warn("Cache repair did not produce the definition, retrying", "definitionId", definitionId, "attempt", attempt+1)
	}
}

func (m *Manager) repairOnce(ctx context.Context, definitionId string) (*runtime.CacheEntry, error) {
	def, err := m.store.FindDefinitionById(ctx, definitionId)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &DefinitionNotFoundError{DefinitionId: definitionId}
		}
		return nil, storeError("find definition", err)
	}

	// removal of the deployment holds the same lock, so the deployment either still exists or the repair fails
	unlock := m.deploymentLocks.Lock(def.DeploymentId)
	defer unlock()

	deployment, err := m.store.FindDeploymentById(ctx, def.DeploymentId)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &DeploymentNotFoundError{DeploymentId: def.DeploymentId}
		}
		return nil, storeError("find deployment", err)
	}
	deployment.IsNew = false

	entries, err := m.deployer.deploy(ctx, &deployment)
	if err != nil {
		return nil, err
	}
	if entry, ok := m.cache.Peek(definitionId); ok {
		m.metrics.CacheRepairs.Add(ctx, 1)
		return entry, nil
	}
	// the entry was deployed but already pushed out again by the other definitions of the deployment
	for _, entry := range entries {
		if entry.Definition.Id == definitionId {
			m.metrics.CacheRepairs.Add(ctx, 1)
			return entry, nil
		}
	}
	return nil, &CacheRepairFailedError{DefinitionId: definitionId, DeploymentId: def.DeploymentId}
}

// RemoveDeployment evicts the definitions of the deployment from the cache and deletes them together with the deployment.
// With cascade set the registered cascade handlers are asked to delete data depending on the definitions first.
func (m *Manager) RemoveDeployment(ctx context.Context, deploymentId string, cascade bool) (err error) {
	ctx, span := m.tracer.Start(ctx, "remove-deployment", trace.WithAttributes(
		attribute.String(zenotel.AttributeDeploymentId, deploymentId),
		attribute.Bool(zenotel.AttributeCascade, cascade),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	unlock := m.deploymentLocks.Lock(deploymentId)
	defer unlock()

	deployment, err := m.store.FindDeploymentById(ctx, deploymentId)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &DeploymentNotFoundError{DeploymentId: deploymentId}
		}
		return storeError("find deployment", err)
	}
	definitions, err := m.store.FindDefinitionsByDeploymentId(ctx, deploymentId)
	if err != nil {
		return storeError("find definitions of deployment", err)
	}

	for _, def := range definitions {
		m.cache.Remove(def.Id)
	}

	if cascade {
		for _, handler := range m.cascadeHandlers {
			if err := handler.DeleteByDefinitions(ctx, definitions); err != nil {
				return fmt.Errorf("failed to delete data depending on deployment %s: %w", deploymentId, err)
			}
		}
	}

	batch := m.store.NewBatch()
	if err := batch.DeleteDefinitionsByDeploymentId(ctx, deploymentId); err != nil {
		return storeError("delete definitions", err)
	}
	if err := batch.DeleteDeployment(ctx, deploymentId); err != nil {
		return storeError("delete deployment", err)
	}
	if err := batch.Flush(ctx); err != nil {
		return storeError("remove deployment", err)
	}

	m.metrics.DeploymentsRemoved.Add(ctx, 1)
	m.exportRemoved(deployment, definitions, cascade)
	m.logger.Debug("Removed deployment", "deploymentId", deploymentId, "definitions", len(definitions), "cascade", cascade)
	return nil
}

func (m *Manager) exportRemoved(deployment runtime.Deployment, definitions []runtime.Definition, cascade bool) {
	if len(m.exporters) == 0 {
		return
	}
	ids := make([]string, len(definitions))
	for i, def := range definitions {
		ids[i] = def.Id
	}
	for _, e := range m.exporters {
		e.DeploymentRemoved(&exporter.DeploymentEvent{
			Intent:        exporter.Removed,
			DeploymentId:  deployment.Id,
			Name:          deployment.Name,
			TenantId:      deployment.TenantId,
			DefinitionIds: ids,
			Cascade:       cascade,
			Time:          m.now(),
		})
	}
}

func (m *Manager) FindDeployment(ctx context.Context, deploymentId string) (*runtime.Deployment, error) {
	deployment, err := m.store.FindDeploymentById(ctx, deploymentId)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &DeploymentNotFoundError{DeploymentId: deploymentId}
		}
		return nil, storeError("find deployment", err)
	}
	return &deployment, nil
}

// GetResource returns a copy of the bytes of the named resource of the deployment.
func (m *Manager) GetResource(ctx context.Context, deploymentId string, resourceName string) ([]byte, error) {
	deployment, err := m.FindDeployment(ctx, deploymentId)
	if err != nil {
		return nil, err
	}
	resource, ok := deployment.Resource(resourceName)
	if !ok {
		return nil, &ResourceNotFoundError{DeploymentId: deploymentId, ResourceName: resourceName}
	}
	return slices.Clone(resource.Bytes), nil
}

// FindDefinitionsByKey returns all versions of the definition within the tenant, oldest first.
func (m *Manager) FindDefinitionsByKey(ctx context.Context, key string, tenantId string) ([]runtime.Definition, error) {
	definitions, err := m.store.FindDefinitionsByKey(ctx, key, runtime.NormalizeTenant(tenantId))
	if err != nil {
		return nil, storeError("find definitions by key", err)
	}
	return definitions, nil
}

func (m *Manager) FindDefinitionsByDeployment(ctx context.Context, deploymentId string) ([]runtime.Definition, error) {
	definitions, err := m.store.FindDefinitionsByDeploymentId(ctx, deploymentId)
	if err != nil {
		return nil, storeError("find definitions of deployment", err)
	}
	return definitions, nil
}

// ListDeployments returns deployments of the tenant, oldest first.
func (m *Manager) ListDeployments(ctx context.Context, tenantId string) ([]runtime.Deployment, error) {
	deployments, err := m.store.FindDeploymentsByTenant(ctx, runtime.NormalizeTenant(tenantId))
	if err != nil {
		return nil, storeError("list deployments", err)
	}
	return deployments, nil
}

// Cache returns the cache used by the manager.
func (m *Manager) Cache() *DefinitionCache {
	return m.cache
}

func (m *Manager) ClearCache() {
	m.cache.Purge()
}

func (m *Manager) CacheStats() CacheStats {
	return m.cache.Stats()
}

func (m *Manager) Close() error {
	return m.cache.Close()
}
