package repository

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

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
)

// Deployer turns the resources of a deployment into cached definitions.
// New deployments are persisted together with their definitions, deployments that are not new
// only repopulate the cache from the definitions persisted earlier.
type Deployer struct {
	store     storage.Storage
	parsers   *ParserRegistry
	cache     *DefinitionCache
	idGen     zenflake.IdGenerator
	policy    DeployPolicy
	keyLocks  *stripedLock
	metrics   *zenotel.RepositoryMetrics
	exporters []exporter.EventExporter
	logger    hclog.Logger
	tracer    trace.Tracer
}

type DeployerOption = func(*Deployer)

func DeployerWithPolicy(policy DeployPolicy) DeployerOption {
	return func(d *Deployer) { d.policy = policy }
}

func DeployerWithMetrics(metrics *zenotel.RepositoryMetrics) DeployerOption {
	return func(d *Deployer) { d.metrics = metrics }
}

func DeployerWithExporter(e exporter.EventExporter) DeployerOption {
	return func(d *Deployer) { d.exporters = append(d.exporters, e) }
}

func DeployerWithLogger(logger hclog.Logger) DeployerOption {
	return func(d *Deployer) { d.logger = logger }
}

func DeployerWithTracer(tracer trace.Tracer) DeployerOption {
	return func(d *Deployer) { d.tracer = tracer }
}

func NewDeployer(store storage.Storage, parsers *ParserRegistry, cache *DefinitionCache, idGen zenflake.IdGenerator, options ...DeployerOption) *Deployer {
	d := &Deployer{
		store:    store,
		parsers:  parsers,
		cache:    cache,
		idGen:    idGen,
		policy:   DefaultDeployPolicy(),
		keyLocks: newStripedLock(defaultStripes),
		metrics:  zenotel.NoopMetrics(),
		logger:   hclog.Default().Named("repository-deployer"),
		tracer:   noop.NewTracerProvider().Tracer(zenotel.TracerName),
	}
	for _, option := range options {
		option(d)
	}
	return d
}

type parsedResource struct {
	resourceName string
	kind         string
	model        runtime.Model
}

// Deploy parses the recognized resources of the deployment and puts a cache entry for each of them into the cache.
// When deployment.IsNew is set the deployment and new versions of its definitions are persisted first.
// Nothing is persisted or cached when any resource fails to parse or the storage fails.
func (d *Deployer) Deploy(ctx context.Context, deployment *runtime.Deployment) (err error) {
	_, err = d.deploy(ctx, deployment)
	return err
}

func (d *Deployer) deploy(ctx context.Context, deployment *runtime.Deployment) (entries []*runtime.CacheEntry, err error) {
	if deployment == nil {
		return nil, ErrNilDeployment
	}
	if deployment.Id == "" {
		return nil, ErrMissingId
	}
	ctx, span := d.tracer.Start(ctx, "deploy", trace.WithAttributes(
		attribute.String(zenotel.AttributeDeploymentId, deployment.Id),
		attribute.Bool(zenotel.AttributeDeploymentNew, deployment.IsNew),
		attribute.String(zenotel.AttributeTenantId, deployment.TenantId),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	parsed, err := d.parse(deployment)
	if err != nil {
		return nil, err
	}
	if len(parsed) == 0 && d.policy.RequireDefinition {
		return nil, fmt.Errorf("deployment %s: %w", deployment.Id, ErrNoDefinition)
	}

	if deployment.IsNew {
		entries, err = d.persistNew(ctx, deployment, parsed)
	} else {
		entries, err = d.loadPersisted(ctx, deployment, parsed)
	}
	if err != nil {
		return nil, err
	}

	for _, entry := range entries {
		d.cache.Add(entry.Definition.Id, entry)
		span.AddEvent("definition", trace.WithAttributes(
			attribute.String(zenotel.AttributeDefinitionId, entry.Definition.Id),
			attribute.String(zenotel.AttributeDefinitionKey, entry.Definition.Key),
			attribute.Int(zenotel.AttributeVersion, int(entry.Definition.Version)),
		))
	}
	if deployment.IsNew {
		d.metrics.DefinitionsDeployed.Add(ctx, int64(len(entries)))
		d.exportDeployed(entries)
		d.logger.Debug("Deployed deployment", "deploymentId", deployment.Id, "definitions", len(entries))
	}
	return entries, nil
}

// parse selects the recognized resources in policy order and parses all of them before anything is written.
func (d *Deployer) parse(deployment *runtime.Deployment) ([]parsedResource, error) {
	resources := deployment.Resources
	if d.policy.ResourceOrder == SortedByName {
		resources = slices.Clone(resources)
		slices.SortStableFunc(resources, func(a, b runtime.Resource) int {
			return strings.Compare(a.Name, b.Name)
		})
	}

	res := make([]parsedResource, 0, len(resources))
	keys := make(map[string]string, len(resources))
	for _, resource := range resources {
		parser, kind, ok := d.parsers.Lookup(resource.Name)
		if !ok {
			continue
		}
		model, err := parser.Parse(resource.Bytes)
		if err != nil {
			return nil, &DefinitionParseError{ResourceName: resource.Name, Err: err}
		}
		if model == nil || model.DefinitionKey() == "" {
			return nil, &DefinitionParseError{ResourceName: resource.Name, Err: ErrMissingKey}
		}
		key := model.DefinitionKey()
		if other, dup := keys[key]; dup {
			return nil, &DefinitionParseError{
				ResourceName: resource.Name,
				Err:          fmt.Errorf("%w: %s is also defined by %s", ErrDuplicateKey, key, other),
			}
		}
		keys[key] = resource.Name
		res = append(res, parsedResource{resourceName: resource.Name, kind: kind, model: model})
		if d.policy.SingleDefinitionPerDeployment {
			break
		}
	}
	return res, nil
}

func (d *Deployer) persistNew(ctx context.Context, deployment *runtime.Deployment, parsed []parsedResource) ([]*runtime.CacheEntry, error) {
	tenantId := runtime.NormalizeTenant(deployment.TenantId)
	lockKeys := make([]string, len(parsed))
	for i, p := range parsed {
		lockKeys[i] = p.model.DefinitionKey() + "\x00" + tenantId
	}
	unlock := d.keyLocks.LockAll(lockKeys)
	defer unlock()

	var conflict error
	for attempt := 0; attempt <= d.policy.VersionRetries; attempt++ {
		entries, err := d.persistAttempt(ctx, deployment, tenantId, parsed)
		if err == nil {
			return entries, nil
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			return nil, err
		}
		conflict = err
		d.logger.Debug("Version conflict while deploying, retrying", "deploymentId", deployment.Id, "attempt", attempt+1, "err", err)
	}
	return nil, &TransientError{Op: "allocate definition version", Err: conflict}
}

func (d *Deployer) persistAttempt(ctx context.Context, deployment *runtime.Deployment, tenantId string, parsed []parsedResource) ([]*runtime.CacheEntry, error) {
	batch := d.store.NewBatch()
	toSave := *deployment
	toSave.TenantId = tenantId
	if err := batch.SaveDeployment(ctx, toSave); err != nil {
		return nil, storeError("save deployment", err)
	}
	entries := make([]*runtime.CacheEntry, 0, len(parsed))
	for _, p := range parsed {
		key := p.model.DefinitionKey()
		version := int32(1)
		latest, err := d.store.FindLatestDefinitionByKey(ctx, key, tenantId)
		switch {
		case err == nil:
			version = latest.Version + 1
		case errors.Is(err, storage.ErrNotFound):
		default:
			return nil, storeError("find latest definition version", err)
		}
		def := runtime.Definition{
			Id:           d.idGen.NewId(),
			Key:          key,
			Name:         p.model.DefinitionName(),
			Kind:         p.kind,
			Version:      version,
			TenantId:     tenantId,
			DeploymentId: deployment.Id,
			ResourceName: p.resourceName,
		}
		if describer, ok := p.model.(runtime.Describer); ok {
			def.Description = describer.DefinitionDescription()
		}
		def.Category = deployment.Category
		if categorizer, ok := p.model.(runtime.Categorizer); ok && categorizer.DefinitionCategory() != "" {
			def.Category = categorizer.DefinitionCategory()
		}
		if err := batch.SaveDefinition(ctx, def); err != nil {
			return nil, storeError("save definition", err)
		}
		entries = append(entries, &runtime.CacheEntry{Definition: def, Model: p.model})
	}
	if err := batch.Flush(ctx); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			return nil, err
		}
		return nil, storeError("persist deployment", err)
	}
	return entries, nil
}

// loadPersisted pairs the parsed models with the definitions persisted when the deployment was new.
func (d *Deployer) loadPersisted(ctx context.Context, deployment *runtime.Deployment, parsed []parsedResource) ([]*runtime.CacheEntry, error) {
	tenantId := runtime.NormalizeTenant(deployment.TenantId)
	entries := make([]*runtime.CacheEntry, 0, len(parsed))
	for _, p := range parsed {
		key := p.model.DefinitionKey()
		def, err := d.store.FindDefinitionByDeploymentAndKey(ctx, deployment.Id, key, tenantId)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, &DefinitionNotFoundError{DeploymentId: deployment.Id, Key: key, TenantId: tenantId}
			}
			return nil, storeError("find definition of deployment", err)
		}
		entries = append(entries, &runtime.CacheEntry{Definition: def, Model: p.model})
	}
	return entries, nil
}

func (d *Deployer) exportDeployed(entries []*runtime.CacheEntry) {
	for _, e := range d.exporters {
		for _, entry := range entries {
			def := entry.Definition
			e.DefinitionDeployed(&exporter.DefinitionEvent{
				Intent:       exporter.Deployed,
				DefinitionId: def.Id,
				Key:          def.Key,
				Version:      def.Version,
				TenantId:     def.TenantId,
				DeploymentId: def.DeploymentId,
				ResourceName: def.ResourceName,
				Kind:         def.Kind,
			})
		}
	}
}
