package sql

import (
	"context"
	"fmt"

	otelPkg "github.com/pbinitiative/zenrepo/internal/otel"
	"github.com/pbinitiative/zenrepo/pkg/repository/runtime"
	"github.com/pbinitiative/zenrepo/pkg/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var _ storage.Storage = &DB{}

func (d *DB) NewBatch() storage.Batch {
	return &Batch{db: d}
}

var _ storage.DeploymentStorageReader = &DB{}

func (d *DB) FindDeploymentById(ctx context.Context, deploymentId string) (runtime.Deployment, error) {
	deployment, err := d.queries.GetDeployment(ctx, deploymentId)
	if err != nil {
		return runtime.Deployment{}, classify(err)
	}
	return d.withResources(ctx, deployment)
}

func (d *DB) FindLatestDeploymentByName(ctx context.Context, name string, tenantId string) (runtime.Deployment, error) {
	deployment, err := d.queries.GetLatestDeploymentByName(ctx, name, tenantId)
	if err != nil {
		return runtime.Deployment{}, classify(err)
	}
	return d.withResources(ctx, deployment)
}

func (d *DB) FindDeploymentsByTenant(ctx context.Context, tenantId string) ([]runtime.Deployment, error) {
	// rows are read completely first, the pool has a single connection
	deployments, err := d.queries.FindDeploymentsByTenant(ctx, tenantId)
	if err != nil {
		return nil, classify(err)
	}
	for i := range deployments {
		deployments[i], err = d.withResources(ctx, deployments[i])
		if err != nil {
			return nil, err
		}
	}
	return deployments, nil
}

func (d *DB) withResources(ctx context.Context, deployment runtime.Deployment) (runtime.Deployment, error) {
	resources, err := d.queries.FindResources(ctx, deployment.Id)
	if err != nil {
		return runtime.Deployment{}, classify(err)
	}
	deployment.Resources = resources
	return deployment, nil
}

var _ storage.DeploymentStorageWriter = &DB{}

func (d *DB) SaveDeployment(ctx context.Context, deployment runtime.Deployment) error {
	batch := d.NewBatch()
	if err := batch.SaveDeployment(ctx, deployment); err != nil {
		return err
	}
	return batch.Flush(ctx)
}

func (d *DB) DeleteDeployment(ctx context.Context, deploymentId string) error {
	batch := d.NewBatch()
	if err := batch.DeleteDeployment(ctx, deploymentId); err != nil {
		return err
	}
	return batch.Flush(ctx)
}

var _ storage.DefinitionStorageReader = &DB{}

func (d *DB) FindDefinitionById(ctx context.Context, definitionId string) (runtime.Definition, error) {
	def, err := d.queries.GetDefinition(ctx, definitionId)
	return def, classify(err)
}

func (d *DB) FindLatestDefinitionByKey(ctx context.Context, key string, tenantId string) (runtime.Definition, error) {
	def, err := d.queries.GetLatestDefinitionByKey(ctx, key, tenantId)
	return def, classify(err)
}

func (d *DB) FindDefinitionByKeyAndVersion(ctx context.Context, key string, version int32, tenantId string) (runtime.Definition, error) {
	def, err := d.queries.GetDefinitionByKeyAndVersion(ctx, key, version, tenantId)
	return def, classify(err)
}

func (d *DB) FindDefinitionByDeploymentAndKey(ctx context.Context, deploymentId string, key string, tenantId string) (runtime.Definition, error) {
	def, err := d.queries.GetDefinitionByDeploymentAndKey(ctx, deploymentId, key, tenantId)
	return def, classify(err)
}

func (d *DB) FindDefinitionsByDeploymentId(ctx context.Context, deploymentId string) ([]runtime.Definition, error) {
	defs, err := d.queries.FindDefinitionsByDeploymentId(ctx, deploymentId)
	return defs, classify(err)
}

func (d *DB) FindDefinitionsByKey(ctx context.Context, key string, tenantId string) ([]runtime.Definition, error) {
	defs, err := d.queries.FindDefinitionsByKey(ctx, key, tenantId)
	return defs, classify(err)
}

var _ storage.DefinitionStorageWriter = &DB{}

func (d *DB) SaveDefinition(ctx context.Context, definition runtime.Definition) error {
	batch := d.NewBatch()
	if err := batch.SaveDefinition(ctx, definition); err != nil {
		return err
	}
	return batch.Flush(ctx)
}

func (d *DB) DeleteDefinitionsByDeploymentId(ctx context.Context, deploymentId string) error {
	batch := d.NewBatch()
	if err := batch.DeleteDefinitionsByDeploymentId(ctx, deploymentId); err != nil {
		return err
	}
	return batch.Flush(ctx)
}

// Batch collects statements and runs them in a single transaction on Flush.
type Batch struct {
	db        *DB
	stmtToRun []func(ctx context.Context, q *Queries) error
}

var _ storage.Batch = &Batch{}

func (b *Batch) Flush(ctx context.Context) (err error) {
	stmts := b.stmtToRun
	b.stmtToRun = nil

	ctx, execSpan := b.db.tracer.Start(ctx, "sql-batch", trace.WithAttributes(
		attribute.Int(otelPkg.AttributeStatements, len(stmts)),
	))
	defer func() {
		if err != nil {
			execSpan.RecordError(err)
			execSpan.SetStatus(codes.Error, err.Error())
		}
		execSpan.End()
	}()
	if len(stmts) == 0 {
		return nil
	}

	tx, err := b.db.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	queries := New(tx)
	for _, stmt := range stmts {
		if err := stmt(ctx, queries); err != nil {
			_ = tx.Rollback()
			err = classify(err)
			b.db.logger.Debug("Failed to flush statements", "statements", len(stmts), "err", err)
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		b.db.logger.Error("Failed to commit statements", "err", err)
		return classify(err)
	}
	return nil
}

func (b *Batch) SaveDeployment(ctx context.Context, deployment runtime.Deployment) error {
	b.stmtToRun = append(b.stmtToRun, func(ctx context.Context, q *Queries) error {
		if err := q.InsertDeployment(ctx, deployment); err != nil {
			return fmt.Errorf("failed to save deployment %s: %w", deployment.Id, err)
		}
		for i, r := range deployment.Resources {
			if err := q.InsertResource(ctx, deployment.Id, i, r); err != nil {
				return fmt.Errorf("failed to save resource %s of deployment %s: %w", r.Name, deployment.Id, err)
			}
		}
		return nil
	})
	return nil
}

func (b *Batch) DeleteDeployment(ctx context.Context, deploymentId string) error {
	b.stmtToRun = append(b.stmtToRun, func(ctx context.Context, q *Queries) error {
		if err := q.DeleteResources(ctx, deploymentId); err != nil {
			return fmt.Errorf("failed to delete resources of deployment %s: %w", deploymentId, err)
		}
		deleted, err := q.DeleteDeployment(ctx, deploymentId)
		if err != nil {
			return fmt.Errorf("failed to delete deployment %s: %w", deploymentId, err)
		}
		if deleted == 0 {
			return fmt.Errorf("deployment %s: %w", deploymentId, storage.ErrNotFound)
		}
		return nil
	})
	return nil
}

func (b *Batch) SaveDefinition(ctx context.Context, definition runtime.Definition) error {
	b.stmtToRun = append(b.stmtToRun, func(ctx context.Context, q *Queries) error {
		if err := q.InsertDefinition(ctx, definition); err != nil {
			return fmt.Errorf("failed to save definition %s: %w", definition.Id, err)
		}
		return nil
	})
	return nil
}

func (b *Batch) DeleteDefinitionsByDeploymentId(ctx context.Context, deploymentId string) error {
	b.stmtToRun = append(b.stmtToRun, func(ctx context.Context, q *Queries) error {
		if err := q.DeleteDefinitionsByDeploymentId(ctx, deploymentId); err != nil {
			return fmt.Errorf("failed to delete definitions of deployment %s: %w", deploymentId, err)
		}
		return nil
	})
	return nil
}
