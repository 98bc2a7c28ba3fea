package sql

import (
	"context"
	"database/sql"

	"github.com/opencontainers/go-digest"
	"github.com/pbinitiative/zenrepo/pkg/repository/runtime"
)

type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

const deploymentColumns = `id, name, category, key, tenant_id, parent_deployment_id, deployment_time`

const definitionColumns = `id, key, name, description, category, kind, version, tenant_id, deployment_id, resource_name`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDeployment(row scanner) (runtime.Deployment, error) {
	var d runtime.Deployment
	var parent sql.NullString
	var deployedAt int64
	err := row.Scan(&d.Id, &d.Name, &d.Category, &d.Key, &d.TenantId, &parent, &deployedAt)
	d.ParentDeploymentId = parent.String
	d.DeploymentTime = fromMillis(deployedAt)
	return d, err
}

func scanDefinition(row scanner) (runtime.Definition, error) {
	var d runtime.Definition
	err := row.Scan(&d.Id, &d.Key, &d.Name, &d.Description, &d.Category, &d.Kind, &d.Version, &d.TenantId, &d.DeploymentId, &d.ResourceName)
	return d, err
}

const insertDeployment = `INSERT INTO deployment (` + deploymentColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)`

func (q *Queries) InsertDeployment(ctx context.Context, d runtime.Deployment) error {
	_, err := q.db.ExecContext(ctx, insertDeployment,
		d.Id, d.Name, d.Category, d.Key, d.TenantId, ToNullString(d.ParentDeploymentId), toMillis(d.DeploymentTime))
	return err
}

const insertResource = `INSERT INTO resource (deployment_id, name, ordinal, digest, bytes) VALUES (?, ?, ?, ?, ?)`

func (q *Queries) InsertResource(ctx context.Context, deploymentId string, ordinal int, r runtime.Resource) error {
	_, err := q.db.ExecContext(ctx, insertResource, deploymentId, r.Name, ordinal, r.Digest.String(), r.Bytes)
	return err
}

const deleteResources = `DELETE FROM resource WHERE deployment_id = ?`

func (q *Queries) DeleteResources(ctx context.Context, deploymentId string) error {
	_, err := q.db.ExecContext(ctx, deleteResources, deploymentId)
	return err
}

const deleteDeployment = `DELETE FROM deployment WHERE id = ?`

// DeleteDeployment returns the number of deleted rows.
func (q *Queries) DeleteDeployment(ctx context.Context, id string) (int64, error) {
	res, err := q.db.ExecContext(ctx, deleteDeployment, id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const getDeployment = `SELECT ` + deploymentColumns + ` FROM deployment WHERE id = ?`

func (q *Queries) GetDeployment(ctx context.Context, id string) (runtime.Deployment, error) {
	return scanDeployment(q.db.QueryRowContext(ctx, getDeployment, id))
}

const getLatestDeploymentByName = `SELECT ` + deploymentColumns + ` FROM deployment
WHERE name = ? AND tenant_id = ?
ORDER BY deployment_time DESC, rowid DESC
LIMIT 1`

func (q *Queries) GetLatestDeploymentByName(ctx context.Context, name string, tenantId string) (runtime.Deployment, error) {
	return scanDeployment(q.db.QueryRowContext(ctx, getLatestDeploymentByName, name, tenantId))
}

const findDeploymentsByTenant = `SELECT ` + deploymentColumns + ` FROM deployment
WHERE tenant_id = ?
ORDER BY deployment_time, rowid`

func (q *Queries) FindDeploymentsByTenant(ctx context.Context, tenantId string) ([]runtime.Deployment, error) {
	rows, err := q.db.QueryContext(ctx, findDeploymentsByTenant, tenantId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []runtime.Deployment{}
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, d)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const findResources = `SELECT name, digest, bytes FROM resource WHERE deployment_id = ? ORDER BY ordinal`

func (q *Queries) FindResources(ctx context.Context, deploymentId string) ([]runtime.Resource, error) {
	rows, err := q.db.QueryContext(ctx, findResources, deploymentId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []runtime.Resource{}
	for rows.Next() {
		var r runtime.Resource
		var dgst string
		if err := rows.Scan(&r.Name, &dgst, &r.Bytes); err != nil {
			return nil, err
		}
		if r.Bytes == nil {
			r.Bytes = []byte{}
		}
		r.Digest = digest.Digest(dgst)
		items = append(items, r)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const insertDefinition = `INSERT INTO definition (` + definitionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (q *Queries) InsertDefinition(ctx context.Context, d runtime.Definition) error {
	_, err := q.db.ExecContext(ctx, insertDefinition,
		d.Id, d.Key, d.Name, d.Description, d.Category, d.Kind, d.Version, d.TenantId, d.DeploymentId, d.ResourceName)
	return err
}

const deleteDefinitionsByDeploymentId = `DELETE FROM definition WHERE deployment_id = ?`

func (q *Queries) DeleteDefinitionsByDeploymentId(ctx context.Context, deploymentId string) error {
	_, err := q.db.ExecContext(ctx, deleteDefinitionsByDeploymentId, deploymentId)
	return err
}

const getDefinition = `SELECT ` + definitionColumns + ` FROM definition WHERE id = ?`

func (q *Queries) GetDefinition(ctx context.Context, id string) (runtime.Definition, error) {
	return scanDefinition(q.db.QueryRowContext(ctx, getDefinition, id))
}

const getLatestDefinitionByKey = `SELECT ` + definitionColumns + ` FROM definition
WHERE key = ? AND tenant_id = ?
ORDER BY version DESC
LIMIT 1`

func (q *Queries) GetLatestDefinitionByKey(ctx context.Context, key string, tenantId string) (runtime.Definition, error) {
	return scanDefinition(q.db.QueryRowContext(ctx, getLatestDefinitionByKey, key, tenantId))
}

const getDefinitionByKeyAndVersion = `SELECT ` + definitionColumns + ` FROM definition
WHERE key = ? AND version = ? AND tenant_id = ?`

func (q *Queries) GetDefinitionByKeyAndVersion(ctx context.Context, key string, version int32, tenantId string) (runtime.Definition, error) {
	return scanDefinition(q.db.QueryRowContext(ctx, getDefinitionByKeyAndVersion, key, version, tenantId))
}

const getDefinitionByDeploymentAndKey = `SELECT ` + definitionColumns + ` FROM definition
WHERE deployment_id = ? AND key = ? AND tenant_id = ?`

func (q *Queries) GetDefinitionByDeploymentAndKey(ctx context.Context, deploymentId string, key string, tenantId string) (runtime.Definition, error) {
	return scanDefinition(q.db.QueryRowContext(ctx, getDefinitionByDeploymentAndKey, deploymentId, key, tenantId))
}

const findDefinitionsByDeploymentId = `SELECT ` + definitionColumns + ` FROM definition
WHERE deployment_id = ?
ORDER BY resource_name`

func (q *Queries) FindDefinitionsByDeploymentId(ctx context.Context, deploymentId string) ([]runtime.Definition, error) {
	return q.findDefinitions(ctx, findDefinitionsByDeploymentId, deploymentId)
}

const findDefinitionsByKey = `SELECT ` + definitionColumns + ` FROM definition
WHERE key = ? AND tenant_id = ?
ORDER BY version`

func (q *Queries) FindDefinitionsByKey(ctx context.Context, key string, tenantId string) ([]runtime.Definition, error) {
	return q.findDefinitions(ctx, findDefinitionsByKey, key, tenantId)
}

func (q *Queries) findDefinitions(ctx context.Context, query string, args ...interface{}) ([]runtime.Definition, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []runtime.Definition{}
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, d)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
