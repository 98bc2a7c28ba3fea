package storage

import (
	"context"

	"github.com/pbinitiative/zenrepo/pkg/repository/runtime"
)

// Storage interface for reading and writing deployments and definitions into a (persistent) state.
// Interface is used by the repository to version, resolve and remove definitions.
//
// Methods that are expected to return exactly one match MUST return ErrNotFound when the result does not exist
type Storage interface {
	DeploymentStorageReader
	DeploymentStorageWriter
	DefinitionStorageReader
	DefinitionStorageWriter

	NewBatch() Batch
}

// Batch collects writes that are applied together.
// Either all statements of a batch are persisted by Flush or none of them.
type Batch interface {
	DeploymentStorageWriter
	DefinitionStorageWriter

	// Flush writes the batch into the storage and prepares the batch for new statements
	Flush(ctx context.Context) error
}

type DeploymentStorageReader interface {
	FindDeploymentById(ctx context.Context, deploymentId string) (runtime.Deployment, error)

	// FindLatestDeploymentByName returns the most recent deployment with given name within the tenant
	FindLatestDeploymentByName(ctx context.Context, name string, tenantId string) (runtime.Deployment, error)

	// FindDeploymentsByTenant returns deployments of the tenant ordered by deployment time, oldest first
	FindDeploymentsByTenant(ctx context.Context, tenantId string) ([]runtime.Deployment, error)
}

type DeploymentStorageWriter interface {
	// SaveDeployment persists the deployment together with all its resources
	SaveDeployment(ctx context.Context, deployment runtime.Deployment) error

	// DeleteDeployment removes the deployment and its resources
	DeleteDeployment(ctx context.Context, deploymentId string) error
}

type DefinitionStorageReader interface {
	FindDefinitionById(ctx context.Context, definitionId string) (runtime.Definition, error)

	// FindLatestDefinitionByKey returns the definition with the highest version for the key within the tenant
	FindLatestDefinitionByKey(ctx context.Context, key string, tenantId string) (runtime.Definition, error)

	FindDefinitionByKeyAndVersion(ctx context.Context, key string, version int32, tenantId string) (runtime.Definition, error)

	FindDefinitionByDeploymentAndKey(ctx context.Context, deploymentId string, key string, tenantId string) (runtime.Definition, error)

	FindDefinitionsByDeploymentId(ctx context.Context, deploymentId string) ([]runtime.Definition, error)

	// FindDefinitionsByKey return zero or many definitions with given key within the tenant
	// result array is ordered by version number, from 1 (first) and largest version (last)
	FindDefinitionsByKey(ctx context.Context, key string, tenantId string) ([]runtime.Definition, error)
}

type DefinitionStorageWriter interface {
	// SaveDefinition inserts a new definition.
	// Definitions are immutable, a second definition with the same key, tenant and version is rejected with ErrVersionConflict
	SaveDefinition(ctx context.Context, definition runtime.Definition) error

	DeleteDefinitionsByDeploymentId(ctx context.Context, deploymentId string) error
}
