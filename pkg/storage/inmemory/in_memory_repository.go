package inmemory

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/pbinitiative/zenrepo/pkg/repository/runtime"
	"github.com/pbinitiative/zenrepo/pkg/storage"
)

// Storage keeps deployments and definitions in memory,
// please use NewStorage to create a new object of this type.
type Storage struct {
	mu    sync.RWMutex
	state state
}

type state struct {
	Deployments map[string]runtime.Deployment
	Definitions map[string]runtime.Definition
	// versions indexes definitions by key, tenant and version and acts as the unique constraint
	versions map[versionKey]string
}

type versionKey struct {
	key      string
	tenantId string
	version  int32
}

func NewStorage() *Storage {
	return &Storage{
		state: state{
			Deployments: make(map[string]runtime.Deployment),
			Definitions: make(map[string]runtime.Definition),
			versions:    make(map[versionKey]string),
		},
	}
}

func (s state) clone() state {
	return state{
		Deployments: maps.Clone(s.Deployments),
		Definitions: maps.Clone(s.Definitions),
		versions:    maps.Clone(s.versions),
	}
}

var _ storage.Storage = &Storage{}

func (mem *Storage) NewBatch() storage.Batch {
	return &StorageBatch{
		db:        mem,
		stmtToRun: make([]func(s *state) error, 0, 10),
	}
}

var _ storage.DeploymentStorageReader = &Storage{}

func (mem *Storage) FindDeploymentById(ctx context.Context, deploymentId string) (runtime.Deployment, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.state.Deployments[deploymentId]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindLatestDeploymentByName(ctx context.Context, name string, tenantId string) (runtime.Deployment, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	var res runtime.Deployment
	found := false
	for _, d := range mem.state.Deployments {
		if d.Name != name || d.TenantId != tenantId {
			continue
		}
		if found && d.DeploymentTime.Before(res.DeploymentTime) {
			continue
		}
		found = true
		res = d
	}
	if !found {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindDeploymentsByTenant(ctx context.Context, tenantId string) ([]runtime.Deployment, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.Deployment, 0)
	for _, d := range mem.state.Deployments {
		if d.TenantId != tenantId {
			continue
		}
		res = append(res, d)
	}
	slices.SortFunc(res, func(a, b runtime.Deployment) int {
		return a.DeploymentTime.Compare(b.DeploymentTime)
	})
	return res, nil
}

var _ storage.DeploymentStorageWriter = &Storage{}

func (mem *Storage) SaveDeployment(ctx context.Context, deployment runtime.Deployment) error {
	b := mem.NewBatch()
	_ = b.SaveDeployment(ctx, deployment)
	return b.Flush(ctx)
}

func (mem *Storage) DeleteDeployment(ctx context.Context, deploymentId string) error {
	b := mem.NewBatch()
	_ = b.DeleteDeployment(ctx, deploymentId)
	return b.Flush(ctx)
}

var _ storage.DefinitionStorageReader = &Storage{}

func (mem *Storage) FindDefinitionById(ctx context.Context, definitionId string) (runtime.Definition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.state.Definitions[definitionId]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindLatestDefinitionByKey(ctx context.Context, key string, tenantId string) (runtime.Definition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	var res runtime.Definition
	found := false
	for _, def := range mem.state.Definitions {
		if def.Key != key || def.TenantId != tenantId {
			continue
		}
		if found && def.Version < res.Version {
			continue
		}
		found = true
		res = def
	}
	if !found {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindDefinitionByKeyAndVersion(ctx context.Context, key string, version int32, tenantId string) (runtime.Definition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	id, ok := mem.state.versions[versionKey{key: key, tenantId: tenantId, version: version}]
	if !ok {
		return runtime.Definition{}, storage.ErrNotFound
	}
	return mem.state.Definitions[id], nil
}

func (mem *Storage) FindDefinitionByDeploymentAndKey(ctx context.Context, deploymentId string, key string, tenantId string) (runtime.Definition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	for _, def := range mem.state.Definitions {
		if def.DeploymentId == deploymentId && def.Key == key && def.TenantId == tenantId {
			return def, nil
		}
	}
	return runtime.Definition{}, storage.ErrNotFound
}

func (mem *Storage) FindDefinitionsByDeploymentId(ctx context.Context, deploymentId string) ([]runtime.Definition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.Definition, 0)
	for _, def := range mem.state.Definitions {
		if def.DeploymentId != deploymentId {
			continue
		}
		res = append(res, def)
	}
	slices.SortFunc(res, func(a, b runtime.Definition) int {
		return cmp.Compare(a.ResourceName, b.ResourceName)
	})
	return res, nil
}

func (mem *Storage) FindDefinitionsByKey(ctx context.Context, key string, tenantId string) ([]runtime.Definition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.Definition, 0)
	for _, def := range mem.state.Definitions {
		if def.Key != key || def.TenantId != tenantId {
			continue
		}
		res = append(res, def)
	}
	slices.SortFunc(res, func(a, b runtime.Definition) int {
		return cmp.Compare(a.Version, b.Version)
	})
	return res, nil
}

var _ storage.DefinitionStorageWriter = &Storage{}

func (mem *Storage) SaveDefinition(ctx context.Context, definition runtime.Definition) error {
	b := mem.NewBatch()
	_ = b.SaveDefinition(ctx, definition)
	return b.Flush(ctx)
}

func (mem *Storage) DeleteDefinitionsByDeploymentId(ctx context.Context, deploymentId string) error {
	b := mem.NewBatch()
	_ = b.DeleteDefinitionsByDeploymentId(ctx, deploymentId)
	return b.Flush(ctx)
}

func saveDeployment(s *state, deployment runtime.Deployment) error {
	if _, ok := s.Deployments[deployment.Id]; ok {
		return fmt.Errorf("deployment %s already exists", deployment.Id)
	}
	deployment.IsNew = false
	deployment.DuplicateFiltering = false
	deployment.Resources = slices.Clone(deployment.Resources)
	s.Deployments[deployment.Id] = deployment
	return nil
}

func deleteDeployment(s *state, deploymentId string) error {
	if _, ok := s.Deployments[deploymentId]; !ok {
		return fmt.Errorf("failed to delete deployment %s: %w", deploymentId, storage.ErrNotFound)
	}
	delete(s.Deployments, deploymentId)
	return nil
}

func saveDefinition(s *state, definition runtime.Definition) error {
	vk := versionKey{key: definition.Key, tenantId: definition.TenantId, version: definition.Version}
	if _, ok := s.versions[vk]; ok {
		return fmt.Errorf("definition %s version %d: %w", definition.Key, definition.Version, storage.ErrVersionConflict)
	}
	if _, ok := s.Definitions[definition.Id]; ok {
		return fmt.Errorf("definition %s already exists", definition.Id)
	}
	s.Definitions[definition.Id] = definition
	s.versions[vk] = definition.Id
	return nil
}

func deleteDefinitionsByDeploymentId(s *state, deploymentId string) error {
	for id, def := range s.Definitions {
		if def.DeploymentId != deploymentId {
			continue
		}
		delete(s.versions, versionKey{key: def.Key, tenantId: def.TenantId, version: def.Version})
		delete(s.Definitions, id)
	}
	return nil
}

type StorageBatch struct {
	db        *Storage
	stmtToRun []func(s *state) error
}

var _ storage.Batch = &StorageBatch{}

// Flush applies the statements on a copy of the state and swaps it in only when all of them succeed.
func (b *StorageBatch) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Join(storage.ErrTransient, err)
	}
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	next := b.db.state.clone()
	for _, stmt := range b.stmtToRun {
		if err := stmt(&next); err != nil {
			b.stmtToRun = b.stmtToRun[:0]
			return err
		}
	}
	b.db.state = next
	b.stmtToRun = b.stmtToRun[:0]
	return nil
}

func (b *StorageBatch) SaveDeployment(ctx context.Context, deployment runtime.Deployment) error {
	b.stmtToRun = append(b.stmtToRun, func(s *state) error {
		return saveDeployment(s, deployment)
	})
	return nil
}

func (b *StorageBatch) DeleteDeployment(ctx context.Context, deploymentId string) error {
	b.stmtToRun = append(b.stmtToRun, func(s *state) error {
		return deleteDeployment(s, deploymentId)
	})
	return nil
}

func (b *StorageBatch) SaveDefinition(ctx context.Context, definition runtime.Definition) error {
	b.stmtToRun = append(b.stmtToRun, func(s *state) error {
		return saveDefinition(s, definition)
	})
	return nil
}

func (b *StorageBatch) DeleteDefinitionsByDeploymentId(ctx context.Context, deploymentId string) error {
	b.stmtToRun = append(b.stmtToRun, func(s *state) error {
		return deleteDefinitionsByDeploymentId(s, deploymentId)
	})
	return nil
}
