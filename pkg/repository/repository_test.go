package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/pbinitiative/zenrepo/pkg/repository/exporter"
	"github.com/pbinitiative/zenrepo/pkg/repository/runtime"
	"github.com/pbinitiative/zenrepo/pkg/storage"
	"github.com/pbinitiative/zenrepo/pkg/storage/inmemory"
	"github.com/pbinitiative/zenrepo/pkg/zenflake"
	"github.com/stretchr/testify/require"
)

const testKind = "test"

type testModel struct {
	key         string
	name        string
	description string
}

func (m *testModel) DefinitionKey() string         { return m.key }
func (m *testModel) DefinitionName() string        { return m.name }
func (m *testModel) DefinitionDescription() string { return m.description }

// testParser reads "key:name" resources, content starting with "!" fails to parse.
type testParser struct {
	calls atomic.Int64
}

func (p *testParser) Parse(data []byte) (runtime.Model, error) {
	p.calls.Add(1)
	s := strings.TrimSpace(string(data))
	if s == "" || strings.HasPrefix(s, "!") {
		return nil, errors.New("broken definition")
	}
	key, name, _ := strings.Cut(s, ":")
	return &testModel{key: key, name: name, description: "parsed " + s}, nil
}

// faultyStorage counts storage calls and fails them with a transient error on demand.
type faultyStorage struct {
	storage.Storage
	fail      atomic.Bool
	calls     atomic.Int64
	conflicts atomic.Int32
}

func newFaultyStorage() *faultyStorage {
	return &faultyStorage{Storage: inmemory.NewStorage()}
}

func (s *faultyStorage) check() error {
	s.calls.Add(1)
	if s.fail.Load() {
		return fmt.Errorf("connection refused: %w", storage.ErrTransient)
	}
	return nil
}

func (s *faultyStorage) FindDeploymentById(ctx context.Context, deploymentId string) (runtime.Deployment, error) {
	if err := s.check(); err != nil {
		return runtime.Deployment{}, err
	}
	return s.Storage.FindDeploymentById(ctx, deploymentId)
}

func (s *faultyStorage) FindLatestDeploymentByName(ctx context.Context, name string, tenantId string) (runtime.Deployment, error) {
	if err := s.check(); err != nil {
		return runtime.Deployment{}, err
	}
	return s.Storage.FindLatestDeploymentByName(ctx, name, tenantId)
}

func (s *faultyStorage) FindDefinitionById(ctx context.Context, definitionId string) (runtime.Definition, error) {
	if err := s.check(); err != nil {
		return runtime.Definition{}, err
	}
	return s.Storage.FindDefinitionById(ctx, definitionId)
}

func (s *faultyStorage) FindLatestDefinitionByKey(ctx context.Context, key string, tenantId string) (runtime.Definition, error) {
	if err := s.check(); err != nil {
		return runtime.Definition{}, err
	}
	return s.Storage.FindLatestDefinitionByKey(ctx, key, tenantId)
}

func (s *faultyStorage) FindDefinitionByKeyAndVersion(ctx context.Context, key string, version int32, tenantId string) (runtime.Definition, error) {
	if err := s.check(); err != nil {
		return runtime.Definition{}, err
	}
	return s.Storage.FindDefinitionByKeyAndVersion(ctx, key, version, tenantId)
}

func (s *faultyStorage) FindDefinitionByDeploymentAndKey(ctx context.Context, deploymentId string, key string, tenantId string) (runtime.Definition, error) {
	if err := s.check(); err != nil {
		return runtime.Definition{}, err
	}
	return s.Storage.FindDefinitionByDeploymentAndKey(ctx, deploymentId, key, tenantId)
}

func (s *faultyStorage) FindDefinitionsByDeploymentId(ctx context.Context, deploymentId string) ([]runtime.Definition, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.Storage.FindDefinitionsByDeploymentId(ctx, deploymentId)
}

func (s *faultyStorage) NewBatch() storage.Batch {
	return &faultyBatch{Batch: s.Storage.NewBatch(), s: s}
}

type faultyBatch struct {
	storage.Batch
	s *faultyStorage
}

func (b *faultyBatch) Flush(ctx context.Context) error {
	if err := b.s.check(); err != nil {
		return err
	}
	if b.s.conflicts.Add(-1) >= 0 {
		return fmt.Errorf("injected: %w", storage.ErrVersionConflict)
	}
	return b.Batch.Flush(ctx)
}

type recordingExporter struct {
	mu       sync.Mutex
	deployed []exporter.DefinitionEvent
	evicted  []exporter.DefinitionEvent
	removed  []exporter.DeploymentEvent
}

func (e *recordingExporter) DefinitionDeployed(event *exporter.DefinitionEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deployed = append(e.deployed, *event)
}

func (e *recordingExporter) DeploymentRemoved(event *exporter.DeploymentEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = append(e.removed, *event)
}

func (e *recordingExporter) DefinitionEvicted(event *exporter.DefinitionEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evicted = append(e.evicted, *event)
}

type testEnv struct {
	store   *faultyStorage
	parser  *testParser
	parsers *ParserRegistry
	manager *Manager
}

func newTestEnv(t *testing.T, options ...ManagerOption) *testEnv {
	env := &testEnv{
		store:  newFaultyStorage(),
		parser: &testParser{},
	}
	env.parsers = NewParserRegistry().MustRegister(".def", testKind, env.parser)
	env.manager = newTestManager(t, env.store, env.parsers, options...)
	return env
}

func newTestManager(t *testing.T, store storage.Storage, parsers *ParserRegistry, options ...ManagerOption) *Manager {
	options = append([]ManagerOption{
		WithIdGenerator(zenflake.UUIDGenerator{}),
		WithLogger(hclog.NewNullLogger()),
	}, options...)
	m, err := NewManager(store, parsers, options...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// resources are given as name, content pairs
func (env *testEnv) deploy(t *testing.T, name string, tenant string, resources ...string) *runtime.Deployment {
	d, err := env.manager.Deploy(t.Context(), buildDeployment(t, name, tenant, resources...))
	require.NoError(t, err)
	return d
}

func buildDeployment(t *testing.T, name string, tenant string, resources ...string) *runtime.Deployment {
	require.Equal(t, 0, len(resources)%2)
	b := NewDeployment().Name(name).Tenant(tenant)
	for i := 0; i < len(resources); i += 2 {
		b.AddString(resources[i], resources[i+1])
	}
	d, err := b.Build()
	require.NoError(t, err)
	return d
}

func (env *testEnv) definitions(t *testing.T, deploymentId string) []runtime.Definition {
	defs, err := env.manager.FindDefinitionsByDeployment(t.Context(), deploymentId)
	require.NoError(t, err)
	return defs
}
