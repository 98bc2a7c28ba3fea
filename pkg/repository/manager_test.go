package repository

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"

	"github.com/pbinitiative/zenrepo/pkg/repository/runtime"
	"github.com/pbinitiative/zenrepo/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeployCreatesFirstVersionAndCachesIt(t *testing.T) {
	env := newTestEnv(t)

	d := env.deploy(t, "expense-app", "", "expense.def", "expense:Expense", "readme.md", "ignored")
	assert.NotEmpty(t, d.Id)
	assert.Equal(t, runtime.NoTenant, d.TenantId)
	assert.False(t, d.IsNew)
	assert.False(t, d.DeploymentTime.IsZero())

	defs := env.definitions(t, d.Id)
	require.Len(t, defs, 1)
	def := defs[0]
	assert.Equal(t, "expense", def.Key)
	assert.Equal(t, "Expense", def.Name)
	assert.Equal(t, "parsed expense:Expense", def.Description)
	assert.Equal(t, int32(1), def.Version)
	assert.Equal(t, testKind, def.Kind)
	assert.Equal(t, "expense.def", def.ResourceName)
	assert.Equal(t, d.Id, def.DeploymentId)

	entry, ok := env.manager.Cache().Peek(def.Id)
	require.True(t, ok)
	assert.Equal(t, def, entry.Definition)
}

func TestVersionsAreMonotonicUnderConcurrentDeploys(t *testing.T) {
	env := newTestEnv(t)

	const deployers = 25
	var wg sync.WaitGroup
	errs := make(chan error, deployers)
	for i := range deployers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.manager.Deploy(t.Context(), buildDeployment(t, "concurrent", "", "p.def", fmt.Sprintf("shared:content %d", i)))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	defs, err := env.manager.FindDefinitionsByKey(t.Context(), "shared", "")
	require.NoError(t, err)
	versions := make([]int32, len(defs))
	for i, def := range defs {
		versions[i] = def.Version
	}
	expected := make([]int32, deployers)
	for i := range expected {
		expected[i] = int32(i + 1)
	}
	assert.Equal(t, expected, versions)
}

func TestVersionConflictIsRetried(t *testing.T) {
	env := newTestEnv(t)
	env.store.conflicts.Store(2)

	d := env.deploy(t, "retry", "", "p.def", "retried:Retried")
	defs := env.definitions(t, d.Id)
	require.Len(t, defs, 1)
	assert.Equal(t, int32(1), defs[0].Version)
}

func TestVersionConflictRetriesAreBounded(t *testing.T) {
	policy := DefaultDeployPolicy()
	policy.VersionRetries = 1
	env := newTestEnv(t, WithDeployPolicy(policy))
	env.store.conflicts.Store(2)

	_, err := env.manager.Deploy(t.Context(), buildDeployment(t, "retry", "", "p.def", "retried:Retried"))
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, storage.ErrVersionConflict)
	assert.Equal(t, 0, env.manager.Cache().Len())
}

func TestTenantIsolation(t *testing.T) {
	env := newTestEnv(t)

	env.deploy(t, "a", "tenant-a", "p.def", "expense:A1")
	env.deploy(t, "a", "tenant-a", "p.def", "expense:A2")
	env.deploy(t, "b", "tenant-b", "p.def", "expense:B1")

	latestA, err := env.manager.ResolveLatestByKey(t.Context(), "expense", "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, int32(2), latestA.Definition.Version)
	assert.Equal(t, "tenant-a", latestA.Definition.TenantId)

	latestB, err := env.manager.ResolveLatestByKey(t.Context(), "expense", "tenant-b")
	require.NoError(t, err)
	assert.Equal(t, int32(1), latestB.Definition.Version)
	assert.Equal(t, "B1", latestB.Model.DefinitionName())

	_, err = env.manager.ResolveLatestByKey(t.Context(), "expense", "")
	var notFound *DefinitionNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, runtime.NoTenant, notFound.TenantId)

	_, err = env.manager.ResolveByKeyVersionTenant(t.Context(), "expense", 2, "tenant-b")
	assert.ErrorAs(t, err, &notFound)

	byVersion, err := env.manager.ResolveByKeyVersionTenant(t.Context(), "expense", 1, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, "A1", byVersion.Model.DefinitionName())
}

func TestCacheHitDoesNotAccessStore(t *testing.T) {
	env := newTestEnv(t)
	d := env.deploy(t, "hit", "", "p.def", "hit:Hit")
	def := env.definitions(t, d.Id)[0]

	first, err := env.manager.ResolveById(t.Context(), def.Id)
	require.NoError(t, err)

	env.store.calls.Store(0)
	parses := env.parser.calls.Load()
	second, err := env.manager.ResolveById(t.Context(), def.Id)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Same(t, first.Model, second.Model)
	assert.Equal(t, int64(0), env.store.calls.Load())
	assert.Equal(t, parses, env.parser.calls.Load())
	assert.Equal(t, uint64(2), env.manager.CacheStats().Hits)
}

func TestRepairIsIdempotentUnderConcurrentResolves(t *testing.T) {
	env := newTestEnv(t)
	d := env.deploy(t, "repair", "", "p.def", "repair:Repair", "q.def", "other:Other")
	defs := env.definitions(t, d.Id)
	require.Len(t, defs, 2)

	env.manager.ClearCache()
	require.Equal(t, 0, env.manager.Cache().Len())

	const resolvers = 20
	var wg sync.WaitGroup
	entries := make([]*runtime.CacheEntry, resolvers)
	errs := make([]error, resolvers)
	for i := range resolvers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entries[i], errs[i] = env.manager.ResolveById(t.Context(), defs[0].Id)
		}()
	}
	wg.Wait()

	for i := range resolvers {
		require.NoError(t, errs[i])
		assert.Equal(t, defs[0], entries[i].Definition)
	}
	for _, key := range []string{"repair", "other"} {
		versions, err := env.manager.FindDefinitionsByKey(t.Context(), key, "")
		require.NoError(t, err)
		assert.Len(t, versions, 1, key)
	}
	// repair of one definition repopulates all definitions of its deployment
	_, ok := env.manager.Cache().Peek(defs[1].Id)
	assert.True(t, ok)
}

func TestRepairWhenCacheIsSmallerThanDeployment(t *testing.T) {
	env := newTestEnv(t, WithCacheSize(1))
	d := env.deploy(t, "small", "", "a.def", "a:A", "b.def", "b:B")
	defs := env.definitions(t, d.Id)
	require.Len(t, defs, 2)

	for _, def := range defs {
		entry, err := env.manager.ResolveById(t.Context(), def.Id)
		require.NoError(t, err)
		assert.Equal(t, def.Id, entry.Definition.Id)
	}
	assert.Equal(t, 1, env.manager.Cache().Len())
}

func TestRemoveDeploymentFallsBackToPreviousVersion(t *testing.T) {
	var cascaded []runtime.Definition
	handler := CascadeHandlerFunc(func(ctx context.Context, definitions []runtime.Definition) error {
		cascaded = append(cascaded, definitions...)
		return nil
	})
	env := newTestEnv(t, WithCascadeHandler(handler))

	first := env.deploy(t, "app", "", "p.def", "proc:V1")
	second := env.deploy(t, "app", "", "p.def", "proc:V2")
	v2 := env.definitions(t, second.Id)[0]

	err := env.manager.RemoveDeployment(t.Context(), second.Id, true)
	require.NoError(t, err)
	assert.Equal(t, []runtime.Definition{v2}, cascaded)

	_, ok := env.manager.Cache().Peek(v2.Id)
	assert.False(t, ok)

	_, err = env.manager.ResolveById(t.Context(), v2.Id)
	var notFound *DefinitionNotFoundError
	assert.ErrorAs(t, err, &notFound)

	latest, err := env.manager.ResolveLatestByKey(t.Context(), "proc", "")
	require.NoError(t, err)
	assert.Equal(t, int32(1), latest.Definition.Version)
	assert.Equal(t, first.Id, latest.Definition.DeploymentId)

	_, err = env.manager.FindDeployment(t.Context(), second.Id)
	var deploymentNotFound *DeploymentNotFoundError
	assert.ErrorAs(t, err, &deploymentNotFound)
}

func TestRemoveDeploymentWithoutCascadeSkipsHandlers(t *testing.T) {
	called := false
	env := newTestEnv(t, WithCascadeHandler(CascadeHandlerFunc(func(ctx context.Context, definitions []runtime.Definition) error {
		called = true
		return nil
	})))
	d := env.deploy(t, "app", "", "p.def", "proc:V1")

	require.NoError(t, env.manager.RemoveDeployment(t.Context(), d.Id, false))
	assert.False(t, called)
}

func TestFailingCascadeKeepsDeployment(t *testing.T) {
	env := newTestEnv(t, WithCascadeHandler(CascadeHandlerFunc(func(ctx context.Context, definitions []runtime.Definition) error {
		return errors.New("instances still running")
	})))
	d := env.deploy(t, "app", "", "p.def", "proc:V1")
	def := env.definitions(t, d.Id)[0]

	err := env.manager.RemoveDeployment(t.Context(), d.Id, true)
	assert.Error(t, err)

	entry, err := env.manager.ResolveById(t.Context(), def.Id)
	require.NoError(t, err)
	assert.Equal(t, def.Id, entry.Definition.Id)
}

func TestRemoveUnknownDeployment(t *testing.T) {
	env := newTestEnv(t)

	err := env.manager.RemoveDeployment(t.Context(), "missing", false)
	var notFound *DeploymentNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "missing", notFound.DeploymentId)
	assert.True(t, IsNotFound(err))
}

func TestNotFoundIsDistinctFromTransient(t *testing.T) {
	env := newTestEnv(t)
	d := env.deploy(t, "app", "", "p.def", "proc:V1", "q.def", "other:O1")
	defs := env.definitions(t, d.Id)

	_, err := env.manager.ResolveLatestByKey(t.Context(), "never-deployed", "")
	assert.True(t, IsNotFound(err))
	assert.False(t, IsTransient(err))

	_, err = env.manager.ResolveById(t.Context(), "never-deployed")
	assert.True(t, IsNotFound(err))

	env.manager.Cache().Remove(defs[0].Id)
	env.store.fail.Store(true)

	_, err = env.manager.ResolveById(t.Context(), defs[0].Id)
	assert.True(t, IsTransient(err))
	assert.False(t, IsNotFound(err))
	assert.ErrorIs(t, err, storage.ErrTransient)

	_, err = env.manager.ResolveLatestByKey(t.Context(), "never-deployed", "")
	var transient *TransientError
	assert.ErrorAs(t, err, &transient)

	// a failed repair leaves other entries alone
	entry, ok := env.manager.Cache().Peek(defs[1].Id)
	require.True(t, ok)
	assert.Equal(t, defs[1].Id, entry.Definition.Id)

	env.store.fail.Store(false)
	repaired, err := env.manager.ResolveById(t.Context(), defs[0].Id)
	require.NoError(t, err)
	assert.Equal(t, defs[0], repaired.Definition)
}

func TestDeployWithCancelledContextLeavesNoState(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := env.manager.Deploy(ctx, buildDeployment(t, "cancelled", "", "p.def", "proc:V1"))
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, 0, env.manager.Cache().Len())
	deployments, err := env.manager.ListDeployments(t.Context(), "")
	require.NoError(t, err)
	assert.Empty(t, deployments)
}

func TestParseErrorLeavesNoState(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.manager.Deploy(t.Context(), buildDeployment(t, "broken", "", "a.def", "good:Good", "b.def", "!broken"))
	var parseErr *DefinitionParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, "b.def", parseErr.ResourceName)

	assert.Equal(t, 0, env.manager.Cache().Len())
	defs, err := env.manager.FindDefinitionsByKey(t.Context(), "good", "")
	require.NoError(t, err)
	assert.Empty(t, defs)
	deployments, err := env.manager.ListDeployments(t.Context(), "")
	require.NoError(t, err)
	assert.Empty(t, deployments)
}

func TestDuplicateKeyInDeploymentIsRejected(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.manager.Deploy(t.Context(), buildDeployment(t, "dup", "", "a.def", "same:A", "b.def", "same:B"))
	assert.ErrorIs(t, err, ErrDuplicateKey)
}

func TestDeploymentWithoutDefinitions(t *testing.T) {
	env := newTestEnv(t)
	d := env.deploy(t, "docs", "", "readme.md", "# docs")
	assert.Empty(t, env.definitions(t, d.Id))

	data, err := env.manager.GetResource(t.Context(), d.Id, "readme.md")
	require.NoError(t, err)
	assert.Equal(t, []byte("# docs"), data)

	_, err = env.manager.GetResource(t.Context(), d.Id, "missing.md")
	var resErr *ResourceNotFoundError
	assert.ErrorAs(t, err, &resErr)

	policy := DefaultDeployPolicy()
	policy.RequireDefinition = true
	strict := newTestManager(t, env.store, env.parsers, WithDeployPolicy(policy))
	_, err = strict.Deploy(t.Context(), buildDeployment(t, "docs", "", "readme.md", "# docs"))
	assert.ErrorIs(t, err, ErrNoDefinition)
}

func TestSingleDefinitionPerDeployment(t *testing.T) {
	policy := DefaultDeployPolicy()
	policy.SingleDefinitionPerDeployment = true
	policy.ResourceOrder = SortedByName
	env := newTestEnv(t, WithDeployPolicy(policy))

	d := env.deploy(t, "app", "", "z.def", "zulu:Z", "a.def", "alpha:A")
	defs := env.definitions(t, d.Id)
	require.Len(t, defs, 1)
	assert.Equal(t, "alpha", defs[0].Key)

	insertion := DefaultDeployPolicy()
	insertion.SingleDefinitionPerDeployment = true
	env = newTestEnv(t, WithDeployPolicy(insertion))
	d = env.deploy(t, "app", "", "z.def", "zulu:Z", "a.def", "alpha:A")
	defs = env.definitions(t, d.Id)
	require.Len(t, defs, 1)
	assert.Equal(t, "zulu", defs[0].Key)
}

func TestDuplicateFiltering(t *testing.T) {
	env := newTestEnv(t)
	deploy := func(content string) *runtime.Deployment {
		b := NewDeployment().Name("filtered").EnableDuplicateFiltering().AddString("p.def", content)
		d, err := b.Build()
		require.NoError(t, err)
		res, err := env.manager.Deploy(t.Context(), d)
		require.NoError(t, err)
		return res
	}

	first := deploy("proc:V1")
	same := deploy("proc:V1")
	changed := deploy("proc:V2")

	assert.Equal(t, first.Id, same.Id)
	assert.NotEqual(t, first.Id, changed.Id)

	defs, err := env.manager.FindDefinitionsByKey(t.Context(), "proc", "")
	require.NoError(t, err)
	assert.Len(t, defs, 2)
}

func TestCacheRepairFailure(t *testing.T) {
	env := newTestEnv(t)
	d := env.deploy(t, "app", "", "p.def", "proc:V1", "q.def", "other:O1")
	defs := env.definitions(t, d.Id)

	// a manager that no longer recognizes the resources of the stored deployment
	parsers := NewParserRegistry().MustRegister(".other", testKind, env.parser)
	m := newTestManager(t, env.store, parsers, WithRepairRetries(2))
	warm := &runtime.CacheEntry{Definition: defs[1], Model: &testModel{key: "other"}}
	m.Cache().Add(defs[1].Id, warm)

	parses := env.parser.calls.Load()
	_, err := m.ResolveById(t.Context(), defs[0].Id)
	var repairErr *CacheRepairFailedError
	require.ErrorAs(t, err, &repairErr)
	assert.Equal(t, d.Id, repairErr.DeploymentId)
	assert.False(t, IsNotFound(err))
	assert.Equal(t, parses, env.parser.calls.Load())

	entry, ok := m.Cache().Peek(defs[1].Id)
	require.True(t, ok)
	assert.Same(t, warm, entry)
}

func TestRepairOfDefinitionWithRemovedDeployment(t *testing.T) {
	env := newTestEnv(t)
	d := env.deploy(t, "app", "", "p.def", "proc:V1")
	def := env.definitions(t, d.Id)[0]

	// only the deployment row disappears, as with a broken foreign key
	require.NoError(t, env.store.Storage.DeleteDeployment(t.Context(), d.Id))
	env.manager.ClearCache()

	_, err := env.manager.ResolveById(t.Context(), def.Id)
	var notFound *DeploymentNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, d.Id, notFound.DeploymentId)
}

func TestConcurrentRemoveAndResolve(t *testing.T) {
	env := newTestEnv(t)
	const deployments = 10
	ids := make([]string, 0, deployments)
	defs := make([]runtime.Definition, 0, deployments)
	for i := range deployments {
		d := env.deploy(t, "app", "", "p.def", fmt.Sprintf("key-%d:V1", i))
		ids = append(ids, d.Id)
		defs = append(defs, env.definitions(t, d.Id)...)
	}
	env.manager.ClearCache()

	var wg sync.WaitGroup
	for i := range deployments {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, env.manager.RemoveDeployment(t.Context(), ids[i], false))
		}()
		go func() {
			defer wg.Done()
			_, err := env.manager.ResolveById(t.Context(), defs[i].Id)
			if err != nil {
				assert.True(t, IsNotFound(err), err)
			}
		}()
	}
	wg.Wait()

	// removal wins eventually, no removed definition may stay cached
	for _, def := range defs {
		_, ok := env.manager.Cache().Peek(def.Id)
		assert.False(t, ok)
	}
	assert.Equal(t, 0, env.manager.Cache().Len())
}

func TestExporterReceivesEvents(t *testing.T) {
	rec := &recordingExporter{}
	env := newTestEnv(t, WithExporter(rec))
	d := env.deploy(t, "app", "tenant", "p.def", "proc:V1")
	def := env.definitions(t, d.Id)[0]

	require.NoError(t, env.manager.RemoveDeployment(t.Context(), d.Id, true))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.deployed, 1)
	assert.Equal(t, def.Id, rec.deployed[0].DefinitionId)
	assert.Equal(t, "tenant", rec.deployed[0].TenantId)
	require.Len(t, rec.evicted, 1)
	assert.Equal(t, def.Id, rec.evicted[0].DefinitionId)
	require.Len(t, rec.removed, 1)
	assert.Equal(t, d.Id, rec.removed[0].DeploymentId)
	assert.Equal(t, []string{def.Id}, rec.removed[0].DefinitionIds)
	assert.True(t, rec.removed[0].Cascade)
}

func TestListDeployments(t *testing.T) {
	env := newTestEnv(t)
	a := env.deploy(t, "a", "t1", "p.def", "a:A")
	b := env.deploy(t, "b", "t1", "p.def", "b:B")
	env.deploy(t, "c", "t2", "p.def", "c:C")

	deployments, err := env.manager.ListDeployments(t.Context(), "t1")
	require.NoError(t, err)
	ids := make([]string, len(deployments))
	for i, d := range deployments {
		ids[i] = d.Id
	}
	assert.ElementsMatch(t, []string{a.Id, b.Id}, ids)
	assert.False(t, slices.ContainsFunc(deployments, func(d runtime.Deployment) bool { return d.TenantId != "t1" }))
}

// Deploy A and B of the same key, evict and repair version 1, then remove A.
func TestExpenseScenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()

	a := env.deploy(t, "A", "", "expense.def", "expense:Expense A")
	v1 := env.definitions(t, a.Id)[0]
	assert.Equal(t, int32(1), v1.Version)
	_, ok := env.manager.Cache().Peek(v1.Id)
	assert.True(t, ok)

	b := env.deploy(t, "B", "", "expense.def", "expense:Expense B")
	v2 := env.definitions(t, b.Id)[0]
	assert.Equal(t, int32(2), v2.Version)

	entry, err := env.manager.ResolveById(ctx, v1.Id)
	require.NoError(t, err)
	assert.Equal(t, int32(1), entry.Definition.Version)
	assert.Equal(t, "Expense A", entry.Model.DefinitionName())

	assert.True(t, env.manager.Cache().Remove(v1.Id))
	entry, err = env.manager.ResolveById(ctx, v1.Id)
	require.NoError(t, err)
	assert.Equal(t, int32(1), entry.Definition.Version)
	assert.Equal(t, v1.Id, entry.Definition.Id)
	assert.Equal(t, "Expense A", entry.Model.DefinitionName())

	versions, err := env.manager.FindDefinitionsByKey(ctx, "expense", runtime.NoTenant)
	require.NoError(t, err)
	assert.Len(t, versions, 2)

	require.NoError(t, env.manager.RemoveDeployment(ctx, a.Id, false))

	_, err = env.manager.ResolveById(ctx, v1.Id)
	var notFound *DefinitionNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, v1.Id, notFound.DefinitionId)

	latest, err := env.manager.ResolveLatestByKey(ctx, "expense", runtime.NoTenant)
	require.NoError(t, err)
	assert.Equal(t, int32(2), latest.Definition.Version)
	assert.Equal(t, v2.Id, latest.Definition.Id)
}
