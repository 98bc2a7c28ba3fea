package storagetest

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	stdruntime "runtime"

	"github.com/google/uuid"
	"github.com/pbinitiative/zenrepo/pkg/repository/runtime"
	"github.com/pbinitiative/zenrepo/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type StorageTestFunc func(s storage.Storage, t *testing.T) func(t *testing.T)

// StorageTester is a conformance suite every storage.Storage implementation is expected to pass.
// Tests share one storage so every test generates its own keys.
type StorageTester struct {
	deployment runtime.Deployment
	definition runtime.Definition
}

func (st *StorageTester) GetTests() map[string]StorageTestFunc {
	tests := map[string]StorageTestFunc{}

	// all test functions need to be registered here
	functions := []StorageTestFunc{
		st.TestDeploymentStorageWriter,
		st.TestDeploymentStorageReader,
		st.TestDefinitionStorageWriter,
		st.TestDefinitionStorageReader,
		st.TestDefinitionVersionConflict,
		st.TestTenantIsolation,
		st.TestBatchIsAtomic,
		st.TestDeleteDefinitionsByDeploymentId,
		st.TestPreparedData,
	}

	for _, function := range functions {
		funcName := getFunctionName(function)
		strippedName := funcName[strings.LastIndex(funcName, ".")+1:]
		strippedName = strings.TrimSuffix(strippedName, "-fm")
		tests[strippedName] = function
	}
	return tests
}

func getFunctionName(i any) string {
	return stdruntime.FuncForPC(reflect.ValueOf(i).Pointer()).Name()
}

func newId() string {
	return uuid.NewString()
}

func getDeployment(name string, tenantId string, deployedAt time.Time) runtime.Deployment {
	return runtime.Deployment{
		Id:             newId(),
		Name:           name,
		Category:       "test",
		Key:            "key-" + name,
		TenantId:       tenantId,
		DeploymentTime: deployedAt.UTC().Truncate(time.Millisecond),
		Resources: []runtime.Resource{
			runtime.NewResource(name+".bpmn", []byte(fmt.Sprintf(`<definitions><process id="%s"/></definitions>`, name))),
			runtime.NewResource("readme.txt", []byte("not a definition")),
		},
	}
}

func getDefinition(key string, version int32, deployment runtime.Deployment) runtime.Definition {
	return runtime.Definition{
		Id:           newId(),
		Key:          key,
		Name:         "name of " + key,
		Description:  "description",
		Category:     "category",
		Kind:         "process",
		Version:      version,
		TenantId:     deployment.TenantId,
		DeploymentId: deployment.Id,
		ResourceName: deployment.Resources[0].Name,
	}
}

func saveDeploymentWithDefinitions(t *testing.T, s storage.Storage, deployment runtime.Deployment, definitions ...runtime.Definition) {
	batch := s.NewBatch()
	require.NoError(t, batch.SaveDeployment(t.Context(), deployment))
	for _, def := range definitions {
		require.NoError(t, batch.SaveDefinition(t.Context(), def))
	}
	require.NoError(t, batch.Flush(t.Context()))
}

// PrepareTestData will prepare common data for the tests
func (st *StorageTester) PrepareTestData(s storage.Storage, t *testing.T) {
	st.deployment = getDeployment("prepared-"+newId(), runtime.NoTenant, time.Now())
	st.definition = getDefinition("prepared-"+newId(), 1, st.deployment)
	saveDeploymentWithDefinitions(t, s, st.deployment, st.definition)
}

func (st *StorageTester) TestPreparedData(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		definition, err := s.FindDefinitionById(t.Context(), st.definition.Id)
		assert.NoError(t, err)
		assert.Equal(t, st.definition, definition)

		deployment, err := s.FindDeploymentById(t.Context(), st.deployment.Id)
		assert.NoError(t, err)
		assert.Equal(t, st.deployment.Id, deployment.Id)
	}
}

func (st *StorageTester) TestDeploymentStorageWriter(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		deployment := getDeployment("writer-"+newId(), runtime.NoTenant, time.Now())
		deployment.ParentDeploymentId = st.deployment.Id

		err := s.SaveDeployment(t.Context(), deployment)
		assert.NoError(t, err)

		loaded, err := s.FindDeploymentById(t.Context(), deployment.Id)
		require.NoError(t, err)
		assert.Equal(t, deployment.Name, loaded.Name)
		assert.Equal(t, deployment.Category, loaded.Category)
		assert.Equal(t, deployment.Key, loaded.Key)
		assert.Equal(t, deployment.TenantId, loaded.TenantId)
		assert.Equal(t, deployment.ParentDeploymentId, loaded.ParentDeploymentId)
		assert.True(t, deployment.DeploymentTime.Equal(loaded.DeploymentTime))
		assert.False(t, loaded.IsNew)
		assert.Equal(t, deployment.ResourceNames(), loaded.ResourceNames())
		for _, r := range deployment.Resources {
			lr, ok := loaded.Resource(r.Name)
			require.True(t, ok)
			assert.Equal(t, r.Bytes, lr.Bytes)
			assert.Equal(t, r.Digest, lr.Digest)
		}

		err = s.DeleteDeployment(t.Context(), deployment.Id)
		assert.NoError(t, err)

		_, err = s.FindDeploymentById(t.Context(), deployment.Id)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func (st *StorageTester) TestDeploymentStorageReader(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		name := "reader-" + newId()
		tenant := "tenant-" + newId()
		now := time.Now()
		first := getDeployment(name, tenant, now.Add(-time.Hour))
		second := getDeployment(name, tenant, now)
		other := getDeployment(name, runtime.NoTenant, now.Add(time.Hour))

		assert.NoError(t, s.SaveDeployment(t.Context(), second))
		assert.NoError(t, s.SaveDeployment(t.Context(), first))
		assert.NoError(t, s.SaveDeployment(t.Context(), other))

		latest, err := s.FindLatestDeploymentByName(t.Context(), name, tenant)
		assert.NoError(t, err)
		assert.Equal(t, second.Id, latest.Id)

		_, err = s.FindLatestDeploymentByName(t.Context(), name, "tenant-"+newId())
		assert.ErrorIs(t, err, storage.ErrNotFound)

		deployments, err := s.FindDeploymentsByTenant(t.Context(), tenant)
		assert.NoError(t, err)
		require.Len(t, deployments, 2)
		assert.Equal(t, first.Id, deployments[0].Id)
		assert.Equal(t, second.Id, deployments[1].Id)

		deployments, err = s.FindDeploymentsByTenant(t.Context(), "tenant-"+newId())
		assert.NoError(t, err)
		assert.Empty(t, deployments)

		_, err = s.FindDeploymentById(t.Context(), newId())
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func (st *StorageTester) TestDefinitionStorageWriter(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		deployment := getDeployment("def-writer-"+newId(), runtime.NoTenant, time.Now())
		assert.NoError(t, s.SaveDeployment(t.Context(), deployment))

		def := getDefinition("def-writer-"+newId(), 1, deployment)
		err := s.SaveDefinition(t.Context(), def)
		assert.NoError(t, err)

		loaded, err := s.FindDefinitionById(t.Context(), def.Id)
		assert.NoError(t, err)
		assert.Equal(t, def, loaded)
	}
}

func (st *StorageTester) TestDefinitionStorageReader(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		key := "def-reader-" + newId()
		tenant := "tenant-" + newId()
		d1 := getDeployment(key, tenant, time.Now())
		d2 := getDeployment(key, tenant, time.Now())
		v1 := getDefinition(key, 1, d1)
		v2 := getDefinition(key, 2, d2)
		saveDeploymentWithDefinitions(t, s, d1, v1)
		saveDeploymentWithDefinitions(t, s, d2, v2)

		latest, err := s.FindLatestDefinitionByKey(t.Context(), key, tenant)
		assert.NoError(t, err)
		assert.Equal(t, v2, latest)

		byVersion, err := s.FindDefinitionByKeyAndVersion(t.Context(), key, 1, tenant)
		assert.NoError(t, err)
		assert.Equal(t, v1, byVersion)

		_, err = s.FindDefinitionByKeyAndVersion(t.Context(), key, 3, tenant)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		byDeployment, err := s.FindDefinitionByDeploymentAndKey(t.Context(), d1.Id, key, tenant)
		assert.NoError(t, err)
		assert.Equal(t, v1, byDeployment)

		_, err = s.FindDefinitionByDeploymentAndKey(t.Context(), d1.Id, "missing-"+key, tenant)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		definitions, err := s.FindDefinitionsByDeploymentId(t.Context(), d2.Id)
		assert.NoError(t, err)
		assert.Equal(t, []runtime.Definition{v2}, definitions)

		definitions, err = s.FindDefinitionsByKey(t.Context(), key, tenant)
		assert.NoError(t, err)
		require.Len(t, definitions, 2)
		assert.Equal(t, int32(1), definitions[0].Version)
		assert.Equal(t, int32(2), definitions[1].Version)

		definitions, err = s.FindDefinitionsByKey(t.Context(), "missing-"+key, tenant)
		assert.NoError(t, err)
		assert.Empty(t, definitions)

		_, err = s.FindDefinitionById(t.Context(), newId())
		assert.ErrorIs(t, err, storage.ErrNotFound)

		_, err = s.FindLatestDefinitionByKey(t.Context(), "missing-"+key, tenant)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func (st *StorageTester) TestDefinitionVersionConflict(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		key := "conflict-" + newId()
		d1 := getDeployment(key, runtime.NoTenant, time.Now())
		d2 := getDeployment(key, runtime.NoTenant, time.Now())
		saveDeploymentWithDefinitions(t, s, d1, getDefinition(key, 1, d1))

		batch := s.NewBatch()
		assert.NoError(t, batch.SaveDeployment(t.Context(), d2))
		assert.NoError(t, batch.SaveDefinition(t.Context(), getDefinition(key, 1, d2)))
		err := batch.Flush(t.Context())
		assert.ErrorIs(t, err, storage.ErrVersionConflict)

		_, err = s.FindDeploymentById(t.Context(), d2.Id)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func (st *StorageTester) TestTenantIsolation(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		key := "tenant-isolation-" + newId()
		tenantA := "tenant-a-" + newId()
		tenantB := "tenant-b-" + newId()

		da := getDeployment(key, tenantA, time.Now())
		db := getDeployment(key, tenantB, time.Now())
		dn := getDeployment(key, runtime.NoTenant, time.Now())
		saveDeploymentWithDefinitions(t, s, da, getDefinition(key, 1, da))
		saveDeploymentWithDefinitions(t, s, db, getDefinition(key, 1, db))

		// the same version number may exist once per tenant
		saveDeploymentWithDefinitions(t, s, dn, getDefinition(key, 1, dn))

		for _, tc := range []struct {
			tenant       string
			deploymentId string
		}{
			{tenantA, da.Id},
			{tenantB, db.Id},
			{runtime.NoTenant, dn.Id},
		} {
			latest, err := s.FindLatestDefinitionByKey(t.Context(), key, tc.tenant)
			assert.NoError(t, err)
			assert.Equal(t, tc.tenant, latest.TenantId)
			assert.Equal(t, tc.deploymentId, latest.DeploymentId)
			assert.Equal(t, int32(1), latest.Version)
		}

		_, err := s.FindLatestDefinitionByKey(t.Context(), key, "tenant-c-"+newId())
		assert.ErrorIs(t, err, storage.ErrNotFound)

		_, err = s.FindDefinitionByDeploymentAndKey(t.Context(), da.Id, key, tenantB)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func (st *StorageTester) TestBatchIsAtomic(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		key := "atomic-" + newId()
		deployment := getDeployment(key, runtime.NoTenant, time.Now())
		def := getDefinition(key, 1, deployment)

		batch := s.NewBatch()
		assert.NoError(t, batch.SaveDeployment(t.Context(), deployment))
		assert.NoError(t, batch.SaveDefinition(t.Context(), def))
		assert.NoError(t, batch.DeleteDeployment(t.Context(), newId()))
		err := batch.Flush(t.Context())
		assert.Error(t, err)

		_, err = s.FindDeploymentById(t.Context(), deployment.Id)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = s.FindDefinitionById(t.Context(), def.Id)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		// batch is reusable after a failed flush
		assert.NoError(t, batch.SaveDeployment(t.Context(), deployment))
		assert.NoError(t, batch.SaveDefinition(t.Context(), def))
		assert.NoError(t, batch.Flush(t.Context()))

		_, err = s.FindDefinitionById(t.Context(), def.Id)
		assert.NoError(t, err)
	}
}

func (st *StorageTester) TestDeleteDefinitionsByDeploymentId(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		key := "delete-" + newId()
		d1 := getDeployment(key, runtime.NoTenant, time.Now())
		d2 := getDeployment(key, runtime.NoTenant, time.Now())
		v1 := getDefinition(key, 1, d1)
		v2 := getDefinition(key, 2, d2)
		saveDeploymentWithDefinitions(t, s, d1, v1)
		saveDeploymentWithDefinitions(t, s, d2, v2)

		batch := s.NewBatch()
		assert.NoError(t, batch.DeleteDefinitionsByDeploymentId(t.Context(), d2.Id))
		assert.NoError(t, batch.DeleteDeployment(t.Context(), d2.Id))
		assert.NoError(t, batch.Flush(t.Context()))

		latest, err := s.FindLatestDefinitionByKey(t.Context(), key, runtime.NoTenant)
		assert.NoError(t, err)
		assert.Equal(t, v1.Id, latest.Id)

		_, err = s.FindDefinitionById(t.Context(), v2.Id)
		assert.True(t, errors.Is(err, storage.ErrNotFound))

		definitions, err := s.FindDefinitionsByDeploymentId(t.Context(), d2.Id)
		assert.NoError(t, err)
		assert.Empty(t, definitions)
	}
}
