package repository

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pbinitiative/zenrepo/pkg/repository/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeploymentBuilder(t *testing.T) {
	data := []byte("proc:Process")
	d, err := NewDeployment().
		Name("orders").
		Category("sales").
		Key("orders-key").
		Tenant("acme").
		ParentDeploymentId("parent").
		EnableDuplicateFiltering().
		AddBytes("orders.def", data).
		AddString("readme.md", "docs").
		Build()
	require.NoError(t, err)

	data[0] = 'X'
	assert.Equal(t, "orders", d.Name)
	assert.Equal(t, "sales", d.Category)
	assert.Equal(t, "orders-key", d.Key)
	assert.Equal(t, "acme", d.TenantId)
	assert.Equal(t, "parent", d.ParentDeploymentId)
	assert.True(t, d.DuplicateFiltering)
	assert.Equal(t, []string{"orders.def", "readme.md"}, d.ResourceNames())
	r, ok := d.Resource("orders.def")
	require.True(t, ok)
	assert.Equal(t, []byte("proc:Process"), r.Bytes)
	assert.NotEmpty(t, r.Digest)
}

func TestDeploymentBuilderDefaultsToNoTenant(t *testing.T) {
	d, err := NewDeployment().Tenant("").Build()
	require.NoError(t, err)
	assert.Equal(t, runtime.NoTenant, d.TenantId)
}

func TestDeploymentBuilderRejectsDuplicateResources(t *testing.T) {
	_, err := NewDeployment().AddString("a.def", "a:A").AddString("a.def", "a:B").Build()
	assert.Error(t, err)

	_, err = NewDeployment().AddString("", "a:A").Build()
	assert.Error(t, err)
}

func TestDeploymentBuilderReadsFilesAndDirectories(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.def"), []byte("a:A"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "b.def"), []byte("b:B"), 0o644))

	d, err := NewDeployment().AddDirectory(dir).Build()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.def", "nested/b.def"}, d.ResourceNames())

	d, err = NewDeployment().AddFile(filepath.Join(dir, "nested", "b.def")).Build()
	require.NoError(t, err)
	assert.Equal(t, []string{"b.def"}, d.ResourceNames())

	_, err = NewDeployment().AddFile(filepath.Join(dir, "missing.def")).Build()
	assert.Error(t, err)

	_, err = NewDeployment().AddDirectory(filepath.Join(dir, "missing")).Build()
	assert.Error(t, err)
}

func TestSameResources(t *testing.T) {
	a, err := NewDeployment().AddString("a.def", "a:A").AddString("b.def", "b:B").Build()
	require.NoError(t, err)
	b, err := NewDeployment().AddString("b.def", "b:B").AddString("a.def", "a:A").Build()
	require.NoError(t, err)
	c, err := NewDeployment().AddString("a.def", "a:A").AddString("b.def", "b:C").Build()
	require.NoError(t, err)

	assert.True(t, a.SameResources(b))
	assert.False(t, a.SameResources(c))
}
