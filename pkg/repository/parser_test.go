package repository

import (
	"testing"

	"github.com/pbinitiative/zenrepo/pkg/repository/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParserRegistryPrefersLongestSuffix(t *testing.T) {
	yaml := ParserFunc(func(data []byte) (runtime.Model, error) { return &testModel{key: "yaml"}, nil })
	form := ParserFunc(func(data []byte) (runtime.Model, error) { return &testModel{key: "form"}, nil })

	registry := NewParserRegistry()
	require.NoError(t, registry.Register(".yaml", "config", yaml))
	require.NoError(t, registry.Register(".form.yaml", "form", form))

	_, kind, ok := registry.Lookup("orders.FORM.yaml")
	require.True(t, ok)
	assert.Equal(t, "form", kind)

	_, kind, ok = registry.Lookup("settings.yaml")
	require.True(t, ok)
	assert.Equal(t, "config", kind)

	_, _, ok = registry.Lookup("orders.json")
	assert.False(t, ok)

	assert.Equal(t, []string{".form.yaml", ".yaml"}, registry.Suffixes())
}

func TestParserRegistryRejectsInvalidRegistrations(t *testing.T) {
	registry := NewParserRegistry()
	p := &testParser{}
	assert.Error(t, registry.Register("", "x", p))
	assert.Error(t, registry.Register(".x", "x", nil))
	assert.NoError(t, registry.Register(".x", "x", p))
	assert.Error(t, registry.Register(".X", "x", p))
	assert.Panics(t, func() { registry.MustRegister(".x", "x", p) })
}

func TestStripedLockAllowsOverlappingKeySets(t *testing.T) {
	locks := newStripedLock(4)
	done := make(chan struct{})
	go func() {
		for range 1000 {
			unlock := locks.LockAll([]string{"a", "b", "c"})
			unlock()
		}
		close(done)
	}()
	for range 1000 {
		unlock := locks.LockAll([]string{"c", "b", "a", "a"})
		unlock()
	}
	<-done
}
