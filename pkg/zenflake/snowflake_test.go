package zenflake

import (
	"strconv"
	"sync"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeMask(t *testing.T) {
	nodeId := int64(4)
	node, _ := snowflake.NewNode(nodeId)
	id := node.Generate()
	assert.Equal(t, nodeId, GetNodeId(id.Int64()))
}

func TestNodeIdFromEnvironmentFitsNodeBits(t *testing.T) {
	t.Setenv("ZENREPO_NODE_TEST", "some value that changes the hash")
	nodeId := NodeIdFromEnvironment()
	assert.GreaterOrEqual(t, nodeId, int64(0))
	assert.LessOrEqual(t, nodeId, nodeMax)

	_, err := NewSnowflakeGenerator(nodeId)
	assert.NoError(t, err)
}

func TestSnowflakeGeneratorIsUniqueAcrossGoroutines(t *testing.T) {
	gen, err := NewSnowflakeGenerator(7)
	require.NoError(t, err)

	var mu sync.Mutex
	seen := map[string]struct{}{}
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 500 {
				id := gen.NewId()
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 8*500)

	for id := range seen {
		parsed, err := strconv.ParseInt(id, 10, 64)
		require.NoError(t, err)
		assert.Equal(t, int64(7), GetNodeId(parsed))
		break
	}
}

func TestNewGenerator(t *testing.T) {
	gen, err := NewGenerator(GeneratorUUID, 0)
	require.NoError(t, err)
	_, err = uuid.Parse(gen.NewId())
	assert.NoError(t, err)

	gen, err = NewGenerator(GeneratorSnowflake, -1)
	require.NoError(t, err)
	assert.IsType(t, &SnowflakeGenerator{}, gen)

	_, err = NewGenerator(GeneratorSnowflake, 4096)
	assert.Error(t, err)

	_, err = NewGenerator("sequence", 0)
	assert.Error(t, err)
}
