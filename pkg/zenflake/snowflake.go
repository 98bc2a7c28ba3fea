package zenflake

import (
	"fmt"
	"hash/adler32"
	"os"
	"strconv"

	"github.com/bwmarrin/snowflake"
)

var (
	// NodeBits holds the number of bits to use for Node
	// Remember, you have a total 22 bits to share between Node/Step
	NodeBits uint8 = 10

	// StepBits holds the number of bits to use for Step
	// Remember, you have a total 22 bits to share between Node/Step
	StepBits uint8 = 12

	// internal values of bwmarrin/snowflake
	nodeMax   int64 = -1 ^ (-1 << NodeBits)
	nodeMask        = nodeMax << StepBits
	nodeShift       = StepBits
)

func GetNodeMask() int64 {
	return nodeMask
}

// MaxNodeId is the largest node id that fits into NodeBits.
func MaxNodeId() int64 {
	return nodeMax
}

// GetNodeId returns the id of the node that generated the snowflake id.
func GetNodeId(id int64) int64 {
	return (id & GetNodeMask()) >> int64(nodeShift)
}

// SnowflakeGenerator generates time ordered int64 ids rendered as decimal strings.
type SnowflakeGenerator struct {
	node *snowflake.Node
}

var _ IdGenerator = &SnowflakeGenerator{}

func NewSnowflakeGenerator(nodeId int64) (*SnowflakeGenerator, error) {
	node, err := snowflake.NewNode(nodeId)
	if err != nil {
		return nil, fmt.Errorf("failed to create snowflake node %d: %w", nodeId, err)
	}
	return &SnowflakeGenerator{node: node}, nil
}

func (g *SnowflakeGenerator) NewId() string {
	return strconv.FormatInt(g.node.Generate().Int64(), 10)
}

// NodeIdFromEnvironment derives a node id from the process environment.
// Two processes with the same environment get the same node id, so clustered setups should configure it explicitly.
func NodeIdFromEnvironment() int64 {
	hash32 := adler32.New()
	for _, e := range os.Environ() {
		hash32.Write([]byte(e))
	}
	return int64(hash32.Sum32()) % (nodeMax + 1)
}
