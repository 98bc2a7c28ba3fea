package zenflake

import (
	"fmt"

	"github.com/google/uuid"
)

// IdGenerator allocates unique ids for deployments and definitions. Implementations are safe for concurrent use.
type IdGenerator interface {
	NewId() string
}

type UUIDGenerator struct{}

var _ IdGenerator = UUIDGenerator{}

func (UUIDGenerator) NewId() string {
	return uuid.NewString()
}

const (
	GeneratorSnowflake = "snowflake"
	GeneratorUUID      = "uuid"
)

// NewGenerator creates a generator by its configured name. Node id is used only by the snowflake generator,
// a negative node id is derived from the environment.
func NewGenerator(name string, nodeId int64) (IdGenerator, error) {
	switch name {
	case GeneratorSnowflake, "":
		if nodeId < 0 {
			nodeId = NodeIdFromEnvironment()
		}
		return NewSnowflakeGenerator(nodeId)
	case GeneratorUUID:
		return UUIDGenerator{}, nil
	default:
		return nil, fmt.Errorf("unknown id generator %q", name)
	}
}
