package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/pbinitiative/zenrepo/internal/types"
	"github.com/pbinitiative/zenrepo/pkg/zenflake"
)

const (
	DriverSqlite = "sqlite3"
	DriverLibsql = "libsql"
	DriverMemory = "memory"
)

type Config struct {
	Name        string      `yaml:"name" json:"name" env:"APP_NAME" env-default:"zenrepo"` // used for OTEL as an application identifier
	Server      Server      `yaml:"server" json:"server"`                                   // configuration of the system HTTP server
	Tracing     Tracing     `yaml:"tracing" json:"tracing"`
	Persistence Persistence `yaml:"persistence" json:"persistence"`
	Repository  Repository  `yaml:"repository" json:"repository"`
}

type Server struct {
	Addr string `yaml:"addr" json:"addr" env:"SYSTEM_API_ADDR" env-default:":8080"`
}

type Tracing struct {
	Enabled  bool   `yaml:"enabled" json:"enabled" env:"OTEL_ENABLED"`
	Endpoint string `yaml:"endpoint" json:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT" env-default:"localhost:4318"`
	// SampleRatio of root spans that are recorded, 0 means every span
	SampleRatio float64 `yaml:"sampleRatio" json:"sampleRatio" env:"OTEL_SAMPLE_RATIO"`
	// TransferHeaders are request headers copied into span attributes
	TransferHeaders []string `yaml:"transferHeaders" json:"transferHeaders" env:"OTEL_TRANSFER_HEADERS"`
}

type Persistence struct {
	// Driver is one of sqlite3, libsql or memory. Only the SQL driver compiled into the binary can be used.
	Driver      string         `yaml:"driver" json:"driver" env:"PERSISTENCE_DRIVER" env-default:"sqlite3"`
	Dsn         string         `yaml:"dsn" json:"dsn" env:"PERSISTENCE_DSN" env-default:"file:zenrepo.db"`
	BusyTimeout types.Duration `yaml:"busyTimeout" json:"busyTimeout" env:"PERSISTENCE_BUSY_TIMEOUT" env-default:"5s"`
}

type Repository struct {
	CacheSize int `yaml:"cacheSize" json:"cacheSize" env:"REPOSITORY_CACHE_SIZE" env-default:"1000"`
	// CacheTTL expires cache entries after the duration, 0 keeps them until evicted by size
	CacheTTL                      types.Duration `yaml:"cacheTTL" json:"cacheTTL" env:"REPOSITORY_CACHE_TTL"`
	SingleDefinitionPerDeployment bool           `yaml:"singleDefinitionPerDeployment" json:"singleDefinitionPerDeployment" env:"REPOSITORY_SINGLE_DEFINITION"`
	RequireDefinition             bool           `yaml:"requireDefinition" json:"requireDefinition" env:"REPOSITORY_REQUIRE_DEFINITION"`
	SortResources                 bool           `yaml:"sortResources" json:"sortResources" env:"REPOSITORY_SORT_RESOURCES"`
	VersionRetries                int            `yaml:"versionRetries" json:"versionRetries" env:"REPOSITORY_VERSION_RETRIES" env-default:"5"`
	RepairRetries                 int            `yaml:"repairRetries" json:"repairRetries" env:"REPOSITORY_REPAIR_RETRIES"`
	IdGenerator                   string         `yaml:"idGenerator" json:"idGenerator" env:"REPOSITORY_ID_GENERATOR" env-default:"snowflake"`
	// NodeId of the snowflake generator, 0 derives it from the environment
	NodeId int64 `yaml:"nodeId" json:"nodeId" env:"REPOSITORY_NODE_ID"`
	// DeployDir is deployed as one deployment on startup when set
	DeployDir string `yaml:"deployDir" json:"deployDir" env:"REPOSITORY_DEPLOY_DIR"`
	// RedeployUnchanged creates a new deployment of DeployDir even when its resources did not change
	RedeployUnchanged bool `yaml:"redeployUnchanged" json:"redeployUnchanged" env:"REPOSITORY_REDEPLOY_UNCHANGED"`
}

func (c Config) Validate() error {
	var errJoin error
	switch c.Persistence.Driver {
	case DriverSqlite, DriverLibsql, DriverMemory:
	default:
		errJoin = errors.Join(errJoin, fmt.Errorf("unknown persistence driver %q", c.Persistence.Driver))
	}
	if c.Repository.CacheSize <= 0 {
		errJoin = errors.Join(errJoin, fmt.Errorf("repository cache size must be positive, got %d", c.Repository.CacheSize))
	}
	if c.Repository.VersionRetries < 0 || c.Repository.RepairRetries < 0 {
		errJoin = errors.Join(errJoin, errors.New("repository retries must not be negative"))
	}
	switch c.Repository.IdGenerator {
	case zenflake.GeneratorSnowflake, zenflake.GeneratorUUID:
	default:
		errJoin = errors.Join(errJoin, fmt.Errorf("unknown id generator %q", c.Repository.IdGenerator))
	}
	if c.Repository.NodeId < 0 || c.Repository.NodeId > zenflake.MaxNodeId() {
		errJoin = errors.Join(errJoin, fmt.Errorf("snowflake node id %d is out of range", c.Repository.NodeId))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errJoin = errors.Join(errJoin, fmt.Errorf("tracing sample ratio %v is not within [0, 1]", c.Tracing.SampleRatio))
	}
	return errJoin
}

// ReadConfig reads the configuration from the yaml file overridden by environment variables.
// When the file does not exist only environment variables are read.
func ReadConfig(fileName string) (Config, error) {
	c := Config{}
	var err error
	if _, perr := os.Stat(fileName); errors.Is(perr, os.ErrNotExist) {
		err = cleanenv.ReadEnv(&c)
	} else {
		err = cleanenv.ReadConfig(fileName, &c)
	}
	if err != nil {
		return Config{}, fmt.Errorf("failed to read the configuration: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return c, nil
}

func InitConfig() Config {
	var fileName string
	confFile := os.Getenv("CONFIG_FILE")
	if confFile == "" {
		wd, err := os.Getwd()
		if err != nil {
			panic(err)
		}
		fileName = fmt.Sprintf("%s/conf.yaml", wd)
	} else {
		fileName = confFile
	}
	if _, perr := os.Stat(fileName); errors.Is(perr, os.ErrNotExist) {
		fmt.Printf("Configuration file %s not found. Reading config from ENV.\n", fileName)
	}
	c, err := ReadConfig(fileName)
	if err != nil {
		fmt.Printf("Error occurred while reading the configuration: %s\n", err)
		panic(err)
	}
	return c
}
