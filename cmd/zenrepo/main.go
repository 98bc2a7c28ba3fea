package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pbinitiative/zenrepo/internal/config"
	"github.com/pbinitiative/zenrepo/internal/log"
	"github.com/pbinitiative/zenrepo/internal/otel"
	"github.com/pbinitiative/zenrepo/internal/profile"
	zensql "github.com/pbinitiative/zenrepo/internal/sql"
	"github.com/pbinitiative/zenrepo/internal/system"
	zenotel "github.com/pbinitiative/zenrepo/pkg/otel"
	"github.com/pbinitiative/zenrepo/pkg/repository"
	"github.com/pbinitiative/zenrepo/pkg/repository/exporter"
	"github.com/pbinitiative/zenrepo/pkg/repository/parser"
	"github.com/pbinitiative/zenrepo/pkg/storage"
	"github.com/pbinitiative/zenrepo/pkg/storage/inmemory"
	"github.com/pbinitiative/zenrepo/pkg/zenflake"
	otelapi "go.opentelemetry.io/otel"
)

func main() {
	profile.InitProfile()
	log.Init()
	defer log.Sync()

	appContext, ctxCancel := context.WithCancel(context.Background())

	conf := config.InitConfig()

	openTelemetry, err := otel.SetupOtel(conf.Name, conf.Tracing)
	if err != nil {
		log.Error("Failed to set up OTEL: %s", err)
		os.Exit(1)
	}

	store, pinger, closeStore, err := openStorage(appContext, conf.Persistence)
	if err != nil {
		log.Error("Failed to open storage: %s", err)
		os.Exit(1)
	}

	manager, err := newManager(conf.Repository, store, openTelemetry)
	if err != nil {
		log.Error("Failed to create definition repository: %s", err)
		os.Exit(1)
	}

	svr := system.NewServer(manager, pinger, conf)
	if _, err := svr.Start(); err != nil {
		log.Error("Failed to start system server: %s", err)
		os.Exit(1)
	}

	if conf.Repository.DeployDir != "" {
		if err := deployDirectory(appContext, manager, conf.Repository); err != nil {
			log.Error("Failed to deploy %s: %s", conf.Repository.DeployDir, err)
			os.Exit(1)
		}
	}
	svr.SetReady(true)

	appStop := make(chan os.Signal, 2)
	handleSigterm(appStop, appContext)

	ctxCancel()
	// cleanup
	svr.Stop(context.Background())
	if err := manager.Close(); err != nil {
		log.Error("Failed to close definition repository: %s", err)
	}
	if err := closeStore(); err != nil {
		log.Error("Failed to close storage: %s", err)
	}
	openTelemetry.Stop(context.Background())
}

func openStorage(ctx context.Context, conf config.Persistence) (storage.Storage, system.Pinger, func() error, error) {
	switch conf.Driver {
	case config.DriverMemory:
		return inmemory.NewStorage(), nil, func() error { return nil }, nil
	case zensql.DriverName:
		db, err := zensql.Open(ctx, conf.Dsn, conf.BusyTimeout.Std(), log.NewHclog("sql"))
		if err != nil {
			return nil, nil, nil, err
		}
		return db, db, db.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("persistence driver %s is not compiled into this binary, available drivers: %s, %s",
			conf.Driver, config.DriverMemory, zensql.DriverName)
	}
}

func newManager(conf config.Repository, store storage.Storage, o *otel.Otel) (*repository.Manager, error) {
	parsers, err := parser.DefaultRegistry()
	if err != nil {
		return nil, err
	}
	nodeId := conf.NodeId
	if nodeId == 0 {
		nodeId = -1
	}
	idGen, err := zenflake.NewGenerator(conf.IdGenerator, nodeId)
	if err != nil {
		return nil, err
	}

	policy := repository.DefaultDeployPolicy()
	policy.SingleDefinitionPerDeployment = conf.SingleDefinitionPerDeployment
	policy.RequireDefinition = conf.RequireDefinition
	policy.VersionRetries = conf.VersionRetries
	if conf.SortResources {
		policy.ResourceOrder = repository.SortedByName
	}

	return repository.NewManager(store, parsers,
		repository.WithCacheSize(conf.CacheSize),
		repository.WithCacheTTL(conf.CacheTTL.Std()),
		repository.WithDeployPolicy(policy),
		repository.WithRepairRetries(conf.RepairRetries),
		repository.WithIdGenerator(idGen),
		repository.WithMetrics(o.Repository),
		repository.WithTracer(otelapi.GetTracerProvider().Tracer(zenotel.TracerName)),
		repository.WithLogger(log.NewHclog("repository")),
		repository.WithExporter(exporter.LogExporter{Logger: log.NewHclog("repository-events")}),
	)
}

// deployDirectory deploys all files of the directory as one deployment named by the directory.
// Unchanged directories are not deployed again unless configured otherwise.
func deployDirectory(ctx context.Context, manager *repository.Manager, conf config.Repository) error {
	dir := filepath.Clean(conf.DeployDir)
	builder := repository.NewDeployment().
		Name(filepath.Base(dir)).
		AddDirectory(dir)
	if !conf.RedeployUnchanged {
		builder.EnableDuplicateFiltering()
	}
	deployment, err := builder.Build()
	if err != nil {
		return err
	}
	deployed, err := manager.Deploy(ctx, deployment)
	if err != nil {
		return err
	}
	definitions, err := manager.FindDefinitionsByDeployment(ctx, deployed.Id)
	if err != nil {
		return err
	}
	for _, def := range definitions {
		log.Infof(ctx, "Definition %s version %d (%s) is available as %s", def.Key, def.Version, def.Kind, def.Id)
	}
	log.Infof(ctx, "Directory %s is deployed as %s", dir, deployed.Id)
	return nil
}

func handleSigterm(appStop chan os.Signal, ctx context.Context) {
	signal.Notify(appStop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	sig := <-appStop
	log.Infof(ctx, "Received %s. Shutting down", sig.String())
}
