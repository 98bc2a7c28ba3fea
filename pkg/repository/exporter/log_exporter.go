package exporter

import (
	"github.com/hashicorp/go-hclog"
)

// LogExporter writes repository events to a logger. Evictions are logged on trace level only.
type LogExporter struct {
	Logger hclog.Logger
}

var _ EventExporter = LogExporter{}

func (e LogExporter) DefinitionDeployed(event *DefinitionEvent) {
	e.Logger.Info("Definition deployed", definitionArgs(event)...)
}

func (e LogExporter) DeploymentRemoved(event *DeploymentEvent) {
	e.Logger.Info("Deployment removed",
		"deploymentId", event.DeploymentId,
		"name", event.Name,
		"tenantId", event.TenantId,
		"definitions", len(event.DefinitionIds),
		"cascade", event.Cascade,
	)
}

func (e LogExporter) DefinitionEvicted(event *DefinitionEvent) {
	e.Logger.Trace("Definition evicted from cache", definitionArgs(event)...)
}

func definitionArgs(event *DefinitionEvent) []interface{} {
	return []interface{}{
		"definitionId", event.DefinitionId,
		"key", event.Key,
		"version", event.Version,
		"tenantId", event.TenantId,
		"deploymentId", event.DeploymentId,
		"kind", event.Kind,
	}
}
