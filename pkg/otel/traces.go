package otel

const (
	Prefix                 = "repository-"
	AttributeDeploymentId  = Prefix + "deployment-id"
	AttributeDeploymentNew = Prefix + "deployment-new"
	AttributeDefinitionId  = Prefix + "definition-id"
	AttributeDefinitionKey = Prefix + "definition-key"
	AttributeVersion       = Prefix + "definition-version"
	AttributeTenantId      = Prefix + "tenant-id"
	AttributeCascade       = Prefix + "cascade"
	AttributeCacheHit      = Prefix + "cache-hit"

	TracerName = "github.com/pbinitiative/zenrepo/pkg/repository"
)
