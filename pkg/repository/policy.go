package repository

type ResourceOrder int

const (
	// InsertionOrder processes resources in the order they were added to the deployment.
	InsertionOrder ResourceOrder = iota
	// SortedByName processes resources sorted by their name.
	SortedByName
)

// DeployPolicy holds the module specific rules of the deployer.
type DeployPolicy struct {
	// SingleDefinitionPerDeployment deploys only the first recognized resource and ignores the rest.
	SingleDefinitionPerDeployment bool
	// RequireDefinition fails deployments without any recognized resource with ErrNoDefinition.
	RequireDefinition bool
	ResourceOrder     ResourceOrder
	// VersionRetries is the number of times a version allocation is retried after a conflict with another writer.
	VersionRetries int
}

func DefaultDeployPolicy() DeployPolicy {
	return DeployPolicy{
		ResourceOrder:  InsertionOrder,
		VersionRetries: 5,
	}
}
