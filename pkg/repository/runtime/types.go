// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package runtime

import (
	"slices"
	"time"

	"github.com/opencontainers/go-digest"
)

// NoTenant is the tenant id of deployments and definitions that do not belong to any tenant.
// It is stored as is, so tenant scoped queries never fall back to a tenant-ignoring scan.
const NoTenant = "<none>"

// NormalizeTenant maps the empty tenant to NoTenant.
func NormalizeTenant(tenantId string) string {
	if tenantId == "" {
		return NoTenant
	}
	return tenantId
}

type Resource struct {
	Name   string
	Bytes  []byte
	Digest digest.Digest // sha256 of Bytes
}

// NewResource copies data so the resource can not be changed by the caller afterwards.
func NewResource(name string, data []byte) Resource {
	b := slices.Clone(data)
	if b == nil {
		b = []byte{}
	}
	return Resource{
		Name:   name,
		Bytes:  b,
		Digest: digest.FromBytes(b),
	}
}

// Deployment is an immutable named collection of resources that are deployed together.
type Deployment struct {
	Id                 string
	Name               string
	Category           string
	Key                string
	TenantId           string
	ParentDeploymentId string
	DeploymentTime     time.Time
	Resources          []Resource

	// IsNew is true only while the deployment is deployed for the first time.
	// Deployments loaded from storage to repopulate the cache are not new.
	IsNew bool

	// DuplicateFiltering skips the deployment when the latest deployment with the same name
	// and tenant contains exactly the same resources.
	DuplicateFiltering bool
}

// Resource returns the resource with given name.
func (d *Deployment) Resource(name string) (Resource, bool) {
	for _, r := range d.Resources {
		if r.Name == name {
			return r, true
		}
	}
	return Resource{}, false
}

// ResourceNames returns names of the resources in deployment order.
func (d *Deployment) ResourceNames() []string {
	names := make([]string, len(d.Resources))
	for i, r := range d.Resources {
		names[i] = r.Name
	}
	return names
}

// SameResources reports whether both deployments carry resources with the same names and content.
func (d *Deployment) SameResources(other *Deployment) bool {
	if len(d.Resources) != len(other.Resources) {
		return false
	}
	digests := make(map[string]digest.Digest, len(d.Resources))
	for _, r := range d.Resources {
		digests[r.Name] = r.Digest
	}
	for _, r := range other.Resources {
		if dg, ok := digests[r.Name]; !ok || dg != r.Digest {
			return false
		}
	}
	return true
}

// Definition is a versioned artifact parsed from a single resource of a deployment.
type Definition struct {
	Id           string
	Key          string // stable logical name shared by all versions
	Name         string
	Description  string
	Category     string
	Kind         string
	Version      int32 // 1 for the first deployed definition with Key within TenantId, incremented with each deployment
	TenantId     string
	DeploymentId string
	ResourceName string
}

// Model is the parsed in-memory form of a definition resource. Apart from the key and name
// the repository treats it as opaque.
type Model interface {
	DefinitionKey() string
	DefinitionName() string
}

// Describer is implemented by models that carry a description.
type Describer interface {
	DefinitionDescription() string
}

// Categorizer is implemented by models that carry a category.
type Categorizer interface {
	DefinitionCategory() string
}

// CacheEntry is a definition together with its parsed model, ready to be executed.
// Entries are never modified once created.
type CacheEntry struct {
	Definition Definition
	Model      Model
}
