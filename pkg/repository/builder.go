package repository

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/pbinitiative/zenrepo/pkg/repository/runtime"
)

// DeploymentBuilder collects resources and metadata of a deployment. The first failing call is remembered and returned by Build.
type DeploymentBuilder struct {
	deployment runtime.Deployment
	names      map[string]struct{}
	err        error
}

func NewDeployment() *DeploymentBuilder {
	return &DeploymentBuilder{
		deployment: runtime.Deployment{TenantId: runtime.NoTenant},
		names:      map[string]struct{}{},
	}
}

func (b *DeploymentBuilder) Name(name string) *DeploymentBuilder {
	b.deployment.Name = name
	return b
}

func (b *DeploymentBuilder) Category(category string) *DeploymentBuilder {
	b.deployment.Category = category
	return b
}

func (b *DeploymentBuilder) Key(key string) *DeploymentBuilder {
	b.deployment.Key = key
	return b
}

func (b *DeploymentBuilder) Tenant(tenantId string) *DeploymentBuilder {
	b.deployment.TenantId = runtime.NormalizeTenant(tenantId)
	return b
}

func (b *DeploymentBuilder) ParentDeploymentId(id string) *DeploymentBuilder {
	b.deployment.ParentDeploymentId = id
	return b
}

// EnableDuplicateFiltering makes the deployment a no-op when the latest deployment with the same name has the same resources.
func (b *DeploymentBuilder) EnableDuplicateFiltering() *DeploymentBuilder {
	b.deployment.DuplicateFiltering = true
	return b
}

// AddBytes adds a resource, data is copied.
func (b *DeploymentBuilder) AddBytes(name string, data []byte) *DeploymentBuilder {
	if b.err != nil {
		return b
	}
	if name == "" {
		b.err = errors.New("resource name must not be empty")
		return b
	}
	if _, ok := b.names[name]; ok {
		b.err = fmt.Errorf("resource %s was already added to the deployment", name)
		return b
	}
	b.names[name] = struct{}{}
	b.deployment.Resources = append(b.deployment.Resources, runtime.NewResource(name, data))
	return b
}

func (b *DeploymentBuilder) AddString(name string, data string) *DeploymentBuilder {
	return b.AddBytes(name, []byte(data))
}

// AddFile adds the file as a resource named by its base name.
func (b *DeploymentBuilder) AddFile(filename string) *DeploymentBuilder {
	if b.err != nil {
		return b
	}
	data, err := os.ReadFile(filename)
	if err != nil {
		b.err = fmt.Errorf("failed to read resource file: %w", err)
		return b
	}
	return b.AddBytes(filepath.Base(filename), data)
}

// AddDirectory adds all regular files below dir. Resources are named by their slash separated path relative to dir.
func (b *DeploymentBuilder) AddDirectory(dir string) *DeploymentBuilder {
	if b.err != nil {
		return b
	}
	err := fs.WalkDir(os.DirFS(dir), ".", func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(p)))
		if err != nil {
			return err
		}
		b.AddBytes(path.Clean(p), data)
		return b.err
	})
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("failed to read resource directory %s: %w", dir, err)
	}
	return b
}

func (b *DeploymentBuilder) Build() (*runtime.Deployment, error) {
	if b.err != nil {
		return nil, b.err
	}
	d := b.deployment
	d.Resources = append([]runtime.Resource(nil), b.deployment.Resources...)
	return &d, nil
}
