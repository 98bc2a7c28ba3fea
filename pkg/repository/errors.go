// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pbinitiative/zenrepo/pkg/storage"
)

var (
	ErrNoDefinition  = errors.New("deployment contains no definition resource")
	ErrMissingKey    = errors.New("definition has no key")
	ErrDuplicateKey  = errors.New("definition key is used by more than one resource of the deployment")
	ErrMissingId     = errors.New("deployment has no id")
	ErrNilDeployment = errors.New("deployment is nil")
)

// DefinitionParseError is returned when a resource of a deployment can not be turned into a definition.
// Nothing of the deployment is persisted or cached when it is returned.
type DefinitionParseError struct {
	ResourceName string
	Err          error
}

func (e *DefinitionParseError) Error() string {
	return fmt.Sprintf("failed to parse resource %s: %s", e.ResourceName, e.Err)
}

func (e *DefinitionParseError) Unwrap() error {
	return e.Err
}

// DefinitionNotFoundError is returned when no definition matches the lookup.
// Only the fields used by the lookup are set.
type DefinitionNotFoundError struct {
	DefinitionId string
	Key          string
	Version      int32
	TenantId     string
	DeploymentId string
}

func (e *DefinitionNotFoundError) Error() string {
	parts := make([]string, 0, 5)
	if e.DefinitionId != "" {
		parts = append(parts, "id="+e.DefinitionId)
	}
	if e.Key != "" {
		parts = append(parts, "key="+e.Key)
	}
	if e.Version > 0 {
		parts = append(parts, fmt.Sprintf("version=%d", e.Version))
	}
	if e.TenantId != "" {
		parts = append(parts, "tenant="+e.TenantId)
	}
	if e.DeploymentId != "" {
		parts = append(parts, "deployment="+e.DeploymentId)
	}
	return "definition not found: " + strings.Join(parts, " ")
}

type DeploymentNotFoundError struct {
	DeploymentId string
}

func (e *DeploymentNotFoundError) Error() string {
	return fmt.Sprintf("deployment %s not found", e.DeploymentId)
}

type ResourceNotFoundError struct {
	DeploymentId string
	ResourceName string
}

func (e *ResourceNotFoundError) Error() string {
	return fmt.Sprintf("resource %s not found in deployment %s", e.ResourceName, e.DeploymentId)
}

// CacheRepairFailedError means the deployer ran for the deployment of a definition but did not produce
// its cache entry. It points to an inconsistency between the stored deployment and the registered parsers.
type CacheRepairFailedError struct {
	DefinitionId string
	DeploymentId string
}

func (e *CacheRepairFailedError) Error() string {
	return fmt.Sprintf("definition %s is not cached after redeploying deployment %s", e.DefinitionId, e.DeploymentId)
}

// TransientError wraps failures of the storage that may succeed when retried.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure during %s: %s", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err says that a definition, deployment or resource does not exist.
func IsNotFound(err error) bool {
	var defErr *DefinitionNotFoundError
	var depErr *DeploymentNotFoundError
	var resErr *ResourceNotFoundError
	return errors.As(err, &defErr) || errors.As(err, &depErr) || errors.As(err, &resErr)
}

// IsTransient reports whether the operation that returned err may be retried.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// storeError converts an error returned by the storage that is not a not-found result.
func storeError(op string, err error) error {
	if errors.Is(err, storage.ErrTransient) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &TransientError{Op: op, Err: err}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
