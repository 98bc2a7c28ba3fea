// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package exporter

import "time"

// EventExporter receives repository events. Implementations are called synchronously
// from the goroutine that caused the event and must not block.
type EventExporter interface {
	DefinitionDeployed(event *DefinitionEvent)
	DeploymentRemoved(event *DeploymentEvent)
	DefinitionEvicted(event *DefinitionEvent)
}

type Intent string

const (
	Deployed Intent = "DEPLOYED"
	Removed  Intent = "REMOVED"
	Evicted  Intent = "EVICTED"
)

type DefinitionEvent struct {
	Intent       Intent
	DefinitionId string
	Key          string
	Version      int32
	TenantId     string
	DeploymentId string
	ResourceName string
	Kind         string
}

type DeploymentEvent struct {
	Intent        Intent
	DeploymentId  string
	Name          string
	TenantId      string
	DefinitionIds []string
	Cascade       bool
	Time          time.Time
}
