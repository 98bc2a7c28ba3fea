package parser

import (
	"errors"
	"fmt"

	"github.com/pbinitiative/zenrepo/pkg/repository"
	"github.com/pbinitiative/zenrepo/pkg/repository/runtime"
)

const KindDecision = "decision"

type VersionTag struct {
	Value string `xml:"value,attr"`
}

type TDecision struct {
	Id         string     `xml:"id,attr"`
	Name       string     `xml:"name,attr"`
	VersionTag VersionTag `xml:"extensionElements>versionTag"`
}

type TDmnDefinitions struct {
	Id        string      `xml:"id,attr"`
	Name      string      `xml:"name,attr"`
	Namespace string      `xml:"namespace,attr"`
	Decisions []TDecision `xml:"decision"`
}

// DecisionModel is a DMN decision requirements graph. It is versioned by the id of its definitions element.
type DecisionModel struct {
	Definitions TDmnDefinitions
}

var _ runtime.Model = &DecisionModel{}

func (m *DecisionModel) DefinitionKey() string {
	return m.Definitions.Id
}

func (m *DecisionModel) DefinitionName() string {
	if m.Definitions.Name != "" {
		return m.Definitions.Name
	}
	return m.Definitions.Id
}

func (m *DecisionModel) Decision(id string) (TDecision, bool) {
	for _, d := range m.Definitions.Decisions {
		if d.Id == id {
			return d, true
		}
	}
	return TDecision{}, false
}

var ErrNoDecision = errors.New("no decision found")

type DmnParser struct{}

var _ repository.Parser = DmnParser{}

func (DmnParser) Parse(data []byte) (runtime.Model, error) {
	var definitions TDmnDefinitions
	if err := unmarshalXml(data, &definitions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dmn: %w", err)
	}
	if definitions.Id == "" {
		return nil, fmt.Errorf("dmn definitions have no id")
	}
	if len(definitions.Decisions) == 0 {
		return nil, ErrNoDecision
	}
	for _, d := range definitions.Decisions {
		if d.Id == "" {
			return nil, fmt.Errorf("decision %q has no id", d.Name)
		}
	}
	return &DecisionModel{Definitions: definitions}, nil
}
