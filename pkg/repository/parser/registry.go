// Package parser contains the parsers of the definition kinds deployable out of the box.
package parser

import (
	"github.com/pbinitiative/zenrepo/pkg/repository"
)

// DefaultRegistry returns a registry with all parsers of this package.
func DefaultRegistry() (*repository.ParserRegistry, error) {
	appParser, err := NewAppParser()
	if err != nil {
		return nil, err
	}
	registry := repository.NewParserRegistry()
	for _, r := range []struct {
		suffix string
		kind   string
		parser repository.Parser
	}{
		{".bpmn", KindProcess, BpmnParser{}},
		{".bpmn20.xml", KindProcess, BpmnParser{}},
		{".dmn", KindDecision, DmnParser{}},
		{".dmn11.xml", KindDecision, DmnParser{}},
		{".app", KindApp, appParser},
		{".form", KindForm, FormParser{}},
		{".form.yaml", KindForm, FormParser{}},
		{".form.yml", KindForm, FormParser{}},
	} {
		if err := registry.Register(r.suffix, r.kind, r.parser); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
