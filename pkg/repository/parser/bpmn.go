package parser

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"

	"github.com/pbinitiative/zenrepo/pkg/repository"
	"github.com/pbinitiative/zenrepo/pkg/repository/runtime"
)

const KindProcess = "process"

type TDocumentation struct {
	Text string `xml:",chardata"`
}

type TProcess struct {
	Id            string           `xml:"id,attr"`
	Name          string           `xml:"name,attr"`
	IsExecutable  bool             `xml:"isExecutable,attr"`
	Documentation []TDocumentation `xml:"documentation"`
	VersionTag    string           `xml:"versionTag,attr"`
}

type TDefinitions struct {
	Id              string     `xml:"id,attr"`
	Name            string     `xml:"name,attr"`
	TargetNamespace string     `xml:"targetNamespace,attr"`
	Processes       []TProcess `xml:"process"`
}

// ProcessModel is the deployable process of a BPMN resource.
type ProcessModel struct {
	Definitions TDefinitions
	Process     TProcess
}

var _ runtime.Model = &ProcessModel{}
var _ runtime.Describer = &ProcessModel{}

func (m *ProcessModel) DefinitionKey() string {
	return m.Process.Id
}

func (m *ProcessModel) DefinitionName() string {
	if m.Process.Name != "" {
		return m.Process.Name
	}
	return m.Process.Id
}

func (m *ProcessModel) DefinitionDescription() string {
	docs := make([]string, 0, len(m.Process.Documentation))
	for _, d := range m.Process.Documentation {
		if text := strings.TrimSpace(d.Text); text != "" {
			docs = append(docs, text)
		}
	}
	return strings.Join(docs, "\n")
}

var ErrNoProcess = errors.New("no executable process found")

// BpmnParser reads the executable process of a BPMN 2.0 XML document.
type BpmnParser struct{}

var _ repository.Parser = BpmnParser{}

func (BpmnParser) Parse(data []byte) (runtime.Model, error) {
	var definitions TDefinitions
	if err := unmarshalXml(data, &definitions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal bpmn: %w", err)
	}
	executable := make([]TProcess, 0, len(definitions.Processes))
	for _, p := range definitions.Processes {
		if p.IsExecutable {
			executable = append(executable, p)
		}
	}
	if len(executable) == 0 && len(definitions.Processes) == 1 {
		executable = definitions.Processes
	}
	switch len(executable) {
	case 0:
		return nil, ErrNoProcess
	case 1:
	default:
		return nil, fmt.Errorf("resource contains %d executable processes, only one per resource is supported", len(executable))
	}
	if executable[0].Id == "" {
		return nil, fmt.Errorf("process has no id")
	}
	return &ProcessModel{Definitions: definitions, Process: executable[0]}, nil
}

// unmarshalXml requires the root element to be "definitions" in any namespace.
func unmarshalXml(data []byte, v any) error {
	decoder := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := decoder.Token()
		if err != nil {
			return err
		}
		if start, ok := tok.(xml.StartElement); ok {
			if start.Name.Local != "definitions" {
				return fmt.Errorf("unexpected root element %s, expected definitions", start.Name.Local)
			}
			return decoder.DecodeElement(v, &start)
		}
	}
}
