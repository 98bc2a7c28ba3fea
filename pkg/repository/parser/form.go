package parser

import (
	"bytes"
	"fmt"

	"github.com/pbinitiative/zenrepo/pkg/repository"
	"github.com/pbinitiative/zenrepo/pkg/repository/runtime"
	"gopkg.in/yaml.v3"
)

const KindForm = "form"

type FormField struct {
	Id       string   `yaml:"id"`
	Type     string   `yaml:"type"`
	Label    string   `yaml:"label,omitempty"`
	Required bool     `yaml:"required,omitempty"`
	Options  []string `yaml:"options,omitempty"`
}

type FormModel struct {
	Key         string      `yaml:"key"`
	Name        string      `yaml:"name"`
	Description string      `yaml:"description,omitempty"`
	Category    string      `yaml:"category,omitempty"`
	Fields      []FormField `yaml:"fields"`
}

var _ runtime.Model = &FormModel{}
var _ runtime.Describer = &FormModel{}
var _ runtime.Categorizer = &FormModel{}

func (m *FormModel) DefinitionKey() string { return m.Key }

func (m *FormModel) DefinitionName() string {
	if m.Name != "" {
		return m.Name
	}
	return m.Key
}

func (m *FormModel) DefinitionDescription() string { return m.Description }
func (m *FormModel) DefinitionCategory() string    { return m.Category }

var formFieldTypes = map[string]struct{}{
	"text":     {},
	"textarea": {},
	"number":   {},
	"boolean":  {},
	"date":     {},
	"select":   {},
}

// FormParser reads YAML form definitions. Unknown attributes are rejected.
type FormParser struct{}

var _ repository.Parser = FormParser{}

func (FormParser) Parse(data []byte) (runtime.Model, error) {
	var form FormModel
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&form); err != nil {
		return nil, fmt.Errorf("failed to unmarshal form definition: %w", err)
	}
	ids := make(map[string]struct{}, len(form.Fields))
	for i, f := range form.Fields {
		if f.Id == "" {
			return nil, fmt.Errorf("form field %d has no id", i)
		}
		if _, dup := ids[f.Id]; dup {
			return nil, fmt.Errorf("form field %s is defined twice", f.Id)
		}
		ids[f.Id] = struct{}{}
		if _, ok := formFieldTypes[f.Type]; !ok {
			return nil, fmt.Errorf("form field %s has unsupported type %q", f.Id, f.Type)
		}
		if f.Type == "select" && len(f.Options) == 0 {
			return nil, fmt.Errorf("select field %s has no options", f.Id)
		}
	}
	return &form, nil
}
