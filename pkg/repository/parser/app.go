package parser

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/pbinitiative/zenrepo/pkg/repository"
	"github.com/pbinitiative/zenrepo/pkg/repository/runtime"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const KindApp = "app"

const appSchemaUrl = "https://zenrepo.dev/schemas/app.json"

//go:embed schema/app.schema.json
var appSchemaJson []byte

type AppModelRef struct {
	Key  string `json:"key"`
	Kind string `json:"kind"`
}

// AppModel groups models that are deployed and used together.
type AppModel struct {
	Key          string        `json:"key"`
	Name         string        `json:"name"`
	Description  string        `json:"description,omitempty"`
	Category     string        `json:"category,omitempty"`
	Theme        string        `json:"theme,omitempty"`
	Icon         string        `json:"icon,omitempty"`
	UsersAccess  string        `json:"usersAccess,omitempty"`
	GroupsAccess string        `json:"groupsAccess,omitempty"`
	Models       []AppModelRef `json:"models,omitempty"`
}

var _ runtime.Model = &AppModel{}
var _ runtime.Describer = &AppModel{}
var _ runtime.Categorizer = &AppModel{}

func (m *AppModel) DefinitionKey() string         { return m.Key }
func (m *AppModel) DefinitionName() string        { return m.Name }
func (m *AppModel) DefinitionDescription() string { return m.Description }
func (m *AppModel) DefinitionCategory() string    { return m.Category }

// AppParser reads JSON app definitions validated against the app JSON schema. It is safe for concurrent use.
type AppParser struct {
	schema *jsonschema.Schema
}

var _ repository.Parser = &AppParser{}

func NewAppParser() (*AppParser, error) {
	c := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(appSchemaJson))
	if err != nil {
		return nil, fmt.Errorf("unmarshal app schema: %w", err)
	}
	if err := c.AddResource(appSchemaUrl, doc); err != nil {
		return nil, fmt.Errorf("add app schema resource: %w", err)
	}
	schema, err := c.Compile(appSchemaUrl)
	if err != nil {
		return nil, fmt.Errorf("compile app schema: %w", err)
	}
	return &AppParser{schema: schema}, nil
}

func (p *AppParser) Parse(data []byte) (runtime.Model, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal app definition: %w", err)
	}
	if err := p.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("invalid app definition: %w", err)
	}
	var app AppModel
	if err := json.Unmarshal(data, &app); err != nil {
		return nil, fmt.Errorf("failed to unmarshal app definition: %w", err)
	}
	return &app, nil
}
