package tasks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/joseph-ayodele/transcriber/constants"
	"github.com/joseph-ayodele/transcriber/internal/common"
	"github.com/joseph-ayodele/transcriber/internal/entity"
)

// FieldDefinition is one field of a task definition file.
type FieldDefinition struct {
	Slug string `yaml:"slug" json:"slug"`
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
	Type string `yaml:"type,omitempty" json:"type,omitempty"`
}

// Definition is the YAML form of a task.
//
//	slug: ballots-1892
//	name: 1892 ballots
//	project: county-records
//	reviewer_quota: 3
//	lease: 2m
//	hierarchy_filter: [county/1892]
//	fields:
//	  - {slug: candidate, name: Candidate}
//	  - {slug: votes, type: integer}
type Definition struct {
	Slug            string            `yaml:"slug" json:"slug"`
	Name            string            `yaml:"name" json:"name"`
	Description     string            `yaml:"description,omitempty" json:"description,omitempty"`
	Project         string            `yaml:"project" json:"project"`
	ReviewerQuota   int               `yaml:"reviewer_quota" json:"reviewer_quota"`
	Lease           string            `yaml:"lease,omitempty" json:"lease,omitempty"`
	HierarchyFilter []string          `yaml:"hierarchy_filter,omitempty" json:"hierarchy_filter,omitempty"`
	SplitImage      bool              `yaml:"split_image,omitempty" json:"split_image,omitempty"`
	Fields          []FieldDefinition `yaml:"fields" json:"fields"`
}

var definitionSchema = map[string]any{
	"type":                 "object",
	"required":             []string{"slug", "name", "project", "reviewer_quota", "fields"},
	"additionalProperties": false,
	"properties": map[string]any{
		"slug":             map[string]any{"type": "string", "minLength": 1},
		"name":             map[string]any{"type": "string", "minLength": 1},
		"description":      map[string]any{"type": "string"},
		"project":          map[string]any{"type": "string", "minLength": 1},
		"reviewer_quota":   map[string]any{"type": "integer", "minimum": 1},
		"lease":            map[string]any{"type": "string"},
		"hierarchy_filter": map[string]any{"type": "array", "items": map[string]any{"type": "string", "minLength": 1}},
		"split_image":      map[string]any{"type": "boolean"},
		"fields": map[string]any{
			"type":     "array",
			"minItems": 1,
			"items": map[string]any{
				"type":                 "object",
				"required":             []string{"slug"},
				"additionalProperties": false,
				"properties": map[string]any{
					"slug": map[string]any{"type": "string", "minLength": 1},
					"name": map[string]any{"type": "string"},
					"type": map[string]any{"enum": []string{
						string(constants.FieldString), string(constants.FieldInteger), string(constants.FieldDecimal),
						string(constants.FieldBoolean), string(constants.FieldDate),
					}},
				},
			},
		},
	},
}

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = common.CompileSchema("task-definition.json", definitionSchema)
	})
	return schema, schemaErr
}

// ParseDefinition decodes and validates a task definition from YAML (or
// JSON, which is YAML).
func ParseDefinition(data []byte) (*Definition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: task definition is empty", common.ErrValidation)
	}
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: decode task definition: %v", common.ErrValidation, err)
	}
	asJSON, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: task definition must be a mapping with string keys: %v", common.ErrValidation, err)
	}
	s, err := compiledSchema()
	if err != nil {
		return nil, err
	}
	if err := common.ValidateJSON(s, asJSON); err != nil {
		return nil, err
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("%w: decode task definition: %v", common.ErrValidation, err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadDefinitionReader reads a task definition from r.
func LoadDefinitionReader(r io.Reader) (*Definition, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read task definition: %w", err)
	}
	return ParseDefinition(content)
}

// LoadDefinitionFile loads a task definition from path.
func LoadDefinitionFile(path string) (*Definition, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	def, err := ParseDefinition(content)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// Validate checks the rules the schema cannot express.
func (d *Definition) Validate() error {
	v := common.NewValidator()
	v.Field("slug", d.Slug, common.Required, common.Slug)
	v.Field("name", d.Name, common.Required, common.MaxLength(200))
	v.Field("project", d.Project, common.Required)
	v.Field("reviewer_quota", d.ReviewerQuota, common.Positive)
	if d.Lease != "" {
		if lease, err := time.ParseDuration(d.Lease); err != nil || lease < time.Second {
			v.Add("lease", d.Lease, "must be a duration of at least 1s")
		}
	}
	if len(d.Fields) == 0 {
		v.Add("fields", nil, "at least one field is required")
	}
	seen := map[string]bool{}
	for i, f := range d.Fields {
		name := fmt.Sprintf("fields[%d].slug", i)
		v.Field(name, f.Slug, common.Required, common.Slug)
		if seen[f.Slug] {
			v.Add(name, f.Slug, "is duplicated")
		}
		seen[f.Slug] = true
		if f.Type != "" && !constants.ValidFieldType(constants.FieldType(f.Type)) {
			v.Add(fmt.Sprintf("fields[%d].type", i), f.Type, "is not a known field type")
		}
	}
	return v.Error()
}

// Task converts the definition into an unsaved task.
func (d *Definition) Task(now time.Time) *entity.Task {
	t := &entity.Task{
		Slug:            d.Slug,
		Name:            d.Name,
		Description:     d.Description,
		Project:         d.Project,
		ReviewerQuota:   d.ReviewerQuota,
		HierarchyFilter: d.HierarchyFilter,
		SplitImage:      d.SplitImage,
		Status:          constants.TaskStatusActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if lease, err := time.ParseDuration(d.Lease); err == nil {
		t.LeaseSeconds = int(lease / time.Second)
	}
	for i, f := range d.Fields {
		ft := constants.FieldType(f.Type)
		if ft == "" {
			ft = constants.FieldString
		}
		name := f.Name
		if name == "" {
			name = f.Slug
		}
		t.Fields = append(t.Fields, entity.TaskField{Slug: f.Slug, Name: name, DataType: ft, Position: i})
	}
	return t
}

// DefinitionOf renders a stored task back into its definition.
func DefinitionOf(t *entity.Task) *Definition {
	d := &Definition{
		Slug:            t.Slug,
		Name:            t.Name,
		Description:     t.Description,
		Project:         t.Project,
		ReviewerQuota:   t.ReviewerQuota,
		HierarchyFilter: t.HierarchyFilter,
		SplitImage:      t.SplitImage,
	}
	if t.LeaseSeconds > 0 {
		d.Lease = (time.Duration(t.LeaseSeconds) * time.Second).String()
	}
	for _, f := range t.Fields {
		d.Fields = append(d.Fields, FieldDefinition{Slug: f.Slug, Name: f.Name, Type: string(f.DataType)})
	}
	return d
}

// YAML renders the definition as a YAML document.
func (d *Definition) YAML() ([]byte, error) {
	return yaml.Marshal(d)
}
