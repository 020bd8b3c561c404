package queue

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/joseph-ayodele/transcriber/constants"
	"github.com/joseph-ayodele/transcriber/internal/common"
)

// Payload is the stored form of a job: its kind and JSON arguments.
type Payload struct {
	Kind constants.JobKind `json:"kind"`
	Args json.RawMessage   `json:"args"`
}

// Args is implemented by the typed argument struct of every job kind.
type Args interface {
	Kind() constants.JobKind
}

type IngestDirectoryArgs struct {
	Project    string `json:"project"`
	Root       string `json:"root"`
	SkipHidden bool   `json:"skip_hidden,omitempty"`
	SplitPages bool   `json:"split_pages,omitempty"`
}

func (IngestDirectoryArgs) Kind() constants.JobKind { return constants.JobIngestDirectory }

type IngestManifestArgs struct {
	Project string `json:"project"`
	Path    string `json:"path"`
	Sheet   string `json:"sheet,omitempty"`
}

func (IngestManifestArgs) Kind() constants.JobKind { return constants.JobIngestManifest }

type SyncAssignmentsArgs struct {
	Task string `json:"task"`
}

func (SyncAssignmentsArgs) Kind() constants.JobKind { return constants.JobSyncAssignments }

type ExportTaskArgs struct {
	Task string `json:"task"`
	Path string `json:"path,omitempty"`
}

func (ExportTaskArgs) Kind() constants.JobKind { return constants.JobExportTask }

// NewPayload wraps typed args.
func NewPayload(args Args) (Payload, error) {
	b, err := json.Marshal(args)
	if err != nil {
		return Payload{}, fmt.Errorf("marshal %s args: %w", args.Kind(), err)
	}
	return Payload{Kind: args.Kind(), Args: b}, nil
}

// Encode validates the payload and serializes it for the jobs table.
func Encode(p Payload) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

// Decode parses and validates a stored payload.
func Decode(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: payload: %v", common.ErrValidation, err)
	}
	if err := p.Validate(); err != nil {
		return Payload{}, err
	}
	return p, nil
}

// Validate checks the kind is known and the args match its schema.
func (p Payload) Validate() error {
	schema, err := schemaFor(p.Kind)
	if err != nil {
		return err
	}
	args := p.Args
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if err := common.ValidateJSON(schema, args); err != nil {
		return fmt.Errorf("%s args: %w", p.Kind, err)
	}
	return nil
}

func nonEmpty() map[string]any {
	return map[string]any{"type": "string", "minLength": 1}
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           props,
		"required":             required,
	}
}

var argSchemas = map[constants.JobKind]map[string]any{
	constants.JobIngestDirectory: objectSchema(map[string]any{
		"project":     nonEmpty(),
		"root":        nonEmpty(),
		"skip_hidden": map[string]any{"type": "boolean"},
		"split_pages": map[string]any{"type": "boolean"},
	}, "project", "root"),
	constants.JobIngestManifest: objectSchema(map[string]any{
		"project": nonEmpty(),
		"path":    nonEmpty(),
		"sheet":   map[string]any{"type": "string"},
	}, "project", "path"),
	constants.JobSyncAssignments: objectSchema(map[string]any{
		"task": nonEmpty(),
	}, "task"),
	constants.JobExportTask: objectSchema(map[string]any{
		"task": nonEmpty(),
		"path": map[string]any{"type": "string"},
	}, "task"),
}

var (
	compileOnce sync.Once
	compiled    map[constants.JobKind]*jsonschema.Schema
	compileErr  error
)

func schemaFor(kind constants.JobKind) (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiled = make(map[constants.JobKind]*jsonschema.Schema, len(argSchemas))
		for k, m := range argSchemas {
			s, err := common.CompileSchema(string(k)+".json", m)
			if err != nil {
				compileErr = fmt.Errorf("%s schema: %w", k, err)
				return
			}
			compiled[k] = s
		}
	})
	if compileErr != nil {
		return nil, compileErr
	}
	s, ok := compiled[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", common.ErrUnknownJobKind, kind)
	}
	return s, nil
}
