package tools

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"

	"traceai/internal/fault"
)

// Input schemas, one per operation. Validation happens before dispatch
// so every malformed call yields InvalidArgument with field detail.
var inputSchemas = map[string]string{
	OpGraphQuery: `{
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"kind": {"type": "string", "enum": ["", "document", "component", "datasource", "dataentity", "parameter"]},
			"name_substring": {"type": "string"},
			"id": {"type": "string"},
			"limit": {"type": "integer", "minimum": 0}
		}
	}`,
	OpTraceLineage: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["entity_name"],
		"properties": {
			"entity_name": {"type": "string", "minLength": 1},
			"direction": {"type": "string", "enum": ["", "upstream", "downstream", "both"]},
			"max_depth": {"type": "integer", "minimum": 0, "maximum": 64}
		}
	}`,
	OpAnalyzeImpact: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["entity_name"],
		"properties": {
			"entity_name": {"type": "string", "minLength": 1}
		}
	}`,
	OpFindDependencies: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["component_id"],
		"properties": {
			"component_id": {"type": "string", "minLength": 1},
			"direction": {"type": "string", "enum": ["", "upstream", "downstream", "both"]},
			"max_depth": {"type": "integer", "minimum": 1, "maximum": 64}
		}
	}`,
	OpSemanticSearch: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["text"],
		"properties": {
			"text": {"type": "string", "minLength": 1},
			"k": {"type": "integer", "minimum": 0, "maximum": 100},
			"filter": {"type": "object", "additionalProperties": {"type": "string"}}
		}
	}`,
	OpGraphStats: `{
		"type": "object",
		"additionalProperties": false,
		"properties": {}
	}`,
}

var (
	compileOnce     sync.Once
	compiledSchemas map[string]*jsonschema.Schema
	compileErr      error
)

func compiled() (map[string]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiledSchemas = make(map[string]*jsonschema.Schema, len(inputSchemas))
		for name, src := range inputSchemas {
			compiler := jsonschema.NewCompiler()
			url := name + ".schema.json"
			if err := compiler.AddResource(url, strings.NewReader(src)); err != nil {
				compileErr = fmt.Errorf("tools: add schema %s: %w", name, err)
				return
			}
			sch, err := compiler.Compile(url)
			if err != nil {
				compileErr = fmt.Errorf("tools: compile schema %s: %w", name, err)
				return
			}
			compiledSchemas[name] = sch
		}
	})
	return compiledSchemas, compileErr
}

// ValidateInput checks raw JSON against the operation's input schema.
func ValidateInput(op string, raw json.RawMessage) error {
	schemas, err := compiled()
	if err != nil {
		return fault.Wrap(fault.Internal, err, "input schemas")
	}
	sch, ok := schemas[op]
	if !ok {
		return fault.WithIDs(fault.InvalidArgument, []string{op}, "unknown operation")
	}
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}

	var value any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&value); err != nil {
		return fault.Wrap(fault.InvalidArgument, err, "%s: input is not valid JSON", op)
	}
	if err := sch.Validate(value); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return fault.WithIDs(fault.InvalidArgument, validationFields(ve),
				"%s: %s", op, ve.Message)
		}
		return fault.Wrap(fault.InvalidArgument, err, "%s: input rejected", op)
	}
	return nil
}

// validationFields flattens the failing instance locations for the
// fault's identifier list.
func validationFields(ve *jsonschema.ValidationError) []string {
	seen := map[string]bool{}
	var fields []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		loc := strings.TrimPrefix(e.InstanceLocation, "/")
		if loc != "" && !seen[loc] {
			seen[loc] = true
			fields = append(fields, loc)
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(ve)
	return fields
}

// InputSchemaJSON returns the raw schema source for an operation, used
// by the MCP server to advertise tool contracts.
func InputSchemaJSON(op string) (string, bool) {
	src, ok := inputSchemas[op]
	return src, ok
}
