package handlers

import (
	"bytes"
	"embed"
	"fmt"

	"berkut-siem/core/utils"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/*.json
var schemaFS embed.FS

// Validator checks decoded ingest and telemetry items against the embedded schemas.
type Validator struct {
	ingest    *jsonschema.Schema
	telemetry *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	for _, name := range []string{"ingest_event.json", "telemetry_event.json"} {
		raw, err := schemaFS.ReadFile("schema/" + name)
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", name, err)
		}
		if err := compiler.AddResource(name, bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
	}
	ingest, err := compiler.Compile("ingest_event.json")
	if err != nil {
		return nil, fmt.Errorf("compile ingest schema: %w", err)
	}
	telemetry, err := compiler.Compile("telemetry_event.json")
	if err != nil {
		return nil, fmt.Errorf("compile telemetry schema: %w", err)
	}
	return &Validator{ingest: ingest, telemetry: telemetry}, nil
}

func (v *Validator) Ingest(doc any) error {
	if v == nil {
		return nil
	}
	return validate(v.ingest, doc)
}

func (v *Validator) Telemetry(doc any) error {
	if v == nil {
		return nil
	}
	return validate(v.telemetry, doc)
}

func validate(schema *jsonschema.Schema, doc any) error {
	if schema == nil {
		return nil
	}
	if err := schema.Validate(doc); err != nil {
		if ve, ok := err.(*jsonschema.ValidationError); ok {
			return utils.Validation("%s", ve.Error())
		}
		return utils.Validation("%v", err)
	}
	return nil
}
