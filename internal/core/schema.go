package core

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

var wireSchemaReflector = jsonschema.Reflector{
	DoNotReference:            true,
	AllowAdditionalProperties: true,
}

// WireSchema is the reflected JSON Schema of one backend payload.
type WireSchema struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
}

// WireSchemas reflects every payload exchanged with the backend. The output is
// meant for contract checks against a running backend.
func WireSchemas() ([]WireSchema, error) {
	targets := []struct {
		name string
		v    any
	}{
		{"knowledge_status", &KnowledgeStatus{}},
		{"upload_request", &UploadRequest{}},
		{"upload_response", &UploadResponse{}},
		{"chat_request", &ChatRequest{}},
		{"chat_response", &ChatResponse{}},
		{"progress_event", &ProgressEvent{}},
	}

	out := make([]WireSchema, 0, len(targets))
	for _, target := range targets {
		raw, err := json.Marshal(wireSchemaReflector.Reflect(target.v))
		if err != nil {
			return nil, fmt.Errorf("marshal %s schema: %w", target.name, err)
		}
		out = append(out, WireSchema{Name: target.name, Schema: raw})
	}
	return out, nil
}
