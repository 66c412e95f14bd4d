package server

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/modelrelay/modelrelay/pkg/protocol"
)

//go:embed callspec.schema.json
var callSpecSchemaJSON []byte

var (
	callSpecSchemaOnce sync.Once
	callSpecSchema     *jsonschema.Schema
	callSpecSchemaErr  error
)

func compiledCallSpecSchema() (*jsonschema.Schema, error) {
	callSpecSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(callSpecSchemaJSON))
		if err != nil {
			callSpecSchemaErr = fmt.Errorf("unmarshal call spec schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("callspec.schema.json", doc); err != nil {
			callSpecSchemaErr = fmt.Errorf("add call spec schema resource: %w", err)
			return
		}
		callSpecSchema, callSpecSchemaErr = compiler.Compile("callspec.schema.json")
	})
	return callSpecSchema, callSpecSchemaErr
}

// decodeCallSpec validates raw JSON against the call spec schema and
// decodes it. Schema failures map to validation_error, malformed JSON
// to invalid_json.
func decodeCallSpec(raw []byte) (*protocol.CallSpec, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, protocol.WrapError(protocol.ErrInvalidJSON, err, "request body is not valid JSON")
	}

	schema, err := compiledCallSpecSchema()
	if err != nil {
		return nil, protocol.WrapError(protocol.ErrInternal, err, "call spec schema unavailable")
	}
	if err := schema.Validate(doc); err != nil {
		return nil, protocol.WrapError(protocol.ErrValidation, err, "call spec failed validation")
	}

	var spec protocol.CallSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, protocol.WrapError(protocol.ErrInvalidJSON, err, "failed to decode call spec")
	}
	return &spec, nil
}
