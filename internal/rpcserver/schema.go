package rpcserver

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// envelopeSchemaJSON fixes the shape every inbound line must have before
// dispatch even looks at method/params: a JSON object naming a non-empty
// "method", with "params" and "id" left unconstrained (spec.md §6:
// "requests and responses are independent JSON objects").
const envelopeSchemaJSON = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["method"],
	"properties": {
		"jsonrpc": {"type": "string"},
		"method": {"type": "string", "minLength": 1},
		"params": {},
		"id": {}
	},
	"additionalProperties": false
}`

func compileEnvelopeSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("envelope.json", strings.NewReader(envelopeSchemaJSON)); err != nil {
		return nil, err
	}
	return c.Compile("envelope.json")
}
