package xapi

import (
	"bytes"
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/traceworks-io/openlrs/pkg/lrserr"
)

// boundarySchema is a deliberately shallow structural gate: it pins the
// top-level shape of statements (and batches) so the typed parser deals
// only in semantic detail. The typed model remains authoritative.
const boundarySchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "oneOf": [
    {"$ref": "#/$defs/statement"},
    {"type": "array", "items": {"$ref": "#/$defs/statement"}}
  ],
  "$defs": {
    "statement": {
      "type": "object",
      "required": ["actor", "verb", "object"],
      "properties": {
        "id": {"type": "string"},
        "actor": {"type": "object"},
        "verb": {"type": "object", "required": ["id"], "properties": {"id": {"type": "string"}}},
        "object": {"type": "object"},
        "result": {"type": "object"},
        "context": {"type": "object"},
        "timestamp": {"type": "string"},
        "stored": {"type": "string"},
        "authority": {"type": "object"},
        "version": {"type": "string"},
        "attachments": {"type": "array", "items": {"type": "object"}}
      },
      "additionalProperties": false
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("statements.json", bytes.NewReader([]byte(boundarySchema))); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile("statements.json")
	})
	return schema, schemaErr
}

// Precheck validates the structural shape of a statement body before typed
// parsing. Failures carry the offending instance location.
func Precheck(raw []byte) error {
	sch, err := compiledSchema()
	if err != nil {
		return lrserr.Wrap(lrserr.KindEncoding, lrserr.CodeEncoding, err, "compiling statement schema")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return lrserr.Wrap(lrserr.KindValidation, lrserr.CodeBadStatement, err, "statement body: malformed JSON")
	}
	if err := sch.Validate(v); err != nil {
		var ve *jsonschema.ValidationError
		if ok := asJSONSchemaError(err, &ve); ok {
			return lrserr.Validation(lrserr.CodeBadStatement, "statement body: %s", ve.Error())
		}
		return lrserr.Wrap(lrserr.KindValidation, lrserr.CodeBadStatement, err, "statement body: schema violation")
	}
	return nil
}

func asJSONSchemaError(err error, target **jsonschema.ValidationError) bool {
	ve, ok := err.(*jsonschema.ValidationError)
	if ok {
		*target = ve
	}
	return ok
}
