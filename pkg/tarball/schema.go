package tarball

import (
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const manifestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["collection_info"],
  "properties": {
    "collection_info": {
      "type": "object",
      "required": ["namespace", "name", "version"],
      "properties": {
        "namespace": {"type": "string", "pattern": "^[a-z][a-z0-9_]*$", "maxLength": 64},
        "name": {"type": "string", "pattern": "^[a-z][a-z0-9_]*$", "maxLength": 64},
        "version": {"type": "string", "minLength": 1, "maxLength": 128},
        "authors": {"type": ["array", "null"], "items": {"type": "string"}},
        "description": {"type": ["string", "null"]},
        "license": {"type": ["array", "string", "null"], "items": {"type": "string"}},
        "tags": {"type": ["array", "null"], "items": {"type": "string"}},
        "dependencies": {"type": ["object", "null"], "additionalProperties": {"type": "string"}},
        "repository": {"type": ["string", "null"]},
        "documentation": {"type": ["string", "null"]},
        "homepage": {"type": ["string", "null"]},
        "issues": {"type": ["string", "null"]}
      }
    },
    "file_manifest_file": {"type": "object"},
    "format": {"type": "integer"}
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
		if err := c.AddResource("manifest.json", strings.NewReader(manifestSchema)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile("manifest.json")
	})
	return schema, schemaErr
}

func validateManifest(doc any) error {
	s, err := compiledSchema()
	if err != nil {
		return err
	}
	return s.Validate(doc)
}
