package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/roach88/strata/internal/ir"
)

// CompileSchema compiles a JSON Schema (draft 2020-12) for the records of
// model.
func CompileSchema(model string, schema []byte) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://strata.schemas.local/records/%s.schema.json", model)
	if err := c.AddResource(url, bytes.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("load schema for %s: %w", model, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %s: %w", model, err)
	}
	return compiled, nil
}

// LoadSchemaFile reads and compiles the schema file at path.
func LoadSchemaFile(model, path string) (*jsonschema.Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema for %s: %w", model, err)
	}
	return CompileSchema(model, data)
}

func validateRecord(schema *jsonschema.Schema, rec ir.IRObject) error {
	raw, err := ir.MarshalIRValue(rec)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return err
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	return nil
}
