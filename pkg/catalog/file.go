package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// fileSchema is the JSON Schema a catalog document must satisfy before it is
// decoded. Structural errors surface with schema paths instead of zero-value
// surprises further down the pipeline.
const fileSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["cases"],
  "properties": {
    "cases": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "priceStars", "items"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "title": {"type": "string"},
          "priceStars": {"type": "integer", "minimum": 1},
          "items": {
            "type": "array",
            "minItems": 1,
            "items": {
              "type": "object",
              "required": ["id", "type", "probabilityPpm"],
              "properties": {
                "id": {"type": "string", "minLength": 1},
                "type": {"enum": ["gift", "premium_3m", "premium_6m", "premium_12m", "internal"]},
                "starCost": {"type": "integer", "minimum": 0},
                "probabilityPpm": {"type": "integer", "minimum": 0}
              }
            }
          }
        }
      }
    }
  }
}`

const fileSchemaURL = "https://starpay.schemas.local/catalog.schema.json"

type fileDocument struct {
	Cases []Case `json:"cases"`
}

// LoadFile reads a JSON catalog document, validates it against the embedded
// schema, checks the per-case invariants, and returns a StaticStore.
func LoadFile(path string) (*StaticStore, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to read %s: %w", path, err)
	}
	return parseDocument(raw)
}

func parseDocument(raw []byte) (*StaticStore, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(fileSchemaURL, strings.NewReader(fileSchema)); err != nil {
		return nil, fmt.Errorf("catalog: schema load failed: %w", err)
	}
	schema, err := compiler.Compile(fileSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("catalog: schema compile failed: %w", err)
	}

	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("catalog: invalid JSON: %w", err)
	}
	if err := schema.Validate(generic); err != nil {
		return nil, fmt.Errorf("catalog: document rejected: %w", err)
	}

	var doc fileDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("catalog: decode failed: %w", err)
	}
	return NewStaticStore(doc.Cases...)
}
