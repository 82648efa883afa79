package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Aegis-Labs/aegispay/pkg/errs"
)

// manifestSchemaJSON is the wire contract for capability manifests. Budgets
// must be stated explicitly; a zero budget means no spending.
const manifestSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["agent_id", "owner_id", "capabilities", "max_budget_per_tx_minor", "daily_budget_minor"],
	"additionalProperties": false,
	"properties": {
		"agent_id": {"type": "string", "pattern": "^agent_[a-z0-9]+$"},
		"owner_id": {"type": "string", "minLength": 1},
		"capabilities": {"type": "array", "items": {"type": "string", "minLength": 1}, "uniqueItems": true},
		"max_budget_per_tx_minor": {"type": "integer", "minimum": 0},
		"daily_budget_minor": {"type": "integer", "minimum": 0},
		"allowed_domains": {"type": "array", "items": {"type": "string", "minLength": 1}},
		"blocked_domains": {"type": "array", "items": {"type": "string", "minLength": 1}}
	}
}`

var manifestSchema = mustCompileManifestSchema()

func mustCompileManifestSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://aegispay.dev/schemas/agent-manifest.schema.json"
	if err := c.AddResource(url, strings.NewReader(manifestSchemaJSON)); err != nil {
		panic(fmt.Sprintf("agent: manifest schema load failed: %v", err))
	}
	compiled, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("agent: manifest schema compile failed: %v", err))
	}
	return compiled
}

// ValidateManifest checks m against the manifest schema.
func ValidateManifest(m *Manifest) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return validateManifestJSON(raw)
}

// ParseManifest decodes and validates a raw manifest document.
func ParseManifest(raw []byte) (*Manifest, error) {
	if err := validateManifestJSON(raw); err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errs.Validation(errs.CodeInvalidJSON, "manifest is not valid JSON")
	}
	return &m, nil
}

func validateManifestJSON(raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return errs.Validation(errs.CodeInvalidJSON, "manifest is not valid JSON")
	}
	if err := manifestSchema.Validate(doc); err != nil {
		return errs.Wrap(err, errs.KindValidation, CodeInvalidManifest, "manifest does not match the schema")
	}
	return nil
}
