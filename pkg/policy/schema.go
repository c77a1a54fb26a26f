package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Per-variant JSON Schemas enforced at administrative create/update time.
// Evaluation still fails closed on anything that slips past storage; this
// front gate is for caller-facing validation errors.
var configSchemas = map[Type]string{
	TypeSpendingLimit: `{
		"type": "object",
		"required": ["type", "max_amount_wei", "period"],
		"properties": {
			"type": {"const": "spending_limit"},
			"max_amount_wei": {"type": "string", "pattern": "^[0-9]+$"},
			"period": {"enum": ["per_transaction", "daily", "weekly", "monthly"]},
			"token_address": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	TypeProtocolAllowlist: `{
		"type": "object",
		"required": ["type", "allowed_addresses"],
		"properties": {
			"type": {"const": "protocol_allowlist"},
			"allowed_addresses": {"type": "array", "items": {"type": "string", "minLength": 1}},
			"allow_unknown": {"type": "boolean"}
		},
		"additionalProperties": false
	}`,
	TypeKYCRequirement: `{
		"type": "object",
		"required": ["type", "required_level", "threshold_wei"],
		"properties": {
			"type": {"const": "kyc_requirement"},
			"required_level": {"enum": ["basic", "advanced", "full"]},
			"threshold_wei": {"type": "string", "pattern": "^[0-9]+$"}
		},
		"additionalProperties": false
	}`,
	TypeTimeRestriction: `{
		"type": "object",
		"required": ["type", "allowed_days", "allowed_hours_utc"],
		"properties": {
			"type": {"const": "time_restriction"},
			"allowed_days": {
				"type": "array",
				"items": {"type": "integer", "minimum": 0, "maximum": 6},
				"minItems": 1
			},
			"allowed_hours_utc": {
				"type": "object",
				"required": ["start", "end"],
				"properties": {
					"start": {"type": "integer", "minimum": 0, "maximum": 23},
					"end": {"type": "integer", "minimum": 0, "maximum": 24}
				},
				"additionalProperties": false
			}
		},
		"additionalProperties": false
	}`,
	TypeTrustScore: `{
		"type": "object",
		"required": ["type", "min_score"],
		"properties": {
			"type": {"const": "trust_score"},
			"min_score": {"type": "integer", "minimum": 0, "maximum": 100}
		},
		"additionalProperties": false
	}`,
	TypeRequireENS: `{
		"type": "object",
		"required": ["type", "required"],
		"properties": {
			"type": {"const": "require_ens"},
			"required": {"type": "boolean"}
		},
		"additionalProperties": false
	}`,
	TypeCategoryRestriction: `{
		"type": "object",
		"required": ["type", "allowed"],
		"properties": {
			"type": {"const": "category_restriction"},
			"allowed": {"type": "array", "items": {"type": "string", "minLength": 1}, "minItems": 1}
		},
		"additionalProperties": false
	}`,
}

var compiledSchemas = mustCompileSchemas()

func mustCompileSchemas() map[Type]*jsonschema.Schema {
	out := make(map[Type]*jsonschema.Schema, len(configSchemas))
	for t, raw := range configSchemas {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://tollgate.schemas.local/policy/%s.schema.json", t)
		if err := c.AddResource(url, strings.NewReader(raw)); err != nil {
			panic(fmt.Sprintf("policy: schema load failed for %s: %v", t, err))
		}
		compiled, err := c.Compile(url)
		if err != nil {
			panic(fmt.Sprintf("policy: schema compile failed for %s: %v", t, err))
		}
		out[t] = compiled
	}
	return out
}

// ValidateConfigDocument validates a raw tagged config document against the
// schema for its declared type. Unknown tags are rejected here: an
// administrator must not be able to store a config no evaluator arm handles.
func ValidateConfigDocument(raw json.RawMessage) error {
	var env configEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("policy: malformed config envelope: %w", err)
	}
	schema, ok := compiledSchemas[env.Type]
	if !ok {
		return fmt.Errorf("policy: unknown config type %q", env.Type)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("policy: malformed config document: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("policy: config schema validation failed: %w", err)
	}
	return nil
}
