package transform

import (
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/siftlabs/sift/internal/types"
)

// resultSchema is the canonical JSON schema for transformer output. Providers
// are asked for structured output matching it, and responses are validated
// locally regardless of whether the provider enforced the schema itself.
const resultSchema = `{
	"type": "object",
	"required": ["sentences"],
	"additionalProperties": false,
	"properties": {
		"sentences": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["normalized", "original"],
				"additionalProperties": false,
				"properties": {
					"normalized": {"type": "string"},
					"original": {"type": "string"}
				}
			}
		}
	}
}`

var compiledResultSchema = jsonschema.MustCompileString("transform_result.json", resultSchema)

// parseResult decodes and validates raw provider output into sentence pairs.
// Any decode or schema violation is a malformed_output error: the provider
// answered, but not in the contracted shape.
func parseResult(raw string) ([]types.Sentence, error) {
	raw = stripCodeFences(raw)
	if strings.TrimSpace(raw) == "" {
		return nil, NewError(CodeMalformedOutput, nil, "empty response body")
	}

	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, NewError(CodeMalformedOutput, err, "response is not valid JSON")
	}
	if err := compiledResultSchema.Validate(decoded); err != nil {
		return nil, NewError(CodeMalformedOutput, err, "response does not match output schema")
	}

	var out struct {
		Sentences []types.Sentence `json:"sentences"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, NewError(CodeMalformedOutput, err, "failed to decode sentences")
	}
	return out.Sentences, nil
}

// stripCodeFences removes a surrounding markdown code fence, which some
// models emit around JSON despite instructions.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
