package config

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// settingsSchema constrains settings payloads received from the UI.
const settingsSchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "provider":              {"type": "string", "enum": ["", "anthropic", "openai", "kimi", "gemini", "deepseek", "groq", "ollama", "lmstudio"]},
    "apiKey":                {"type": "string"},
    "baseUrl":               {"type": "string"},
    "model":                 {"type": "string"},
    "systemPrompt":          {"type": "string"},
    "extendedThinking":      {"type": "boolean"},
    "thinkingBudget":        {"type": "integer", "minimum": 0},
    "temperature":           {"type": "number", "minimum": 0, "maximum": 2},
    "maxOutputTokens":       {"type": "integer", "minimum": 0},
    "contextWindow":         {"type": "integer", "minimum": 0},
    "streamPersistEvery":    {"type": "integer", "minimum": 0},
    "requestTimeoutSeconds": {"type": "integer", "minimum": 0},
    "singleChat":            {"type": "boolean"}
  }
}`

// ValidationError lists every schema violation of a settings payload.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid settings: %s", strings.Join(e.Errors, "; "))
}

// ValidateSettingsJSON checks raw against the settings schema.
func ValidateSettingsJSON(raw []byte) error {
	schemaLoader := gojsonschema.NewStringLoader(settingsSchema)
	documentLoader := gojsonschema.NewBytesLoader(raw)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	if !result.Valid() {
		var errorMsgs []string
		for _, err := range result.Errors() {
			errorMsgs = append(errorMsgs, err.String())
		}
		return &ValidationError{Errors: errorMsgs}
	}
	return nil
}
