package textgen

import "github.com/google/jsonschema-go/jsonschema"

// ScenarioSchema describes a short role-play practice scenario: a title, a
// difficulty level, and the scripted lines of both speakers.
func ScenarioSchema() *jsonschema.Schema {
	str := func(desc string) *jsonschema.Schema {
		return &jsonschema.Schema{Type: "string", Description: desc}
	}
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"title": str("Short scenario title"),
			"level": {
				Type: "string",
				Enum: []any{"beginner", "intermediate", "advanced"},
			},
			"lines": {
				Type:        "array",
				Description: "Scripted exchange, in speaking order",
				Items: &jsonschema.Schema{
					Type: "object",
					Properties: map[string]*jsonschema.Schema{
						"speaker": str("Either coach or learner"),
						"text":    str("What the speaker says"),
					},
					Required: []string{"speaker", "text"},
				},
			},
		},
		Required: []string{"title", "lines"},
	}
}
