package agent

import (
	"fmt"
	"strings"
)

// feedbackPrompt asks the primary model to correct its previous reply.
func feedbackPrompt(validationErr error, schema string) string {
	var b strings.Builder
	b.WriteString("Your previous reply could not be used.\n\n")
	fmt.Fprintf(&b, "Error: %s\n\n", validationErr)
	b.WriteString("Reply again with a single JSON object that matches this schema exactly. ")
	b.WriteString("Do not include markdown fences or commentary.\n\n")
	b.WriteString(schema)
	return b.String()
}

const formatterSystemPrompt = `You convert text into JSON.
Read the input and produce one JSON object that conforms to the given schema.
Preserve the meaning of the input. Use empty values for fields the input does not cover.
Output only the JSON object.`

// formatterPrompt carries the raw candidate to the formatter model.
func formatterPrompt(raw string, lastErr error, schema string) string {
	var b strings.Builder
	b.WriteString("Schema:\n")
	b.WriteString(schema)
	b.WriteString("\n\n")
	if lastErr != nil {
		fmt.Fprintf(&b, "The input failed to parse: %s\n\n", lastErr)
	}
	b.WriteString("Input:\n")
	b.WriteString(raw)
	return b.String()
}

// SchemaInstruction is appended to system prompts that expect structured output.
func SchemaInstruction(schema string) string {
	return "\n\nRespond with a single JSON object matching this schema:\n" + schema
}
