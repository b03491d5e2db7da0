package catalog

import "github.com/flowrunner/flowstudio/core"

func floatPtr(v float64) *float64 { return &v }

// registerBuiltins registers the built-in Flow Studio node templates.
// Called once by New during catalog construction.
func registerBuiltins(c *Catalog) {
	c.Register(NodeTemplate{
		ID:          "chat_input",
		Category:    core.CategoryInput,
		DisplayName: "Chat Input",
		Description: "Entry point of a flow; emits its configured text, or the run input when no text is set",
		Outputs: []Port{
			{ID: "text", Name: "Text", Type: core.DataTypeText},
		},
		Fields: []FieldSpec{
			{Name: "text", Type: FieldTypeTextarea, Default: ""},
		},
	})

	c.Register(NodeTemplate{
		ID:          "prompt_template",
		Category:    core.CategoryPrompt,
		DisplayName: "Prompt Template",
		Description: "Substitute bound inputs into {placeholder} slots of a template",
		Inputs: []Port{
			{ID: "text", Name: "Text", Type: core.DataTypeText},
			{ID: "context", Name: "Context", Type: core.DataTypeText},
		},
		Outputs: []Port{
			{ID: "prompt", Name: "Prompt", Type: core.DataTypePrompt},
		},
		Fields: []FieldSpec{
			{Name: "template", Type: FieldTypeTextarea, Default: "", Required: true},
		},
	})

	c.Register(NodeTemplate{
		ID:          "model",
		Category:    core.CategoryModel,
		DisplayName: "Model",
		Description: "Send the bound prompt to a language model and emit the completion",
		Inputs: []Port{
			{ID: "prompt", Name: "Prompt", Type: core.DataTypePrompt},
			{ID: "text", Name: "Text", Type: core.DataTypeText},
		},
		Outputs: []Port{
			{ID: "response", Name: "Response", Type: core.DataTypeResponse},
		},
		Fields: []FieldSpec{
			{Name: "model", Type: FieldTypeSelect, Default: "gpt-4o-mini", Required: true,
				Options: []string{"gpt-4o", "gpt-4o-mini", "claude-sonnet-4-5", "llama3"}},
			{Name: "temperature", Type: FieldTypeSlider, Default: 0.7, Min: floatPtr(0), Max: floatPtr(2)},
			{Name: "max_tokens", Type: FieldTypeNumber, Default: 1024, Min: floatPtr(1)},
			{Name: "stream", Type: FieldTypeToggle, Default: false},
			{Name: "api_key", Type: FieldTypePassword, Default: ""},
		},
	})

	c.Register(NodeTemplate{
		ID:          "retriever",
		Category:    core.CategoryRAG,
		DisplayName: "Retriever",
		Description: "Look up documents for the bound query in a collection",
		Inputs: []Port{
			{ID: "query", Name: "Query", Type: core.DataTypeText, Required: true},
		},
		Outputs: []Port{
			{ID: "documents", Name: "Documents", Type: core.DataTypeText},
		},
		Fields: []FieldSpec{
			{Name: "collection", Type: FieldTypeText, Default: "", Required: true},
			{Name: "top_k", Type: FieldTypeNumber, Default: 4, Min: floatPtr(1), Max: floatPtr(50)},
		},
	})

	c.Register(NodeTemplate{
		ID:          "chat_output",
		Category:    core.CategoryOutput,
		DisplayName: "Chat Output",
		Description: "Terminal marker; passes its bound input through to the flow result",
		Inputs: []Port{
			{ID: "response", Name: "Response", Type: core.DataTypeResponse},
			{ID: "prompt", Name: "Prompt", Type: core.DataTypePrompt},
			{ID: "text", Name: "Text", Type: core.DataTypeText},
		},
		Outputs: []Port{
			{ID: "output", Name: "Output", Type: core.DataTypeText},
		},
		Fields: []FieldSpec{
			{Name: "label", Type: FieldTypeText, Default: "Output"},
		},
	})
}
