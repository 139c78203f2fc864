package registry

import (
	"fmt"
	"strings"
)

// ToolSpec describes an operation as an invocable tool.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
	ReadOnly    bool           `json:"readOnly"`
}

// Tool builds the tool descriptor for op: path parameters are required
// strings, declared query parameters keep their type, and a request body is
// exposed as an object argument named "body".
func Tool(op *Operation) ToolSpec {
	desc := fmt.Sprintf("%s %s", op.Method, op.Path)
	if op.Summary != "" {
		desc += " - " + op.Summary
	}

	properties := map[string]any{}
	var required []string
	for _, name := range op.PathParams() {
		properties[name] = map[string]any{
			"type":        "string",
			"description": "Path parameter: " + name,
		}
		required = append(required, name)
	}
	for _, p := range op.Parameters {
		if p.In != "query" {
			continue
		}
		typ := p.Type
		if typ == "" {
			typ = "string"
		}
		d := p.Description
		if d == "" {
			d = "Query parameter: " + p.Name
		}
		properties[p.Name] = map[string]any{"type": typ, "description": d}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	if op.HasBody {
		properties["body"] = map[string]any{
			"type":        "object",
			"description": "Request body data",
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return ToolSpec{
		Name:        op.Name,
		Description: desc,
		InputSchema: schema,
		ReadOnly:    op.ReadOnly(),
	}
}

// ToolOverride enriches the generated description of one operation.
type ToolOverride struct {
	Description string `yaml:"description" json:"description,omitempty"`
	UsageHint   string `yaml:"usage_hint" json:"usage_hint,omitempty"`
}

// Apply appends the override text to the generated description.
func (o ToolOverride) Apply(spec ToolSpec) ToolSpec {
	if d := strings.TrimSpace(o.Description); d != "" {
		spec.Description += "\n\n" + d
	}
	if h := strings.TrimSpace(o.UsageHint); h != "" {
		spec.Description += "\n\n[Hint: " + h + "]"
	}
	return spec
}
