package registry

import (
	"net/http"
	"regexp"
	"strings"
)

// Parameter is one declared operation parameter.
type Parameter struct {
	Name        string `json:"name"`
	In          string `json:"in"`
	Required    bool   `json:"required"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
}

// Operation is a single callable upstream API action. Values handed out by a
// Snapshot are shared and must be treated as read-only.
type Operation struct {
	Name        string      `json:"name"`
	Namespace   string      `json:"namespace"`
	OperationID string      `json:"operation_id"`
	Method      string      `json:"method"`
	Path        string      `json:"path"`
	BasePath    string      `json:"base_path,omitempty"`
	Summary     string      `json:"summary,omitempty"`
	Description string      `json:"description,omitempty"`
	Parameters  []Parameter `json:"parameters,omitempty"`
	HasBody     bool        `json:"has_body"`
	Source      string      `json:"source,omitempty"`
}

// ReadOnly reports whether the operation is classified as a read. Only GET is.
func (o *Operation) ReadOnly() bool {
	return o.Method == http.MethodGet
}

var pathParamRE = regexp.MustCompile(`\{([^}]+)\}`)

// PathParams lists the template placeholders in Path in order of appearance.
func (o *Operation) PathParams() []string {
	matches := pathParamRE.FindAllStringSubmatch(o.Path, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}

// QueryParams lists declared query parameter names.
func (o *Operation) QueryParams() []string {
	var out []string
	for _, p := range o.Parameters {
		if p.In == "query" {
			out = append(out, p.Name)
		}
	}
	return out
}

// FullPath joins BasePath and Path.
func (o *Operation) FullPath() string {
	if o.BasePath == "" {
		return o.Path
	}
	return strings.TrimRight(o.BasePath, "/") + "/" + strings.TrimLeft(o.Path, "/")
}

var defaultBasePaths = map[string]string{
	"manage":    "/api/v1/manage",
	"analyze":   "/api/v1/analyze",
	"infra":     "/api/v1/infra",
	"onemanage": "/api/v1/oneManage",
}

// DefaultBasePath returns the well-known URL prefix of a namespace, or "".
func DefaultBasePath(namespace string) string {
	return defaultBasePaths[strings.ToLower(namespace)]
}
