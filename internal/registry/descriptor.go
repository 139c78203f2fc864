package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"
)

// Document is one API descriptor waiting to be loaded.
type Document struct {
	Namespace string
	BasePath  string
	Source    string
	Data      []byte
}

// DocumentError records why a descriptor was rejected.
type DocumentError struct {
	Source string `json:"source"`
	Err    string `json:"error"`
}

// ReadFile loads a descriptor from disk. When basePath is empty the namespace default applies.
func ReadFile(namespace, basePath, path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read descriptor %s: %w", path, err)
	}
	if basePath == "" {
		basePath = DefaultBasePath(namespace)
	}
	return Document{
		Namespace: namespace,
		BasePath:  basePath,
		Source:    filepath.Base(path),
		Data:      data,
	}, nil
}

// Source names a descriptor file and the namespace it loads under.
type Source struct {
	Namespace string
	BasePath  string
	Path      string
}

// ReadSources reads every source it can. Unreadable files are reported
// together; the readable ones are still returned.
func ReadSources(sources []Source) ([]Document, error) {
	docs := make([]Document, 0, len(sources))
	var errs []error
	for _, src := range sources {
		doc, err := ReadFile(src.Namespace, src.BasePath, src.Path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		docs = append(docs, doc)
	}
	return docs, errors.Join(errs...)
}

type openAPIDoc struct {
	OpenAPI string `json:"openapi"`
	Swagger string `json:"swagger"`
	Info    struct {
		Title   string `json:"title"`
		Version string `json:"version"`
	} `json:"info"`
	Paths map[string]pathItem `json:"paths"`
}

type pathItem struct {
	Get        *operationObject  `json:"get"`
	Put        *operationObject  `json:"put"`
	Post       *operationObject  `json:"post"`
	Delete     *operationObject  `json:"delete"`
	Options    *operationObject  `json:"options"`
	Head       *operationObject  `json:"head"`
	Patch      *operationObject  `json:"patch"`
	Parameters []parameterObject `json:"parameters"`
}

type operationObject struct {
	OperationID string            `json:"operationId"`
	Summary     string            `json:"summary"`
	Description string            `json:"description"`
	Parameters  []parameterObject `json:"parameters"`
	RequestBody json.RawMessage   `json:"requestBody"`
}

type parameterObject struct {
	Name        string `json:"name"`
	In          string `json:"in"`
	Required    bool   `json:"required"`
	Description string `json:"description"`
	Type        string `json:"type"`
	Schema      struct {
		Type string `json:"type"`
	} `json:"schema"`
}

func (p pathItem) methods() []struct {
	method string
	op     *operationObject
} {
	return []struct {
		method string
		op     *operationObject
	}{
		{"GET", p.Get},
		{"POST", p.Post},
		{"PUT", p.Put},
		{"PATCH", p.Patch},
		{"DELETE", p.Delete},
		{"HEAD", p.Head},
		{"OPTIONS", p.Options},
	}
}

// ParseDocument decodes a JSON or YAML OpenAPI descriptor into operations
// (without registry names). Paths are visited in sorted order so derived
// names and conflicts are deterministic.
func ParseDocument(doc Document) ([]Operation, error) {
	data := bytes.TrimSpace(doc.Data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%s: empty descriptor", doc.Source)
	}
	if data[0] != '{' {
		converted, err := yaml.YAMLToJSON(data)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid yaml: %w", doc.Source, err)
		}
		data = converted
	}
	var parsed openAPIDoc
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("%s: invalid descriptor: %w", doc.Source, err)
	}
	if parsed.OpenAPI == "" && parsed.Swagger == "" {
		return nil, fmt.Errorf("%s: missing openapi version", doc.Source)
	}
	if strings.TrimSpace(parsed.Info.Title) == "" {
		return nil, fmt.Errorf("%s: missing info.title", doc.Source)
	}
	if len(parsed.Paths) == 0 {
		return nil, fmt.Errorf("%s: no paths", doc.Source)
	}

	paths := make([]string, 0, len(parsed.Paths))
	for p := range parsed.Paths {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var ops []Operation
	for _, path := range paths {
		item := parsed.Paths[path]
		for _, m := range item.methods() {
			if m.op == nil {
				continue
			}
			opID := strings.TrimSpace(m.op.OperationID)
			if opID == "" {
				opID = defaultOperationID(m.method, path)
			}
			ops = append(ops, Operation{
				Namespace:   doc.Namespace,
				OperationID: opID,
				Method:      m.method,
				Path:        path,
				BasePath:    doc.BasePath,
				Summary:     m.op.Summary,
				Description: m.op.Description,
				Parameters:  mergeParameters(item.Parameters, m.op.Parameters),
				HasBody:     len(m.op.RequestBody) > 0 && string(m.op.RequestBody) != "null",
				Source:      doc.Source,
			})
		}
	}
	return ops, nil
}

// mergeParameters applies operation-level parameters over path-level ones.
func mergeParameters(pathLevel, opLevel []parameterObject) []Parameter {
	type key struct{ name, in string }
	seen := map[key]int{}
	var out []Parameter
	add := func(p parameterObject) {
		if p.Name == "" {
			return
		}
		typ := p.Schema.Type
		if typ == "" {
			typ = p.Type
		}
		param := Parameter{Name: p.Name, In: p.In, Required: p.Required || p.In == "path", Type: typ, Description: p.Description}
		k := key{p.Name, p.In}
		if i, ok := seen[k]; ok {
			out[i] = param
			return
		}
		seen[k] = len(out)
		out = append(out, param)
	}
	for _, p := range pathLevel {
		add(p)
	}
	for _, p := range opLevel {
		add(p)
	}
	return out
}

func defaultOperationID(method, path string) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(method))
	b.WriteByte('_')
	lastUnderscore := true
	for _, r := range path {
		isWord := r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !isWord {
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
			continue
		}
		b.WriteRune(r)
		lastUnderscore = r == '_'
	}
	return strings.TrimRight(b.String(), "_")
}
