// Package guidance serves operator-written hints for agents: per-operation
// description overrides, a composed system prompt and a workflow catalogue.
package guidance

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/goccy/go-yaml"

	"fabricgate.org/internal/obs"
	"fabricgate.org/internal/registry"
)

const (
	SystemPromptURI = "nexus://guidance/system-prompt"
	WorkflowsURI    = "nexus://guidance/workflows"
)

// ErrUnknownResource is returned by Read for a URI that is not served.
var ErrUnknownResource = errors.New("unknown resource")

// Section is one titled block of the system prompt.
type Section struct {
	Name    string `yaml:"name" json:"name"`
	Title   string `yaml:"title" json:"title,omitempty"`
	Order   int    `yaml:"order" json:"order"`
	Content string `yaml:"content" json:"content"`
}

// APIGuide tells an agent when a namespace is the right one to call.
type APIGuide struct {
	Namespace    string `yaml:"namespace" json:"namespace"`
	DisplayName  string `yaml:"display_name" json:"display_name"`
	Description  string `yaml:"description" json:"description,omitempty"`
	WhenToUse    string `yaml:"when_to_use" json:"when_to_use,omitempty"`
	WhenNotToUse string `yaml:"when_not_to_use" json:"when_not_to_use,omitempty"`
	Priority     int    `yaml:"priority" json:"priority"`
}

type Step struct {
	Order          int    `yaml:"order" json:"order"`
	Operation      string `yaml:"operation" json:"operation"`
	Description    string `yaml:"description" json:"description,omitempty"`
	ExpectedOutput string `yaml:"expected_output" json:"expected_output,omitempty"`
	Optional       bool   `yaml:"optional" json:"optional"`
	Fallback       string `yaml:"fallback" json:"fallback,omitempty"`
}

// Workflow is an ordered recipe of operations for a common task.
type Workflow struct {
	Name        string   `yaml:"name" json:"name"`
	DisplayName string   `yaml:"display_name" json:"display_name"`
	Description string   `yaml:"description" json:"description,omitempty"`
	Problem     string   `yaml:"problem" json:"problem,omitempty"`
	Tags        []string `yaml:"tags" json:"tags,omitempty"`
	Priority    int      `yaml:"priority" json:"priority"`
	Steps       []Step   `yaml:"steps" json:"steps"`
}

// Guide is one parsed guidance document.
type Guide struct {
	Sections  []Section                        `yaml:"sections"`
	APIs      []APIGuide                       `yaml:"apis"`
	Workflows []Workflow                       `yaml:"workflows"`
	Tools     map[string]registry.ToolOverride `yaml:"tools"`
}

// Parse decodes a YAML guidance document and puts every list in display order.
func Parse(data []byte) (*Guide, error) {
	var g Guide
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parse guidance: %w", err)
	}
	sort.SliceStable(g.Sections, func(i, j int) bool {
		if g.Sections[i].Order != g.Sections[j].Order {
			return g.Sections[i].Order < g.Sections[j].Order
		}
		return g.Sections[i].Name < g.Sections[j].Name
	})
	sort.SliceStable(g.APIs, func(i, j int) bool {
		if g.APIs[i].Priority != g.APIs[j].Priority {
			return g.APIs[i].Priority < g.APIs[j].Priority
		}
		return g.APIs[i].Namespace < g.APIs[j].Namespace
	})
	sort.SliceStable(g.Workflows, func(i, j int) bool {
		if g.Workflows[i].Priority != g.Workflows[j].Priority {
			return g.Workflows[i].Priority < g.Workflows[j].Priority
		}
		return g.Workflows[i].Name < g.Workflows[j].Name
	})
	for i := range g.Workflows {
		steps := g.Workflows[i].Steps
		sort.SliceStable(steps, func(a, b int) bool { return steps[a].Order < steps[b].Order })
	}
	return &g, nil
}

// SystemPrompt renders the sections, then the API reference, then workflow summaries.
func (g *Guide) SystemPrompt() string {
	var parts []string
	for _, s := range g.Sections {
		title := s.Title
		if title == "" {
			title = s.Name
		}
		parts = append(parts, fmt.Sprintf("# %s\n\n%s\n", title, s.Content))
	}
	if len(g.APIs) > 0 {
		parts = append(parts, "\n# API Reference and Best Practices\n")
		for _, a := range g.APIs {
			parts = append(parts, fmt.Sprintf("\n## %s\n", a.DisplayName))
			if a.Description != "" {
				parts = append(parts, a.Description+"\n")
			}
			if a.WhenToUse != "" {
				parts = append(parts, fmt.Sprintf("\n**When to Use:**\n%s\n", a.WhenToUse))
			}
			if a.WhenNotToUse != "" {
				parts = append(parts, fmt.Sprintf("\n**When NOT to Use:**\n%s\n", a.WhenNotToUse))
			}
		}
	}
	if len(g.Workflows) > 0 {
		parts = append(parts, "\n# Available Workflows\n")
		for _, w := range g.Workflows {
			parts = append(parts, fmt.Sprintf("\n## %s\n", w.DisplayName))
			if w.Description != "" {
				parts = append(parts, w.Description+"\n")
			}
			if w.Problem != "" {
				parts = append(parts, fmt.Sprintf("\n**Problem Statement:** %s\n", w.Problem))
			}
			if len(w.Steps) > 0 {
				parts = append(parts, fmt.Sprintf("\n**Steps (%d):**\n", len(w.Steps)))
				for _, st := range w.Steps {
					parts = append(parts, fmt.Sprintf("%d. %s: %s\n", st.Order, st.Operation, st.Description))
				}
			}
		}
	}
	return strings.Join(parts, "\n")
}

// Resource describes one readable guidance document.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description"`
	MimeType    string `json:"mimeType"`
}

// Contents is the body of a read resource.
type Contents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType"`
	Text     string `json:"text"`
}

// Library holds the current guide and swaps it atomically on reload.
type Library struct {
	path  string
	guide atomic.Pointer[Guide]
}

// Open reads the guide at path. An empty path yields an empty library.
func Open(path string) (*Library, error) {
	l := &Library{path: path}
	l.guide.Store(&Guide{})
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Reload re-reads the file. On failure the previous guide stays in place.
func (l *Library) Reload() error {
	if l.path == "" {
		return nil
	}
	data, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("read guidance %s: %w", l.path, err)
	}
	g, err := Parse(data)
	if err != nil {
		return err
	}
	l.guide.Store(g)
	obs.Logger().Info().Str("path", l.path).Int("tools", len(g.Tools)).Int("workflows", len(g.Workflows)).
		Msg("guidance loaded")
	return nil
}

// Guide returns the current guide.
func (l *Library) Guide() *Guide { return l.guide.Load() }

// ToolOverride reports the description override for an operation.
func (l *Library) ToolOverride(name string) (registry.ToolOverride, bool) {
	o, ok := l.Guide().Tools[name]
	return o, ok
}

func (l *Library) Resources() []Resource {
	return []Resource{
		{
			URI:         SystemPromptURI,
			Name:        "API Guidance System Prompt",
			Description: "How to choose between the fabric APIs, common workflows and best practices",
			MimeType:    "text/plain",
		},
		{
			URI:         WorkflowsURI,
			Name:        "Common Workflows",
			Description: "Step-by-step recipes for common network automation tasks",
			MimeType:    "application/json",
		},
	}
}

// Read renders the resource named by uri.
func (l *Library) Read(uri string) (Contents, error) {
	g := l.Guide()
	switch uri {
	case SystemPromptURI:
		return Contents{URI: uri, MimeType: "text/plain", Text: g.SystemPrompt()}, nil
	case WorkflowsURI:
		workflows := g.Workflows
		if workflows == nil {
			workflows = []Workflow{}
		}
		data, err := json.MarshalIndent(workflows, "", "  ")
		if err != nil {
			return Contents{}, err
		}
		return Contents{URI: uri, MimeType: "application/json", Text: string(data)}, nil
	}
	return Contents{}, fmt.Errorf("%w: %s", ErrUnknownResource, uri)
}
