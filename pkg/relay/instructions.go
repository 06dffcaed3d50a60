package relay

import (
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/teslashibe/go-intake/pkg/toolcall"
)

// InstructionData is what an instruction template can reference.
type InstructionData struct {
	AgentName        string
	OrganizationName string
	Directory        string
	ToolName         string
	Language         string
}

const defaultInstructions = `You are {{.AgentName}}, the phone assistant that takes sick notes for the organizations listed below.
{{- if .OrganizationName}}
The caller was routed from {{.OrganizationName}}.
{{- end}}

Greet the caller briefly, then collect these details one at a time:
- the location and the organization,
- the full name of the person who is sick,
- their date of birth,
- how long they will be absent.

Only these organizations are registered:
{{.Directory}}

When every detail is known, call {{.ToolName}} exactly once. If the tool reports that the organization was not found,
read the registered names back to the caller and ask again. If the tool reports missing fields, ask for them.
After a successful submission thank the caller and say goodbye.
Speak the caller's language. Start in the language with tag "{{.Language}}" and switch when the caller does.
Keep every answer short.`

// Instructions renders agent instructions.
type Instructions struct {
	tmpl *template.Template
}

// DefaultInstructions returns the built-in template.
func DefaultInstructions() *Instructions {
	return &Instructions{tmpl: template.Must(template.New("instructions").Parse(defaultInstructions))}
}

// ParseInstructions compiles a custom template.
func ParseInstructions(text string) (*Instructions, error) {
	t, err := template.New("instructions").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("relay: parse instructions: %w", err)
	}
	return &Instructions{tmpl: t}, nil
}

// LoadInstructions reads a template file. An empty path yields the default.
func LoadInstructions(path string) (*Instructions, error) {
	if path == "" {
		return DefaultInstructions(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("relay: read instructions: %w", err)
	}
	return ParseInstructions(string(data))
}

// Render fills the template. Empty agent and tool names get defaults.
func (in *Instructions) Render(data InstructionData) (string, error) {
	if data.AgentName == "" {
		data.AgentName = "the intake assistant"
	}
	if data.ToolName == "" {
		data.ToolName = toolcall.DefaultToolName
	}
	var b strings.Builder
	if err := in.tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("relay: render instructions: %w", err)
	}
	return b.String(), nil
}
