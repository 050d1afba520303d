package templates

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"text/template"

	sprig "github.com/Masterminds/sprig/v3"
	"github.com/k3a/html2text"
)

// Renderer compiles notification templates. Sprig helpers are available except
// those that reach the process environment or the filesystem; file-backed
// templates are resolved through the sandbox.
type Renderer struct {
	sandbox *Sandbox
	funcs   template.FuncMap
}

// Template is a compiled template, safe for concurrent use.
type Template struct {
	name string
	tmpl *template.Template
}

var restrictedFuncs = []string{
	"env",
	"expandenv",
	"readDir",
	"mustReadDir",
	"readFile",
	"mustReadFile",
	"glob",
}

// NewRenderer constructs a renderer bound to sandbox. A nil sandbox disables
// file-backed templates.
func NewRenderer(sandbox *Sandbox) *Renderer {
	funcs := sprig.TxtFuncMap()
	for _, name := range restrictedFuncs {
		delete(funcs, name)
	}
	// plain flattens HTML push bodies for text-only notification targets.
	funcs["plain"] = func(s string) string {
		return strings.TrimSpace(html2text.HTML2Text(s))
	}
	return &Renderer{sandbox: sandbox, funcs: funcs}
}

func (r *Renderer) Sandbox() *Sandbox { return r.sandbox }

// CompileInline parses an inline template source. Empty or whitespace-only
// sources return nil without error so optional settings stay optional.
func (r *Renderer) CompileInline(name, source string) (*Template, error) {
	if strings.TrimSpace(source) == "" {
		return nil, nil
	}
	if name == "" {
		name = "inline"
	}
	tmpl, err := template.New(name).Funcs(r.funcs).Option("missingkey=zero").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("templates: compile %q: %w", name, err)
	}
	return &Template{name: name, tmpl: tmpl}, nil
}

// CompileFile parses a template file inside the sandbox.
func (r *Renderer) CompileFile(path string) (*Template, error) {
	if r == nil || r.sandbox == nil {
		return nil, errors.New("templates: file templates require a sandbox")
	}
	name, contents, err := r.sandbox.Read(path)
	if err != nil {
		return nil, err
	}
	return r.CompileInline(name, contents)
}

// Compile accepts either an inline source or "@path" naming a sandboxed file.
func (r *Renderer) Compile(name, source string) (*Template, error) {
	if ref, ok := strings.CutPrefix(strings.TrimSpace(source), "@"); ok {
		return r.CompileFile(ref)
	}
	return r.CompileInline(name, source)
}

// Render executes the template with data.
func (t *Template) Render(data any) (string, error) {
	if t == nil {
		return "", errors.New("templates: nil template")
	}
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("templates: execute %q: %w", t.name, err)
	}
	return buf.String(), nil
}

func (t *Template) Name() string {
	if t == nil {
		return ""
	}
	return t.name
}
