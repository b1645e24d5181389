package runner

import (
	"bufio"
	"bytes"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"sync"
	"text/template"

	"github.com/google/uuid"
)

// TemplateEngine handles parsing and executing templates
type TemplateEngine struct {
	fileCache map[string][]string
	mu        sync.RWMutex
	funcMap   template.FuncMap
}

// TemplateData is passed to the execution context
type TemplateData struct {
	UserID    string
	UUID      string
	VU        int
	Iteration uint64
}

// NewTemplateEngine initializes the engine and its functions
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		fileCache: make(map[string][]string),
	}

	e.funcMap = template.FuncMap{
		"randomInt":    e.randomInt,
		"randomUUID":   e.randomUUID,
		"randomChoice": e.randomChoice,
		"randomLine":   e.randomLine,
	}

	return e
}

var shorthands = strings.NewReplacer(
	"{{userID}}", "{{.UserID}}",
	"{{uuid}}", "{{.UUID}}",
	"{{requestID}}", "{{.UUID}}",
	"{{vu}}", "{{.VU}}",
	"{{iteration}}", "{{.Iteration}}",
)

// Preprocess converts simple variables like {{userID}} to {{.UserID}}.
func (e *TemplateEngine) Preprocess(input string) string {
	return shorthands.Replace(input)
}

// Parse creates a new template with the engine's functions
func (e *TemplateEngine) Parse(name, text string) (*template.Template, error) {
	return template.New(name).Funcs(e.funcMap).Option("missingkey=error").Parse(e.Preprocess(text))
}

// Execute runs the template with data
func (e *TemplateEngine) Execute(t *template.Template, data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// requestTemplate is a Request with every templated field pre-parsed. Fields
// without template actions are kept verbatim and skip execution.
type requestTemplate struct {
	engine  *TemplateEngine
	method  string
	url     textField
	body    textField
	headers map[string]textField
}

type textField struct {
	raw  string
	tmpl *template.Template
}

func compileRequest(e *TemplateEngine, req Request) (*requestTemplate, error) {
	rt := &requestTemplate{engine: e, method: req.Method, headers: make(map[string]textField, len(req.Headers))}
	var err error
	if rt.url, err = compileField(e, "url", req.URL); err != nil {
		return nil, err
	}
	if rt.body, err = compileField(e, "body", req.Body); err != nil {
		return nil, err
	}
	for k, v := range req.Headers {
		f, err := compileField(e, "header "+k, v)
		if err != nil {
			return nil, err
		}
		rt.headers[k] = f
	}
	return rt, nil
}

func compileField(e *TemplateEngine, name, text string) (textField, error) {
	if !strings.Contains(text, "{{") {
		return textField{raw: text}, nil
	}
	t, err := e.Parse(name, text)
	if err != nil {
		return textField{}, fmt.Errorf("parse %s template: %w", name, err)
	}
	return textField{raw: text, tmpl: t}, nil
}

func (rt *requestTemplate) render(data TemplateData) (Request, error) {
	req := Request{Method: rt.method}
	var err error
	if req.URL, err = rt.renderField(rt.url, data); err != nil {
		return Request{}, err
	}
	if req.Body, err = rt.renderField(rt.body, data); err != nil {
		return Request{}, err
	}
	if len(rt.headers) > 0 {
		req.Headers = make(map[string]string, len(rt.headers))
		for k, f := range rt.headers {
			if req.Headers[k], err = rt.renderField(f, data); err != nil {
				return Request{}, err
			}
		}
	}
	return req, nil
}

func (rt *requestTemplate) renderField(f textField, data TemplateData) (string, error) {
	if f.tmpl == nil {
		return f.raw, nil
	}
	return rt.engine.Execute(f.tmpl, data)
}

// --- Functions ---

func (e *TemplateEngine) randomInt(min, max int) int {
	if max <= min {
		return min
	}
	return rand.Intn(max-min) + min
}

func (e *TemplateEngine) randomUUID() string {
	return uuid.New().String()
}

func (e *TemplateEngine) randomChoice(choices ...string) string {
	if len(choices) == 0 {
		return ""
	}
	return choices[rand.Intn(len(choices))]
}

func (e *TemplateEngine) randomLine(filename string) (string, error) {
	e.mu.RLock()
	lines, ok := e.fileCache[filename]
	e.mu.RUnlock()

	if ok {
		if len(lines) == 0 {
			return "", nil
		}
		return lines[rand.Intn(len(lines))], nil
	}

	// Load file (Lazy load)
	e.mu.Lock()
	defer e.mu.Unlock()

	// Double check
	if lines, ok = e.fileCache[filename]; ok {
		if len(lines) == 0 {
			return "", nil
		}
		return lines[rand.Intn(len(lines))], nil
	}

	content, err := os.ReadFile(filename)
	if err != nil {
		return "", fmt.Errorf("failed to read file '%s': %w", filename, err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(content))
	var loaded []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			loaded = append(loaded, line)
		}
	}

	e.fileCache[filename] = loaded
	if len(loaded) == 0 {
		return "", nil
	}

	return loaded[rand.Intn(len(loaded))], nil
}
