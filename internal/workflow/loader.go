// Package workflow reads and writes workflow definitions kept in a YAML
// file and supplies the built-in workflows.
package workflow

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/KafClaw/MarketClaw/internal/logging"
	"github.com/KafClaw/MarketClaw/internal/orchestrator"
)

// DefaultFile is the workflow file name inside the config directory.
const DefaultFile = "workflows.yaml"

var ErrNotFound = errors.New("workflow not found")

// Definition is a workflow as written in the file.
type Definition struct {
	Name        string                  `yaml:"name" validate:"required"`
	Description string                  `yaml:"description"`
	Steps       []orchestrator.StepSpec `yaml:"steps" validate:"required,min=1,dive"`
}

type document struct {
	Workflows []Definition `yaml:"workflows"`
}

// Summary describes a workflow for listings.
type Summary struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Steps       int    `json:"steps"`
	Builtin     bool   `json:"builtin"`
}

// Loader reads workflows from dir/file.
type Loader struct {
	path     string
	logger   *slog.Logger
	validate *validator.Validate
}

// NewLoader reads dir/file. An empty file uses DefaultFile.
func NewLoader(dir, file string, logger *slog.Logger) *Loader {
	if file == "" {
		file = DefaultFile
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Loader{
		path:     filepath.Join(dir, file),
		logger:   logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Path returns the workflow file location.
func (l *Loader) Path() string { return l.path }

func (l *Loader) read() ([]Definition, error) {
	raw, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		l.logger.Warn("Workflow file not found", "path", l.path)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read workflows: %w", err)
	}
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", l.path, err)
	}
	if len(doc.Workflows) == 0 {
		l.logger.Warn("No workflows found", "path", l.path)
	}
	return doc.Workflows, nil
}

// Validate checks a definition's shape and that step ids are set and
// unique.
func (l *Loader) Validate(d Definition) error {
	if err := l.validate.Struct(d); err != nil {
		return fmt.Errorf("workflow %q: %w", d.Name, err)
	}
	seen := make(map[string]bool, len(d.Steps))
	for i, s := range d.Steps {
		if s.StepID == "" {
			return fmt.Errorf("workflow %q: step %d has no step_id", d.Name, i+1)
		}
		if seen[s.StepID] {
			return fmt.Errorf("workflow %q: duplicate step_id %q", d.Name, s.StepID)
		}
		seen[s.StepID] = true
	}
	return nil
}

// LoadWorkflows returns every valid workflow in the file. Invalid entries
// are logged and skipped; a missing file yields none.
func (l *Loader) LoadWorkflows() ([]*orchestrator.Workflow, error) {
	defs, err := l.read()
	if err != nil {
		return nil, err
	}
	out := make([]*orchestrator.Workflow, 0, len(defs))
	for _, d := range defs {
		if err := l.Validate(d); err != nil {
			l.logger.Error("Error loading workflow", "error", err)
			continue
		}
		out = append(out, d.Workflow())
		l.logger.Debug("Loaded workflow", "name", d.Name)
	}
	return out, nil
}

// LoadWorkflowByName finds a workflow in the file, falling back to the
// built-in set.
func (l *Loader) LoadWorkflowByName(name string) (*orchestrator.Workflow, error) {
	wfs, err := l.LoadWorkflows()
	if err != nil {
		return nil, err
	}
	for _, wf := range wfs {
		if wf.Name == name {
			return wf, nil
		}
	}
	if d, ok := builtinByName(name); ok {
		return d.Workflow(), nil
	}
	l.logger.Warn("Workflow not found", "name", name)
	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// SaveWorkflow writes wf into the file, replacing any workflow of the same
// name.
func (l *Loader) SaveWorkflow(wf *orchestrator.Workflow) error {
	d := FromWorkflow(wf)
	if err := l.Validate(d); err != nil {
		return err
	}
	defs, err := l.read()
	if err != nil {
		return err
	}
	replaced := false
	for i := range defs {
		if defs[i].Name == d.Name {
			defs[i] = d
			replaced = true
			break
		}
	}
	if !replaced {
		defs = append(defs, d)
	}

	raw, err := yaml.Marshal(document{Workflows: defs})
	if err != nil {
		return fmt.Errorf("encode workflows: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create workflow dir: %w", err)
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write workflows: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("replace workflows: %w", err)
	}
	l.logger.Info("Saved workflow", "name", d.Name, "path", l.path)
	return nil
}

// ListWorkflows summarises the file's workflows followed by built-ins the
// file does not override, sorted by name within each group.
func (l *Loader) ListWorkflows() ([]Summary, error) {
	wfs, err := l.LoadWorkflows()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(wfs))
	out := make([]Summary, 0, len(wfs)+len(builtins))
	for _, wf := range wfs {
		seen[wf.Name] = true
		out = append(out, Summary{Name: wf.Name, Description: wf.Description, Steps: len(wf.Steps)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	for _, d := range Builtin() {
		if !seen[d.Name] {
			out = append(out, Summary{Name: d.Name, Description: d.Description, Steps: len(d.Steps), Builtin: true})
		}
	}
	return out, nil
}

// Workflow converts the definition into a runnable workflow with a fresh id.
func (d Definition) Workflow() *orchestrator.Workflow {
	return orchestrator.NewWorkflow(d.Name, d.Description, d.Steps)
}

// FromWorkflow converts a workflow back to its file form.
func FromWorkflow(wf *orchestrator.Workflow) Definition {
	return Definition{Name: wf.Name, Description: wf.Description, Steps: wf.Specs()}
}
