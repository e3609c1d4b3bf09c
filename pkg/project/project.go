// Package project loads the project model: the modules of a workspace and
// the layout of each of their build targets.
package project

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/Sumatoshi-tech/incbuild/pkg/target"
	"github.com/Sumatoshi-tech/incbuild/pkg/toposort"
)

// FileName is the conventional name of the project file.
const FileName = "incbuild.yaml"

// defaultOutputRoot holds module outputs when a module names none.
const defaultOutputRoot = "out"

//go:embed schema.json
var schemaJSON string

var schemaLoader = gojsonschema.NewStringLoader(schemaJSON)

// Sentinel errors for project loading.
var (
	ErrInvalidProject  = errors.New("invalid project")
	ErrUnknownModule   = errors.New("unknown module")
	ErrDuplicateModule = errors.New("duplicate module")
	ErrDependencyCycle = errors.New("module dependency cycle")
)

// Module is one module of the project as written in the project file.
type Module struct {
	Name       string   `yaml:"name"`
	Sources    []string `yaml:"sources"`
	Tests      []string `yaml:"tests"`
	Output     string   `yaml:"output"`
	TestOutput string   `yaml:"test_output"`
	Extensions []string `yaml:"extensions"`
	Libraries  []string `yaml:"libraries"`
	DependsOn  []string `yaml:"depends_on"`
}

// Project is a loaded project. Paths are resolved against Root.
type Project struct {
	Root            string   `yaml:"-"`
	Version         int      `yaml:"version"`
	UnitDescriptors []string `yaml:"unit_descriptors"`
	Modules         []Module `yaml:"modules"`

	byName map[string]int
	order  []string
}

// Load reads the project file at path. Its directory is the project root.
func Load(path string) (*Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read project: %w", err)
	}

	root, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}

	return Parse(data, root)
}

// Parse validates data against the project schema and resolves it against
// root.
func Parse(data []byte, root string) (*Project, error) {
	var raw any

	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidProject, err)
	}

	if raw == nil {
		raw = map[string]any{}
	}

	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewGoLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidProject, err)
	}

	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, verr := range result.Errors() {
			msgs = append(msgs, verr.Field()+": "+verr.Description())
		}

		return nil, fmt.Errorf("%w: %s", ErrInvalidProject, strings.Join(msgs, "; "))
	}

	p := &Project{Root: root}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidProject, err)
	}

	if err := p.index(); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *Project) index() error {
	p.byName = make(map[string]int, len(p.Modules))
	graph := toposort.NewGraph()

	for i, m := range p.Modules {
		if _, dup := p.byName[m.Name]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateModule, m.Name)
		}

		p.byName[m.Name] = i
		graph.AddNode(m.Name)
	}

	for _, m := range p.Modules {
		for _, dep := range m.DependsOn {
			if _, ok := p.byName[dep]; !ok {
				return fmt.Errorf("%w: %s depends on %s", ErrUnknownModule, m.Name, dep)
			}

			graph.AddEdge(dep, m.Name)
		}
	}

	order, ok := graph.Toposort()
	if !ok {
		for _, m := range p.Modules {
			if cycle := graph.FindCycle(m.Name); cycle != nil {
				return fmt.Errorf("%w: %s", ErrDependencyCycle, strings.Join(cycle, " -> "))
			}
		}

		return ErrDependencyCycle
	}

	p.order = order

	return nil
}

// Targets lists every target of the project, modules in dependency order
// and each module's production target before its test target.
func (p *Project) Targets() []target.BuildTarget {
	var targets []target.BuildTarget

	for _, name := range p.order {
		m := p.Modules[p.byName[name]]

		targets = append(targets, target.New(m.Name, target.TypeProduction))
		if len(m.Tests) > 0 {
			targets = append(targets, target.New(m.Name, target.TypeTest))
		}
	}

	return targets
}

// Order sorts the given targets like Targets does.
func (p *Project) Order(targets []target.BuildTarget) ([]target.BuildTarget, error) {
	want := make(map[target.BuildTarget]struct{}, len(targets))

	for _, t := range targets {
		if _, ok := p.byName[t.Module]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownModule, t.Module)
		}

		want[t] = struct{}{}
	}

	ordered := make([]target.BuildTarget, 0, len(want))

	for _, t := range p.Targets() {
		if _, ok := want[t]; ok {
			ordered = append(ordered, t)
			delete(want, t)
		}
	}

	if len(want) > 0 {
		missing := make([]string, 0, len(want))
		for t := range want {
			missing = append(missing, t.String())
		}

		slices.Sort(missing)

		return nil, fmt.Errorf("%w: no test sources for %s", ErrUnknownModule, strings.Join(missing, ", "))
	}

	return ordered, nil
}

// Descriptor returns the resolved layout of a target.
func (p *Project) Descriptor(t target.BuildTarget) (target.Descriptor, error) {
	i, ok := p.byName[t.Module]
	if !ok {
		return target.Descriptor{}, fmt.Errorf("%w: %s", ErrUnknownModule, t.Module)
	}

	m := p.Modules[i]
	desc := target.Descriptor{
		Target:     t,
		Extensions: m.Extensions,
		Libraries:  p.resolveAll(m.Libraries),
	}

	if t.IsTest() {
		if len(m.Tests) == 0 {
			return target.Descriptor{}, fmt.Errorf("%w: %s has no test sources", ErrUnknownModule, t)
		}

		desc.SourceRoots = p.resolveAll(m.Tests)
		desc.OutputDir = p.resolve(orDefault(m.TestOutput, filepath.Join(defaultOutputRoot, m.Name+"-test")))

		return desc, nil
	}

	desc.SourceRoots = p.resolveAll(m.Sources)
	desc.OutputDir = p.resolve(orDefault(m.Output, filepath.Join(defaultOutputRoot, m.Name)))

	return desc, nil
}

func (p *Project) resolve(path string) string {
	path = filepath.FromSlash(path)
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}

	return filepath.Join(p.Root, path)
}

func (p *Project) resolveAll(paths []string) []string {
	if len(paths) == 0 {
		return nil
	}

	result := make([]string, 0, len(paths))
	for _, path := range paths {
		result = append(result, p.resolve(path))
	}

	return result
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}

	return value
}
