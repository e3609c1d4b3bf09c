package project_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/incbuild/pkg/project"
	"github.com/Sumatoshi-tech/incbuild/pkg/target"
)

const sample = `
version: 1
unit_descriptors: [module.yaml]
modules:
  - name: app
    sources: [app/src]
    tests: [app/test]
    extensions: [c, h]
    libraries: [lib/core.lib]
    depends_on: [core]
  - name: core
    sources: [core/src]
    output: build/core
`

func TestParse_Targets(t *testing.T) {
	t.Parallel()

	p, err := project.Parse([]byte(sample), "/ws")
	require.NoError(t, err)

	assert.Equal(t, []string{"module.yaml"}, p.UnitDescriptors)
	assert.Equal(t, []target.BuildTarget{
		target.New("core", target.TypeProduction),
		target.New("app", target.TypeProduction),
		target.New("app", target.TypeTest),
	}, p.Targets())
}

func TestParse_Descriptor(t *testing.T) {
	t.Parallel()

	root := filepath.FromSlash("/ws")

	p, err := project.Parse([]byte(sample), root)
	require.NoError(t, err)

	prod, err := p.Descriptor(target.New("app", target.TypeProduction))
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(root, "app", "src")}, prod.SourceRoots)
	assert.Equal(t, filepath.Join(root, "out", "app"), prod.OutputDir)
	assert.Equal(t, []string{filepath.Join(root, "lib", "core.lib")}, prod.Libraries)
	assert.Equal(t, []string{"c", "h"}, prod.Extensions)

	test, err := p.Descriptor(target.New("app", target.TypeTest))
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(root, "app", "test")}, test.SourceRoots)
	assert.Equal(t, filepath.Join(root, "out", "app-test"), test.OutputDir)

	core, err := p.Descriptor(target.New("core", target.TypeProduction))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "build", "core"), core.OutputDir)

	_, err = p.Descriptor(target.New("core", target.TypeTest))
	require.ErrorIs(t, err, project.ErrUnknownModule)

	_, err = p.Descriptor(target.New("nope", target.TypeProduction))
	require.ErrorIs(t, err, project.ErrUnknownModule)
}

func TestParse_Order(t *testing.T) {
	t.Parallel()

	p, err := project.Parse([]byte(sample), "/ws")
	require.NoError(t, err)

	ordered, err := p.Order([]target.BuildTarget{
		target.New("app", target.TypeTest),
		target.New("core", target.TypeProduction),
	})
	require.NoError(t, err)
	assert.Equal(t, []target.BuildTarget{
		target.New("core", target.TypeProduction),
		target.New("app", target.TypeTest),
	}, ordered)

	_, err = p.Order([]target.BuildTarget{target.New("core", target.TypeTest)})
	require.ErrorIs(t, err, project.ErrUnknownModule)
}

func TestParse_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data string
		want error
	}{
		{"empty", ``, project.ErrInvalidProject},
		{"no sources", "modules:\n  - name: app\n", project.ErrInvalidProject},
		{"unknown key", "modules:\n  - name: app\n    sources: [src]\n    colour: red\n", project.ErrInvalidProject},
		{"bad version", "version: 2\nmodules:\n  - name: app\n    sources: [src]\n", project.ErrInvalidProject},
		{"malformed", "modules: [", project.ErrInvalidProject},
		{"duplicate", "modules:\n  - {name: a, sources: [a]}\n  - {name: a, sources: [b]}\n", project.ErrDuplicateModule},
		{"unknown dependency", "modules:\n  - {name: a, sources: [a], depends_on: [b]}\n", project.ErrUnknownModule},
		{"cycle", "modules:\n  - {name: a, sources: [a], depends_on: [b]}\n  - {name: b, sources: [b], depends_on: [a]}\n", project.ErrDependencyCycle},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := project.Parse([]byte(tt.data), "/ws")
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestLoad_UsesFileDirectoryAsRoot(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, project.FileName)
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	p, err := project.Load(path)
	require.NoError(t, err)
	assert.Equal(t, dir, p.Root)

	_, err = project.Load(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}
