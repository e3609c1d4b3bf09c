// Package target defines the identity of a compilation unit and the change
// set handed to the build pipeline for it.
package target

import (
	"errors"
	"fmt"
	"strings"
)

// Type distinguishes the source variants of one module.
type Type string

// Known target types.
const (
	TypeProduction Type = "production"
	TypeTest       Type = "test"
)

// ErrInvalidTarget is returned when a target identity cannot be parsed.
var ErrInvalidTarget = errors.New("invalid build target")

// BuildTarget identifies one compilation unit. It is comparable and is used
// as a map key by every per-target structure.
type BuildTarget struct {
	Module string
	Type   Type
}

// New returns a target for the given module and type.
func New(module string, typ Type) BuildTarget {
	return BuildTarget{Module: module, Type: typ}
}

// String renders the target as "module:type".
func (t BuildTarget) String() string {
	return t.Module + ":" + string(t.Type)
}

// IsTest reports whether the target compiles test sources.
func (t BuildTarget) IsTest() bool {
	return t.Type == TypeTest
}

// Parse reads a target from its "module:type" form. A bare module name
// selects the production variant.
func Parse(s string) (BuildTarget, error) {
	module, typ, found := strings.Cut(s, ":")
	if module == "" {
		return BuildTarget{}, fmt.Errorf("%w: %q", ErrInvalidTarget, s)
	}

	if !found {
		return New(module, TypeProduction), nil
	}

	switch Type(typ) {
	case TypeProduction, TypeTest:
		return New(module, Type(typ)), nil
	default:
		return BuildTarget{}, fmt.Errorf("%w: unknown type %q", ErrInvalidTarget, typ)
	}
}

// Descriptor carries the layout of a target as loaded from the project model.
type Descriptor struct {
	Target      BuildTarget
	SourceRoots []string
	OutputDir   string
	Libraries   []string
	Extensions  []string
}
