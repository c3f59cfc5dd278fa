package model

import (
	"errors"
	"fmt"
	"strings"
)

// ScopeSeparator joins entity names into scoped names (model::body::geom).
const ScopeSeparator = "::"

// EntityKind identifies the level of an entity in the scene tree.
type EntityKind int

const (
	KindRoot EntityKind = iota
	KindModel
	KindBody
	KindGeom
)

func (k EntityKind) String() string {
	switch k {
	case KindRoot:
		return "root"
	case KindModel:
		return "model"
	case KindBody:
		return "body"
	case KindGeom:
		return "geom"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Shape names the collision/visual primitive of a geom.
type Shape string

const (
	ShapeBox      Shape = "box"
	ShapeSphere   Shape = "sphere"
	ShapeCylinder Shape = "cylinder"
	ShapePlane    Shape = "plane"
	ShapeMesh     Shape = "mesh"
)

// ErrInvalidDescription indicates a description failed structural validation.
var ErrInvalidDescription = errors.New("invalid entity description")

// MotionSpec describes how the reference kinematic engine moves a model.
type MotionSpec struct {
	LinearVelocity  Vector3
	AngularVelocity Vector3

	// TLE1/TLE2 select SGP4 orbital propagation when both are set.
	TLE1 string
	TLE2 string
}

// HasOrbit reports whether the model follows a TLE-propagated orbit.
func (m MotionSpec) HasOrbit() bool {
	return m.TLE1 != "" && m.TLE2 != ""
}

// GeomDescription describes a single geometry attached to a body.
type GeomDescription struct {
	Name  string
	Pose  Pose
	Shape Shape
	Size  Vector3
	Mesh  string
}

// BodyDescription describes a rigid body and its geoms.
type BodyDescription struct {
	Name  string
	Pose  Pose
	Mass  float64
	Geoms []GeomDescription
}

// ModelDescription is the parsed form of one entity subtree.
type ModelDescription struct {
	Name   string
	Static bool
	Pose   Pose
	Motion MotionSpec
	Bodies []BodyDescription

	// Source is the raw text the description was parsed from, if any.
	Source string
}

// Validate checks naming rules: non-empty names without the scope separator,
// unique body names within the model and unique geom names within a body.
func (d *ModelDescription) Validate() error {
	if d == nil {
		return fmt.Errorf("%w: nil model", ErrInvalidDescription)
	}
	if err := validateName(d.Name); err != nil {
		return fmt.Errorf("%w: model: %v", ErrInvalidDescription, err)
	}
	bodies := make(map[string]struct{}, len(d.Bodies))
	for _, b := range d.Bodies {
		if err := validateName(b.Name); err != nil {
			return fmt.Errorf("%w: body in %q: %v", ErrInvalidDescription, d.Name, err)
		}
		if _, dup := bodies[b.Name]; dup {
			return fmt.Errorf("%w: duplicate body %q in %q", ErrInvalidDescription, b.Name, d.Name)
		}
		bodies[b.Name] = struct{}{}

		geoms := make(map[string]struct{}, len(b.Geoms))
		for _, g := range b.Geoms {
			if err := validateName(g.Name); err != nil {
				return fmt.Errorf("%w: geom in %q: %v", ErrInvalidDescription, ScopedName(d.Name, b.Name), err)
			}
			if _, dup := geoms[g.Name]; dup {
				return fmt.Errorf("%w: duplicate geom %q in %q", ErrInvalidDescription, g.Name, ScopedName(d.Name, b.Name))
			}
			geoms[g.Name] = struct{}{}
		}
	}
	return nil
}

// WorldDescription is the load-time content of a world file.
type WorldDescription struct {
	Name   string
	Models []*ModelDescription
}

// ScopedName joins names with ScopeSeparator.
func ScopedName(parts ...string) string {
	return strings.Join(parts, ScopeSeparator)
}

func validateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("empty name")
	}
	if strings.Contains(name, ScopeSeparator) {
		return fmt.Errorf("name %q contains %q", name, ScopeSeparator)
	}
	return nil
}
