// Package loader parses YAML model descriptions and world files into the
// model package's description types.
package loader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/worldsim/model"
)

// ErrMalformedDescription indicates text that could not be parsed into a
// valid description.
var ErrMalformedDescription = errors.New("malformed description")

// YAML shapes stay unexported so the file format can evolve independently of
// the model types.
type worldYAML struct {
	Name   string      `yaml:"name"`
	Models []modelYAML `yaml:"models"`
}

type modelYAML struct {
	Name   string      `yaml:"name"`
	Static bool        `yaml:"static"`
	Pose   poseYAML    `yaml:"pose"`
	Motion *motionYAML `yaml:"motion"`
	Bodies []bodyYAML  `yaml:"bodies"`
}

type motionYAML struct {
	LinearVelocity  vecYAML  `yaml:"linear_velocity"`
	AngularVelocity vecYAML  `yaml:"angular_velocity"`
	TLE             []string `yaml:"tle"`
}

type bodyYAML struct {
	Name  string     `yaml:"name"`
	Pose  poseYAML   `yaml:"pose"`
	Mass  float64    `yaml:"mass"`
	Geoms []geomYAML `yaml:"geoms"`
}

type geomYAML struct {
	Name  string   `yaml:"name"`
	Pose  poseYAML `yaml:"pose"`
	Shape string   `yaml:"shape"`
	Size  vecYAML  `yaml:"size"`
	Mesh  string   `yaml:"mesh"`
}

type vecYAML struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
	Z float64 `yaml:"z"`
}

// poseYAML is a position plus roll/pitch/yaw in radians.
type poseYAML struct {
	X     float64 `yaml:"x"`
	Y     float64 `yaml:"y"`
	Z     float64 `yaml:"z"`
	Roll  float64 `yaml:"roll"`
	Pitch float64 `yaml:"pitch"`
	Yaw   float64 `yaml:"yaw"`
}

// Parser turns description text into a model description. It satisfies the
// lifecycle queue's parser dependency.
type Parser struct{}

// Parse implements the lifecycle parser interface.
func (Parser) Parse(text string) (*model.ModelDescription, error) {
	return ParseModel(text)
}

// ParseModel parses one model description.
func ParseModel(text string) (*model.ModelDescription, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty text", ErrMalformedDescription)
	}
	var raw modelYAML
	if err := decodeStrict([]byte(text), &raw); err != nil {
		return nil, err
	}
	desc, err := raw.toModel()
	if err != nil {
		return nil, err
	}
	desc.Source = text
	return desc, nil
}

// ParseWorld parses a world file from r.
func ParseWorld(r io.Reader) (*model.WorldDescription, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read world: %w", err)
	}
	var raw worldYAML
	if err := decodeStrict(data, &raw); err != nil {
		return nil, err
	}

	world := &model.WorldDescription{
		Name:   raw.Name,
		Models: make([]*model.ModelDescription, 0, len(raw.Models)),
	}
	seen := make(map[string]struct{}, len(raw.Models))
	for i := range raw.Models {
		desc, err := raw.Models[i].toModel()
		if err != nil {
			return nil, fmt.Errorf("model %d: %w", i, err)
		}
		if _, dup := seen[desc.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate model %q", ErrMalformedDescription, desc.Name)
		}
		seen[desc.Name] = struct{}{}
		world.Models = append(world.Models, desc)
	}
	return world, nil
}

// LoadWorldFile reads and parses a world file.
func LoadWorldFile(path string) (*model.WorldDescription, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open world file: %w", err)
	}
	defer f.Close()

	world, err := ParseWorld(f)
	if err != nil {
		return nil, fmt.Errorf("parse world file %s: %w", path, err)
	}
	return world, nil
}

// MarshalModel renders a description back to YAML text accepted by ParseModel.
func MarshalModel(desc *model.ModelDescription) (string, error) {
	if desc == nil {
		return "", fmt.Errorf("%w: nil model", ErrMalformedDescription)
	}
	out, err := yaml.Marshal(fromModel(desc))
	if err != nil {
		return "", fmt.Errorf("marshal model %q: %w", desc.Name, err)
	}
	return string(out), nil
}

func decodeStrict(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedDescription, err)
	}
	return nil
}

func (m *modelYAML) toModel() (*model.ModelDescription, error) {
	desc := &model.ModelDescription{
		Name:   m.Name,
		Static: m.Static,
		Pose:   m.Pose.toPose(),
	}
	if m.Motion != nil {
		desc.Motion = model.MotionSpec{
			LinearVelocity:  m.Motion.LinearVelocity.toVector(),
			AngularVelocity: m.Motion.AngularVelocity.toVector(),
		}
		switch len(m.Motion.TLE) {
		case 0:
		case 2:
			desc.Motion.TLE1 = m.Motion.TLE[0]
			desc.Motion.TLE2 = m.Motion.TLE[1]
		default:
			return nil, fmt.Errorf("%w: model %q: tle needs exactly two lines, got %d",
				ErrMalformedDescription, m.Name, len(m.Motion.TLE))
		}
	}

	for _, b := range m.Bodies {
		body := model.BodyDescription{
			Name: b.Name,
			Pose: b.Pose.toPose(),
			Mass: b.Mass,
		}
		for _, g := range b.Geoms {
			shape, err := parseShape(g.Shape)
			if err != nil {
				return nil, fmt.Errorf("%w: geom %q: %v", ErrMalformedDescription,
					model.ScopedName(m.Name, b.Name, g.Name), err)
			}
			body.Geoms = append(body.Geoms, model.GeomDescription{
				Name:  g.Name,
				Pose:  g.Pose.toPose(),
				Shape: shape,
				Size:  g.Size.toVector(),
				Mesh:  g.Mesh,
			})
		}
		desc.Bodies = append(desc.Bodies, body)
	}

	if err := desc.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDescription, err)
	}
	return desc, nil
}

func parseShape(s string) (model.Shape, error) {
	switch shape := model.Shape(strings.ToLower(strings.TrimSpace(s))); shape {
	case "":
		return model.ShapeBox, nil
	case model.ShapeBox, model.ShapeSphere, model.ShapeCylinder, model.ShapePlane, model.ShapeMesh:
		return shape, nil
	default:
		return "", fmt.Errorf("unknown shape %q", s)
	}
}

func (v vecYAML) toVector() model.Vector3 {
	return model.Vector3{X: v.X, Y: v.Y, Z: v.Z}
}

func (p poseYAML) toPose() model.Pose {
	return model.NewPose(p.X, p.Y, p.Z, p.Roll, p.Pitch, p.Yaw)
}

func fromModel(desc *model.ModelDescription) modelYAML {
	out := modelYAML{
		Name:   desc.Name,
		Static: desc.Static,
		Pose:   fromPose(desc.Pose),
	}
	mo := desc.Motion
	if mo != (model.MotionSpec{}) {
		out.Motion = &motionYAML{
			LinearVelocity:  fromVector(mo.LinearVelocity),
			AngularVelocity: fromVector(mo.AngularVelocity),
		}
		if mo.HasOrbit() {
			out.Motion.TLE = []string{mo.TLE1, mo.TLE2}
		}
	}
	for _, b := range desc.Bodies {
		body := bodyYAML{Name: b.Name, Pose: fromPose(b.Pose), Mass: b.Mass}
		for _, g := range b.Geoms {
			body.Geoms = append(body.Geoms, geomYAML{
				Name:  g.Name,
				Pose:  fromPose(g.Pose),
				Shape: string(g.Shape),
				Size:  fromVector(g.Size),
				Mesh:  g.Mesh,
			})
		}
		out.Bodies = append(out.Bodies, body)
	}
	return out
}

func fromVector(v model.Vector3) vecYAML {
	return vecYAML{X: v.X, Y: v.Y, Z: v.Z}
}

func fromPose(p model.Pose) poseYAML {
	rot := p.Rotation
	if rot == (model.Quaternion{}) {
		rot = model.IdentityQuaternion()
	}
	r, pi, y := rot.Euler()
	return poseYAML{X: p.Position.X, Y: p.Position.Y, Z: p.Position.Z, Roll: r, Pitch: pi, Yaw: y}
}
