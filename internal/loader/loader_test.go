package loader

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/signalsfoundry/worldsim/model"
)

const boxYAML = `
name: box
pose: {x: 1, y: 2, z: 0, yaw: 0.5}
motion:
  linear_velocity: {x: 0.5}
bodies:
  - name: link
    mass: 2.5
    geoms:
      - name: collision
        shape: box
        size: {x: 1, y: 1, z: 1}
`

func TestParseModel(t *testing.T) {
	desc, err := ParseModel(boxYAML)
	if err != nil {
		t.Fatalf("ParseModel error: %v", err)
	}
	if desc.Name != "box" || len(desc.Bodies) != 1 || len(desc.Bodies[0].Geoms) != 1 {
		t.Fatalf("unexpected description: %+v", desc)
	}
	if desc.Pose.Position.Y != 2 {
		t.Fatalf("pose y = %v, want 2", desc.Pose.Position.Y)
	}
	if _, _, yaw := desc.Pose.Rotation.Euler(); math.Abs(yaw-0.5) > 1e-9 {
		t.Fatalf("yaw = %v, want 0.5", yaw)
	}
	if desc.Motion.LinearVelocity.X != 0.5 {
		t.Fatalf("linear velocity = %+v", desc.Motion.LinearVelocity)
	}
	if desc.Bodies[0].Geoms[0].Shape != model.ShapeBox {
		t.Fatalf("shape = %q, want box", desc.Bodies[0].Geoms[0].Shape)
	}
	if desc.Source != boxYAML {
		t.Fatalf("Source not preserved")
	}
}

func TestParseModelMalformed(t *testing.T) {
	cases := map[string]string{
		"empty":          "   ",
		"syntax":         "name: [unterminated",
		"unknown field":  "name: a\ncolour: red\n",
		"missing name":   "static: true\n",
		"bad shape":      "name: a\nbodies:\n  - name: b\n    geoms:\n      - name: g\n        shape: torus\n",
		"duplicate body": "name: a\nbodies:\n  - name: b\n  - name: b\n",
		"tle one line":   "name: a\nmotion:\n  tle: [\"1 25544U\"]\n",
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseModel(text); !errors.Is(err, ErrMalformedDescription) {
				t.Fatalf("ParseModel error = %v, want ErrMalformedDescription", err)
			}
		})
	}
}

func TestParseWorld(t *testing.T) {
	text := `
name: demo
models:
  - name: ground
    static: true
    bodies:
      - name: link
        geoms:
          - name: plane
            shape: plane
  - name: box
    pose: {z: 1}
`
	world, err := ParseWorld(strings.NewReader(text))
	if err != nil {
		t.Fatalf("ParseWorld error: %v", err)
	}
	if world.Name != "demo" || len(world.Models) != 2 {
		t.Fatalf("unexpected world: %+v", world)
	}
	if !world.Models[0].Static || world.Models[1].Pose.Position.Z != 1 {
		t.Fatalf("model fields not decoded: %+v %+v", world.Models[0], world.Models[1])
	}
}

func TestParseWorldDuplicateModel(t *testing.T) {
	text := "name: w\nmodels:\n  - name: a\n  - name: a\n"
	if _, err := ParseWorld(strings.NewReader(text)); !errors.Is(err, ErrMalformedDescription) {
		t.Fatalf("ParseWorld error = %v, want ErrMalformedDescription", err)
	}
}

func TestLoadWorldFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "world.yaml")
	if err := os.WriteFile(path, []byte("name: w\nmodels:\n  - name: a\n"), 0o600); err != nil {
		t.Fatalf("write world: %v", err)
	}
	world, err := LoadWorldFile(path)
	if err != nil {
		t.Fatalf("LoadWorldFile error: %v", err)
	}
	if len(world.Models) != 1 {
		t.Fatalf("models = %d, want 1", len(world.Models))
	}
	if _, err := LoadWorldFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestMarshalModelParsesBack(t *testing.T) {
	desc, err := ParseModel(boxYAML)
	if err != nil {
		t.Fatalf("ParseModel error: %v", err)
	}
	text, err := MarshalModel(desc)
	if err != nil {
		t.Fatalf("MarshalModel error: %v", err)
	}
	again, err := ParseModel(text)
	if err != nil {
		t.Fatalf("ParseModel(marshalled) error: %v\n%s", err, text)
	}
	if !again.Pose.ApproxEqual(desc.Pose, 1e-9) || again.Bodies[0].Mass != 2.5 {
		t.Fatalf("marshalled model differs: %+v", again)
	}
}
