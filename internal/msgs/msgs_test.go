package msgs

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/worldsim/model"
)

func TestConstructorsInitHeader(t *testing.T) {
	m := NewDelete("box")
	if m.ID == uuid.Nil || m.Stamp.IsZero() {
		t.Fatalf("header not initialized: %+v", m)
	}
	other := NewDelete("box")
	if other.ID == m.ID {
		t.Fatalf("two messages share id %v", m.ID)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		msg  Message
		want error
	}{
		{"insert ok", NewInsert("name: a", false, false), nil},
		{"insert empty", NewInsert("", false, false), ErrMalformedMessage},
		{"delete no name", NewDelete(""), ErrMalformedMessage},
		{"step zero", NewStep(0), ErrMalformedMessage},
		{"set pose no name", NewSetPose("", model.IdentityPose()), ErrMalformedMessage},
		{"select clear", NewSelect(""), nil},
		{"reset", NewReset(), nil},
		{"unknown", Message{Kind: "teleport"}, ErrUnknownKind},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.msg.Validate()
			if tc.want == nil && err != nil {
				t.Fatalf("Validate() error: %v", err)
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("Validate() = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestStructEncodingPreservesPayload(t *testing.T) {
	pose := model.NewPose(1, 2, 3, 0, 0, 0.25)
	in := []Message{
		NewInsert("name: a\n", true, true),
		NewDelete("a"),
		NewPause(true),
		NewStep(3),
		NewSelect("a::link"),
		NewSetPose("a", pose),
		NewReset(),
	}
	for _, m := range in {
		s, err := ToStruct(m)
		if err != nil {
			t.Fatalf("ToStruct(%s) error: %v", m.Kind, err)
		}
		out, err := FromStruct(s)
		if err != nil {
			t.Fatalf("FromStruct(%s) error: %v", m.Kind, err)
		}
		if out.ID != m.ID || out.Kind != m.Kind || !out.Stamp.Equal(m.Stamp) {
			t.Fatalf("header mismatch: got %+v, want %+v", out, m)
		}
		switch m.Kind {
		case KindInsertEntity:
			if *out.Insert != *m.Insert {
				t.Fatalf("insert payload = %+v, want %+v", out.Insert, m.Insert)
			}
		case KindDeleteEntity, KindSelect:
			if out.Name != m.Name {
				t.Fatalf("name = %q, want %q", out.Name, m.Name)
			}
		case KindPause:
			if !out.Paused {
				t.Fatalf("paused flag lost")
			}
		case KindStep:
			if out.Steps != 3 {
				t.Fatalf("steps = %d, want 3", out.Steps)
			}
		case KindSetPose:
			if out.Pose.Name != "a" || !out.Pose.Pose.ApproxEqual(pose, 1e-9) {
				t.Fatalf("pose payload = %+v", out.Pose)
			}
		}
	}
}

func TestFromStructDefaults(t *testing.T) {
	s, err := structpb.NewStruct(map[string]any{"kind": "step"})
	if err != nil {
		t.Fatalf("NewStruct error: %v", err)
	}
	m, err := FromStruct(s)
	if err != nil {
		t.Fatalf("FromStruct error: %v", err)
	}
	if m.ID == uuid.Nil || m.Stamp.IsZero() || m.Steps != 1 {
		t.Fatalf("defaults not applied: %+v", m)
	}
}

func TestFromStructAcceptsMaxSteps(t *testing.T) {
	s, err := structpb.NewStruct(map[string]any{"kind": "step", "steps": MaxSteps})
	if err != nil {
		t.Fatalf("NewStruct error: %v", err)
	}
	m, err := FromStruct(s)
	if err != nil || m.Steps != MaxSteps {
		t.Fatalf("FromStruct = %+v, %v", m, err)
	}
}

func TestFromStructErrors(t *testing.T) {
	cases := []struct {
		name   string
		fields map[string]any
		want   error
	}{
		{"unknown kind", map[string]any{"kind": "teleport"}, ErrUnknownKind},
		{"missing kind", map[string]any{}, ErrUnknownKind},
		{"bad id", map[string]any{"kind": "reset", "id": "not-a-uuid"}, ErrMalformedMessage},
		{"bad stamp", map[string]any{"kind": "reset", "stamp": "yesterday"}, ErrMalformedMessage},
		{"set pose without pose", map[string]any{"kind": "set_pose", "name": "a"}, ErrMalformedMessage},
		{"fractional steps", map[string]any{"kind": "step", "steps": 2.5}, ErrMalformedMessage},
		{"zero steps", map[string]any{"kind": "step", "steps": 0}, ErrMalformedMessage},
		{"too many steps", map[string]any{"kind": "step", "steps": float64(MaxSteps + 1)}, ErrMalformedMessage},
		{"huge steps", map[string]any{"kind": "step", "steps": 1e300}, ErrMalformedMessage},
		{"string steps", map[string]any{"kind": "step", "steps": "3"}, ErrMalformedMessage},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := structpb.NewStruct(tc.fields)
			if err != nil {
				t.Fatalf("NewStruct error: %v", err)
			}
			if _, err := FromStruct(s); !errors.Is(err, tc.want) {
				t.Fatalf("FromStruct error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestToStructRejectsParsedInsert(t *testing.T) {
	m := NewInsertModel(&model.ModelDescription{Name: "a"}, false, false)
	if _, err := ToStruct(m); !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("ToStruct error = %v, want ErrMalformedMessage", err)
	}
}
