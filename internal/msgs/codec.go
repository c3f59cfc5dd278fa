package msgs

import (
	"fmt"
	"math"
	"strconv"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/signalsfoundry/worldsim/model"
)

// Wire field names.
const (
	fieldID          = "id"
	fieldKind        = "kind"
	fieldStamp       = "stamp"
	fieldDescription = "description"
	fieldReplace     = "replace"
	fieldInitialize  = "initialize"
	fieldName        = "name"
	fieldPaused      = "paused"
	fieldSteps       = "steps"
	fieldPose        = "pose"
)

// ToStruct encodes m for the wire. Insert requests must carry description
// text; parsed models are process-local.
func ToStruct(m Message) (*structpb.Struct, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	fields := map[string]any{
		fieldID:   m.ID.String(),
		fieldKind: string(m.Kind),
	}
	if !m.Stamp.IsZero() {
		stamp, err := protojson.Marshal(timestamppb.New(m.Stamp))
		if err != nil {
			return nil, fmt.Errorf("encode stamp: %w", err)
		}
		s, err := strconv.Unquote(string(stamp))
		if err != nil {
			return nil, fmt.Errorf("encode stamp: %w", err)
		}
		fields[fieldStamp] = s
	}

	switch m.Kind {
	case KindInsertEntity:
		if m.Insert.Description == "" {
			return nil, fmt.Errorf("%w: insert of a parsed model cannot be encoded", ErrMalformedMessage)
		}
		fields[fieldDescription] = m.Insert.Description
		fields[fieldReplace] = m.Insert.Replace
		fields[fieldInitialize] = m.Insert.Initialize
	case KindDeleteEntity, KindSelect:
		fields[fieldName] = m.Name
	case KindPause:
		fields[fieldPaused] = m.Paused
	case KindStep:
		fields[fieldSteps] = m.Steps
	case KindSetPose:
		fields[fieldName] = m.Pose.Name
		fields[fieldPose] = PoseToMap(m.Pose.Pose)
	}

	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", m.Kind, err)
	}
	return s, nil
}

// FromStruct decodes a wire message. A missing id or stamp is filled in as
// if the message had been created locally.
func FromStruct(s *structpb.Struct) (Message, error) {
	if s == nil {
		return Message{}, fmt.Errorf("%w: nil struct", ErrMalformedMessage)
	}
	f := s.GetFields()

	m := Message{Kind: Kind(f[fieldKind].GetStringValue())}
	if !m.Kind.Known() {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownKind, m.Kind)
	}

	if raw := f[fieldID].GetStringValue(); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return Message{}, fmt.Errorf("%w: id: %v", ErrMalformedMessage, err)
		}
		m.ID = id
	} else {
		m.ID = uuid.New()
	}

	if raw := f[fieldStamp].GetStringValue(); raw != "" {
		var ts timestamppb.Timestamp
		if err := protojson.Unmarshal([]byte(strconv.Quote(raw)), &ts); err != nil {
			return Message{}, fmt.Errorf("%w: stamp: %v", ErrMalformedMessage, err)
		}
		m.Stamp = ts.AsTime()
	} else {
		Stamp(&m)
	}

	switch m.Kind {
	case KindInsertEntity:
		m.Insert = &InsertPayload{
			Description: f[fieldDescription].GetStringValue(),
			Replace:     f[fieldReplace].GetBoolValue(),
			Initialize:  f[fieldInitialize].GetBoolValue(),
		}
	case KindDeleteEntity, KindSelect:
		m.Name = f[fieldName].GetStringValue()
	case KindPause:
		m.Paused = f[fieldPaused].GetBoolValue()
	case KindStep:
		m.Steps = 1
		if v, ok := f[fieldSteps]; ok {
			n, err := stepCount(v)
			if err != nil {
				return Message{}, err
			}
			m.Steps = n
		}
	case KindSetPose:
		pose, err := PoseFromStruct(f[fieldPose].GetStructValue())
		if err != nil {
			return Message{}, err
		}
		m.Pose = &SetPosePayload{Name: f[fieldName].GetStringValue(), Pose: pose}
	}

	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// stepCount accepts only whole numbers in [1, MaxSteps].
func stepCount(v *structpb.Value) (int, error) {
	nv, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, fmt.Errorf("%w: steps must be a number", ErrMalformedMessage)
	}
	n := nv.NumberValue
	if n != math.Trunc(n) || n < 1 || n > MaxSteps {
		return 0, fmt.Errorf("%w: step count %v not a whole number in [1, %d]", ErrMalformedMessage, n, MaxSteps)
	}
	return int(n), nil
}

// PoseToMap converts a pose to the nested map form used on the wire.
func PoseToMap(p model.Pose) map[string]any {
	return map[string]any{
		"position": VectorToMap(p.Position),
		"rotation": map[string]any{
			"w": p.Rotation.W,
			"x": p.Rotation.X,
			"y": p.Rotation.Y,
			"z": p.Rotation.Z,
		},
	}
}

// VectorToMap converts a vector to its wire map form.
func VectorToMap(v model.Vector3) map[string]any {
	return map[string]any{"x": v.X, "y": v.Y, "z": v.Z}
}

// PoseToStruct converts a pose to a protobuf Struct.
func PoseToStruct(p model.Pose) (*structpb.Struct, error) {
	return structpb.NewStruct(PoseToMap(p))
}

// PoseFromStruct decodes a wire pose. A missing rotation is the identity.
func PoseFromStruct(s *structpb.Struct) (model.Pose, error) {
	if s == nil {
		return model.Pose{}, fmt.Errorf("%w: missing pose", ErrMalformedMessage)
	}
	pose := model.IdentityPose()
	pose.Position = VectorFromStruct(s.GetFields()["position"].GetStructValue())

	if rot := s.GetFields()["rotation"].GetStructValue(); rot != nil {
		rf := rot.GetFields()
		q := model.Quaternion{
			W: rf["w"].GetNumberValue(),
			X: rf["x"].GetNumberValue(),
			Y: rf["y"].GetNumberValue(),
			Z: rf["z"].GetNumberValue(),
		}
		pose.Rotation = q.Normalize()
	}
	return pose, nil
}

// VectorFromStruct decodes a wire vector; nil decodes to the zero vector.
func VectorFromStruct(s *structpb.Struct) model.Vector3 {
	f := s.GetFields()
	return model.Vector3{
		X: f["x"].GetNumberValue(),
		Y: f["y"].GetNumberValue(),
		Z: f["z"].GetNumberValue(),
	}
}

