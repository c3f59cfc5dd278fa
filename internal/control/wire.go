package control

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/signalsfoundry/worldsim/internal/msgs"
	"github.com/signalsfoundry/worldsim/kb"
	"github.com/signalsfoundry/worldsim/model"
)

// Clock is the controller state reported by GetClock.
type Clock struct {
	SimTime      time.Duration
	PauseTime    time.Duration
	RealTime     time.Duration
	StartTime    time.Time // zero before the first start
	Paused       bool
	State        string
	PendingSteps int
	Selected     string
}

// Entity describes one registry entry.
type Entity struct {
	ID         string
	Name       string
	ScopedName string
	Kind       string
	Static     bool
	Pose       model.Pose // relative to the parent
	WorldPose  model.Pose
	Children   []string // scoped names
}

// HistoryPosition is the playback cursor after a seek.
type HistoryPosition struct {
	Index     int
	Seq       uint64
	SimTime   time.Duration
	Entities  int
	Len       int
	Oldest    time.Duration
	Newest    time.Duration
	Following bool
}

// RestoreResult counts the poses applied and skipped by a restore.
type RestoreResult struct {
	Applied int
	Skipped int
}

// Durations and timestamps travel as their protobuf JSON strings ("1.5s",
// RFC 3339) so Struct numbers never carry nanosecond counts.

func formatDuration(d time.Duration) (string, error) {
	b, err := protojson.Marshal(durationpb.New(d))
	if err != nil {
		return "", err
	}
	return strconv.Unquote(string(b))
}

func parseDuration(s string) (time.Duration, error) {
	var pb durationpb.Duration
	if err := protojson.Unmarshal([]byte(strconv.Quote(s)), &pb); err != nil {
		return 0, fmt.Errorf("%w: duration %q: %v", ErrInvalidRequest, s, err)
	}
	return pb.AsDuration(), nil
}

func formatTime(t time.Time) (string, error) {
	b, err := protojson.Marshal(timestamppb.New(t))
	if err != nil {
		return "", err
	}
	return strconv.Unquote(string(b))
}

func parseTime(s string) (time.Time, error) {
	var pb timestamppb.Timestamp
	if err := protojson.Unmarshal([]byte(strconv.Quote(s)), &pb); err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp %q: %v", ErrInvalidRequest, s, err)
	}
	return pb.AsTime(), nil
}

func clockToStruct(c Clock) (*structpb.Struct, error) {
	fields := map[string]any{
		"paused":        c.Paused,
		"state":         c.State,
		"pending_steps": c.PendingSteps,
		"selected":      c.Selected,
	}
	for key, d := range map[string]time.Duration{
		"sim_time":   c.SimTime,
		"pause_time": c.PauseTime,
		"real_time":  c.RealTime,
	} {
		s, err := formatDuration(d)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", key, err)
		}
		fields[key] = s
	}
	if !c.StartTime.IsZero() {
		s, err := formatTime(c.StartTime)
		if err != nil {
			return nil, fmt.Errorf("encode start_time: %w", err)
		}
		fields["start_time"] = s
	}
	return structpb.NewStruct(fields)
}

func clockFromStruct(s *structpb.Struct) (Clock, error) {
	f := s.GetFields()
	c := Clock{
		Paused:       f["paused"].GetBoolValue(),
		State:        f["state"].GetStringValue(),
		PendingSteps: int(f["pending_steps"].GetNumberValue()),
		Selected:     f["selected"].GetStringValue(),
	}
	var err error
	if c.SimTime, err = parseDuration(f["sim_time"].GetStringValue()); err != nil {
		return Clock{}, err
	}
	if c.PauseTime, err = parseDuration(f["pause_time"].GetStringValue()); err != nil {
		return Clock{}, err
	}
	if c.RealTime, err = parseDuration(f["real_time"].GetStringValue()); err != nil {
		return Clock{}, err
	}
	if raw := f["start_time"].GetStringValue(); raw != "" {
		if c.StartTime, err = parseTime(raw); err != nil {
			return Clock{}, err
		}
	}
	return c, nil
}

func describeEntity(e *kb.Entity) Entity {
	out := Entity{
		ID:         e.ID().String(),
		Name:       e.Name(),
		ScopedName: e.ScopedName(),
		Kind:       e.Kind().String(),
		Static:     e.Static(),
		Pose:       e.Pose(),
		WorldPose:  e.WorldPose(),
	}
	for _, c := range e.Children() {
		out.Children = append(out.Children, c.ScopedName())
	}
	return out
}

func entityToMap(e Entity) map[string]any {
	children := make([]any, len(e.Children))
	for i, c := range e.Children {
		children[i] = c
	}
	return map[string]any{
		"id":          e.ID,
		"name":        e.Name,
		"scoped_name": e.ScopedName,
		"kind":        e.Kind,
		"static":      e.Static,
		"pose":        msgs.PoseToMap(e.Pose),
		"world_pose":  msgs.PoseToMap(e.WorldPose),
		"children":    children,
	}
}

func entityFromStruct(s *structpb.Struct) (Entity, error) {
	f := s.GetFields()
	e := Entity{
		ID:         f["id"].GetStringValue(),
		Name:       f["name"].GetStringValue(),
		ScopedName: f["scoped_name"].GetStringValue(),
		Kind:       f["kind"].GetStringValue(),
		Static:     f["static"].GetBoolValue(),
	}
	var err error
	if e.Pose, err = msgs.PoseFromStruct(f["pose"].GetStructValue()); err != nil {
		return Entity{}, err
	}
	if e.WorldPose, err = msgs.PoseFromStruct(f["world_pose"].GetStructValue()); err != nil {
		return Entity{}, err
	}
	for _, v := range f["children"].GetListValue().GetValues() {
		e.Children = append(e.Children, v.GetStringValue())
	}
	return e, nil
}

func positionToStruct(p HistoryPosition) (*structpb.Struct, error) {
	fields := map[string]any{
		"index":     p.Index,
		"seq":       strconv.FormatUint(p.Seq, 10),
		"entities":  p.Entities,
		"len":       p.Len,
		"following": p.Following,
	}
	for key, d := range map[string]time.Duration{
		"sim_time": p.SimTime,
		"oldest":   p.Oldest,
		"newest":   p.Newest,
	} {
		s, err := formatDuration(d)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", key, err)
		}
		fields[key] = s
	}
	return structpb.NewStruct(fields)
}

func positionFromStruct(s *structpb.Struct) (HistoryPosition, error) {
	f := s.GetFields()
	p := HistoryPosition{
		Index:     int(f["index"].GetNumberValue()),
		Entities:  int(f["entities"].GetNumberValue()),
		Len:       int(f["len"].GetNumberValue()),
		Following: f["following"].GetBoolValue(),
	}
	seq, err := strconv.ParseUint(f["seq"].GetStringValue(), 10, 64)
	if err != nil {
		return HistoryPosition{}, fmt.Errorf("%w: seq: %v", ErrInvalidRequest, err)
	}
	p.Seq = seq
	if p.SimTime, err = parseDuration(f["sim_time"].GetStringValue()); err != nil {
		return HistoryPosition{}, err
	}
	if p.Oldest, err = parseDuration(f["oldest"].GetStringValue()); err != nil {
		return HistoryPosition{}, err
	}
	if p.Newest, err = parseDuration(f["newest"].GetStringValue()); err != nil {
		return HistoryPosition{}, err
	}
	return p, nil
}

// wholeNumber reads v as a non-negative integer.
func wholeNumber(v *structpb.Value, field string) (int, error) {
	nv, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, fmt.Errorf("%w: %s must be a number", ErrInvalidRequest, field)
	}
	n := nv.NumberValue
	if n != math.Trunc(n) || n < 0 || n > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %s %v is not a whole number", ErrInvalidRequest, field, n)
	}
	return int(n), nil
}
