package control

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/signalsfoundry/worldsim/internal/loader"
	"github.com/signalsfoundry/worldsim/internal/logging"
	"github.com/signalsfoundry/worldsim/internal/msgs"
	"github.com/signalsfoundry/worldsim/internal/sim/history"
	"github.com/signalsfoundry/worldsim/internal/sim/world"
)

// Server implements WorldControlServer on top of a World. Mutating calls
// only enqueue work for the simulation loop; queries read the registry and
// history directly.
type Server struct {
	UnimplementedWorldControlServer

	world *world.World
	log   logging.Logger
}

// NewServer wires a Server to w. A nil logger falls back to Noop.
func NewServer(w *world.World, log logging.Logger) *Server {
	if log == nil {
		log = logging.Noop()
	}
	return &Server{world: w, log: log}
}

func (s *Server) ensureReady() error {
	if s == nil || s.world == nil {
		return status.Error(codes.Unavailable, "world not initialised")
	}
	return nil
}

func (s *Server) logger(ctx context.Context) logging.Logger {
	if l := logging.LoggerFromContext(ctx); l != nil {
		return l
	}
	return s.log
}

// InsertEntity parses the description up front so malformed text is
// rejected synchronously, then queues the parsed model.
func (s *Server) InsertEntity(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	f := in.GetFields()
	text := f["description"].GetStringValue()
	if text == "" {
		return nil, status.Error(codes.InvalidArgument, "description is required")
	}
	replace := f["replace"].GetBoolValue()
	initialize := true
	if v, ok := f["initialize"]; ok {
		initialize = v.GetBoolValue()
	}

	_, span := StartChildSpan(ctx, "Control.ParseModel", "")
	desc, err := loader.ParseModel(text)
	span.End()
	if err != nil {
		return nil, ToStatusError(err)
	}

	s.world.InsertModel(desc, replace, initialize)
	s.logger(ctx).Info(ctx, "insert queued",
		logging.String("entity", desc.Name),
		logging.Bool("replace", replace),
	)
	return &emptypb.Empty{}, nil
}

func (s *Server) DeleteEntity(ctx context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	name := in.GetValue()
	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "name is required")
	}
	s.world.DeleteEntity(name)
	s.logger(ctx).Info(ctx, "delete queued", logging.String("entity", name))
	return &emptypb.Empty{}, nil
}

// SendMessage decodes a wire message, queues it and returns its id.
func (s *Server) SendMessage(ctx context.Context, in *structpb.Struct) (*wrapperspb.StringValue, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	m, err := msgs.FromStruct(in)
	if err != nil {
		return nil, ToStatusError(err)
	}
	if err := s.world.ReceiveMessage(m); err != nil {
		return nil, ToStatusError(err)
	}
	s.logger(ctx).Debug(ctx, "message queued",
		logging.String("kind", string(m.Kind)),
		logging.String("message_id", m.ID.String()),
	)
	return wrapperspb.String(m.ID.String()), nil
}

func (s *Server) SetPaused(ctx context.Context, in *wrapperspb.BoolValue) (*emptypb.Empty, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	if err := s.world.SetPaused(in.GetValue()); err != nil {
		return nil, ToStatusError(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) Step(ctx context.Context, in *wrapperspb.Int32Value) (*emptypb.Empty, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	if err := s.world.Step(int(in.GetValue())); err != nil {
		return nil, ToStatusError(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) GetClock(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	out, err := clockToStruct(Clock{
		SimTime:      s.world.SimTime(),
		PauseTime:    s.world.PauseTime(),
		RealTime:     s.world.RealTime(),
		StartTime:    s.world.StartTime(),
		Paused:       s.world.IsPaused(),
		State:        s.world.State().String(),
		PendingSteps: s.world.PendingSteps(),
		Selected:     s.world.SelectedName(),
	})
	if err != nil {
		return nil, ToStatusError(err)
	}
	return out, nil
}

// ListEntities returns every model in registration order.
func (s *Server) ListEntities(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	models := s.world.Models()
	list := make([]any, 0, len(models))
	for _, m := range models {
		list = append(list, entityToMap(describeEntity(m)))
	}
	out, err := structpb.NewStruct(map[string]any{"entities": list})
	if err != nil {
		return nil, ToStatusError(err)
	}
	return out, nil
}

// GetEntity resolves a scoped name of any kind.
func (s *Server) GetEntity(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	name := in.GetValue()
	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "name is required")
	}
	e := s.world.GetByName(name)
	if e == nil {
		return nil, status.Errorf(codes.NotFound, "entity %q not found", name)
	}
	out, err := structpb.NewStruct(entityToMap(describeEntity(e)))
	if err != nil {
		return nil, ToStatusError(err)
	}
	return out, nil
}

// SeekHistory moves the playback cursor. The request carries exactly one of
// "time" (a duration string) or "index".
func (s *Server) SeekHistory(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	f := in.GetFields()
	rawTime, hasTime := f["time"]
	rawIndex, hasIndex := f["index"]
	rawNewest, hasNewest := f["newest"]
	given := 0
	for _, ok := range []bool{hasTime, hasIndex, hasNewest} {
		if ok {
			given++
		}
	}
	if given != 1 {
		return nil, status.Error(codes.InvalidArgument, "exactly one of time, index or newest is required")
	}

	var err error
	switch {
	case hasTime:
		t, perr := parseDuration(rawTime.GetStringValue())
		if perr != nil {
			return nil, ToStatusError(perr)
		}
		_, err = s.world.SeekTime(t)
	case hasIndex:
		i, perr := wholeNumber(rawIndex, "index")
		if perr != nil {
			return nil, ToStatusError(perr)
		}
		_, err = s.world.SeekIndex(i)
	default:
		if !rawNewest.GetBoolValue() {
			return nil, status.Error(codes.InvalidArgument, "newest must be true")
		}
		if s.world.FollowHistory() == nil {
			err = history.ErrEmpty
		}
	}
	if err != nil {
		return nil, ToStatusError(err)
	}

	info := s.world.HistoryWindow()
	pos := HistoryPosition{
		Index:     info.CurrentIndex,
		SimTime:   info.Current,
		Len:       info.Len,
		Oldest:    info.Oldest,
		Newest:    info.Newest,
		Following: info.Following,
	}
	if ws := s.world.CurrentState(); ws != nil {
		pos.Seq = ws.Seq
		pos.Entities = ws.Len()
	}
	out, err := positionToStruct(pos)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return out, nil
}

// RestoreHistory applies the snapshot under the cursor. A true request
// rewinds, discarding the newer snapshots.
func (s *Server) RestoreHistory(ctx context.Context, in *wrapperspb.BoolValue) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	rewind := in.GetValue()
	ctx, span := StartChildSpan(ctx, "Control.RestoreHistory", "", attribute.Bool("rewind", rewind))
	defer span.End()

	restore := s.world.RestoreCurrent
	if rewind {
		restore = s.world.Rewind
	}
	applied, skipped, err := restore(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, ToStatusError(fmt.Errorf("restore: %w", err))
	}
	out, err := structpb.NewStruct(map[string]any{"applied": applied, "skipped": skipped})
	if err != nil {
		return nil, ToStatusError(err)
	}
	return out, nil
}
