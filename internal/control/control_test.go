package control

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/worldsim/internal/loader"
	"github.com/signalsfoundry/worldsim/internal/logging"
	"github.com/signalsfoundry/worldsim/internal/msgs"
	"github.com/signalsfoundry/worldsim/internal/sim/history"
	"github.com/signalsfoundry/worldsim/internal/sim/router"
	"github.com/signalsfoundry/worldsim/internal/sim/world"
	"github.com/signalsfoundry/worldsim/kb"
	"github.com/signalsfoundry/worldsim/model"
	"github.com/signalsfoundry/worldsim/timectrl"
)

const tick = 10 * time.Millisecond

const cartYAML = `
name: cart
motion:
  linear_velocity: {x: 1}
bodies:
  - name: link
    geoms:
      - name: collision
        shape: box
        size: {x: 1, y: 1, z: 1}
`

type requestIDRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *requestIDRecorder) interceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		r.mu.Lock()
		r.ids = append(r.ids, logging.RequestIDFromContext(ctx))
		r.mu.Unlock()
		return handler(ctx, req)
	}
}

func (r *requestIDRecorder) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ids) == 0 {
		return ""
	}
	return r.ids[len(r.ids)-1]
}

type harness struct {
	world  *world.World
	client *Client
	ids    *requestIDRecorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := world.DefaultConfig()
	cfg.Tick = tick
	cfg.SnapshotInterval = tick
	w := world.New(cfg, world.WithParser(loader.Parser{}))

	ids := &requestIDRecorder{}
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(
		RequestIDUnaryServerInterceptor(nil),
		TracingUnaryServerInterceptor(),
		ids.interceptor(),
	))
	RegisterWorldControlServer(srv, NewServer(w, nil))
	go func() { _ = srv.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(RequestIDUnaryClientInterceptor()),
	)
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}

	t.Cleanup(func() {
		_ = conn.Close()
		srv.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = w.Fini(ctx)
	})
	return &harness{world: w, client: NewClient(conn), ids: ids}
}

func (h *harness) tick(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := h.world.Tick(context.Background()); err != nil {
			t.Fatalf("Tick error: %v", err)
		}
	}
}

func wantCode(t *testing.T, what string, err error, code codes.Code) {
	t.Helper()
	if got := status.Code(err); got != code {
		t.Fatalf("%s: code = %v (%v), want %v", what, got, err, code)
	}
}

func TestInsertAndQueryEntities(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.client.InsertEntity(ctx, cartYAML, false, true); err != nil {
		t.Fatalf("InsertEntity error: %v", err)
	}
	if h.world.ModelCount() != 0 {
		t.Fatalf("insert applied before the loop ran")
	}
	h.tick(t, 3)

	entities, err := h.client.ListEntities(ctx)
	if err != nil {
		t.Fatalf("ListEntities error: %v", err)
	}
	if len(entities) != 1 || entities[0].Name != "cart" || entities[0].Kind != "model" {
		t.Fatalf("entities = %+v", entities)
	}
	if len(entities[0].Children) != 1 || entities[0].Children[0] != "cart::link" {
		t.Fatalf("children = %v", entities[0].Children)
	}
	if entities[0].ID != h.world.GetByName("cart").ID().String() {
		t.Fatalf("id = %s", entities[0].ID)
	}
	if entities[0].Pose.Position.X <= 0 {
		t.Fatalf("cart did not move: %+v", entities[0].Pose)
	}

	geom, err := h.client.GetEntity(ctx, "cart::link::collision")
	if err != nil {
		t.Fatalf("GetEntity error: %v", err)
	}
	if geom.Kind != "geom" || geom.ScopedName != "cart::link::collision" || geom.Name != "collision" {
		t.Fatalf("geom = %+v", geom)
	}
	if !geom.WorldPose.ApproxEqual(h.world.GetByName("cart::link::collision").WorldPose(), 1e-9) {
		t.Fatalf("world pose mismatch")
	}

	_, err = h.client.GetEntity(ctx, "ghost")
	wantCode(t, "GetEntity(ghost)", err, codes.NotFound)

	if err := h.client.DeleteEntity(ctx, "cart"); err != nil {
		t.Fatalf("DeleteEntity error: %v", err)
	}
	h.tick(t, 1)
	if h.world.GetByName("cart") != nil {
		t.Fatalf("delete not applied")
	}
}

func TestInsertRejectsMalformedDescription(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	wantCode(t, "empty", h.client.InsertEntity(ctx, "", false, true), codes.InvalidArgument)
	wantCode(t, "syntax", h.client.InsertEntity(ctx, "name: [oops", false, true), codes.InvalidArgument)
	wantCode(t, "delete without name", h.client.DeleteEntity(ctx, ""), codes.InvalidArgument)

	h.tick(t, 1)
	if h.world.ModelCount() != 0 {
		t.Fatalf("malformed insert reached the world")
	}
}

func TestPauseStepAndClock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	wantCode(t, "pause before start", h.client.SetPaused(ctx, true), codes.FailedPrecondition)
	h.tick(t, 2)
	wantCode(t, "step while running", h.client.Step(ctx, 1), codes.FailedPrecondition)

	if err := h.client.SetPaused(ctx, true); err != nil {
		t.Fatalf("SetPaused error: %v", err)
	}
	if err := h.client.Step(ctx, 2); err != nil {
		t.Fatalf("Step error: %v", err)
	}
	wantCode(t, "step zero", h.client.Step(ctx, 0), codes.InvalidArgument)

	clock, err := h.client.Clock(ctx)
	if err != nil {
		t.Fatalf("Clock error: %v", err)
	}
	if !clock.Paused || clock.State != "paused" || clock.PendingSteps != 2 || clock.SimTime != 2*tick {
		t.Fatalf("clock = %+v", clock)
	}
	if clock.StartTime.IsZero() {
		t.Fatalf("start time not reported")
	}

	h.tick(t, 3)
	clock, err = h.client.Clock(ctx)
	if err != nil {
		t.Fatalf("Clock error: %v", err)
	}
	if clock.SimTime != 4*tick || clock.PendingSteps != 0 {
		t.Fatalf("after steps clock = %+v", clock)
	}
}

func TestSendMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	m := msgs.NewInsert("name: box\nbodies:\n  - name: link\n", false, true)
	id, err := h.client.SendMessage(ctx, m)
	if err != nil {
		t.Fatalf("SendMessage error: %v", err)
	}
	if id != m.ID.String() {
		t.Fatalf("id = %s, want %s", id, m.ID)
	}
	h.tick(t, 1)
	if _, err := h.client.SendMessage(ctx, msgs.NewSelect("box::link")); err != nil {
		t.Fatalf("SendMessage(select) error: %v", err)
	}
	h.tick(t, 1)

	clock, err := h.client.Clock(ctx)
	if err != nil {
		t.Fatalf("Clock error: %v", err)
	}
	if clock.Selected != "box::link" {
		t.Fatalf("selected = %q", clock.Selected)
	}

	// Raw structs bypass client-side validation.
	bad, _ := structpb.NewStruct(map[string]any{"kind": "teleport"})
	err = h.client.invoke(ctx, "SendMessage", bad, new(structpb.Struct))
	wantCode(t, "unknown kind", err, codes.InvalidArgument)
}

func TestSeekAndRestoreHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.client.InsertEntity(ctx, cartYAML, false, true); err != nil {
		t.Fatalf("InsertEntity error: %v", err)
	}
	h.tick(t, 5)

	pos, err := h.client.SeekTime(ctx, 2*tick)
	if err != nil {
		t.Fatalf("SeekTime error: %v", err)
	}
	if pos.SimTime != 2*tick || pos.Len != 5 || pos.Newest != 5*tick || pos.Entities != 3 {
		t.Fatalf("position = %+v", pos)
	}
	want := h.world.CurrentState().ModelPoses["cart"].Pose

	res, err := h.client.Restore(ctx, true)
	if err != nil {
		t.Fatalf("Restore error: %v", err)
	}
	if res.Applied != 3 || res.Skipped != 0 {
		t.Fatalf("restore = %+v", res)
	}
	if !h.world.GetByName("cart").Pose().ApproxEqual(want, 1e-12) {
		t.Fatalf("pose not restored")
	}

	h.tick(t, 1)
	if info := h.world.HistoryWindow(); info.Len != 3 {
		t.Fatalf("rewind kept future snapshots: %+v", info)
	}

	_, err = h.client.SeekIndex(ctx, 99)
	wantCode(t, "index out of range", err, codes.OutOfRange)
	err = h.client.invoke(ctx, "SeekHistory", &structpb.Struct{}, new(structpb.Struct))
	wantCode(t, "empty seek", err, codes.InvalidArgument)
}

func TestSeekHoldsAcrossTicks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.client.InsertEntity(ctx, cartYAML, false, true); err != nil {
		t.Fatalf("InsertEntity error: %v", err)
	}
	h.tick(t, 5)

	pos, err := h.client.SeekIndex(ctx, 1)
	if err != nil {
		t.Fatalf("SeekIndex error: %v", err)
	}
	if pos.Following {
		t.Fatalf("cursor still following after a seek: %+v", pos)
	}
	sought := h.world.CurrentState()
	want := sought.ModelPoses["cart"].Pose

	h.tick(t, 3)
	if cur := h.world.CurrentState(); cur.Seq != pos.Seq {
		t.Fatalf("cursor moved from seq %d to %d", pos.Seq, cur.Seq)
	}
	if _, err := h.client.Restore(ctx, false); err != nil {
		t.Fatalf("Restore error: %v", err)
	}
	if !h.world.GetByName("cart").Pose().ApproxEqual(want, 1e-12) {
		t.Fatalf("restore applied a different snapshot than the one sought")
	}

	pos, err = h.client.SeekNewest(ctx)
	if err != nil {
		t.Fatalf("SeekNewest error: %v", err)
	}
	if !pos.Following || pos.Index != pos.Len-1 {
		t.Fatalf("newest position = %+v", pos)
	}

	for name, fields := range map[string]map[string]any{
		"fractional index": {"index": 1.5},
		"negative index":   {"index": -1},
		"newest false":     {"newest": false},
		"two selectors":    {"index": 0, "newest": true},
	} {
		in, err := structpb.NewStruct(fields)
		if err != nil {
			t.Fatalf("NewStruct error: %v", err)
		}
		err = h.client.invoke(ctx, "SeekHistory", in, new(structpb.Struct))
		wantCode(t, name, err, codes.InvalidArgument)
	}
}

func TestStepRejectsOversizedCount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.tick(t, 1)
	if err := h.client.SetPaused(ctx, true); err != nil {
		t.Fatalf("SetPaused error: %v", err)
	}
	err := h.client.Step(ctx, math.MaxInt32)
	wantCode(t, "step max int32", err, codes.InvalidArgument)
	if got := h.world.PendingSteps(); got != 0 {
		t.Fatalf("PendingSteps = %d after rejected step", got)
	}
}

func TestRequestIDPropagates(t *testing.T) {
	h := newHarness(t)
	ctx := logging.ContextWithRequestID(context.Background(), "req-42")

	if _, err := h.client.Clock(ctx); err != nil {
		t.Fatalf("Clock error: %v", err)
	}
	if got := h.ids.last(); got != "req-42" {
		t.Fatalf("server request id = %q", got)
	}

	if _, err := h.client.Clock(context.Background()); err != nil {
		t.Fatalf("Clock error: %v", err)
	}
	if got := h.ids.last(); got == "" || got == "req-42" {
		t.Fatalf("server did not mint a request id: %q", got)
	}
}

func TestUnimplementedServer(t *testing.T) {
	var srv UnimplementedWorldControlServer
	if _, err := srv.GetClock(context.Background(), nil); status.Code(err) != codes.Unimplemented {
		t.Fatalf("GetClock = %v", err)
	}
	var nilServer *Server
	if _, err := nilServer.GetClock(context.Background(), nil); status.Code(err) != codes.Unavailable {
		t.Fatalf("nil server GetClock = %v", err)
	}
}

func TestToStatusError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		err     error
		code    codes.Code
		wantNil bool
	}{
		{name: "nil", err: nil, wantNil: true},
		{name: "status passthrough", err: status.Error(codes.PermissionDenied, "denied"), code: codes.PermissionDenied},
		{name: "not found", err: fmt.Errorf("select: %w", kb.ErrEntityNotFound), code: codes.NotFound},
		{name: "exists", err: kb.ErrEntityExists, code: codes.AlreadyExists},
		{name: "malformed description", err: loader.ErrMalformedDescription, code: codes.InvalidArgument},
		{name: "invalid description", err: model.ErrInvalidDescription, code: codes.InvalidArgument},
		{name: "unknown kind", err: msgs.ErrUnknownKind, code: codes.InvalidArgument},
		{name: "not paused", err: timectrl.ErrNotPaused, code: codes.FailedPrecondition},
		{name: "history empty", err: history.ErrEmpty, code: codes.FailedPrecondition},
		{name: "index range", err: history.ErrIndexOutOfRange, code: codes.OutOfRange},
		{name: "queue full", err: router.ErrQueueFull, code: codes.ResourceExhausted},
		{name: "finalized", err: world.ErrFinalized, code: codes.Unavailable},
		{name: "deadline", err: context.DeadlineExceeded, code: codes.DeadlineExceeded},
		{name: "fallback", err: errors.New("boom"), code: codes.Internal},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := ToStatusError(tc.err)
			if tc.wantNil {
				if got != nil {
					t.Fatalf("ToStatusError(nil) = %v, want nil", got)
				}
				return
			}
			if code := status.Code(got); code != tc.code {
				t.Fatalf("ToStatusError(%v) code = %v, want %v", tc.err, code, tc.code)
			}
		})
	}
}

func TestWireDurationsAndTimes(t *testing.T) {
	for _, d := range []time.Duration{0, 1500 * time.Millisecond, -tick, 36 * time.Hour} {
		s, err := formatDuration(d)
		if err != nil {
			t.Fatalf("formatDuration(%v): %v", d, err)
		}
		got, err := parseDuration(s)
		if err != nil || got != d {
			t.Fatalf("parseDuration(%q) = %v, %v; want %v", s, got, err, d)
		}
	}
	if _, err := parseDuration("soon"); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("parseDuration(soon) = %v", err)
	}

	at := time.Date(2025, 6, 1, 8, 30, 0, 250, time.UTC)
	s, err := formatTime(at)
	if err != nil {
		t.Fatalf("formatTime: %v", err)
	}
	if got, err := parseTime(s); err != nil || !got.Equal(at) {
		t.Fatalf("parseTime(%q) = %v, %v", s, got, err)
	}
}
