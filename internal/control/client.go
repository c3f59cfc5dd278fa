package control

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/signalsfoundry/worldsim/internal/msgs"
)

// Client is a typed wrapper over a WorldControl connection.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in, out any, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, fullMethod(method), in, out, opts...)
}

// InsertEntity queues a model described by YAML text.
func (c *Client) InsertEntity(ctx context.Context, description string, replace, initialize bool, opts ...grpc.CallOption) error {
	in, err := structpb.NewStruct(map[string]any{
		"description": description,
		"replace":     replace,
		"initialize":  initialize,
	})
	if err != nil {
		return err
	}
	return c.invoke(ctx, "InsertEntity", in, new(emptypb.Empty), opts...)
}

// DeleteEntity queues removal of a model.
func (c *Client) DeleteEntity(ctx context.Context, name string, opts ...grpc.CallOption) error {
	return c.invoke(ctx, "DeleteEntity", wrapperspb.String(name), new(emptypb.Empty), opts...)
}

// SendMessage queues m and returns the id the server assigned or kept.
func (c *Client) SendMessage(ctx context.Context, m msgs.Message, opts ...grpc.CallOption) (string, error) {
	in, err := msgs.ToStruct(m)
	if err != nil {
		return "", err
	}
	out := new(wrapperspb.StringValue)
	if err := c.invoke(ctx, "SendMessage", in, out, opts...); err != nil {
		return "", err
	}
	return out.GetValue(), nil
}

func (c *Client) SetPaused(ctx context.Context, paused bool, opts ...grpc.CallOption) error {
	return c.invoke(ctx, "SetPaused", wrapperspb.Bool(paused), new(emptypb.Empty), opts...)
}

// Step authorizes n ticks on a paused world.
func (c *Client) Step(ctx context.Context, n int, opts ...grpc.CallOption) error {
	return c.invoke(ctx, "Step", wrapperspb.Int32(int32(n)), new(emptypb.Empty), opts...)
}

func (c *Client) Clock(ctx context.Context, opts ...grpc.CallOption) (Clock, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "GetClock", new(emptypb.Empty), out, opts...); err != nil {
		return Clock{}, err
	}
	return clockFromStruct(out)
}

// ListEntities returns the models in registration order.
func (c *Client) ListEntities(ctx context.Context, opts ...grpc.CallOption) ([]Entity, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "ListEntities", new(emptypb.Empty), out, opts...); err != nil {
		return nil, err
	}
	values := out.GetFields()["entities"].GetListValue().GetValues()
	entities := make([]Entity, 0, len(values))
	for i, v := range values {
		e, err := entityFromStruct(v.GetStructValue())
		if err != nil {
			return nil, fmt.Errorf("entity %d: %w", i, err)
		}
		entities = append(entities, e)
	}
	return entities, nil
}

func (c *Client) GetEntity(ctx context.Context, name string, opts ...grpc.CallOption) (Entity, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "GetEntity", wrapperspb.String(name), out, opts...); err != nil {
		return Entity{}, err
	}
	return entityFromStruct(out)
}

// SeekTime moves the playback cursor to the snapshot nearest t.
func (c *Client) SeekTime(ctx context.Context, t time.Duration, opts ...grpc.CallOption) (HistoryPosition, error) {
	s, err := formatDuration(t)
	if err != nil {
		return HistoryPosition{}, err
	}
	return c.seek(ctx, map[string]any{"time": s}, opts...)
}

// SeekIndex moves the playback cursor to index i, 0 being the oldest.
func (c *Client) SeekIndex(ctx context.Context, i int, opts ...grpc.CallOption) (HistoryPosition, error) {
	return c.seek(ctx, map[string]any{"index": i}, opts...)
}

// SeekNewest returns the playback cursor to the newest snapshot and keeps it
// following new ones.
func (c *Client) SeekNewest(ctx context.Context, opts ...grpc.CallOption) (HistoryPosition, error) {
	return c.seek(ctx, map[string]any{"newest": true}, opts...)
}

func (c *Client) seek(ctx context.Context, fields map[string]any, opts ...grpc.CallOption) (HistoryPosition, error) {
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return HistoryPosition{}, err
	}
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "SeekHistory", in, out, opts...); err != nil {
		return HistoryPosition{}, err
	}
	return positionFromStruct(out)
}

// Restore applies the snapshot under the cursor; rewind also discards the
// snapshots after it.
func (c *Client) Restore(ctx context.Context, rewind bool, opts ...grpc.CallOption) (RestoreResult, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "RestoreHistory", wrapperspb.Bool(rewind), out, opts...); err != nil {
		return RestoreResult{}, err
	}
	f := out.GetFields()
	return RestoreResult{
		Applied: int(f["applied"].GetNumberValue()),
		Skipped: int(f["skipped"].GetNumberValue()),
	}, nil
}
