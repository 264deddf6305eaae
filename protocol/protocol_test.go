package protocol

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsControl(t *testing.T) {
	for _, msg := range []string{Disconnect, Timer, Type, Total, Remains} {
		assert.True(t, IsControl(msg), msg)
	}

	for _, msg := range []string{"", "!timer", "TIMER", "!TIMER ", Unrecognized, "hello"} {
		assert.False(t, IsControl(msg), msg)
	}
}

func TestDispatcher_Dispatch(t *testing.T) {
	state := StaticState{
		Remaining:      "12:15",
		Phase:          "work",
		TotalTasks:     4,
		RemainingTasks: 3,
	}
	d := NewDispatcher(state)
	ctx := context.Background()

	tests := []struct {
		name    string
		request string
		want    Response
	}{
		{name: "disconnect closes without reply", request: Disconnect, want: Response{Close: true}},
		{name: "timer", request: Timer, want: Response{Reply: "12:15"}},
		{name: "type", request: Type, want: Response{Reply: "work"}},
		{name: "total tasks", request: Total, want: Response{Reply: "4"}},
		{name: "remaining tasks", request: Remains, want: Response{Reply: "3"}},
		{name: "unknown", request: "!PING", want: Response{Reply: Unrecognized}},
		{name: "empty", request: "", want: Response{Reply: Unrecognized}},
		{name: "wrong case", request: "!timer", want: Response{Reply: Unrecognized}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, d.Dispatch(ctx, tt.request))
		})
	}
}

func TestDispatcher_StateFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("provider error replies unavailable", func(t *testing.T) {
		d := NewDispatcher(StateFunc(func(context.Context) (Snapshot, error) {
			return Snapshot{}, errors.New("ui thread busy")
		}))
		assert.Equal(t, Response{Reply: Unavailable}, d.Dispatch(ctx, Timer))
	})

	t.Run("nil provider replies unavailable", func(t *testing.T) {
		d := NewDispatcher(nil)
		assert.Equal(t, Response{Reply: Unavailable}, d.Dispatch(ctx, Total))
	})

	t.Run("disconnect never consults state", func(t *testing.T) {
		called := false
		d := NewDispatcher(StateFunc(func(context.Context) (Snapshot, error) {
			called = true
			return Snapshot{}, nil
		}))
		assert.True(t, d.Dispatch(ctx, Disconnect).Close)
		assert.False(t, called)
	})

	t.Run("context reaches provider", func(t *testing.T) {
		type key struct{}
		withValue := context.WithValue(ctx, key{}, "marker")
		d := NewDispatcher(StateFunc(func(ctx context.Context) (Snapshot, error) {
			return Snapshot{Phase: ctx.Value(key{}).(string)}, nil
		}))
		assert.Equal(t, "marker", d.Dispatch(withValue, Type).Reply)
	})
}
