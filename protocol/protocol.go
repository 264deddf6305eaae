// Package protocol defines the control vocabulary spoken over a timerlink
// connection and the server-side policy that answers each request.
package protocol

import (
	"context"
	"strconv"
)

// Reserved request payloads. Matching is exact and case-sensitive.
const (
	Disconnect = "!DISCONNECT"
	Timer      = "!TIMER"
	Type       = "!TYPE"
	Total      = "!TOTAL"
	Remains    = "!REMAINS"
)

// Reply markers sent by the server when a request cannot be answered with
// state.
const (
	Unrecognized = "!UNRECOGNIZED"
	Unavailable  = "!UNAVAILABLE"
)

// IsControl reports whether msg is one of the reserved request payloads.
func IsControl(msg string) bool {
	switch msg {
	case Disconnect, Timer, Type, Total, Remains:
		return true
	}

	return false
}

// Snapshot is the timer state a server reports to its peers.
type Snapshot struct {
	Remaining      string `json:"remaining"`
	Phase          string `json:"phase"`
	TotalTasks     int    `json:"total_tasks"`
	RemainingTasks int    `json:"remaining_tasks"`
}

// StateProvider gives read access to the owning application's timer state.
// Snapshot is called from connection handler goroutines and must be safe for
// concurrent use.
type StateProvider interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// StateFunc adapts a function to StateProvider.
type StateFunc func(ctx context.Context) (Snapshot, error)

// Snapshot implements StateProvider.
func (f StateFunc) Snapshot(ctx context.Context) (Snapshot, error) {
	return f(ctx)
}

// StaticState is a StateProvider that always reports the same snapshot.
type StaticState Snapshot

// Snapshot implements StateProvider.
func (s StaticState) Snapshot(context.Context) (Snapshot, error) {
	return Snapshot(s), nil
}

// Response is the outcome of dispatching one request. When Close is true
// the connection must be closed without sending Reply.
type Response struct {
	Reply string
	Close bool
}

// Dispatcher answers requests from the state of a StateProvider.
type Dispatcher struct {
	state StateProvider
}

// NewDispatcher returns a Dispatcher reading state from provider.
func NewDispatcher(provider StateProvider) *Dispatcher {
	return &Dispatcher{state: provider}
}

// Dispatch maps one request to its response. It never fails: unknown
// requests are answered with Unrecognized, and requests whose state lookup
// fails are answered with Unavailable.
func (d *Dispatcher) Dispatch(ctx context.Context, request string) Response {
	if !IsControl(request) {
		return Response{Reply: Unrecognized}
	}

	if request == Disconnect {
		return Response{Close: true}
	}

	if d.state == nil {
		return Response{Reply: Unavailable}
	}

	snap, err := d.state.Snapshot(ctx)
	if err != nil {
		return Response{Reply: Unavailable}
	}

	switch request {
	case Timer:
		return Response{Reply: snap.Remaining}
	case Type:
		return Response{Reply: snap.Phase}
	case Total:
		return Response{Reply: strconv.Itoa(snap.TotalTasks)}
	default:
		return Response{Reply: strconv.Itoa(snap.RemainingTasks)}
	}
}
