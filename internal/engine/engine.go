// Package engine defines the boundary to the simulation engine. The engine
// is an opaque blocking call: it returns nil when the simulation completed,
// an error when it failed, and it must return soon after its context is
// canceled.
package engine

import (
	"context"

	"github.com/trafficjam/simengine/internal/event"
)

// Spec is the input of one simulation run.
type Spec struct {
	Network    string // path of the network description file
	Iterations int
	Seed       int64
	OutputDir  string
}

// Callbacks are invoked synchronously on the goroutine calling Run.
type Callbacks struct {
	OnEvent          func(event.Raw)
	OnIterationStart func(iteration int)
}

func (c Callbacks) Event(r event.Raw) {
	if c.OnEvent != nil {
		c.OnEvent(r)
	}
}

func (c Callbacks) IterationStart(n int) {
	if c.OnIterationStart != nil {
		c.OnIterationStart(n)
	}
}

type Engine interface {
	Run(ctx context.Context, spec Spec, cb Callbacks) error
}

// Func adapts a function to Engine.
type Func func(ctx context.Context, spec Spec, cb Callbacks) error

func (f Func) Run(ctx context.Context, spec Spec, cb Callbacks) error {
	return f(ctx, spec, cb)
}
