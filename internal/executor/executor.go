// Package executor defines the boundary between the daemon and whatever
// actually performs a task. The daemon only knows how to hand over a prompt
// and receive a stream of progress events plus a final summary.
package executor

import "context"

// StreamEvent is a single unit of executor progress.
type StreamEvent struct {
	// Kind is "text" for narrative output or "tool_use" for a tool call.
	Kind string
	Text string
	Tool string
}

// Request describes one execution attempt.
type Request struct {
	Prompt       string
	SystemPrompt string
	AllowedTools []string
	WorkingDir   string
	MaxTurns     int
}

// Executor runs a request to completion, calling emit for each progress
// event, and returns the final result summary. A cancelled ctx must stop the
// run and surface ctx.Err().
type Executor interface {
	Run(ctx context.Context, req Request, emit func(StreamEvent)) (string, error)
}

// Func adapts a plain function to Executor.
type Func func(ctx context.Context, req Request, emit func(StreamEvent)) (string, error)

func (f Func) Run(ctx context.Context, req Request, emit func(StreamEvent)) (string, error) {
	return f(ctx, req, emit)
}
