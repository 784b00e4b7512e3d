package strategy

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable marks a strategy whose backing tool is not usable right now
// (missing binary, daemon not running). The scheduler falls back to the local
// strategy when it sees this.
var ErrUnavailable = errors.New("execution strategy unavailable")

// OutputFormat describes how headless output should be interpreted.
type OutputFormat string

const (
	FormatText     OutputFormat = "text"
	FormatJSON     OutputFormat = "json"
	FormatMarkdown OutputFormat = "markdown"
)

// Request is one unit of work handed to a strategy.
type Request struct {
	WorkerType string
	Payload    map[string]any
	Timeout    time.Duration

	// Headless-only knobs.
	PromptTemplate  string
	Sandbox         bool
	Model           string
	ContextPatterns []string
	Format          OutputFormat
}

// Result is the outcome of one execution.
type Result struct {
	Success  bool
	Output   any
	Duration time.Duration
	Err      string
}

// Strategy executes work for a worker type. Implementations must honor ctx
// cancellation; subprocess-backed strategies kill the child process on
// timeout so resources are actually reclaimed.
type Strategy interface {
	Name() string
	Execute(ctx context.Context, req Request) (Result, error)
}
