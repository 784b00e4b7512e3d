package worker

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Priority orders work when types compete for the same resources.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityLow:      "low",
	PriorityNormal:   "normal",
	PriorityHigh:     "high",
	PriorityCritical: "critical",
}

func (p Priority) String() string {
	if s, ok := priorityNames[p]; ok {
		return s
	}
	return "normal"
}

// ParsePriority maps a config string to a Priority. Unknown values fall back
// to normal.
func ParsePriority(s string) Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityNormal
	}
}

func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Priority) UnmarshalText(b []byte) error {
	*p = ParsePriority(string(b))
	return nil
}

// Mode selects the execution strategy for a worker type.
type Mode string

const (
	ModeLocal     Mode = "local"
	ModeHeadless  Mode = "headless"
	ModeContainer Mode = "container"
)

// Descriptor is the static definition of one periodic worker type.
// Loaded at startup; mutable only via Registry.Enable/Disable.
type Descriptor struct {
	Type        string        `json:"type"`
	Interval    time.Duration `json:"interval"`
	Priority    Priority      `json:"priority"`
	Description string        `json:"description,omitempty"`
	Enabled     bool          `json:"enabled"`
	Mode        Mode          `json:"executionMode"`

	// Timeout overrides the daemon's default per-run timeout. 0 means default.
	Timeout time.Duration `json:"timeout,omitempty"`
}

func (d Descriptor) validate() error {
	if strings.TrimSpace(d.Type) == "" {
		return errors.New("worker type is required")
	}
	if d.Interval <= 0 {
		return fmt.Errorf("worker %q: interval must be > 0", d.Type)
	}
	switch d.Mode {
	case ModeLocal, ModeHeadless, ModeContainer:
	case "":
		return fmt.Errorf("worker %q: execution mode is required", d.Type)
	default:
		return fmt.Errorf("worker %q: unknown execution mode %q", d.Type, d.Mode)
	}
	return nil
}

// RuntimeState tracks one worker type's execution history.
// Mutated only by the daemon after each run; persisted on every transition.
// Date fields serialize as RFC3339; the average is kept in milliseconds so
// the persisted document stays readable.
type RuntimeState struct {
	LastRun       time.Time `json:"lastRun"`
	NextRun       time.Time `json:"nextRun"`
	RunCount      uint64    `json:"runCount"`
	SuccessCount  uint64    `json:"successCount"`
	FailureCount  uint64    `json:"failureCount"`
	AvgDurationMs int64     `json:"averageDurationMs"`
	IsRunning     bool      `json:"isRunning"`
}

// RecordRun folds one completed execution into the state.
// The average is an incremental running mean: avg' = (avg*(n-1) + d) / n.
func (s *RuntimeState) RecordRun(at time.Time, d time.Duration, ok bool) {
	s.RunCount++
	if ok {
		s.SuccessCount++
	} else {
		s.FailureCount++
	}
	s.LastRun = at
	n := int64(s.RunCount)
	s.AvgDurationMs = (s.AvgDurationMs*(n-1) + d.Milliseconds()) / n
}

// Registry holds the worker descriptors the daemon schedules.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Descriptor
}

func NewRegistry() *Registry {
	return &Registry{defs: map[string]Descriptor{}}
}

// Register adds or replaces a descriptor.
func (r *Registry) Register(d Descriptor) error {
	if err := d.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.defs[d.Type] = d
	r.mu.Unlock()
	return nil
}

func (r *Registry) Get(workerType string) (Descriptor, bool) {
	r.mu.RLock()
	d, ok := r.defs[workerType]
	r.mu.RUnlock()
	return d, ok
}

// List returns all descriptors sorted by type for stable output.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Enabled returns only the descriptors the daemon should schedule.
func (r *Registry) Enabled() []Descriptor {
	all := r.List()
	out := all[:0]
	for _, d := range all {
		if d.Enabled {
			out = append(out, d)
		}
	}
	return out
}

func (r *Registry) setEnabled(workerType string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.defs[workerType]
	if !ok {
		return fmt.Errorf("unknown worker type %q", workerType)
	}
	d.Enabled = enabled
	r.defs[workerType] = d
	return nil
}

func (r *Registry) Enable(workerType string) error  { return r.setEnabled(workerType, true) }
func (r *Registry) Disable(workerType string) error { return r.setEnabled(workerType, false) }
