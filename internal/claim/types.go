package claim

import (
	"errors"
	"time"
)

// Status is a claim's coordination state.
//
// stealable is the only state in which a foreign claimant may take the claim
// over; every other transfer goes through the handoff flow.
type Status string

const (
	StatusActive          Status = "active"
	StatusPaused          Status = "paused"
	StatusHandoffPending  Status = "handoff-pending"
	StatusReviewRequested Status = "review-requested"
	StatusBlocked         Status = "blocked"
	StatusStealable       Status = "stealable"
	StatusCompleted       Status = "completed"
)

func (s Status) valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusHandoffPending,
		StatusReviewRequested, StatusBlocked, StatusStealable, StatusCompleted:
		return true
	}
	return false
}

// open reports whether the claim still counts toward its owner's load.
func (s Status) open() bool {
	return s != StatusCompleted
}

// StealReason explains why ownership moved.
type StealReason string

const (
	StealOverloaded     StealReason = "overloaded"
	StealStale          StealReason = "stale"
	StealBlockedTimeout StealReason = "blocked-timeout"
	StealVoluntary      StealReason = "voluntary"
)

// Kind distinguishes the two claimant populations.
type Kind string

const (
	KindHuman Kind = "human"
	KindAgent Kind = "agent"
)

// Claimant identifies whoever holds a claim: a person (by user id) or an
// automated agent (by agent id). AgentType is set for agents only and drives
// the cross-type steal rules; Name is display-only.
type Claimant struct {
	Kind      Kind   `json:"kind"`
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	AgentType string `json:"agentType,omitempty"`
}

// normalized fills the Kind for callers that only set ID and AgentType.
func (c Claimant) normalized() Claimant {
	if c.Kind == "" {
		c.Kind = KindAgent
	}
	return c
}

// Same reports identity equality within a kind. Name and AgentType are
// descriptive only.
func (c Claimant) Same(o Claimant) bool {
	return c.normalized().Kind == o.normalized().Kind && c.ID == o.ID
}

// typeKey buckets claimants for load balancing: agents by agent type, humans
// as one pool.
func (c Claimant) typeKey() string {
	if c.normalized().Kind == KindHuman {
		return string(KindHuman)
	}
	return c.AgentType
}

// Claim records one issue's ownership.
type Claim struct {
	IssueID         string    `json:"issueId"`
	Claimant        Claimant  `json:"claimant"`
	Status          Status    `json:"status"`
	ClaimedAt       time.Time `json:"claimedAt"`
	StatusChangedAt time.Time `json:"statusChangedAt"`

	// Progress is the owner's 0-100 completion estimate. Updating it does
	// not count as a status change for staleness purposes.
	Progress int `json:"progress"`

	// ExpiresAt, when set, bounds the claim's lifetime; ExpireStale frees
	// it past this instant no matter how fresh the status is.
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`

	// Context carries arbitrary claimant-supplied metadata.
	Context map[string]string `json:"context,omitempty"`

	// StealReason is set while the claim sits in stealable.
	StealReason StealReason `json:"stealReason,omitempty"`
	// PreviousOwner survives a steal or handoff for traceability.
	PreviousOwner *Claimant `json:"previousOwner,omitempty"`
	// HandoffTo, when set, restricts who may accept a pending handoff.
	HandoffTo *Claimant `json:"handoffTo,omitempty"`
	// HandoffNotes carry context from RequestHandoff to AcceptHandoff.
	HandoffNotes string `json:"handoffNotes,omitempty"`
}

// Options tunes a new claim.
type Options struct {
	// TTL sets ExpiresAt relative to claim time. Zero means no expiry.
	TTL time.Duration
	// Context is attached to the claim verbatim.
	Context map[string]string
}

// Event is the bus payload for claim lifecycle events.
type Event struct {
	IssueID       string    `json:"issueId"`
	Status        string    `json:"status"`
	Claimant      Claimant  `json:"claimant"`
	PreviousOwner *Claimant `json:"previousOwner,omitempty"`
	Reason        string    `json:"reason,omitempty"`
}

// Suggestion is one proposed move out of Rebalance. Advisory only; nothing
// moves until a claimant acts on it.
type Suggestion struct {
	IssueID string `json:"issueId"`
	From    string `json:"from"`
	To      string `json:"to"`
	Reason  string `json:"reason"`
}

// Config controls the claim service.
type Config struct {
	// StaleAfter marks claims with no status change as stealable (default 30m).
	StaleAfter time.Duration
	// StealAllowTypes may steal across agent-type boundaries.
	StealAllowTypes []string
}

func (c Config) withDefaults() Config {
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Minute
	}
	return c
}

var (
	ErrNotClaimed     = errors.New("claim: issue is not claimed")
	ErrAlreadyClaimed = errors.New("claim: issue is already claimed")
	ErrNotOwner       = errors.New("claim: caller does not own this claim")
	ErrNotStealable   = errors.New("claim: issue is not stealable")
	ErrBadStatus      = errors.New("claim: invalid status")
	ErrBadProgress    = errors.New("claim: progress must be between 0 and 100")
	ErrTypeMismatch   = errors.New("claim: agent type not allowed to steal across types")
)
