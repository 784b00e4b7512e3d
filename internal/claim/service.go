// Package claim coordinates exclusive issue ownership across humans and
// agents: claims, releases, handoffs, work stealing and load rebalancing
// hints.
package claim

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"taskhive/internal/eventbus"
	"taskhive/internal/storage"
	logx "taskhive/pkg/logx"
	"taskhive/pkg/telemetry"
)

const claimsDocKey = "claims"

// Service is the in-process claim registry. All mutations persist the full
// claim set and append an audit entry; readers get copies.
type Service struct {
	cfg   Config
	store storage.Store // nil disables persistence
	bus   eventbus.Bus
	log   logx.Logger

	mu     sync.Mutex
	claims map[string]*Claim

	now func() time.Time // test hook
}

func NewService(cfg Config, store storage.Store, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:    cfg.withDefaults(),
		store:  store,
		bus:    bus,
		log:    log.With(logx.String("component", "claims")),
		claims: map[string]*Claim{},
		now:    func() time.Time { return time.Now().UTC() },
	}
	s.restore()
	return s
}

// Claim takes ownership of an issue. Claiming an issue you already own is
// idempotent. A foreign claim blocks the call unless it sits in stealable, in
// which case ownership transfers under the same rules as Steal.
func (s *Service) Claim(ctx context.Context, issueID string, by Claimant, opts Options) (*Claim, error) {
	if issueID == "" || by.ID == "" {
		return nil, fmt.Errorf("claim: issue id and claimant id are required")
	}
	by = by.normalized()
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.claims[issueID]; ok && existing.Status.open() {
		if existing.Claimant.Same(by) {
			cp := *existing
			return &cp, nil
		}
		if existing.Status != StatusStealable {
			return nil, fmt.Errorf("%w: held by %s", ErrAlreadyClaimed, existing.Claimant.ID)
		}
		return s.transferLocked(ctx, existing, by, existing.StealReason)
	}

	now := s.now()
	c := &Claim{
		IssueID:         issueID,
		Claimant:        by,
		Status:          StatusActive,
		ClaimedAt:       now,
		StatusChangedAt: now,
		Context:         opts.Context,
	}
	if opts.TTL > 0 {
		at := now.Add(opts.TTL)
		c.ExpiresAt = &at
	}
	s.claims[issueID] = c
	s.afterMutationLocked(ctx, eventbus.TypeIssueClaimed, c, by.ID, "claim", "")
	cp := *c
	return &cp, nil
}

// Release drops ownership entirely. Only the owner may release; releasing an
// unclaimed issue returns ErrNotClaimed.
func (s *Service) Release(ctx context.Context, issueID string, by Claimant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[issueID]
	if !ok {
		return ErrNotClaimed
	}
	if !c.Claimant.Same(by) {
		return ErrNotOwner
	}
	delete(s.claims, issueID)
	released := *c
	s.afterMutationLocked(ctx, eventbus.TypeIssueReleased, &released, by.ID, "release", "")
	return nil
}

// SetStatus moves a claim between coordination states. Owner only. Moving to
// stealable requires a reason; use MarkStealable for that.
func (s *Service) SetStatus(ctx context.Context, issueID string, by Claimant, status Status) error {
	if !status.valid() {
		return fmt.Errorf("%w: %q", ErrBadStatus, status)
	}
	if status == StatusStealable {
		return fmt.Errorf("%w: use MarkStealable", ErrBadStatus)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[issueID]
	if !ok {
		return ErrNotClaimed
	}
	if !c.Claimant.Same(by) {
		return ErrNotOwner
	}
	c.Status = status
	c.StealReason = ""
	c.StatusChangedAt = s.now()
	typ := eventbus.TypeIssueStatusChanged
	if status == StatusCompleted {
		typ = eventbus.TypeIssueCompleted
	}
	s.afterMutationLocked(ctx, typ, c, by.ID, "set_status:"+string(status), "")
	return nil
}

// SetProgress records the owner's completion estimate. Progress updates do
// not refresh the staleness clock; only status transitions do.
func (s *Service) SetProgress(ctx context.Context, issueID string, by Claimant, progress int) error {
	if progress < 0 || progress > 100 {
		return fmt.Errorf("%w: %d", ErrBadProgress, progress)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[issueID]
	if !ok {
		return ErrNotClaimed
	}
	if !c.Claimant.Same(by) {
		return ErrNotOwner
	}
	c.Progress = progress
	s.persistLocked(ctx)
	return nil
}

// RequestHandoff parks the claim in handoff-pending. A nil target leaves the
// handoff open to anyone; otherwise only the named claimant may accept.
func (s *Service) RequestHandoff(ctx context.Context, issueID string, by Claimant, to *Claimant, notes string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[issueID]
	if !ok {
		return ErrNotClaimed
	}
	if !c.Claimant.Same(by) {
		return ErrNotOwner
	}
	c.Status = StatusHandoffPending
	c.HandoffTo = to
	c.HandoffNotes = notes
	c.StatusChangedAt = s.now()
	s.afterMutationLocked(ctx, eventbus.TypeIssueHandoff, c, by.ID, "handoff_request", "")
	return nil
}

// AcceptHandoff transfers a handoff-pending claim to a new owner.
func (s *Service) AcceptHandoff(ctx context.Context, issueID string, to Claimant) (*Claim, error) {
	to = to.normalized()
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[issueID]
	if !ok {
		return nil, ErrNotClaimed
	}
	if c.Status != StatusHandoffPending {
		return nil, fmt.Errorf("%w: status is %q, want %q", ErrBadStatus, c.Status, StatusHandoffPending)
	}
	if c.Claimant.Same(to) {
		return nil, fmt.Errorf("claim: cannot hand off to the current owner")
	}
	if c.HandoffTo != nil && !c.HandoffTo.Same(to) {
		return nil, fmt.Errorf("%w: handoff reserved for %s", ErrNotOwner, c.HandoffTo.ID)
	}
	prev := c.Claimant
	now := s.now()
	c.PreviousOwner = &prev
	c.Claimant = to
	c.Status = StatusActive
	c.HandoffTo = nil
	c.ClaimedAt = now
	c.StatusChangedAt = now
	s.afterMutationLocked(ctx, eventbus.TypeIssueHandoff, c, to.ID, "handoff_accept", "")
	cp := *c
	return &cp, nil
}

// MarkStealable opens the claim to foreign takeover, keeping the current
// progress as the snapshot a thief inherits. The owner passes voluntary; the
// service itself passes stale or blocked-timeout.
func (s *Service) MarkStealable(ctx context.Context, issueID string, by Claimant, reason StealReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[issueID]
	if !ok {
		return ErrNotClaimed
	}
	if reason == StealVoluntary && !c.Claimant.Same(by) {
		return ErrNotOwner
	}
	c.Status = StatusStealable
	c.StealReason = reason
	c.StatusChangedAt = s.now()
	s.afterMutationLocked(ctx, eventbus.TypeIssueStealable, c, by.ID, "mark_stealable", string(reason))
	return nil
}

// Steal transfers a stealable claim to a new owner. Agents stealing across
// agent-type boundaries must be on the allow list; humans may steal anything.
func (s *Service) Steal(ctx context.Context, issueID string, to Claimant, reason StealReason) (*Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[issueID]
	if !ok {
		return nil, ErrNotClaimed
	}
	if c.Status != StatusStealable {
		return nil, fmt.Errorf("%w: status is %q", ErrNotStealable, c.Status)
	}
	return s.transferLocked(ctx, c, to, reason)
}

// transferLocked moves a stealable claim to a new owner. Callers hold s.mu
// and have verified Status == StatusStealable.
func (s *Service) transferLocked(ctx context.Context, c *Claim, to Claimant, reason StealReason) (*Claim, error) {
	to = to.normalized()
	if to.Kind == KindAgent && c.Claimant.typeKey() != to.typeKey() && !s.typeAllowedLocked(to.AgentType) {
		return nil, fmt.Errorf("%w: %q", ErrTypeMismatch, to.AgentType)
	}
	prev := c.Claimant
	now := s.now()
	c.PreviousOwner = &prev
	c.Claimant = to
	c.Status = StatusActive
	c.StealReason = ""
	c.HandoffTo = nil
	c.HandoffNotes = ""
	c.ClaimedAt = now
	c.StatusChangedAt = now
	telemetry.ClaimsStolenTotal.Inc()
	s.afterMutationLocked(ctx, eventbus.TypeIssueStolen, c, to.ID, "steal", string(reason))
	s.log.Info("claim stolen",
		logx.String("issue", c.IssueID),
		logx.String("from", prev.ID),
		logx.String("to", to.ID),
		logx.String("reason", string(reason)))
	cp := *c
	return &cp, nil
}

// ExpireStale frees claims nobody is advancing: active and paused claims
// whose last status change is older than StaleAfter go stealable with reason
// stale, blocked claims with reason blocked-timeout, and any claim past its
// ExpiresAt goes stealable regardless of freshness. Returns how many moved.
func (s *Service) ExpireStale(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	cutoff := now.Add(-s.cfg.StaleAfter)
	n := 0
	for _, c := range s.claims {
		switch c.Status {
		case StatusActive, StatusPaused, StatusBlocked:
		default:
			continue
		}
		expired := c.ExpiresAt != nil && c.ExpiresAt.Before(now)
		if c.StatusChangedAt.After(cutoff) && !expired {
			continue
		}
		reason := StealStale
		if c.Status == StatusBlocked && !expired {
			reason = StealBlockedTimeout
		}
		c.Status = StatusStealable
		c.StealReason = reason
		c.StatusChangedAt = now
		s.afterMutationLocked(ctx, eventbus.TypeIssueStealable, c, "system", "expire_stale", string(reason))
		n++
	}
	if n > 0 {
		s.log.Info("stale claims marked stealable", logx.Int("count", n))
	}
	return n
}

// Get returns the claim for an issue, if any.
func (s *Service) Get(issueID string) (*Claim, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[issueID]
	if !ok {
		return nil, false
	}
	cp := *c
	return &cp, true
}

// List returns all claims sorted by issue id.
func (s *Service) List() []Claim {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Claim, 0, len(s.claims))
	for _, c := range s.claims {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssueID < out[j].IssueID })
	return out
}

// AgentLoad counts open claims per claimant id. With no declared capacity the
// open-claim count doubles as the utilization figure Rebalance works from.
func (s *Service) AgentLoad() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentLoadLocked()
}

func (s *Service) agentLoadLocked() map[string]int {
	load := map[string]int{}
	for _, c := range s.claims {
		if c.Status.open() {
			load[c.Claimant.ID]++
		}
	}
	return load
}

// Rebalance compares claimants against the mean load of their own type pool
// (agents grouped by agent type, humans as one pool). Claimants above 1.5x
// the pool mean are overloaded, below 0.5x underloaded. For each overloaded
// claimant it suggests moving its lowest-progress claims toward underloaded
// peers until both sides reach the mean. Nothing is mutated.
func (s *Service) Rebalance() []Suggestion {
	s.mu.Lock()
	defer s.mu.Unlock()

	pools := map[string]map[string]int{}
	byOwner := map[string][]*Claim{}
	for _, c := range s.claims {
		if !c.Status.open() {
			continue
		}
		key := c.Claimant.typeKey()
		if pools[key] == nil {
			pools[key] = map[string]int{}
		}
		pools[key][c.Claimant.ID]++
		byOwner[c.Claimant.ID] = append(byOwner[c.Claimant.ID], c)
	}
	// lowest-progress claims first so nearly-done work stays put
	for _, cs := range byOwner {
		sort.Slice(cs, func(i, j int) bool {
			if cs[i].Progress != cs[j].Progress {
				return cs[i].Progress < cs[j].Progress
			}
			return cs[i].StatusChangedAt.Before(cs[j].StatusChangedAt)
		})
	}

	var poolKeys []string
	for key := range pools {
		poolKeys = append(poolKeys, key)
	}
	sort.Strings(poolKeys)

	var out []Suggestion
	for _, key := range poolKeys {
		load := pools[key]
		if len(load) < 2 {
			continue
		}
		total := 0
		for _, n := range load {
			total += n
		}
		mean := float64(total) / float64(len(load))
		if mean == 0 {
			continue
		}

		var over, under []string
		for id, n := range load {
			switch {
			case float64(n) > 1.5*mean:
				over = append(over, id)
			case float64(n) < 0.5*mean:
				under = append(under, id)
			}
		}
		sort.Strings(over)
		sort.Strings(under)
		if len(over) == 0 || len(under) == 0 {
			continue
		}

		ui := 0
		for _, from := range over {
			excess := load[from] - int(mean)
			for _, c := range byOwner[from] {
				if excess <= 0 || ui >= len(under) {
					break
				}
				to := under[ui]
				out = append(out, Suggestion{
					IssueID: c.IssueID,
					From:    from,
					To:      to,
					Reason:  string(StealOverloaded),
				})
				excess--
				load[to]++
				if float64(load[to]) >= mean {
					ui++
				}
			}
		}
	}
	return out
}

func (s *Service) typeAllowedLocked(agentType string) bool {
	for _, t := range s.cfg.StealAllowTypes {
		if t == agentType {
			return true
		}
	}
	return false
}

// afterMutationLocked persists, audits and publishes. Callers hold s.mu.
func (s *Service) afterMutationLocked(ctx context.Context, eventType string, c *Claim, actor, action, reason string) {
	telemetry.ClaimsActive.Set(float64(len(s.agentLoadLocked())))
	s.persistLocked(ctx)
	if s.store != nil {
		meta, _ := json.Marshal(map[string]any{"status": c.Status, "reason": reason})
		auditCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.store.AppendAudit(auditCtx, storage.AuditEntry{
			At:       s.now(),
			Actor:    actor,
			Action:   action,
			Target:   c.IssueID,
			OK:       true,
			MetaJSON: string(meta),
		}); err != nil {
			s.log.Debug("audit append failed", logx.Err(err))
		}
		cancel()
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventType, Data: Event{
			IssueID:       c.IssueID,
			Status:        string(c.Status),
			Claimant:      c.Claimant,
			PreviousOwner: c.PreviousOwner,
			Reason:        reason,
		}})
	}
}

func (s *Service) persistLocked(ctx context.Context) {
	if s.store == nil {
		return
	}
	snap := make(map[string]Claim, len(s.claims))
	for id, c := range s.claims {
		snap[id] = *c
	}
	saveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.store.SaveDoc(saveCtx, claimsDocKey, snap); err != nil {
		s.log.Warn("claims persist failed", logx.Err(err))
	}
}

func (s *Service) restore() {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var saved map[string]Claim
	found, err := s.store.LoadDoc(ctx, claimsDocKey, &saved)
	if err != nil {
		s.log.Warn("claims restore failed", logx.Err(err))
		return
	}
	if !found {
		return
	}
	for id, c := range saved {
		c := c
		s.claims[id] = &c
	}
	s.log.Info("claims restored", logx.Int("count", len(saved)))
}
