package claim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskhive/internal/eventbus"
	logx "taskhive/pkg/logx"
)

var (
	agentA = Claimant{Kind: KindAgent, ID: "agent-a", AgentType: "backend"}
	agentB = Claimant{Kind: KindAgent, ID: "agent-b", AgentType: "backend"}
	agentC = Claimant{Kind: KindAgent, ID: "agent-c", AgentType: "frontend"}
	alice  = Claimant{Kind: KindHuman, ID: "alice", Name: "Alice"}
)

func newTestService(cfg Config) (*Service, *time.Time) {
	s := NewService(cfg, nil, eventbus.New(), logx.Nop())
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }
	return s, &clock
}

func TestClaimRejectsSecondOwner(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(Config{})
	ctx := context.Background()

	c, err := s.Claim(ctx, "issue-1", agentA, Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusActive, c.Status)
	assert.Equal(t, agentA.ID, c.Claimant.ID)

	_, err = s.Claim(ctx, "issue-1", agentB, Options{})
	assert.ErrorIs(t, err, ErrAlreadyClaimed)

	// re-claiming your own issue is a no-op
	again, err := s.Claim(ctx, "issue-1", agentA, Options{})
	require.NoError(t, err)
	assert.Equal(t, c.ClaimedAt, again.ClaimedAt)
}

func TestClaimantIdentityIsPerKind(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(Config{})
	ctx := context.Background()

	// a human and an agent sharing an id are different claimants
	_, err := s.Claim(ctx, "issue-1", Claimant{Kind: KindHuman, ID: "sam"}, Options{})
	require.NoError(t, err)
	_, err = s.Claim(ctx, "issue-1", Claimant{Kind: KindAgent, ID: "sam"}, Options{})
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
}

func TestClaimTakesOverStealable(t *testing.T) {
	t.Parallel()
	s, clock := newTestService(Config{})
	ctx := context.Background()

	first, err := s.Claim(ctx, "issue-1", agentA, Options{})
	require.NoError(t, err)
	require.NoError(t, s.MarkStealable(ctx, "issue-1", agentA, StealVoluntary))

	// a stealable claim does not block a new claimant
	*clock = clock.Add(time.Minute)
	got, err := s.Claim(ctx, "issue-1", agentB, Options{})
	require.NoError(t, err)
	assert.Equal(t, agentB.ID, got.Claimant.ID)
	assert.Equal(t, StatusActive, got.Status)
	assert.Empty(t, got.StealReason)
	require.NotNil(t, got.PreviousOwner)
	assert.Equal(t, agentA.ID, got.PreviousOwner.ID)
	assert.True(t, got.ClaimedAt.After(first.ClaimedAt))

	// the takeover path enforces the same cross-type rules as Steal
	require.NoError(t, s.MarkStealable(ctx, "issue-1", agentB, StealVoluntary))
	_, err = s.Claim(ctx, "issue-1", agentC, Options{})
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestClaimAfterCompletion(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(Config{})
	ctx := context.Background()

	_, err := s.Claim(ctx, "issue-1", agentA, Options{})
	require.NoError(t, err)
	require.NoError(t, s.SetStatus(ctx, "issue-1", agentA, StatusCompleted))

	// completed claims no longer block a new owner
	c, err := s.Claim(ctx, "issue-1", agentB, Options{})
	require.NoError(t, err)
	assert.Equal(t, agentB.ID, c.Claimant.ID)
}

func TestReleaseOwnerOnly(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(Config{})
	ctx := context.Background()

	_, err := s.Claim(ctx, "issue-1", agentA, Options{})
	require.NoError(t, err)

	assert.ErrorIs(t, s.Release(ctx, "issue-1", agentB), ErrNotOwner)
	require.NoError(t, s.Release(ctx, "issue-1", agentA))
	assert.ErrorIs(t, s.Release(ctx, "issue-1", agentA), ErrNotClaimed)

	_, ok := s.Get("issue-1")
	assert.False(t, ok)
}

func TestSetStatusValidation(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(Config{})
	ctx := context.Background()

	_, err := s.Claim(ctx, "issue-1", agentA, Options{})
	require.NoError(t, err)

	assert.ErrorIs(t, s.SetStatus(ctx, "issue-1", agentA, Status("bogus")), ErrBadStatus)
	assert.ErrorIs(t, s.SetStatus(ctx, "issue-1", agentA, StatusStealable), ErrBadStatus)
	assert.ErrorIs(t, s.SetStatus(ctx, "issue-1", agentB, StatusPaused), ErrNotOwner)

	require.NoError(t, s.SetStatus(ctx, "issue-1", agentA, StatusBlocked))
	c, ok := s.Get("issue-1")
	require.True(t, ok)
	assert.Equal(t, StatusBlocked, c.Status)
}

func TestSetProgressBoundsAndStaleness(t *testing.T) {
	t.Parallel()
	s, clock := newTestService(Config{StaleAfter: 30 * time.Minute})
	ctx := context.Background()

	_, err := s.Claim(ctx, "issue-1", agentA, Options{})
	require.NoError(t, err)

	assert.ErrorIs(t, s.SetProgress(ctx, "issue-1", agentA, -1), ErrBadProgress)
	assert.ErrorIs(t, s.SetProgress(ctx, "issue-1", agentA, 101), ErrBadProgress)
	assert.ErrorIs(t, s.SetProgress(ctx, "issue-1", agentB, 50), ErrNotOwner)

	*clock = clock.Add(25 * time.Minute)
	require.NoError(t, s.SetProgress(ctx, "issue-1", agentA, 50))
	c, _ := s.Get("issue-1")
	assert.Equal(t, 50, c.Progress)

	// staleness follows statusChangedAt, not progress updates: 31m after
	// the claim the issue goes stealable even though progress moved at 25m
	*clock = clock.Add(6 * time.Minute)
	assert.Equal(t, 1, s.ExpireStale(ctx))
	c, _ = s.Get("issue-1")
	assert.Equal(t, StatusStealable, c.Status)
	assert.Equal(t, 50, c.Progress)
}

func TestHandoffFlow(t *testing.T) {
	t.Parallel()
	s, clock := newTestService(Config{})
	ctx := context.Background()

	_, err := s.Claim(ctx, "issue-1", agentA, Options{})
	require.NoError(t, err)

	// nothing pending yet
	_, err = s.AcceptHandoff(ctx, "issue-1", agentB)
	assert.ErrorIs(t, err, ErrBadStatus)

	require.NoError(t, s.RequestHandoff(ctx, "issue-1", agentA, nil, "auth flow half done, see branch wip/auth"))
	c, _ := s.Get("issue-1")
	assert.Equal(t, StatusHandoffPending, c.Status)
	assert.Equal(t, "auth flow half done, see branch wip/auth", c.HandoffNotes)

	// the current owner cannot accept its own handoff
	_, err = s.AcceptHandoff(ctx, "issue-1", agentA)
	assert.Error(t, err)

	*clock = clock.Add(time.Minute)
	got, err := s.AcceptHandoff(ctx, "issue-1", agentB)
	require.NoError(t, err)
	assert.Equal(t, agentB.ID, got.Claimant.ID)
	assert.Equal(t, StatusActive, got.Status)
	require.NotNil(t, got.PreviousOwner)
	assert.Equal(t, agentA.ID, got.PreviousOwner.ID)
	assert.Equal(t, *clock, got.ClaimedAt)
}

func TestHandoffToNamedTarget(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(Config{})
	ctx := context.Background()

	_, err := s.Claim(ctx, "issue-1", agentA, Options{})
	require.NoError(t, err)
	require.NoError(t, s.RequestHandoff(ctx, "issue-1", agentA, &agentB, "reserved for b"))

	_, err = s.AcceptHandoff(ctx, "issue-1", agentC)
	assert.ErrorIs(t, err, ErrNotOwner)

	got, err := s.AcceptHandoff(ctx, "issue-1", agentB)
	require.NoError(t, err)
	assert.Equal(t, agentB.ID, got.Claimant.ID)
	assert.Nil(t, got.HandoffTo)
}

func TestStealRequiresStealable(t *testing.T) {
	t.Parallel()
	s, clock := newTestService(Config{})
	ctx := context.Background()

	_, err := s.Claim(ctx, "issue-1", agentA, Options{})
	require.NoError(t, err)

	_, err = s.Steal(ctx, "issue-1", agentB, StealOverloaded)
	assert.ErrorIs(t, err, ErrNotStealable)

	// only the owner may mark its claim voluntarily stealable
	assert.ErrorIs(t, s.MarkStealable(ctx, "issue-1", agentB, StealVoluntary), ErrNotOwner)
	require.NoError(t, s.MarkStealable(ctx, "issue-1", agentA, StealVoluntary))

	*clock = clock.Add(time.Minute)
	got, err := s.Steal(ctx, "issue-1", agentB, StealVoluntary)
	require.NoError(t, err)
	assert.Equal(t, agentB.ID, got.Claimant.ID)
	assert.Equal(t, StatusActive, got.Status)
	assert.Empty(t, got.StealReason)
	require.NotNil(t, got.PreviousOwner)
	assert.Equal(t, agentA.ID, got.PreviousOwner.ID)
	assert.Equal(t, *clock, got.ClaimedAt)
}

func TestStealAcrossTypesNeedsAllowList(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s, _ := newTestService(Config{})
	_, err := s.Claim(ctx, "issue-1", agentA, Options{})
	require.NoError(t, err)
	require.NoError(t, s.MarkStealable(ctx, "issue-1", agentA, StealVoluntary))

	_, err = s.Steal(ctx, "issue-1", agentC, StealVoluntary)
	assert.ErrorIs(t, err, ErrTypeMismatch)

	// humans are never bound by the agent-type allow list
	got, err := s.Steal(ctx, "issue-1", alice, StealVoluntary)
	require.NoError(t, err)
	assert.Equal(t, alice.ID, got.Claimant.ID)

	allowed, _ := newTestService(Config{StealAllowTypes: []string{"frontend"}})
	_, err = allowed.Claim(ctx, "issue-1", agentA, Options{})
	require.NoError(t, err)
	require.NoError(t, allowed.MarkStealable(ctx, "issue-1", agentA, StealVoluntary))

	got, err = allowed.Steal(ctx, "issue-1", agentC, StealVoluntary)
	require.NoError(t, err)
	assert.Equal(t, agentC.ID, got.Claimant.ID)
}

func TestExpireStaleMarksOldClaims(t *testing.T) {
	t.Parallel()
	s, clock := newTestService(Config{StaleAfter: 30 * time.Minute})
	ctx := context.Background()

	_, err := s.Claim(ctx, "old", agentA, Options{})
	require.NoError(t, err)
	require.NoError(t, s.SetStatus(ctx, "old", agentA, StatusPaused))

	_, err = s.Claim(ctx, "stuck", agentC, Options{})
	require.NoError(t, err)
	require.NoError(t, s.SetStatus(ctx, "stuck", agentC, StatusBlocked))

	*clock = clock.Add(20 * time.Minute)
	_, err = s.Claim(ctx, "fresh", agentB, Options{})
	require.NoError(t, err)

	*clock = clock.Add(11 * time.Minute)
	assert.Equal(t, 2, s.ExpireStale(ctx))

	old, _ := s.Get("old")
	assert.Equal(t, StatusStealable, old.Status)
	assert.Equal(t, StealStale, old.StealReason)

	// blocked claims expire with their own reason
	stuck, _ := s.Get("stuck")
	assert.Equal(t, StatusStealable, stuck.Status)
	assert.Equal(t, StealBlockedTimeout, stuck.StealReason)

	fresh, _ := s.Get("fresh")
	assert.Equal(t, StatusActive, fresh.Status)

	// already stealable, not re-counted
	assert.Zero(t, s.ExpireStale(ctx))
}

func TestExpireStaleHonorsClaimTTL(t *testing.T) {
	t.Parallel()
	s, clock := newTestService(Config{StaleAfter: time.Hour})
	ctx := context.Background()

	c, err := s.Claim(ctx, "issue-1", agentA, Options{TTL: 10 * time.Minute})
	require.NoError(t, err)
	require.NotNil(t, c.ExpiresAt)

	// fresh status change, but the claim's own lifetime wins
	*clock = clock.Add(9 * time.Minute)
	require.NoError(t, s.SetStatus(ctx, "issue-1", agentA, StatusPaused))
	*clock = clock.Add(2 * time.Minute)
	assert.Equal(t, 1, s.ExpireStale(ctx))

	got, _ := s.Get("issue-1")
	assert.Equal(t, StatusStealable, got.Status)
	assert.Equal(t, StealStale, got.StealReason)
}

func TestSetStatusEventTypes(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	s := NewService(Config{}, nil, bus, logx.Nop())
	ch, unsub := bus.Subscribe(8)
	defer unsub()
	ctx := context.Background()

	_, err := s.Claim(ctx, "issue-1", agentA, Options{})
	require.NoError(t, err)
	require.NoError(t, s.SetStatus(ctx, "issue-1", agentA, StatusPaused))
	require.NoError(t, s.SetStatus(ctx, "issue-1", agentA, StatusCompleted))

	var types []string
	for i := 0; i < 3; i++ {
		select {
		case e := <-ch:
			types = append(types, e.Type)
		case <-time.After(time.Second):
			t.Fatalf("expected 3 events, got %v", types)
		}
	}
	// an intermediate status move is not a claim or a completion
	assert.Equal(t, []string{
		eventbus.TypeIssueClaimed,
		eventbus.TypeIssueStatusChanged,
		eventbus.TypeIssueCompleted,
	}, types)
}

func TestAgentLoadSkipsCompleted(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(Config{})
	ctx := context.Background()

	for _, id := range []string{"i1", "i2", "i3"} {
		_, err := s.Claim(ctx, id, agentA, Options{})
		require.NoError(t, err)
	}
	require.NoError(t, s.SetStatus(ctx, "i3", agentA, StatusCompleted))
	_, err := s.Claim(ctx, "i4", agentB, Options{})
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"agent-a": 2, "agent-b": 1}, s.AgentLoad())
}

func TestRebalanceSuggestsMovesWithinTypePool(t *testing.T) {
	t.Parallel()
	s, clock := newTestService(Config{})
	ctx := context.Background()

	// backend pool: agent-a holds 7 open claims, agent-b holds 1. Pool mean
	// is 4, so agent-a (>6) is overloaded and agent-b (<2) underloaded.
	// agent-c sits alone in the frontend pool and must be left out entirely.
	for i := 0; i < 7; i++ {
		_, err := s.Claim(ctx, "a-"+string(rune('0'+i)), agentA, Options{})
		require.NoError(t, err)
		*clock = clock.Add(time.Minute)
	}
	_, err := s.Claim(ctx, "b-0", agentB, Options{})
	require.NoError(t, err)
	_, err = s.Claim(ctx, "c-0", agentC, Options{})
	require.NoError(t, err)

	// a-0 is nearly done, so the low-progress claims a-1..a-3 move instead
	require.NoError(t, s.SetProgress(ctx, "a-0", agentA, 90))

	sugs := s.Rebalance()
	require.Len(t, sugs, 3)
	for i, sg := range sugs {
		assert.Equal(t, "a-"+string(rune('1'+i)), sg.IssueID)
		assert.Equal(t, "agent-a", sg.From)
		assert.Equal(t, "agent-b", sg.To)
		assert.Equal(t, string(StealOverloaded), sg.Reason)
	}

	// advisory only: nothing actually moved
	c, _ := s.Get("a-1")
	assert.Equal(t, "agent-a", c.Claimant.ID)
}

func TestRebalanceBalancedLoadSuggestsNothing(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(Config{})
	ctx := context.Background()

	for _, agent := range []Claimant{agentA, agentB} {
		for _, suffix := range []string{"-x", "-y"} {
			_, err := s.Claim(ctx, agent.ID+suffix, agent, Options{})
			require.NoError(t, err)
		}
	}
	assert.Empty(t, s.Rebalance())
}
