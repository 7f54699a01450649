package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gantry/internal/domain"
)

func ticket(id, status string) domain.Ticket {
	return domain.Ticket{ID: id, AccountID: "acct-1", ProjectID: "proj-1", Title: id, Status: status}
}

func TestProjectOverlaysStagedEdit(t *testing.T) {
	s := NewEditSet()
	s.Stage("t1", "in_progress")

	views := s.Project([]domain.Ticket{ticket("t1", "not_started"), ticket("t2", "blocked")})
	require.Len(t, views, 2)
	assert.Equal(t, "in_progress", views[0].Ticket.Status)
	assert.False(t, views[0].PendingProposal)
	assert.Equal(t, "blocked", views[1].Ticket.Status)
}

func TestQueuedEditPersistsWithMarker(t *testing.T) {
	s := NewEditSet()
	s.Stage("t1", "complete")
	s.MarkQueued("t1")

	// canonical state has not changed; the local edit stays visible
	views := s.Project([]domain.Ticket{ticket("t1", "in_progress")})
	require.Len(t, views, 1)
	assert.Equal(t, "complete", views[0].Ticket.Status, "queued edit keeps shadowing until the proposal resolves")
	assert.True(t, views[0].PendingProposal)
	assert.Equal(t, 1, s.Len())
}

func TestQueuedEditClearsOnApproval(t *testing.T) {
	s := NewEditSet()
	s.Stage("t1", "complete")
	s.MarkQueued("t1")

	// approval moved the canonical ticket to the edit's target
	views := s.Project([]domain.Ticket{ticket("t1", "complete")})
	require.Len(t, views, 1)
	assert.Equal(t, "complete", views[0].Ticket.Status)
	assert.False(t, views[0].PendingProposal)
	assert.Zero(t, s.Len())
}

func TestDiscardRollsBack(t *testing.T) {
	s := NewEditSet()
	s.Stage("t1", "complete")
	s.Discard("t1")

	views := s.Project([]domain.Ticket{ticket("t1", "not_started")})
	require.Len(t, views, 1)
	assert.Equal(t, "not_started", views[0].Ticket.Status)
	assert.Zero(t, s.Len())
}

func TestCanonicalConfirmationClearsEdit(t *testing.T) {
	s := NewEditSet()
	s.Stage("t1", "in_progress")

	// server state caught up with the optimistic edit
	views := s.Project([]domain.Ticket{ticket("t1", "in_progress")})
	require.Len(t, views, 1)
	assert.Equal(t, "in_progress", views[0].Ticket.Status)
	assert.False(t, views[0].PendingProposal)
	assert.Zero(t, s.Len(), "confirmed edit should be dropped from the set")
}

func TestCacheTTLAndInvalidate(t *testing.T) {
	c, err := NewCache(4, time.Minute)
	require.NoError(t, err)

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.Now = func() time.Time { return now }

	c.Put(ticket("t1", "not_started"))
	got, ok := c.Get("t1")
	require.True(t, ok)
	assert.Equal(t, "not_started", got.Status)

	// stale entries read as misses
	now = now.Add(2 * time.Minute)
	_, ok = c.Get("t1")
	assert.False(t, ok)

	now = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.Put(ticket("t2", "blocked"))
	c.Invalidate("t2")
	_, ok = c.Get("t2")
	assert.False(t, ok)
}

func TestCacheBounded(t *testing.T) {
	c, err := NewCache(2, time.Minute)
	require.NoError(t, err)
	c.Put(ticket("t1", "not_started"))
	c.Put(ticket("t2", "not_started"))
	c.Put(ticket("t3", "not_started"))

	// oldest entry evicted once the bound is hit
	_, ok := c.Get("t1")
	assert.False(t, ok)
	_, ok = c.Get("t3")
	assert.True(t, ok)
}
