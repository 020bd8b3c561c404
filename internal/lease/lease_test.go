package lease_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/transcriber/internal/common"
	"github.com/joseph-ayodele/transcriber/internal/entity"
	"github.com/joseph-ayodele/transcriber/internal/lease"
	"github.com/joseph-ayodele/transcriber/internal/repository"
	"github.com/joseph-ayodele/transcriber/internal/repository/repotest"
)

func setup(t *testing.T) (*lease.Manager, repository.AssignmentRepository, *repotest.Clock, int64) {
	t.Helper()
	db := repotest.Open(t)
	fx := repotest.SeedTask(t, db, "t", 2, []string{"f"}, 1)
	repo := repository.NewAssignmentRepository(db, repotest.Logger(t))
	a, err := repo.GetByImage(context.Background(), fx.Task.ID, fx.Images[0].ID)
	require.NoError(t, err)
	clock := repotest.NewClock()
	m := lease.NewManager(repo, repotest.Logger(t)).WithClock(clock.Now)
	return m, repo, clock, a.ID
}

func TestCheckoutIsExclusiveUntilExpiry(t *testing.T) {
	m, repo, clock, id := setup(t)
	ctx := context.Background()

	expire, err := m.Checkout(ctx, id, "alice", 2, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, clock.T.Add(time.Minute), expire)

	_, err = m.Checkout(ctx, id, "bob", 2, time.Minute)
	assert.ErrorIs(t, err, common.ErrLeaseTaken)

	clock.Advance(time.Minute)
	_, err = m.Checkout(ctx, id, "bob", 2, time.Minute)
	require.NoError(t, err)

	a, err := repo.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, a.CheckoutBy)
	assert.Equal(t, "bob", *a.CheckoutBy)
	assert.True(t, a.Leased(clock.T))
}

func TestForceCheckoutOverridesLease(t *testing.T) {
	m, repo, _, id := setup(t)
	ctx := context.Background()

	_, err := m.Checkout(ctx, id, "alice", 2, time.Minute)
	require.NoError(t, err)
	_, err = m.ForceCheckout(ctx, id, "bob", 0)
	require.NoError(t, err)

	a, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "bob", *a.CheckoutBy)

	_, err = m.ForceCheckout(ctx, 9999, "bob", time.Minute)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestSweepExpiredClearsAtExpiry(t *testing.T) {
	m, repo, clock, id := setup(t)
	ctx := context.Background()

	_, err := m.Checkout(ctx, id, "alice", 2, time.Minute)
	require.NoError(t, err)

	clock.Advance(59 * time.Second)
	n, err := m.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(time.Second)
	n, err = m.SweepExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	a, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, a.CheckoutExpire)
}

func TestReleaseOnlyByHolder(t *testing.T) {
	m, _, _, id := setup(t)
	ctx := context.Background()

	_, err := m.Checkout(ctx, id, "alice", 2, time.Minute)
	require.NoError(t, err)

	ok, err := m.Release(ctx, id, "bob")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.Release(ctx, id, "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = m.Checkout(ctx, id, "bob", 2, time.Minute)
	assert.NoError(t, err)
}

func TestDurationFor(t *testing.T) {
	m := lease.NewManager(nil, nil).WithDefault(2 * time.Minute)
	assert.Equal(t, 2*time.Minute, m.DurationFor(nil))
	assert.Equal(t, 2*time.Minute, m.DurationFor(&entity.Task{}))
	assert.Equal(t, 90*time.Second, m.DurationFor(&entity.Task{LeaseSeconds: 90}))
}
