// Package lease grants time-boxed exclusive checkouts of an assignment to a
// reviewer. A lease is the checkout_expire column; it is active while that
// timestamp is in the future.
package lease

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/transcriber/internal/common"
	"github.com/joseph-ayodele/transcriber/internal/entity"
	"github.com/joseph-ayodele/transcriber/internal/repository"
)

// DefaultDuration applies when neither the task nor the caller sets one.
const DefaultDuration = time.Minute

type Manager struct {
	assignments repository.AssignmentRepository
	logger      *slog.Logger
	now         func() time.Time
	def         time.Duration
}

func NewManager(assignments repository.AssignmentRepository, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		assignments: assignments,
		logger:      logger,
		now:         time.Now,
		def:         DefaultDuration,
	}
}

// WithClock replaces the time source.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// WithDefault sets the duration used when a task has none.
func (m *Manager) WithDefault(d time.Duration) *Manager {
	if d > 0 {
		m.def = d
	}
	return m
}

func (m *Manager) Now() time.Time { return m.now() }

// DurationFor is the lease length for the task.
func (m *Manager) DurationFor(task *entity.Task) time.Duration {
	if task == nil {
		return m.def
	}
	return task.LeaseDuration(m.def)
}

// Checkout leases the assignment to reviewer only if no active lease exists,
// the reviewer has not transcribed it yet and, when quota > 0, its view
// count is still below quota. It returns the expiry, or ErrLeaseTaken when
// the assignment is no longer eligible.
func (m *Manager) Checkout(ctx context.Context, assignmentID int64, reviewer string, quota int, d time.Duration) (time.Time, error) {
	if d <= 0 {
		d = m.def
	}
	now := m.now()
	expire := now.Add(d)
	won, err := m.assignments.Lease(ctx, assignmentID, reviewer, quota, expire, now)
	if err != nil {
		return time.Time{}, err
	}
	if !won {
		m.logger.Debug("lease race lost", "assignment_id", assignmentID, "reviewer", reviewer)
		return time.Time{}, fmt.Errorf("%w: assignment %d", common.ErrLeaseTaken, assignmentID)
	}
	return expire, nil
}

// ForceCheckout sets the lease regardless of who holds it.
func (m *Manager) ForceCheckout(ctx context.Context, assignmentID int64, reviewer string, d time.Duration) (time.Time, error) {
	if d <= 0 {
		d = m.def
	}
	expire := m.now().Add(d)
	if err := m.assignments.ForceLease(ctx, assignmentID, reviewer, expire); err != nil {
		return time.Time{}, err
	}
	return expire, nil
}

// Release clears the lease. With a reviewer it only clears that reviewer's
// lease and reports whether one was held.
func (m *Manager) Release(ctx context.Context, assignmentID int64, reviewer string) (bool, error) {
	return m.assignments.Release(ctx, assignmentID, reviewer)
}

// SweepExpired clears every lease that expired before now.
func (m *Manager) SweepExpired(ctx context.Context) (int64, error) {
	n, err := m.assignments.SweepExpired(ctx, m.now())
	if err != nil {
		m.logger.Error("failed to sweep expired leases", "error", err)
		return 0, err
	}
	if n > 0 {
		m.logger.Debug("swept expired leases", "count", n)
	}
	return n, nil
}
