package repository

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/joseph-ayodele/transcriber/constants"
	"github.com/joseph-ayodele/transcriber/internal/entity"
)

// CandidateQuery describes the eligibility rules for handing out work.
type CandidateQuery struct {
	TaskID   int64
	Reviewer string
	Quota    int
	AfterID  int64
	Limit    int
	Now      time.Time
}

// AssignmentCounts is the raw material for task progress.
type AssignmentCounts struct {
	Total      int
	Done       int
	Conflicted int
	InProgress int
	Unseen     int
	ViewsTotal int
}

type AssignmentRepository interface {
	WithTx(tx *sql.Tx) AssignmentRepository
	InsertIfMissing(ctx context.Context, imageID, taskID int64) (bool, error)
	Get(ctx context.Context, id int64) (*entity.Assignment, error)
	GetByImage(ctx context.Context, taskID, imageID int64) (*entity.Assignment, error)
	// LockByImage reads the assignment and, on Postgres, holds a row lock
	// until the surrounding transaction ends.
	LockByImage(ctx context.Context, taskID, imageID int64) (*entity.Assignment, error)
	Candidates(ctx context.Context, q CandidateQuery) ([]*entity.Assignment, error)
	// Lease sets the checkout only if the assignment is still eligible for
	// the reviewer: no active lease, incomplete, below quota (when quota > 0)
	// and not already transcribed by them. A lease whose expiry is at or
	// before now is no longer active.
	Lease(ctx context.Context, id int64, reviewer string, quota int, expire, now time.Time) (bool, error)
	ForceLease(ctx context.Context, id int64, reviewer string, expire time.Time) error
	// Release clears the lease. A non-empty reviewer restricts it to that holder.
	Release(ctx context.Context, id int64, reviewer string) (bool, error)
	SweepExpired(ctx context.Context, now time.Time) (int64, error)
	// RecountViews sets view_count to the number of raw submissions and returns it.
	RecountViews(ctx context.Context, a *entity.Assignment) (int, error)
	MarkComplete(ctx context.Context, id int64) (bool, error)
	MarkIncomplete(ctx context.Context, id int64) error
	CountIncomplete(ctx context.Context, taskID int64) (total, incomplete int, err error)
	Counts(ctx context.Context, taskID int64) (*AssignmentCounts, error)
	ListByTask(ctx context.Context, taskID int64) ([]*entity.Assignment, error)
}

type assignmentRepo struct {
	base
}

func NewAssignmentRepository(db *DB, logger *slog.Logger) AssignmentRepository {
	return &assignmentRepo{base: newBase(db, logger)}
}

func (r *assignmentRepo) WithTx(tx *sql.Tx) AssignmentRepository {
	return &assignmentRepo{base: r.withTx(tx)}
}

var assignmentColumns = []string{
	"id", "image_id", "task_id", "view_count", "checkout_expire", "checkout_by", "is_complete",
}

func (r *assignmentRepo) InsertIfMissing(ctx context.Context, imageID, taskID int64) (bool, error) {
	ins := r.sb().Insert("assignments").
		Columns("image_id", "task_id", "view_count", "is_complete").
		Values(imageID, taskID, 0, false).
		OnConflict(
			entsql.ConflictColumns("image_id", "task_id"),
			entsql.DoNothing(),
		)
	n, err := r.exec(ctx, ins)
	if err != nil {
		r.logger.Error("failed to insert assignment", "image_id", imageID, "task_id", taskID, "error", err)
		return false, err
	}
	return n == 1, nil
}

func (r *assignmentRepo) Get(ctx context.Context, id int64) (*entity.Assignment, error) {
	sel := r.sb().Select(assignmentColumns...).
		From(entsql.Table("assignments")).
		Where(entsql.EQ("id", id))
	return r.one(ctx, sel, id)
}

func (r *assignmentRepo) GetByImage(ctx context.Context, taskID, imageID int64) (*entity.Assignment, error) {
	sel := r.sb().Select(assignmentColumns...).
		From(entsql.Table("assignments")).
		Where(entsql.And(entsql.EQ("task_id", taskID), entsql.EQ("image_id", imageID)))
	return r.one(ctx, sel, imageID)
}

func (r *assignmentRepo) LockByImage(ctx context.Context, taskID, imageID int64) (*entity.Assignment, error) {
	sel := r.sb().Select(assignmentColumns...).
		From(entsql.Table("assignments")).
		Where(entsql.And(entsql.EQ("task_id", taskID), entsql.EQ("image_id", imageID)))
	if r.postgres() {
		sel.ForUpdate()
	}
	return r.one(ctx, sel, imageID)
}

// Candidates lists unleased, incomplete assignments below quota that the
// reviewer has not already transcribed, lowest id first.
func (r *assignmentRepo) Candidates(ctx context.Context, q CandidateQuery) ([]*entity.Assignment, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 16
	}
	query, args := r.raw(func(b *entsql.Builder) {
		b.WriteString("SELECT a.id, a.image_id, a.task_id, a.view_count, a.checkout_expire, a.checkout_by, a.is_complete")
		b.WriteString(" FROM assignments a WHERE a.task_id = ").Arg(q.TaskID)
		b.WriteString(" AND a.is_complete = ").Arg(false)
		b.WriteString(" AND (a.checkout_expire IS NULL OR a.checkout_expire <= ").Arg(toMillis(q.Now)).WriteString(")")
		b.WriteString(" AND a.view_count < ").Arg(q.Quota)
		b.WriteString(" AND a.id > ").Arg(q.AfterID)
		b.WriteString(" AND NOT EXISTS (SELECT s.id FROM submissions s WHERE s.task_id = a.task_id AND s.image_id = a.image_id")
		b.WriteString(" AND s.transcriber = ").Arg(q.Reviewer)
		b.WriteString(" AND s.status = ").Arg(string(constants.SubmissionRaw)).WriteString(")")
		b.WriteString(" ORDER BY a.id LIMIT ").Arg(limit)
	})
	rows, err := r.queryRaw(ctx, query, args)
	if err != nil {
		return nil, err
	}
	return scanAssignments(rows)
}

func (r *assignmentRepo) Lease(ctx context.Context, id int64, reviewer string, quota int, expire, now time.Time) (bool, error) {
	preds := []*entsql.Predicate{
		entsql.EQ("id", id),
		entsql.EQ("is_complete", false),
		entsql.Or(
			entsql.IsNull("checkout_expire"),
			entsql.LTE("checkout_expire", toMillis(now)),
		),
		entsql.P(func(b *entsql.Builder) {
			b.WriteString("NOT EXISTS (SELECT s.id FROM submissions s WHERE s.task_id = assignments.task_id")
			b.WriteString(" AND s.image_id = assignments.image_id AND s.transcriber = ").Arg(reviewer)
			b.WriteString(" AND s.status = ").Arg(string(constants.SubmissionRaw)).WriteString(")")
		}),
	}
	if quota > 0 {
		preds = append(preds, entsql.LT("view_count", quota))
	}
	upd := r.sb().Update("assignments").
		Set("checkout_expire", toMillis(expire)).
		Set("checkout_by", reviewer).
		Where(entsql.And(preds...))
	n, err := r.exec(ctx, upd)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *assignmentRepo) ForceLease(ctx context.Context, id int64, reviewer string, expire time.Time) error {
	upd := r.sb().Update("assignments").
		Set("checkout_expire", toMillis(expire)).
		Set("checkout_by", reviewer).
		Where(entsql.EQ("id", id))
	n, err := r.exec(ctx, upd)
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound("assignment", id)
	}
	return nil
}

func (r *assignmentRepo) Release(ctx context.Context, id int64, reviewer string) (bool, error) {
	pred := entsql.EQ("id", id)
	if reviewer != "" {
		pred = entsql.And(pred, entsql.EQ("checkout_by", reviewer))
	}
	upd := r.sb().Update("assignments").
		SetNull("checkout_expire").
		SetNull("checkout_by").
		Where(pred)
	n, err := r.exec(ctx, upd)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *assignmentRepo) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	upd := r.sb().Update("assignments").
		SetNull("checkout_expire").
		SetNull("checkout_by").
		Where(entsql.LTE("checkout_expire", toMillis(now)))
	return r.exec(ctx, upd)
}

func (r *assignmentRepo) RecountViews(ctx context.Context, a *entity.Assignment) (int, error) {
	upd := r.sb().Update("assignments").
		Set("view_count", entsql.ExprFunc(func(b *entsql.Builder) {
			b.WriteString("(SELECT COUNT(*) FROM submissions WHERE task_id = ").Arg(a.TaskID)
			b.WriteString(" AND image_id = ").Arg(a.ImageID)
			b.WriteString(" AND status = ").Arg(string(constants.SubmissionRaw)).WriteString(")")
		})).
		Where(entsql.EQ("id", a.ID))
	if _, err := r.exec(ctx, upd); err != nil {
		return 0, err
	}
	sel := r.sb().Select("view_count").
		From(entsql.Table("assignments")).
		Where(entsql.EQ("id", a.ID))
	n, err := r.count(ctx, sel)
	if err != nil {
		return 0, err
	}
	a.ViewCount = n
	return n, nil
}

// MarkComplete flips is_complete false->true and reports whether this call did it.
func (r *assignmentRepo) MarkComplete(ctx context.Context, id int64) (bool, error) {
	upd := r.sb().Update("assignments").
		Set("is_complete", true).
		SetNull("checkout_expire").
		SetNull("checkout_by").
		Where(entsql.And(entsql.EQ("id", id), entsql.EQ("is_complete", false)))
	n, err := r.exec(ctx, upd)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *assignmentRepo) MarkIncomplete(ctx context.Context, id int64) error {
	upd := r.sb().Update("assignments").
		Set("is_complete", false).
		Where(entsql.EQ("id", id))
	_, err := r.exec(ctx, upd)
	return err
}

func (r *assignmentRepo) CountIncomplete(ctx context.Context, taskID int64) (int, int, error) {
	query, args := r.raw(func(b *entsql.Builder) {
		b.WriteString("SELECT COUNT(*), COALESCE(SUM(CASE WHEN is_complete THEN 0 ELSE 1 END), 0)")
		b.WriteString(" FROM assignments WHERE task_id = ").Arg(taskID)
	})
	var total, incomplete int64
	if err := r.queryRowRaw(ctx, query, args, &total, &incomplete); err != nil {
		return 0, 0, err
	}
	return int(total), int(incomplete), nil
}

// Counts buckets a task's assignments into disjoint categories: done, then
// conflicted, then in progress (seen at least once), then unseen.
func (r *assignmentRepo) Counts(ctx context.Context, taskID int64) (*AssignmentCounts, error) {
	query, args := r.raw(func(b *entsql.Builder) {
		b.WriteString("SELECT a.is_complete, CASE WHEN c.image_id IS NULL THEN 0 ELSE 1 END AS conflicted,")
		b.WriteString(" a.view_count, COUNT(*), COALESCE(SUM(a.view_count), 0)")
		b.WriteString(" FROM assignments a LEFT JOIN (")
		writeConflictSubquery(b, taskID)
		b.WriteString(") c ON c.image_id = a.image_id")
		b.WriteString(" WHERE a.task_id = ").Arg(taskID)
		b.WriteString(" GROUP BY a.is_complete, CASE WHEN c.image_id IS NULL THEN 0 ELSE 1 END, a.view_count")
	})
	rows, err := r.queryRaw(ctx, query, args)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := &AssignmentCounts{}
	for rows.Next() {
		var (
			complete         bool
			conflicted       int
			views            int
			n, viewsInBucket int64
		)
		if err := rows.Scan(&complete, &conflicted, &views, &n, &viewsInBucket); err != nil {
			return nil, err
		}
		out.Total += int(n)
		out.ViewsTotal += int(viewsInBucket)
		switch {
		case complete:
			out.Done += int(n)
		case conflicted == 1:
			out.Conflicted += int(n)
		case views > 0:
			out.InProgress += int(n)
		default:
			out.Unseen += int(n)
		}
	}
	return out, rows.Err()
}

func (r *assignmentRepo) ListByTask(ctx context.Context, taskID int64) ([]*entity.Assignment, error) {
	sel := r.sb().Select(assignmentColumns...).
		From(entsql.Table("assignments")).
		Where(entsql.EQ("task_id", taskID)).
		OrderBy("id")
	rows, err := r.query(ctx, sel)
	if err != nil {
		return nil, err
	}
	return scanAssignments(rows)
}

func (r *assignmentRepo) one(ctx context.Context, sel *entsql.Selector, key any) (*entity.Assignment, error) {
	rows, err := r.query(ctx, sel)
	if err != nil {
		return nil, err
	}
	out, err := scanAssignments(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, notFound("assignment", key)
	}
	return out[0], nil
}

func scanAssignments(rows *sql.Rows) ([]*entity.Assignment, error) {
	defer rows.Close()
	var out []*entity.Assignment
	for rows.Next() {
		var (
			a      entity.Assignment
			expire sql.NullInt64
			by     sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.ImageID, &a.TaskID, &a.ViewCount, &expire, &by, &a.IsComplete); err != nil {
			return nil, err
		}
		a.CheckoutExpire = nullMillis(expire)
		a.CheckoutBy = nullString(by)
		out = append(out, &a)
	}
	return out, rows.Err()
}
