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

// JobFilter narrows List. Zero values match everything.
type JobFilter struct {
	Status   constants.JobStatus
	TaskName string
	Limit    int
}

type JobRepository interface {
	Insert(ctx context.Context, job *entity.Job) error
	Get(ctx context.Context, key string) (*entity.Job, error)
	// Claim flips claimed false->true and returns the claimed row in the same
	// statement. It returns a nil job when another worker won.
	Claim(ctx context.Context, key string, now time.Time) (*entity.Job, error)
	Complete(ctx context.Context, key string, returnValue []byte, now time.Time) error
	Fail(ctx context.Context, key string, returnValue []byte, traceback string, now time.Time) error
	Acknowledge(ctx context.Context, key string, now time.Time) (bool, error)
	ListUnclaimed(ctx context.Context, limit int) ([]string, error)
	List(ctx context.Context, filter JobFilter) ([]*entity.Job, error)
}

type jobRepo struct {
	base
}

func NewJobRepository(db *DB, logger *slog.Logger) JobRepository {
	return &jobRepo{base: newBase(db, logger)}
}

var jobColumns = []string{
	"key", "payload", "task_name", "claimed", "completed", "cleared",
	"return_value", "traceback", "created", "updated",
}

func (r *jobRepo) Insert(ctx context.Context, job *entity.Job) error {
	var rv any
	if len(job.ReturnValue) > 0 {
		rv = string(job.ReturnValue)
	}
	ins := r.sb().Insert("jobs").
		Columns(jobColumns...).
		Values(job.Key, job.Payload, job.TaskName, job.Claimed, job.Completed, job.Cleared,
			rv, job.Traceback, toMillis(job.Created), toMillis(job.Updated))
	if _, err := r.exec(ctx, ins); err != nil {
		r.logger.Error("failed to insert job", "key", job.Key, "task_name", job.TaskName, "error", err)
		return err
	}
	return nil
}

func (r *jobRepo) Get(ctx context.Context, key string) (*entity.Job, error) {
	sel := r.sb().Select(jobColumns...).
		From(entsql.Table("jobs")).
		Where(entsql.EQ("key", key))
	rows, err := r.query(ctx, sel)
	if err != nil {
		return nil, err
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, notFound("job", key)
	}
	return jobs[0], nil
}

func (r *jobRepo) Claim(ctx context.Context, key string, now time.Time) (*entity.Job, error) {
	upd := r.sb().Update("jobs").
		Set("claimed", true).
		Set("updated", toMillis(now)).
		Where(entsql.And(entsql.EQ("key", key), entsql.EQ("claimed", false))).
		Returning(jobColumns...)
	rows, err := r.query(ctx, upd)
	if err != nil {
		return nil, err
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return jobs[0], nil
}

func (r *jobRepo) Complete(ctx context.Context, key string, returnValue []byte, now time.Time) error {
	upd := r.sb().Update("jobs").
		Set("completed", true).
		Set("cleared", false).
		Set("return_value", nullableText(returnValue)).
		SetNull("traceback").
		Set("updated", toMillis(now)).
		Where(entsql.EQ("key", key))
	_, err := r.exec(ctx, upd)
	return err
}

func (r *jobRepo) Fail(ctx context.Context, key string, returnValue []byte, traceback string, now time.Time) error {
	upd := r.sb().Update("jobs").
		Set("completed", false).
		Set("cleared", true).
		Set("return_value", nullableText(returnValue)).
		Set("traceback", traceback).
		Set("updated", toMillis(now)).
		Where(entsql.EQ("key", key))
	_, err := r.exec(ctx, upd)
	return err
}

func (r *jobRepo) Acknowledge(ctx context.Context, key string, now time.Time) (bool, error) {
	upd := r.sb().Update("jobs").
		Set("cleared", true).
		Set("updated", toMillis(now)).
		Where(entsql.And(
			entsql.EQ("key", key),
			entsql.EQ("completed", true),
			entsql.EQ("cleared", false),
		))
	n, err := r.exec(ctx, upd)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *jobRepo) ListUnclaimed(ctx context.Context, limit int) ([]string, error) {
	sel := r.sb().Select("key").
		From(entsql.Table("jobs")).
		Where(entsql.EQ("claimed", false)).
		OrderBy("created", "key")
	if limit > 0 {
		sel.Limit(limit)
	}
	rows, err := r.query(ctx, sel)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (r *jobRepo) List(ctx context.Context, filter JobFilter) ([]*entity.Job, error) {
	sel := r.sb().Select(jobColumns...).From(entsql.Table("jobs"))
	var preds []*entsql.Predicate
	if filter.TaskName != "" {
		preds = append(preds, entsql.EQ("task_name", filter.TaskName))
	}
	switch filter.Status {
	case constants.JobStatusPending:
		preds = append(preds, entsql.EQ("claimed", false))
	case constants.JobStatusRunning:
		preds = append(preds, entsql.EQ("claimed", true), entsql.EQ("completed", false), entsql.EQ("cleared", false))
	case constants.JobStatusSucceeded:
		preds = append(preds, entsql.EQ("completed", true))
	case constants.JobStatusFailed:
		preds = append(preds, entsql.EQ("claimed", true), entsql.EQ("completed", false), entsql.EQ("cleared", true))
	}
	if len(preds) > 0 {
		sel.Where(entsql.And(preds...))
	}
	sel.OrderBy(entsql.Desc("created"), "key")
	if filter.Limit > 0 {
		sel.Limit(filter.Limit)
	}
	rows, err := r.query(ctx, sel)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

func scanJobs(rows *sql.Rows) ([]*entity.Job, error) {
	defer rows.Close()
	var out []*entity.Job
	for rows.Next() {
		var (
			j                entity.Job
			rv, tb           sql.NullString
			created, updated int64
		)
		if err := rows.Scan(&j.Key, &j.Payload, &j.TaskName, &j.Claimed, &j.Completed, &j.Cleared,
			&rv, &tb, &created, &updated); err != nil {
			return nil, err
		}
		if rv.Valid {
			j.ReturnValue = []byte(rv.String)
		}
		j.Traceback = nullString(tb)
		j.Created = fromMillis(created)
		j.Updated = fromMillis(updated)
		out = append(out, &j)
	}
	return out, rows.Err()
}

func nullableText(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
