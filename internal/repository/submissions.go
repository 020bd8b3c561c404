package repository

import (
	"context"
	"database/sql"
	"log/slog"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/joseph-ayodele/transcriber/constants"
	"github.com/joseph-ayodele/transcriber/internal/entity"
)

type SubmissionRepository interface {
	WithTx(tx *sql.Tx) SubmissionRepository
	// Insert stores the submission and its values and fills in the ID.
	Insert(ctx context.Context, s *entity.Submission) error
	Get(ctx context.Context, id int64) (*entity.Submission, error)
	HasRaw(ctx context.Context, taskID, imageID int64, reviewer string) (bool, error)
	ListRaw(ctx context.Context, taskID, imageID int64) ([]*entity.Submission, error)
	GetFinal(ctx context.Context, taskID, imageID int64) (*entity.Submission, error)
	ListFinal(ctx context.Context, taskID int64) ([]*entity.Submission, error)
	SetStatus(ctx context.Context, id int64, from, to constants.SubmissionStatus) (bool, error)
	DeleteFinal(ctx context.Context, taskID, imageID int64) (int64, error)
	ConflictingImages(ctx context.Context, taskID int64) ([]int64, error)
	CountByReviewer(ctx context.Context, taskID int64, reviewer string) (int, error)
	// ListByReviewer returns the reviewer's raw submissions on tasks that are
	// not deleted, grouped by task and oldest first within a task.
	ListByReviewer(ctx context.Context, reviewer string) ([]*entity.Submission, error)
}

type submissionRepo struct {
	base
}

func NewSubmissionRepository(db *DB, logger *slog.Logger) SubmissionRepository {
	return &submissionRepo{base: newBase(db, logger)}
}

func (r *submissionRepo) WithTx(tx *sql.Tx) SubmissionRepository {
	return &submissionRepo{base: r.withTx(tx)}
}

var submissionColumns = []string{"id", "task_id", "image_id", "transcriber", "date_added", "status"}

func (r *submissionRepo) Insert(ctx context.Context, s *entity.Submission) error {
	ins := r.sb().Insert("submissions").
		Columns(submissionColumns[1:]...).
		Values(s.TaskID, s.ImageID, s.Transcriber, toMillis(s.DateAdded), string(s.Status)).
		Returning("id")
	if err := r.queryRow(ctx, ins, &s.ID); err != nil {
		r.logger.Error("failed to insert submission", "task_id", s.TaskID, "image_id", s.ImageID, "error", err)
		return err
	}
	if len(s.Values) == 0 {
		return nil
	}
	vals := r.sb().Insert("submission_values").
		Columns("submission_id", "field_slug", "value", "blank", "not_legible", "altered")
	for slug, v := range s.Values {
		vals.Values(s.ID, slug, v.Value, v.Blank, v.NotLegible, v.Altered)
	}
	if _, err := r.exec(ctx, vals); err != nil {
		r.logger.Error("failed to insert submission values", "submission_id", s.ID, "error", err)
		return err
	}
	return nil
}

func (r *submissionRepo) Get(ctx context.Context, id int64) (*entity.Submission, error) {
	sel := r.sb().Select(submissionColumns...).
		From(entsql.Table("submissions")).
		Where(entsql.EQ("id", id))
	out, err := r.list(ctx, sel)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, notFound("submission", id)
	}
	return out[0], nil
}

func (r *submissionRepo) HasRaw(ctx context.Context, taskID, imageID int64, reviewer string) (bool, error) {
	sel := r.sb().Select(entsql.Count("*")).
		From(entsql.Table("submissions")).
		Where(entsql.And(
			entsql.EQ("task_id", taskID),
			entsql.EQ("image_id", imageID),
			entsql.EQ("transcriber", reviewer),
			entsql.EQ("status", string(constants.SubmissionRaw)),
		))
	n, err := r.count(ctx, sel)
	return n > 0, err
}

// ListRaw returns the raw submissions for an image, oldest first.
func (r *submissionRepo) ListRaw(ctx context.Context, taskID, imageID int64) ([]*entity.Submission, error) {
	sel := r.sb().Select(submissionColumns...).
		From(entsql.Table("submissions")).
		Where(entsql.And(
			entsql.EQ("task_id", taskID),
			entsql.EQ("image_id", imageID),
			entsql.EQ("status", string(constants.SubmissionRaw)),
		)).
		OrderBy("date_added", "id")
	return r.list(ctx, sel)
}

func (r *submissionRepo) GetFinal(ctx context.Context, taskID, imageID int64) (*entity.Submission, error) {
	sel := r.sb().Select(submissionColumns...).
		From(entsql.Table("submissions")).
		Where(entsql.And(
			entsql.EQ("task_id", taskID),
			entsql.EQ("image_id", imageID),
			entsql.EQ("status", string(constants.SubmissionFinal)),
		))
	out, err := r.list(ctx, sel)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, notFound("final submission for image", imageID)
	}
	return out[0], nil
}

func (r *submissionRepo) ListFinal(ctx context.Context, taskID int64) ([]*entity.Submission, error) {
	sel := r.sb().Select(submissionColumns...).
		From(entsql.Table("submissions")).
		Where(entsql.And(
			entsql.EQ("task_id", taskID),
			entsql.EQ("status", string(constants.SubmissionFinal)),
		)).
		OrderBy("image_id")
	return r.list(ctx, sel)
}

func (r *submissionRepo) SetStatus(ctx context.Context, id int64, from, to constants.SubmissionStatus) (bool, error) {
	upd := r.sb().Update("submissions").
		Set("status", string(to)).
		Where(entsql.And(entsql.EQ("id", id), entsql.EQ("status", string(from))))
	n, err := r.exec(ctx, upd)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *submissionRepo) DeleteFinal(ctx context.Context, taskID, imageID int64) (int64, error) {
	finals := entsql.And(
		entsql.EQ("task_id", taskID),
		entsql.EQ("image_id", imageID),
		entsql.EQ("status", string(constants.SubmissionFinal)),
	)
	query, args := r.raw(func(b *entsql.Builder) {
		b.WriteString("DELETE FROM submission_values WHERE submission_id IN (SELECT id FROM submissions WHERE task_id = ").Arg(taskID)
		b.WriteString(" AND image_id = ").Arg(imageID)
		b.WriteString(" AND status = ").Arg(string(constants.SubmissionFinal)).WriteString(")")
	})
	if _, err := r.execRaw(ctx, query, args); err != nil {
		return 0, err
	}
	return r.exec(ctx, r.sb().Delete("submissions").Where(finals))
}

// ConflictingImages returns the images where some field has more than one
// distinct value among raw submissions. NULL counts as a value.
func (r *submissionRepo) ConflictingImages(ctx context.Context, taskID int64) ([]int64, error) {
	query, args := r.raw(func(b *entsql.Builder) {
		writeConflictSubquery(b, taskID)
		b.WriteString(" ORDER BY image_id")
	})
	rows, err := r.queryRaw(ctx, query, args)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *submissionRepo) CountByReviewer(ctx context.Context, taskID int64, reviewer string) (int, error) {
	sel := r.sb().Select(entsql.Count("*")).
		From(entsql.Table("submissions")).
		Where(entsql.And(
			entsql.EQ("task_id", taskID),
			entsql.EQ("transcriber", reviewer),
			entsql.EQ("status", string(constants.SubmissionRaw)),
		))
	return r.count(ctx, sel)
}

func (r *submissionRepo) ListByReviewer(ctx context.Context, reviewer string) ([]*entity.Submission, error) {
	sel := r.sb().Select(submissionColumns...).
		From(entsql.Table("submissions")).
		Where(entsql.And(
			entsql.EQ("transcriber", reviewer),
			entsql.EQ("status", string(constants.SubmissionRaw)),
			entsql.P(func(b *entsql.Builder) {
				b.WriteString("task_id IN (SELECT id FROM tasks WHERE status <> ").
					Arg(string(constants.TaskStatusDeleted)).WriteString(")")
			}),
		)).
		OrderBy("task_id", "date_added", "id")
	return r.list(ctx, sel)
}

// writeConflictSubquery emits a query returning the distinct image_id of
// every conflicted image of the task.
func writeConflictSubquery(b *entsql.Builder, taskID int64) {
	b.WriteString("SELECT DISTINCT s.image_id AS image_id FROM submissions s")
	b.WriteString(" JOIN submission_values v ON v.submission_id = s.id")
	b.WriteString(" WHERE s.task_id = ").Arg(taskID)
	b.WriteString(" AND s.status = ").Arg(string(constants.SubmissionRaw))
	b.WriteString(" GROUP BY s.image_id, v.field_slug")
	b.WriteString(" HAVING COUNT(DISTINCT v.value) + MAX(CASE WHEN v.value IS NULL THEN 1 ELSE 0 END) > 1")
}

func (r *submissionRepo) list(ctx context.Context, sel *entsql.Selector) ([]*entity.Submission, error) {
	rows, err := r.query(ctx, sel)
	if err != nil {
		return nil, err
	}
	var (
		subs []*entity.Submission
		byID = map[int64]*entity.Submission{}
	)
	for rows.Next() {
		var (
			s      entity.Submission
			added  int64
			status string
		)
		if err := rows.Scan(&s.ID, &s.TaskID, &s.ImageID, &s.Transcriber, &added, &status); err != nil {
			_ = rows.Close()
			return nil, err
		}
		s.DateAdded = fromMillis(added)
		s.Status = constants.SubmissionStatus(status)
		s.Values = map[string]entity.FieldValue{}
		subs = append(subs, &s)
		byID[s.ID] = &s
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return subs, nil
	}

	ids := make([]int64, 0, len(subs))
	for _, s := range subs {
		ids = append(ids, s.ID)
	}
	vsel := r.sb().Select("submission_id", "field_slug", "value", "blank", "not_legible", "altered").
		From(entsql.Table("submission_values")).
		Where(entsql.In("submission_id", int64Args(ids)...))
	vrows, err := r.query(ctx, vsel)
	if err != nil {
		return nil, err
	}
	defer vrows.Close()
	for vrows.Next() {
		var (
			id    int64
			slug  string
			value sql.NullString
			v     entity.FieldValue
		)
		if err := vrows.Scan(&id, &slug, &value, &v.Blank, &v.NotLegible, &v.Altered); err != nil {
			return nil, err
		}
		v.Value = nullString(value)
		if s, ok := byID[id]; ok {
			s.Values[slug] = v
		}
	}
	return subs, vrows.Err()
}
