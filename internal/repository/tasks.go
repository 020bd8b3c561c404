package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/joseph-ayodele/transcriber/constants"
	"github.com/joseph-ayodele/transcriber/internal/entity"
)

type TaskRepository interface {
	WithTx(tx *sql.Tx) TaskRepository
	// Create inserts the task and its fields and fills in the generated ID.
	Create(ctx context.Context, task *entity.Task) error
	GetByID(ctx context.Context, id int64) (*entity.Task, error)
	GetBySlug(ctx context.Context, slug string) (*entity.Task, error)
	List(ctx context.Context, includeDeleted bool) ([]*entity.Task, error)
	ListByProject(ctx context.Context, project string) ([]*entity.Task, error)
	SetStatus(ctx context.Context, id int64, status constants.TaskStatus, now time.Time) error
}

type taskRepo struct {
	base
}

func NewTaskRepository(db *DB, logger *slog.Logger) TaskRepository {
	return &taskRepo{base: newBase(db, logger)}
}

func (r *taskRepo) WithTx(tx *sql.Tx) TaskRepository {
	return &taskRepo{base: r.withTx(tx)}
}

var taskColumns = []string{
	"id", "slug", "name", "description", "project", "reviewer_quota", "lease_seconds",
	"hierarchy_filter", "split_image", "status", "created_at", "updated_at",
}

func (r *taskRepo) Create(ctx context.Context, task *entity.Task) error {
	var filter any
	if len(task.HierarchyFilter) > 0 {
		b, err := json.Marshal(task.HierarchyFilter)
		if err != nil {
			return err
		}
		filter = string(b)
	}
	if task.Status == "" {
		task.Status = constants.TaskStatusActive
	}
	ins := r.sb().Insert("tasks").
		Columns(taskColumns[1:]...).
		Values(task.Slug, task.Name, task.Description, task.Project, task.ReviewerQuota, task.LeaseSeconds,
			filter, task.SplitImage, string(task.Status), toMillis(task.CreatedAt), toMillis(task.UpdatedAt)).
		Returning("id")
	if err := r.queryRow(ctx, ins, &task.ID); err != nil {
		r.logger.Error("failed to create task", "slug", task.Slug, "error", err)
		return err
	}

	for i := range task.Fields {
		f := &task.Fields[i]
		f.TaskID = task.ID
		ins := r.sb().Insert("task_fields").
			Columns("task_id", "slug", "name", "data_type", "sort_order").
			Values(f.TaskID, f.Slug, f.Name, string(f.DataType), f.Position)
		if _, err := r.exec(ctx, ins); err != nil {
			r.logger.Error("failed to create task field", "task_id", task.ID, "field", f.Slug, "error", err)
			return err
		}
	}
	return nil
}

func (r *taskRepo) GetByID(ctx context.Context, id int64) (*entity.Task, error) {
	return r.getOne(ctx, entsql.EQ("id", id), id)
}

func (r *taskRepo) GetBySlug(ctx context.Context, slug string) (*entity.Task, error) {
	return r.getOne(ctx, entsql.EQ("slug", slug), slug)
}

func (r *taskRepo) getOne(ctx context.Context, pred *entsql.Predicate, key any) (*entity.Task, error) {
	sel := r.sb().Select(taskColumns...).From(entsql.Table("tasks")).Where(pred)
	tasks, err := r.list(ctx, sel)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, notFound("task", key)
	}
	return tasks[0], nil
}

func (r *taskRepo) List(ctx context.Context, includeDeleted bool) ([]*entity.Task, error) {
	sel := r.sb().Select(taskColumns...).From(entsql.Table("tasks"))
	if !includeDeleted {
		sel.Where(entsql.EQ("status", string(constants.TaskStatusActive)))
	}
	return r.list(ctx, sel.OrderBy("id"))
}

func (r *taskRepo) ListByProject(ctx context.Context, project string) ([]*entity.Task, error) {
	sel := r.sb().Select(taskColumns...).
		From(entsql.Table("tasks")).
		Where(entsql.And(
			entsql.EQ("project", project),
			entsql.EQ("status", string(constants.TaskStatusActive)),
		)).
		OrderBy("id")
	return r.list(ctx, sel)
}

func (r *taskRepo) SetStatus(ctx context.Context, id int64, status constants.TaskStatus, now time.Time) error {
	upd := r.sb().Update("tasks").
		Set("status", string(status)).
		Set("updated_at", toMillis(now)).
		Where(entsql.EQ("id", id))
	n, err := r.exec(ctx, upd)
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound("task", id)
	}
	return nil
}

// list scans tasks then loads their fields in a second query.
func (r *taskRepo) list(ctx context.Context, sel *entsql.Selector) ([]*entity.Task, error) {
	rows, err := r.query(ctx, sel)
	if err != nil {
		return nil, err
	}
	var (
		tasks []*entity.Task
		byID  = map[int64]*entity.Task{}
	)
	for rows.Next() {
		var (
			t                entity.Task
			filter           sql.NullString
			status           string
			created, updated int64
		)
		if err := rows.Scan(&t.ID, &t.Slug, &t.Name, &t.Description, &t.Project, &t.ReviewerQuota,
			&t.LeaseSeconds, &filter, &t.SplitImage, &status, &created, &updated); err != nil {
			_ = rows.Close()
			return nil, err
		}
		if filter.Valid && filter.String != "" {
			if err := json.Unmarshal([]byte(filter.String), &t.HierarchyFilter); err != nil {
				_ = rows.Close()
				return nil, err
			}
		}
		t.Status = constants.TaskStatus(status)
		t.CreatedAt = fromMillis(created)
		t.UpdatedAt = fromMillis(updated)
		tasks = append(tasks, &t)
		byID[t.ID] = &t
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	// Close before the next query: SQLite runs on a single connection.
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return tasks, nil
	}

	ids := make([]int64, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	fsel := r.sb().Select("task_id", "slug", "name", "data_type", "sort_order").
		From(entsql.Table("task_fields")).
		Where(entsql.In("task_id", int64Args(ids)...)).
		OrderBy("task_id", "sort_order", "slug")
	frows, err := r.query(ctx, fsel)
	if err != nil {
		return nil, err
	}
	defer frows.Close()
	for frows.Next() {
		var (
			f        entity.TaskField
			dataType string
		)
		if err := frows.Scan(&f.TaskID, &f.Slug, &f.Name, &dataType, &f.Position); err != nil {
			return nil, err
		}
		f.DataType = constants.FieldType(dataType)
		if t, ok := byID[f.TaskID]; ok {
			t.Fields = append(t.Fields, f)
		}
	}
	return tasks, frows.Err()
}
