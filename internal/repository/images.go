package repository

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/joseph-ayodele/transcriber/internal/common"
	"github.com/joseph-ayodele/transcriber/internal/entity"
)

// ImageFilter selects the images a task should be assigned.
type ImageFilter struct {
	Project string
	// PageURLs picks page rows instead of whole documents.
	PageURLs bool
	// Hierarchy keeps images whose hierarchy contains any of these substrings.
	// Empty keeps everything.
	Hierarchy []string
}

type ImageRepository interface {
	WithTx(tx *sql.Tx) ImageRepository
	// UpsertByURL inserts the image unless (project, fetch_url) exists. It
	// returns the stored row and whether it was newly created.
	UpsertByURL(ctx context.Context, img *entity.Image) (*entity.Image, bool, error)
	Get(ctx context.Context, id int64) (*entity.Image, error)
	FindByHash(ctx context.Context, project, hash string) (*entity.Image, error)
	List(ctx context.Context, filter ImageFilter) ([]*entity.Image, error)
	GetMany(ctx context.Context, ids []int64) (map[int64]*entity.Image, error)
}

type imageRepo struct {
	base
}

func NewImageRepository(db *DB, logger *slog.Logger) ImageRepository {
	return &imageRepo{base: newBase(db, logger)}
}

func (r *imageRepo) WithTx(tx *sql.Tx) ImageRepository {
	return &imageRepo{base: r.withTx(tx)}
}

var imageColumns = []string{
	"id", "project", "fetch_url", "hierarchy", "is_page_url", "page", "content_hash", "created_at",
}

func (r *imageRepo) UpsertByURL(ctx context.Context, img *entity.Image) (*entity.Image, bool, error) {
	ins := r.sb().Insert("images").
		Columns(imageColumns[1:]...).
		Values(img.Project, img.FetchURL, img.Hierarchy, img.IsPageURL, img.Page, img.ContentHash, toMillis(img.CreatedAt)).
		OnConflict(
			entsql.ConflictColumns("project", "fetch_url"),
			entsql.DoNothing(),
		).
		Returning("id")

	var id int64
	err := r.queryRow(ctx, ins, &id)
	switch {
	case err == nil:
		out := *img
		out.ID = id
		return &out, true, nil
	case errors.Is(err, common.ErrNotFound):
		// conflict: nothing returned, read the existing row
	default:
		r.logger.Error("failed to upsert image", "project", img.Project, "fetch_url", img.FetchURL, "error", err)
		return nil, false, err
	}

	existing, err := r.one(ctx, entsql.And(
		entsql.EQ("project", img.Project),
		entsql.EQ("fetch_url", img.FetchURL),
	))
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *imageRepo) Get(ctx context.Context, id int64) (*entity.Image, error) {
	img, err := r.one(ctx, entsql.EQ("id", id))
	if errors.Is(err, common.ErrNotFound) {
		return nil, notFound("image", id)
	}
	return img, err
}

func (r *imageRepo) FindByHash(ctx context.Context, project, hash string) (*entity.Image, error) {
	return r.one(ctx, entsql.And(
		entsql.EQ("project", project),
		entsql.EQ("content_hash", hash),
	))
}

func (r *imageRepo) List(ctx context.Context, filter ImageFilter) ([]*entity.Image, error) {
	preds := []*entsql.Predicate{
		entsql.EQ("project", filter.Project),
		entsql.EQ("is_page_url", filter.PageURLs),
	}
	if len(filter.Hierarchy) > 0 {
		subs := make([]*entsql.Predicate, 0, len(filter.Hierarchy))
		for _, h := range filter.Hierarchy {
			subs = append(subs, entsql.Contains("hierarchy", h))
		}
		preds = append(preds, entsql.Or(subs...))
	}
	sel := r.sb().Select(imageColumns...).
		From(entsql.Table("images")).
		Where(entsql.And(preds...)).
		OrderBy("id")
	return r.scan(ctx, sel)
}

func (r *imageRepo) GetMany(ctx context.Context, ids []int64) (map[int64]*entity.Image, error) {
	out := make(map[int64]*entity.Image, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	sel := r.sb().Select(imageColumns...).
		From(entsql.Table("images")).
		Where(entsql.In("id", int64Args(ids)...))
	imgs, err := r.scan(ctx, sel)
	if err != nil {
		return nil, err
	}
	for _, img := range imgs {
		out[img.ID] = img
	}
	return out, nil
}

func (r *imageRepo) one(ctx context.Context, pred *entsql.Predicate) (*entity.Image, error) {
	sel := r.sb().Select(imageColumns...).
		From(entsql.Table("images")).
		Where(pred).
		OrderBy("id").
		Limit(1)
	imgs, err := r.scan(ctx, sel)
	if err != nil {
		return nil, err
	}
	if len(imgs) == 0 {
		return nil, common.ErrNotFound
	}
	return imgs[0], nil
}

func (r *imageRepo) scan(ctx context.Context, sel *entsql.Selector) ([]*entity.Image, error) {
	rows, err := r.query(ctx, sel)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*entity.Image
	for rows.Next() {
		var (
			img             entity.Image
			hierarchy, hash sql.NullString
			page            sql.NullInt64
			created         int64
		)
		if err := rows.Scan(&img.ID, &img.Project, &img.FetchURL, &hierarchy, &img.IsPageURL,
			&page, &hash, &created); err != nil {
			return nil, err
		}
		img.Hierarchy = nullString(hierarchy)
		img.Page = nullInt(page)
		img.ContentHash = nullString(hash)
		img.CreatedAt = fromMillis(created)
		out = append(out, &img)
	}
	return out, rows.Err()
}
