package tasks_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/transcriber/constants"
	"github.com/joseph-ayodele/transcriber/internal/common"
	"github.com/joseph-ayodele/transcriber/internal/entity"
	"github.com/joseph-ayodele/transcriber/internal/repository"
	"github.com/joseph-ayodele/transcriber/internal/repository/repotest"
	"github.com/joseph-ayodele/transcriber/internal/tasks"
)

const ballotsYAML = `
slug: ballots-1892
name: 1892 ballots
project: county
reviewer_quota: 3
lease: 2m
hierarchy_filter: [county/1892]
fields:
  - {slug: candidate, name: Candidate}
  - {slug: votes, type: integer}
`

func TestParseDefinition(t *testing.T) {
	def, err := tasks.ParseDefinition([]byte(ballotsYAML))
	require.NoError(t, err)
	assert.Equal(t, "ballots-1892", def.Slug)
	assert.Equal(t, 3, def.ReviewerQuota)

	task := def.Task(time.Unix(0, 0))
	assert.Equal(t, 120, task.LeaseSeconds)
	require.Len(t, task.Fields, 2)
	assert.Equal(t, constants.FieldString, task.Fields[0].DataType)
	assert.Equal(t, constants.FieldInteger, task.Fields[1].DataType)
	assert.Equal(t, "votes", task.Fields[1].Name)
	assert.Equal(t, 1, task.Fields[1].Position)
}

func TestParseDefinitionRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty", "  "},
		{"not yaml", "slug: [unterminated"},
		{"missing fields", "slug: a\nname: a\nproject: p\nreviewer_quota: 1\n"},
		{"zero quota", "slug: a\nname: a\nproject: p\nreviewer_quota: 0\nfields: [{slug: x}]\n"},
		{"unknown key", "slug: a\nname: a\nproject: p\nreviewer_quota: 1\nfields: [{slug: x}]\ncolour: red\n"},
		{"bad slug", "slug: Not A Slug\nname: a\nproject: p\nreviewer_quota: 1\nfields: [{slug: x}]\n"},
		{"duplicate field", "slug: a\nname: a\nproject: p\nreviewer_quota: 1\nfields: [{slug: x}, {slug: x}]\n"},
		{"unknown type", "slug: a\nname: a\nproject: p\nreviewer_quota: 1\nfields: [{slug: x, type: money}]\n"},
		{"bad lease", "slug: a\nname: a\nproject: p\nreviewer_quota: 1\nlease: soon\nfields: [{slug: x}]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tasks.ParseDefinition([]byte(tt.yaml))
			assert.ErrorIs(t, err, common.ErrValidation)
		})
	}
}

func TestDefinitionRoundTrip(t *testing.T) {
	def, err := tasks.ParseDefinition([]byte(ballotsYAML))
	require.NoError(t, err)
	out, err := tasks.DefinitionOf(def.Task(time.Now())).YAML()
	require.NoError(t, err)

	again, err := tasks.ParseDefinition(out)
	require.NoError(t, err)
	assert.Equal(t, def.Slug, again.Slug)
	assert.Equal(t, "2m0s", again.Lease)
	assert.Equal(t, def.HierarchyFilter, again.HierarchyFilter)
	require.Len(t, again.Fields, 2)
	assert.Equal(t, "string", again.Fields[0].Type)
}

func seedImages(t *testing.T, images repository.ImageRepository, project, hierarchy string, n int, pages bool) {
	t.Helper()
	for i := 0; i < n; i++ {
		h := hierarchy
		img := &entity.Image{
			Project:   project,
			FetchURL:  fmt.Sprintf("https://docs.example.com/%s/%d/%v", hierarchy, i, pages),
			Hierarchy: &h,
			CreatedAt: time.Now(),
		}
		if pages {
			p := i + 1
			img.IsPageURL = true
			img.Page = &p
		}
		_, _, err := images.UpsertByURL(context.Background(), img)
		require.NoError(t, err)
	}
}

func TestCreateAndSyncAssignments(t *testing.T) {
	db := repotest.Open(t)
	logger := repotest.Logger(t)
	svc := tasks.NewService(db, logger)
	images := repository.NewImageRepository(db, logger)
	assignments := repository.NewAssignmentRepository(db, logger)
	ctx := context.Background()

	seedImages(t, images, "county", "county/1892/ward-1", 3, false)
	seedImages(t, images, "county", "county/1894", 2, false)
	seedImages(t, images, "county", "county/1892/ward-2", 4, true)
	seedImages(t, images, "other", "county/1892", 2, false)

	def, err := tasks.ParseDefinition([]byte(ballotsYAML))
	require.NoError(t, err)
	task, err := svc.Create(ctx, def)
	require.NoError(t, err)
	assert.NotZero(t, task.ID)

	_, err = svc.Create(ctx, def)
	assert.ErrorIs(t, err, common.ErrInvalidInput)

	n, err := svc.SyncAssignments(ctx, def.Slug)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = svc.SyncAssignments(ctx, def.Slug)
	require.NoError(t, err)
	assert.Zero(t, n)

	def.Slug = "ballots-pages"
	def.SplitImage = true
	def.HierarchyFilter = nil
	_, err = svc.Create(ctx, def)
	require.NoError(t, err)
	synced, err := svc.SyncProject(ctx, "county")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"ballots-1892": 0, "ballots-pages": 4}, synced)

	list, err := assignments.ListByTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, list, 3)
}

func TestDeleteKeepsRows(t *testing.T) {
	db := repotest.Open(t)
	svc := tasks.NewService(db, repotest.Logger(t))
	ctx := context.Background()

	def, err := tasks.ParseDefinition([]byte(ballotsYAML))
	require.NoError(t, err)
	_, err = svc.Create(ctx, def)
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, def.Slug))
	active, err := svc.List(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, active)
	all, err := svc.List(ctx, true)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, constants.TaskStatusDeleted, all[0].Status)

	_, err = svc.SyncAssignments(ctx, def.Slug)
	assert.ErrorIs(t, err, common.ErrInvalidInput)
	assert.ErrorIs(t, svc.Delete(ctx, "missing"), common.ErrNotFound)
}
