package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joseph-ayodele/transcriber/constants"
	"github.com/joseph-ayodele/transcriber/internal/common"
	"github.com/joseph-ayodele/transcriber/internal/consensus"
	"github.com/joseph-ayodele/transcriber/internal/entity"
	"github.com/joseph-ayodele/transcriber/internal/progress"
	"github.com/joseph-ayodele/transcriber/internal/queue"
	"github.com/joseph-ayodele/transcriber/internal/repository"
	"github.com/joseph-ayodele/transcriber/internal/tasks"
	"github.com/joseph-ayodele/transcriber/internal/utils"
)

type AdminServer struct {
	tasks     *tasks.Service
	progress  *progress.Aggregator
	conflicts *consensus.Detector
	queue     *queue.Queue
	logger    *slog.Logger
}

func NewAdminServer(t *tasks.Service, agg *progress.Aggregator, detector *consensus.Detector, q *queue.Queue, logger *slog.Logger) *AdminServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminServer{tasks: t, progress: agg, conflicts: detector, queue: q, logger: logger}
}

// CreateTaskRequest carries a definition either as YAML text or as an
// object with the same keys.
type CreateTaskRequest struct {
	YAML       string          `json:"yaml,omitempty"`
	Definition json.RawMessage `json:"definition,omitempty"`
	Sync       bool            `json:"sync,omitempty"`
}

type ListTasksRequest struct {
	Project        string `json:"project,omitempty"`
	IncludeDeleted bool   `json:"include_deleted,omitempty"`
}

type TaskRequest struct {
	Task string `json:"task"`
}

type ProgressRequest struct {
	Task     string `json:"task,omitempty"`
	Reviewer string `json:"reviewer,omitempty"`
}

type ImagesRequest struct {
	Task   string `json:"task"`
	Status string `json:"status,omitempty"`
}

type ConflictsRequest struct {
	Task    string `json:"task"`
	ImageID int64  `json:"image_id,omitempty"`
}

type EnqueueRequest struct {
	Kind string          `json:"kind"`
	Args json.RawMessage `json:"args,omitempty"`
}

type JobRequest struct {
	Key string `json:"key"`
}

type ListJobsRequest struct {
	Status string `json:"status,omitempty"`
	Kind   string `json:"kind,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// JobView is a job row with its derived status.
type JobView struct {
	Key         string              `json:"key"`
	Kind        string              `json:"kind"`
	Status      constants.JobStatus `json:"status"`
	ReturnValue json.RawMessage     `json:"return_value,omitempty"`
	Traceback   string              `json:"traceback,omitempty"`
	Created     time.Time           `json:"created"`
	Updated     time.Time           `json:"updated"`
}

func NewJobView(j *entity.Job) *JobView {
	return &JobView{
		Key:         j.Key,
		Kind:        j.TaskName,
		Status:      j.Status(),
		ReturnValue: j.ReturnValue,
		Traceback:   utils.StrOrEmpty(j.Traceback),
		Created:     j.Created,
		Updated:     j.Updated,
	}
}

func (s *AdminServer) CreateTask(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req CreateTaskRequest
	if err := utils.FromStruct(in, &req); err != nil {
		return nil, err
	}
	var src []byte
	switch {
	case req.YAML != "" && len(req.Definition) > 0:
		return nil, common.InvalidArgumentError("set either yaml or definition, not both")
	case req.YAML != "":
		src = []byte(req.YAML)
	case len(req.Definition) > 0:
		// JSON is valid YAML, so both forms share one parser.
		src = req.Definition
	default:
		return nil, common.InvalidArgumentError("yaml or definition is required")
	}
	def, err := tasks.ParseDefinition(src)
	if err != nil {
		return nil, err
	}
	task, err := s.tasks.Create(ctx, def)
	if err != nil {
		return nil, err
	}
	out := map[string]any{"task": task}
	if req.Sync {
		n, err := s.tasks.SyncAssignments(ctx, task.Slug)
		if err != nil {
			return nil, err
		}
		out["created_assignments"] = n
	}
	return utils.ToStruct(out)
}

func (s *AdminServer) ListTasks(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ListTasksRequest
	if err := utils.FromStruct(in, &req); err != nil {
		return nil, err
	}
	var (
		list []*entity.Task
		err  error
	)
	if req.Project != "" {
		list, err = s.tasks.ListByProject(ctx, req.Project)
	} else {
		list, err = s.tasks.List(ctx, req.IncludeDeleted)
	}
	if err != nil {
		return nil, err
	}
	return utils.Wrap("tasks", list)
}

func (s *AdminServer) DeleteTask(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req TaskRequest
	if err := utils.FromStruct(in, &req); err != nil {
		return nil, err
	}
	if err := s.tasks.Delete(ctx, req.Task); err != nil {
		return nil, err
	}
	return utils.ToStruct(map[string]any{"deleted": req.Task})
}

// Progress reports one task, one reviewer within a task, or every active
// task when no task is named.
func (s *AdminServer) Progress(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ProgressRequest
	if err := utils.FromStruct(in, &req); err != nil {
		return nil, err
	}
	if req.Task == "" {
		all, err := s.progress.Overview(ctx)
		if err != nil {
			return nil, err
		}
		return utils.Wrap("tasks", all)
	}
	task, err := s.tasks.Get(ctx, req.Task)
	if err != nil {
		return nil, err
	}
	p, err := s.progress.ForTask(ctx, task)
	if err != nil {
		return nil, err
	}
	out := map[string]any{"progress": p}
	if req.Reviewer != "" {
		rp, err := s.progress.ForReviewer(ctx, task, req.Reviewer)
		if err != nil {
			return nil, err
		}
		out["reviewer"] = rp
	}
	return utils.ToStruct(out)
}

// Images lists a task's documents with their review state, optionally
// narrowed to one state.
func (s *AdminServer) Images(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ImagesRequest
	if err := utils.FromStruct(in, &req); err != nil {
		return nil, err
	}
	status, ok := constants.ParseImageStatus(req.Status)
	if !ok {
		return nil, common.InvalidArgumentErrorf("unknown image status %q", req.Status)
	}
	task, err := s.tasks.Get(ctx, req.Task)
	if err != nil {
		return nil, err
	}
	list, err := s.progress.Images(ctx, task, status)
	if err != nil {
		return nil, err
	}
	return utils.Wrap("images", list)
}

func (s *AdminServer) Conflicts(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ConflictsRequest
	if err := utils.FromStruct(in, &req); err != nil {
		return nil, err
	}
	task, err := s.tasks.Get(ctx, req.Task)
	if err != nil {
		return nil, err
	}
	if req.ImageID > 0 {
		fields, err := s.conflicts.FieldConflicts(ctx, task, req.ImageID)
		if err != nil {
			return nil, err
		}
		var list []consensus.ImageConflict
		if len(fields) > 0 {
			list = append(list, consensus.ImageConflict{ImageID: req.ImageID, Fields: fields})
		}
		return utils.Wrap("conflicts", list)
	}
	list, err := s.conflicts.TaskConflicts(ctx, task)
	if err != nil {
		return nil, err
	}
	return utils.Wrap("conflicts", list)
}

func (s *AdminServer) Enqueue(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req EnqueueRequest
	if err := utils.FromStruct(in, &req); err != nil {
		return nil, err
	}
	kind, ok := constants.ParseJobKind(req.Kind)
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %s)", common.ErrUnknownJobKind, req.Kind, strings.Join(constants.JobKinds(), ", "))
	}
	args := req.Args
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage(`{}`)
	}
	key, err := s.queue.EnqueuePayload(ctx, queue.Payload{Kind: kind, Args: args})
	if err != nil {
		return nil, err
	}
	return utils.ToStruct(map[string]any{"key": key, "kind": kind})
}

func (s *AdminServer) JobStatus(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req JobRequest
	if err := utils.FromStruct(in, &req); err != nil {
		return nil, err
	}
	job, err := s.queue.Get(ctx, req.Key)
	if err != nil {
		return nil, err
	}
	return utils.ToStruct(NewJobView(job))
}

func (s *AdminServer) ListJobs(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ListJobsRequest
	if err := utils.FromStruct(in, &req); err != nil {
		return nil, err
	}
	st, ok := constants.ParseJobStatus(req.Status)
	if !ok {
		return nil, common.InvalidArgumentErrorf("unknown job status %q", req.Status)
	}
	filter := repository.JobFilter{Status: st, Limit: req.Limit}
	if req.Kind != "" {
		kind, ok := constants.ParseJobKind(req.Kind)
		if !ok {
			return nil, fmt.Errorf("%w: %q", common.ErrUnknownJobKind, req.Kind)
		}
		filter.TaskName = string(kind)
	}
	jobs, err := s.queue.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	views := make([]*JobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, NewJobView(j))
	}
	return utils.Wrap("jobs", views)
}

func (s *AdminServer) AcknowledgeJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req JobRequest
	if err := utils.FromStruct(in, &req); err != nil {
		return nil, err
	}
	if err := s.queue.Acknowledge(ctx, req.Key); err != nil {
		return nil, err
	}
	return utils.ToStruct(map[string]any{"key": req.Key})
}

func (s *AdminServer) ResubmitJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req JobRequest
	if err := utils.FromStruct(in, &req); err != nil {
		return nil, err
	}
	key, err := s.queue.Resubmit(ctx, req.Key)
	if err != nil {
		return nil, err
	}
	return utils.ToStruct(map[string]any{"key": key, "resubmitted": req.Key})
}
