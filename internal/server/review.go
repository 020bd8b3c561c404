package server

import (
	"context"
	"log/slog"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joseph-ayodele/transcriber/internal/common"
	"github.com/joseph-ayodele/transcriber/internal/entity"
	"github.com/joseph-ayodele/transcriber/internal/review"
	"github.com/joseph-ayodele/transcriber/internal/utils"
)

type ReviewServer struct {
	svc    *review.Service
	logger *slog.Logger
}

func NewReviewServer(svc *review.Service, logger *slog.Logger) *ReviewServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReviewServer{svc: svc, logger: logger}
}

type RequestWorkRequest struct {
	Task     string `json:"task"`
	Reviewer string `json:"reviewer,omitempty"`
	ImageID  int64  `json:"image_id,omitempty"`
}

type SubmitRequest struct {
	Task       string                       `json:"task"`
	ImageID    int64                        `json:"image_id"`
	Reviewer   string                       `json:"reviewer,omitempty"`
	Values     map[string]entity.FieldValue `json:"values,omitempty"`
	Irrelevant bool                         `json:"irrelevant,omitempty"`
}

type EditRequest struct {
	SubmissionID int64                        `json:"submission_id"`
	Reviewer     string                       `json:"reviewer,omitempty"`
	Values       map[string]entity.FieldValue `json:"values,omitempty"`
	Irrelevant   bool                         `json:"irrelevant,omitempty"`
}

type SubmitReply struct {
	Submission *entity.Submission `json:"submission"`
	ViewCount  int                `json:"view_count"`
	Outcome    string             `json:"outcome"`
	Finalized  bool               `json:"finalized"`
	Disputed   []string           `json:"disputed,omitempty"`
}

type DeleteRequest struct {
	SubmissionID int64 `json:"submission_id"`
}

type CheckinRequest struct {
	Task     string `json:"task"`
	ImageID  int64  `json:"image_id"`
	Reviewer string `json:"reviewer,omitempty"`
}

type SubmissionsRequest struct {
	Task    string `json:"task"`
	ImageID int64  `json:"image_id"`
}

type ActivityRequest struct {
	Reviewer string `json:"reviewer,omitempty"`
}

// reviewer prefers the identity in the body and falls back to metadata.
func reviewer(ctx context.Context, fromBody string) string {
	if r := strings.TrimSpace(fromBody); r != "" {
		return r
	}
	return common.ReviewerFromContext(ctx)
}

// RequestWork leases the next document for the reviewer, or the given image
// when image_id is set.
func (s *ReviewServer) RequestWork(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req RequestWorkRequest
	if err := utils.FromStruct(in, &req); err != nil {
		return nil, err
	}
	who := reviewer(ctx, req.Reviewer)

	var (
		item *review.WorkItem
		err  error
	)
	if req.ImageID > 0 {
		item, err = s.svc.RequestImage(ctx, req.Task, who, req.ImageID)
	} else {
		item, err = s.svc.RequestWork(ctx, req.Task, who)
	}
	if err != nil {
		return nil, err
	}
	return utils.ToStruct(item)
}

func (s *ReviewServer) Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SubmitRequest
	if err := utils.FromStruct(in, &req); err != nil {
		return nil, err
	}
	res, err := s.svc.Submit(ctx, review.SubmitRequest{
		TaskSlug:   req.Task,
		ImageID:    req.ImageID,
		Reviewer:   reviewer(ctx, req.Reviewer),
		Values:     req.Values,
		Irrelevant: req.Irrelevant,
	})
	if err != nil {
		return nil, err
	}
	return utils.ToStruct(submitReply(res))
}

func (s *ReviewServer) Edit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req EditRequest
	if err := utils.FromStruct(in, &req); err != nil {
		return nil, err
	}
	res, err := s.svc.Edit(ctx, review.EditRequest{
		SubmissionID: req.SubmissionID,
		Reviewer:     reviewer(ctx, req.Reviewer),
		Values:       req.Values,
		Irrelevant:   req.Irrelevant,
	})
	if err != nil {
		return nil, err
	}
	return utils.ToStruct(submitReply(res))
}

func (s *ReviewServer) Delete(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req DeleteRequest
	if err := utils.FromStruct(in, &req); err != nil {
		return nil, err
	}
	if req.SubmissionID <= 0 {
		return nil, common.InvalidArgumentError("submission_id is required")
	}
	if err := s.svc.Delete(ctx, req.SubmissionID); err != nil {
		return nil, err
	}
	return utils.ToStruct(map[string]any{"deleted": req.SubmissionID})
}

// Checkin hands a lease back before it expires.
func (s *ReviewServer) Checkin(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req CheckinRequest
	if err := utils.FromStruct(in, &req); err != nil {
		return nil, err
	}
	released, err := s.svc.Checkin(ctx, req.Task, req.ImageID, reviewer(ctx, req.Reviewer))
	if err != nil {
		return nil, err
	}
	return utils.ToStruct(map[string]any{"released": released})
}

func (s *ReviewServer) Submissions(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SubmissionsRequest
	if err := utils.FromStruct(in, &req); err != nil {
		return nil, err
	}
	rec, err := s.svc.Submissions(ctx, req.Task, req.ImageID)
	if err != nil {
		return nil, err
	}
	return utils.ToStruct(rec)
}

// ReviewerActivity lists the caller's submissions on every active task.
func (s *ReviewServer) ReviewerActivity(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ActivityRequest
	if err := utils.FromStruct(in, &req); err != nil {
		return nil, err
	}
	list, err := s.svc.Activity(ctx, reviewer(ctx, req.Reviewer))
	if err != nil {
		return nil, err
	}
	return utils.Wrap("tasks", list)
}

func submitReply(res *review.SubmitResult) *SubmitReply {
	out := &SubmitReply{
		Submission: res.Submission,
		ViewCount:  res.ViewCount,
		Outcome:    "pending",
		Finalized:  res.Finalized(),
	}
	if res.Reconcile != nil {
		out.Outcome = res.Reconcile.Outcome.String()
		out.Disputed = res.Reconcile.Disputed
	}
	return out
}
