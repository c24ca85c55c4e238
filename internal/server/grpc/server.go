// Package grpcserver exposes the TrackIt gRPC API handlers.
package grpcserver

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/fenceit/trackit/internal/auth"
	"github.com/fenceit/trackit/internal/convert"
	"github.com/fenceit/trackit/internal/errs"
	"github.com/fenceit/trackit/internal/model"
	"github.com/fenceit/trackit/internal/service"
)

// BackfillRunner re-derives all line items and job totals.
type BackfillRunner interface {
	Run(ctx context.Context) (service.BackfillReport, error)
}

// DailyRunner writes the daily labor rollup for the last complete day before now.
type DailyRunner interface {
	Run(ctx context.Context, now time.Time) (model.DailyAggregate, error)
}

// Server wires services into gRPC handlers.
type Server struct {
	jobs     service.JobService
	backfill BackfillRunner
	daily    DailyRunner
	now      func() time.Time
}

var _ TrackItServer = (*Server)(nil)

// New constructs a gRPC server with injected services.
func New(jobs service.JobService, backfill BackfillRunner, daily DailyRunner) *Server {
	return &Server{jobs: jobs, backfill: backfill, daily: daily, now: time.Now}
}

// --- Jobs ---

// CreateJob: {name, client?, status?} -> job.
func (s *Server) CreateJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if _, err := principal(ctx); err != nil {
		return nil, err
	}
	job, err := s.jobs.CreateJob(ctx, convert.ToCreateJobInput(req))
	if err != nil {
		return nil, toStatus("create job", err)
	}
	return encode(convert.FromJob(job))
}

// GetJob: {jobId} -> job.
func (s *Server) GetJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if _, err := principal(ctx); err != nil {
		return nil, err
	}
	job, err := s.jobs.GetJob(ctx, convert.NewArgs(req).String("jobId"))
	if err != nil {
		return nil, toStatus("get job", err)
	}
	return encode(convert.FromJob(job))
}

// ListMaterials: {jobId} -> {materials: [...]}.
func (s *Server) ListMaterials(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if _, err := principal(ctx); err != nil {
		return nil, err
	}
	lines, err := s.jobs.ListMaterials(ctx, convert.NewArgs(req).String("jobId"))
	if err != nil {
		return nil, toStatus("list materials", err)
	}
	return encode(convert.FromMaterials(lines))
}

// ListSessions: {jobId} -> {sessions: [...]}.
func (s *Server) ListSessions(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if _, err := principal(ctx); err != nil {
		return nil, err
	}
	sessions, err := s.jobs.ListSessions(ctx, convert.NewArgs(req).String("jobId"))
	if err != nil {
		return nil, toStatus("list sessions", err)
	}
	return encode(convert.FromSessions(sessions))
}

// --- Materials ---

// UpsertMaterial: {jobId, lineId?, sku, name?, quantity, unitCost?} -> material.
func (s *Server) UpsertMaterial(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if _, err := principal(ctx); err != nil {
		return nil, err
	}
	in, err := convert.ToMaterialInput(req)
	if err != nil {
		return nil, toStatus("upsert material", err)
	}
	line, err := s.jobs.UpsertMaterial(ctx, in)
	if err != nil {
		return nil, toStatus("upsert material", err)
	}
	return encode(convert.FromMaterial(line))
}

// DeleteMaterial: {jobId, lineId} -> {}.
func (s *Server) DeleteMaterial(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if _, err := principal(ctx); err != nil {
		return nil, err
	}
	a := convert.NewArgs(req)
	if err := s.jobs.DeleteMaterial(ctx, a.String("jobId"), a.String("lineId")); err != nil {
		return nil, toStatus("delete material", err)
	}
	return &structpb.Struct{}, nil
}

// --- Sessions ---

// StartSession: {jobId, taskTypeId?, startedAt?, userId?} -> {session, materials}.
// Only managers may start sessions for other users.
func (s *Server) StartSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	p, err := principal(ctx)
	if err != nil {
		return nil, err
	}
	in, err := convert.ToStartSessionInput(req, p.UserID)
	if err != nil {
		return nil, toStatus("start session", err)
	}
	if in.UserID != p.UserID && !p.Role.CanManage() {
		return nil, status.Error(codes.PermissionDenied, "cannot start sessions for other users")
	}
	sess, lines, err := s.jobs.StartSession(ctx, in)
	if err != nil {
		return nil, toStatus("start session", err)
	}
	return encode(convert.FromStartedSession(sess, lines))
}

// StopSession: {jobId, sessionId, stoppedAt?, unitsCompleted?, notes?, photos?} -> session.
func (s *Server) StopSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if _, err := principal(ctx); err != nil {
		return nil, err
	}
	in, err := convert.ToStopSessionInput(req)
	if err != nil {
		return nil, toStatus("stop session", err)
	}
	sess, err := s.jobs.StopSession(ctx, in)
	if err != nil {
		return nil, toStatus("stop session", err)
	}
	return encode(convert.FromSession(sess))
}

// DeleteSession: {jobId, sessionId} -> {}. Managers only.
func (s *Server) DeleteSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if _, err := manager(ctx); err != nil {
		return nil, err
	}
	a := convert.NewArgs(req)
	if err := s.jobs.DeleteSession(ctx, a.String("jobId"), a.String("sessionId")); err != nil {
		return nil, toStatus("delete session", err)
	}
	return &structpb.Struct{}, nil
}

// --- Maintenance ---

// RecomputeJob: {jobId} -> totals. Managers only.
func (s *Server) RecomputeJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if _, err := manager(ctx); err != nil {
		return nil, err
	}
	totals, err := s.jobs.RecomputeJob(ctx, convert.NewArgs(req).String("jobId"))
	if err != nil {
		return nil, toStatus("recompute job", err)
	}
	return encode(convert.FromTotals(totals))
}

// Backfill: {} -> report. Managers only.
func (s *Server) Backfill(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if _, err := manager(ctx); err != nil {
		return nil, err
	}
	rep, err := s.backfill.Run(ctx)
	if err != nil {
		return nil, toStatus("backfill", err)
	}
	return encode(convert.FromBackfillReport(rep))
}

// AggregateDaily: {at?} -> aggregate for the last complete day before at. Managers only.
func (s *Server) AggregateDaily(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if _, err := manager(ctx); err != nil {
		return nil, err
	}
	at, err := convert.NewArgs(req).OptTime("at")
	if err != nil {
		return nil, toStatus("aggregate daily", err)
	}
	if at.IsZero() {
		at = s.now()
	}
	agg, err := s.daily.Run(ctx, at)
	if err != nil {
		return nil, toStatus("aggregate daily", err)
	}
	return encode(convert.FromDailyAggregate(agg))
}

// --- helpers ---

func principal(ctx context.Context) (auth.Principal, error) {
	p, ok := PrincipalFromCtx(ctx)
	if !ok {
		return auth.Principal{}, status.Error(codes.Unauthenticated, "no auth")
	}
	return p, nil
}

func manager(ctx context.Context) (auth.Principal, error) {
	p, err := principal(ctx)
	if err != nil {
		return p, err
	}
	if !p.Role.CanManage() {
		return p, status.Error(codes.PermissionDenied, "admin or supervisor role required")
	}
	return p, nil
}

func encode(s *structpb.Struct, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	return s, nil
}

// toStatus maps domain sentinels to gRPC codes.
func toStatus(op string, err error) error {
	switch {
	case errors.Is(err, errs.ErrInvalidArgument):
		return status.Errorf(codes.InvalidArgument, "%s: %v", op, err)
	case errors.Is(err, errs.ErrNotFound):
		return status.Error(codes.NotFound, "not found")
	case errors.Is(err, errs.ErrVersionConflict):
		return status.Error(codes.Aborted, "version conflict")
	case errors.Is(err, errs.ErrNotReady):
		return status.Errorf(codes.FailedPrecondition, "%s: %v", op, err)
	case errors.Is(err, errs.ErrUnauthorized):
		return status.Error(codes.Unauthenticated, "no auth")
	case errors.Is(err, errs.ErrForbidden):
		return status.Error(codes.PermissionDenied, "forbidden")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "canceled")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	default:
		return status.Errorf(codes.Internal, "%s: %v", op, err)
	}
}
