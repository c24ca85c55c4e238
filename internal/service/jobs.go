package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/fenceit/trackit/internal/coerce"
	"github.com/fenceit/trackit/internal/errs"
	"github.com/fenceit/trackit/internal/model"
	"github.com/fenceit/trackit/internal/repository"
)

// Publisher delivers child write events to the recompute pipeline.
type Publisher interface {
	Publish(ctx context.Context, ev model.WriteEvent) error
}

// JobService defines the job write surface. Every child write publishes a WriteEvent.
type JobService interface {
	CreateJob(ctx context.Context, in CreateJobInput) (model.Job, error)
	GetJob(ctx context.Context, id string) (model.Job, error)
	ListMaterials(ctx context.Context, jobID string) ([]model.MaterialLine, error)
	ListSessions(ctx context.Context, jobID string) ([]model.Session, error)
	// UpsertMaterial creates or updates a line; unit cost defaults from the catalog.
	UpsertMaterial(ctx context.Context, in MaterialInput) (model.MaterialLine, error)
	DeleteMaterial(ctx context.Context, jobID, lineID string) error
	// StartSession opens a session and pre-populates the task type's default materials.
	StartSession(ctx context.Context, in StartSessionInput) (model.Session, []model.MaterialLine, error)
	StopSession(ctx context.Context, in StopSessionInput) (model.Session, error)
	DeleteSession(ctx context.Context, jobID, sessionID string) error
	// RecomputeJob recomputes totals on demand.
	RecomputeJob(ctx context.Context, jobID string) (model.JobTotals, error)
}

// CreateJobInput holds new job attributes.
type CreateJobInput struct {
	Name   string
	Client string
	Status model.JobStatus
}

// MaterialInput describes a material line write. Nil pointers leave fields unset.
type MaterialInput struct {
	JobID    string
	LineID   string // empty creates a new line
	SKU      string
	Name     string
	Quantity *float64
	UnitCost *float64
}

// StartSessionInput opens a work session.
type StartSessionInput struct {
	JobID      string
	UserID     string
	TaskTypeID string
	StartedAt  time.Time // zero means now
}

// StopSessionInput closes a session.
type StopSessionInput struct {
	JobID          string
	SessionID      string
	StoppedAt      time.Time // zero means now
	UnitsCompleted *float64
	Notes          *string
	Photos         []string
}

type JobServiceImpl struct {
	docs repository.DocumentStore
	pub  Publisher
	agg  JobAggregator
	log  *zap.Logger
	now  func() time.Time
}

var _ JobService = (*JobServiceImpl)(nil)

// NewJobService constructs JobService.
func NewJobService(docs repository.DocumentStore, pub Publisher, agg JobAggregator, log *zap.Logger) *JobServiceImpl {
	if log == nil {
		log = zap.NewNop()
	}
	return &JobServiceImpl{docs: docs, pub: pub, agg: agg, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// CreateJob validates and stores a new job. Totals are left unset until the first
// aggregation writes them.
func (s *JobServiceImpl) CreateJob(ctx context.Context, in CreateJobInput) (model.Job, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return model.Job{}, fmt.Errorf("%w: job name is required", errs.ErrInvalidArgument)
	}
	if in.Status == "" {
		in.Status = model.JobInProgress
	}
	if !in.Status.Valid() {
		return model.Job{}, fmt.Errorf("%w: status %q", errs.ErrInvalidArgument, in.Status)
	}
	id, err := newID()
	if err != nil {
		return model.Job{}, err
	}
	_, after, err := s.docs.MergeWrite(ctx, model.JobPath(id), map[string]any{
		model.FieldName:      name,
		model.FieldClient:    strings.TrimSpace(in.Client),
		model.FieldStatus:    string(in.Status),
		model.FieldCreatedAt: model.ServerTimestamp{},
	})
	if err != nil {
		return model.Job{}, fmt.Errorf("create job: %w", err)
	}
	s.log.Info("job created", zap.String("job", id))
	return model.JobFromDocument(after), nil
}

// GetJob returns a job with its current totals.
func (s *JobServiceImpl) GetJob(ctx context.Context, id string) (model.Job, error) {
	doc, err := s.requireJob(ctx, id)
	if err != nil {
		return model.Job{}, err
	}
	return model.JobFromDocument(doc), nil
}

// ListMaterials returns the job's material lines ordered by id.
func (s *JobServiceImpl) ListMaterials(ctx context.Context, jobID string) ([]model.MaterialLine, error) {
	if _, err := s.requireJob(ctx, jobID); err != nil {
		return nil, err
	}
	docs, err := s.docs.ListChildren(ctx, model.JobPath(jobID), model.CollMaterials)
	if err != nil {
		return nil, err
	}
	out := make([]model.MaterialLine, 0, len(docs))
	for _, d := range docs {
		out = append(out, model.MaterialFromDocument(d))
	}
	return out, nil
}

// ListSessions returns the job's sessions ordered by id.
func (s *JobServiceImpl) ListSessions(ctx context.Context, jobID string) ([]model.Session, error) {
	if _, err := s.requireJob(ctx, jobID); err != nil {
		return nil, err
	}
	docs, err := s.docs.ListChildren(ctx, model.JobPath(jobID), model.CollSessions)
	if err != nil {
		return nil, err
	}
	out := make([]model.Session, 0, len(docs))
	for _, d := range docs {
		out = append(out, model.SessionFromDocument(d))
	}
	return out, nil
}

// UpsertMaterial validates input and merge-writes the line.
// Validation rules:
//   - quantity and unit cost must be non-negative when given;
//   - a new line requires a SKU and a quantity;
//   - a missing unit cost on a new line is taken from the catalog item.
func (s *JobServiceImpl) UpsertMaterial(ctx context.Context, in MaterialInput) (model.MaterialLine, error) {
	if _, err := s.requireJob(ctx, in.JobID); err != nil {
		return model.MaterialLine{}, err
	}
	if err := nonNegative(model.FieldQuantity, in.Quantity); err != nil {
		return model.MaterialLine{}, err
	}
	if err := nonNegative(model.FieldUnitCost, in.UnitCost); err != nil {
		return model.MaterialLine{}, err
	}

	isNew := in.LineID == ""
	if isNew {
		id, err := newID()
		if err != nil {
			return model.MaterialLine{}, err
		}
		in.LineID = id
	} else if !model.ValidID(in.LineID) {
		return model.MaterialLine{}, fmt.Errorf("%w: line id %q", errs.ErrInvalidArgument, in.LineID)
	}
	if isNew && (in.SKU == "" || in.Quantity == nil) {
		return model.MaterialLine{}, fmt.Errorf("%w: sku and quantity are required", errs.ErrInvalidArgument)
	}

	fields := map[string]any{}
	if in.SKU != "" {
		fields[model.FieldSKU] = in.SKU
	}
	if in.Name != "" {
		fields[model.FieldName] = in.Name
	}
	if in.Quantity != nil {
		fields[model.FieldQuantity] = *in.Quantity
	}
	if in.UnitCost != nil {
		fields[model.FieldUnitCost] = *in.UnitCost
	}
	if isNew && (in.UnitCost == nil || in.Name == "") {
		item, err := s.catalogItem(ctx, in.SKU)
		switch {
		case err == nil:
			if in.UnitCost == nil {
				fields[model.FieldUnitCost] = item.Cost
			}
			if in.Name == "" {
				fields[model.FieldName] = item.Name
			}
		case in.UnitCost != nil && errors.Is(err, errs.ErrInvalidArgument):
			// priced explicitly; the catalog only supplies a display name
		default:
			return model.MaterialLine{}, err
		}
	}

	after, err := s.write(ctx, in.JobID, model.CollMaterials, in.LineID, fields)
	if err != nil {
		return model.MaterialLine{}, err
	}
	return model.MaterialFromDocument(after), nil
}

// DeleteMaterial removes a line; the job totals follow through the pipeline.
func (s *JobServiceImpl) DeleteMaterial(ctx context.Context, jobID, lineID string) error {
	return s.deleteChild(ctx, jobID, model.CollMaterials, lineID)
}

// DeleteSession removes a session.
func (s *JobServiceImpl) DeleteSession(ctx context.Context, jobID, sessionID string) error {
	return s.deleteChild(ctx, jobID, model.CollSessions, sessionID)
}

// StartSession opens a session and adds one material line per task type default.
// Default materials with unknown SKUs are skipped.
func (s *JobServiceImpl) StartSession(ctx context.Context, in StartSessionInput) (model.Session, []model.MaterialLine, error) {
	if _, err := s.requireJob(ctx, in.JobID); err != nil {
		return model.Session{}, nil, err
	}
	if !model.ValidID(in.UserID) {
		return model.Session{}, nil, fmt.Errorf("%w: user id %q", errs.ErrInvalidArgument, in.UserID)
	}
	var taskType model.TaskType
	if in.TaskTypeID != "" {
		doc, err := s.docs.Get(ctx, model.TaskTypePath(in.TaskTypeID))
		if errors.Is(err, errs.ErrNotFound) {
			return model.Session{}, nil, fmt.Errorf("%w: unknown task type %q", errs.ErrInvalidArgument, in.TaskTypeID)
		}
		if err != nil {
			return model.Session{}, nil, err
		}
		taskType = model.TaskTypeFromDocument(doc)
	}
	if in.StartedAt.IsZero() {
		in.StartedAt = s.now()
	}

	id, err := newID()
	if err != nil {
		return model.Session{}, nil, err
	}
	after, err := s.write(ctx, in.JobID, model.CollSessions, id, map[string]any{
		model.FieldUserID:         in.UserID,
		model.FieldTaskTypeID:     in.TaskTypeID,
		model.FieldStartedAt:      in.StartedAt.UTC(),
		model.FieldUnitsCompleted: 0.0,
		model.FieldNotes:          "",
		model.FieldPhotos:         []string{},
	})
	if err != nil {
		return model.Session{}, nil, err
	}

	var lines []model.MaterialLine
	for _, dm := range taskType.DefaultMaterials {
		q := dm.Quantity
		line, err := s.UpsertMaterial(ctx, MaterialInput{JobID: in.JobID, SKU: dm.SKU, Quantity: &q})
		if errors.Is(err, errs.ErrInvalidArgument) {
			s.log.Warn("default material skipped",
				zap.String("task_type", in.TaskTypeID), zap.String("sku", dm.SKU), zap.Error(err))
			continue
		}
		if err != nil {
			return model.Session{}, nil, err
		}
		lines = append(lines, line)
	}
	return model.SessionFromDocument(after), lines, nil
}

// StopSession sets stoppedAt and optional completion details.
func (s *JobServiceImpl) StopSession(ctx context.Context, in StopSessionInput) (model.Session, error) {
	if _, err := s.requireJob(ctx, in.JobID); err != nil {
		return model.Session{}, err
	}
	if !model.ValidID(in.SessionID) {
		return model.Session{}, fmt.Errorf("%w: session id %q", errs.ErrInvalidArgument, in.SessionID)
	}
	if _, err := s.docs.Get(ctx, model.SessionPath(in.JobID, in.SessionID)); err != nil {
		return model.Session{}, err
	}
	if err := nonNegative(model.FieldUnitsCompleted, in.UnitsCompleted); err != nil {
		return model.Session{}, err
	}
	if in.StoppedAt.IsZero() {
		in.StoppedAt = s.now()
	}

	fields := map[string]any{model.FieldStoppedAt: in.StoppedAt.UTC()}
	if in.UnitsCompleted != nil {
		fields[model.FieldUnitsCompleted] = *in.UnitsCompleted
	}
	if in.Notes != nil {
		fields[model.FieldNotes] = *in.Notes
	}
	if in.Photos != nil {
		fields[model.FieldPhotos] = in.Photos
	}
	after, err := s.write(ctx, in.JobID, model.CollSessions, in.SessionID, fields)
	if err != nil {
		return model.Session{}, err
	}
	return model.SessionFromDocument(after), nil
}

// RecomputeJob runs the aggregator directly.
func (s *JobServiceImpl) RecomputeJob(ctx context.Context, jobID string) (model.JobTotals, error) {
	if _, err := s.requireJob(ctx, jobID); err != nil {
		return model.JobTotals{}, err
	}
	return s.agg.Recompute(ctx, jobID)
}

// write merge-writes a child document and publishes the resulting event. A publish
// failure is logged; the write itself already succeeded.
func (s *JobServiceImpl) write(ctx context.Context, jobID, coll, id string, fields map[string]any) (*model.Document, error) {
	path := model.JobPath(jobID) + "/" + coll + "/" + id
	before, after, err := s.docs.MergeWrite(ctx, path, fields)
	if err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	s.publish(ctx, model.WriteEvent{JobID: jobID, Collection: coll, DocID: id, Before: before, After: after})
	return after, nil
}

func (s *JobServiceImpl) deleteChild(ctx context.Context, jobID, coll, id string) error {
	if !model.ValidID(jobID) || !model.ValidID(id) {
		return fmt.Errorf("%w: %s/%s", errs.ErrInvalidArgument, jobID, id)
	}
	path := model.JobPath(jobID) + "/" + coll + "/" + id
	before, err := s.docs.Delete(ctx, path)
	if err != nil {
		return err
	}
	s.publish(ctx, model.WriteEvent{JobID: jobID, Collection: coll, DocID: id, Before: before})
	return nil
}

func (s *JobServiceImpl) publish(ctx context.Context, ev model.WriteEvent) {
	if err := s.pub.Publish(ctx, ev); err != nil {
		s.log.Error("publish write event", zap.String("path", ev.Path()), zap.Error(err))
	}
}

func (s *JobServiceImpl) requireJob(ctx context.Context, id string) (*model.Document, error) {
	if !model.ValidID(id) {
		return nil, fmt.Errorf("%w: job id %q", errs.ErrInvalidArgument, id)
	}
	return s.docs.Get(ctx, model.JobPath(id))
}

func (s *JobServiceImpl) catalogItem(ctx context.Context, sku string) (model.CatalogItem, error) {
	if !model.ValidID(sku) {
		return model.CatalogItem{}, fmt.Errorf("%w: sku %q", errs.ErrInvalidArgument, sku)
	}
	doc, err := s.docs.Get(ctx, model.CatalogPath(sku))
	if errors.Is(err, errs.ErrNotFound) {
		return model.CatalogItem{}, fmt.Errorf("%w: unknown sku %q", errs.ErrInvalidArgument, sku)
	}
	if err != nil {
		return model.CatalogItem{}, err
	}
	item := model.CatalogItemFromDocument(doc)
	if v, set := doc.Get(model.FieldIsActive); set && !coerce.Bool(v) {
		return model.CatalogItem{}, fmt.Errorf("%w: sku %q is inactive", errs.ErrInvalidArgument, sku)
	}
	return item, nil
}

func nonNegative(field string, v *float64) error {
	if v != nil && *v < 0 {
		return fmt.Errorf("%w: %s must be >= 0", errs.ErrInvalidArgument, field)
	}
	return nil
}

func newID() (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
