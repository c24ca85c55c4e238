// Package convert maps domain values to and from google.protobuf.Struct messages.
package convert

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/fenceit/trackit/internal/coerce"
	"github.com/fenceit/trackit/internal/errs"
	"github.com/fenceit/trackit/internal/model"
	"github.com/fenceit/trackit/internal/service"
)

// --- helpers ---

func ts(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func strs(in []string) []any {
	out := make([]any, 0, len(in))
	for _, s := range in {
		out = append(out, s)
	}
	return out
}

// Args reads request fields from a Struct; a nil Struct has no fields.
type Args struct {
	fields map[string]*structpb.Value
}

// NewArgs wraps s.
func NewArgs(s *structpb.Struct) Args {
	return Args{fields: s.GetFields()}
}

// String returns a string field or "".
func (a Args) String(key string) string {
	return a.fields[key].GetStringValue()
}

// OptNumber returns nil when key is absent or null.
func (a Args) OptNumber(key string) (*float64, error) {
	v, ok := a.fields[key]
	if !ok {
		return nil, nil
	}
	if _, isNull := v.GetKind().(*structpb.Value_NullValue); isNull {
		return nil, nil
	}
	n, ok := coerce.NumberOK(v.AsInterface())
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a number", errs.ErrInvalidArgument, key)
	}
	return &n, nil
}

// OptTime parses RFC 3339 strings or epoch milliseconds; zero when absent.
func (a Args) OptTime(key string) (time.Time, error) {
	v, ok := a.fields[key]
	if !ok {
		return time.Time{}, nil
	}
	if _, isNull := v.GetKind().(*structpb.Value_NullValue); isNull {
		return time.Time{}, nil
	}
	t, ok := coerce.Instant(v.AsInterface())
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s is not a timestamp", errs.ErrInvalidArgument, key)
	}
	return t, nil
}

// OptString returns nil when key is absent.
func (a Args) OptString(key string) *string {
	v, ok := a.fields[key]
	if !ok {
		return nil
	}
	s := v.GetStringValue()
	return &s
}

// Strings returns a list of strings; nil when absent.
func (a Args) Strings(key string) []string {
	v, ok := a.fields[key]
	if !ok {
		return nil
	}
	return coerce.Strings(v.AsInterface())
}

// --- requests (client -> server) ---

// ToCreateJobInput decodes a CreateJob request.
func ToCreateJobInput(s *structpb.Struct) service.CreateJobInput {
	a := NewArgs(s)
	return service.CreateJobInput{
		Name:   a.String("name"),
		Client: a.String("client"),
		Status: model.JobStatus(a.String("status")),
	}
}

// ToMaterialInput decodes an UpsertMaterial request.
func ToMaterialInput(s *structpb.Struct) (service.MaterialInput, error) {
	a := NewArgs(s)
	qty, err := a.OptNumber("quantity")
	if err != nil {
		return service.MaterialInput{}, err
	}
	cost, err := a.OptNumber("unitCost")
	if err != nil {
		return service.MaterialInput{}, err
	}
	return service.MaterialInput{
		JobID:    a.String("jobId"),
		LineID:   a.String("lineId"),
		SKU:      a.String("sku"),
		Name:     a.String("name"),
		Quantity: qty,
		UnitCost: cost,
	}, nil
}

// ToStartSessionInput decodes a StartSession request for the calling user.
// Managers may start a session on behalf of another user with userId.
func ToStartSessionInput(s *structpb.Struct, caller string) (service.StartSessionInput, error) {
	a := NewArgs(s)
	started, err := a.OptTime("startedAt")
	if err != nil {
		return service.StartSessionInput{}, err
	}
	user := a.String("userId")
	if user == "" {
		user = caller
	}
	return service.StartSessionInput{
		JobID:      a.String("jobId"),
		UserID:     user,
		TaskTypeID: a.String("taskTypeId"),
		StartedAt:  started,
	}, nil
}

// ToStopSessionInput decodes a StopSession request.
func ToStopSessionInput(s *structpb.Struct) (service.StopSessionInput, error) {
	a := NewArgs(s)
	stopped, err := a.OptTime("stoppedAt")
	if err != nil {
		return service.StopSessionInput{}, err
	}
	units, err := a.OptNumber("unitsCompleted")
	if err != nil {
		return service.StopSessionInput{}, err
	}
	return service.StopSessionInput{
		JobID:          a.String("jobId"),
		SessionID:      a.String("sessionId"),
		StoppedAt:      stopped,
		UnitsCompleted: units,
		Notes:          a.OptString("notes"),
		Photos:         a.Strings("photos"),
	}, nil
}

// --- responses (server -> client) ---

func totalsMap(t model.JobTotals) map[string]any {
	return map[string]any{
		model.FieldMaterialCost: t.MaterialCost,
		model.FieldLaborCost:    t.LaborCost,
		model.FieldOverheadCost: t.OverheadCost,
		model.FieldTotalCost:    t.TotalCost,
	}
}

func jobMap(j model.Job) map[string]any {
	m := totalsMap(j.Totals)
	m["id"] = j.ID
	m[model.FieldName] = j.Name
	m[model.FieldClient] = j.Client
	m[model.FieldStatus] = string(j.Status)
	m[model.FieldCreatedAt] = ts(j.CreatedAt)
	m[model.FieldTotalsComputedAt] = ts(j.TotalsComputedAt)
	return m
}

func materialMap(l model.MaterialLine) map[string]any {
	m := map[string]any{
		"id":                  l.ID,
		model.FieldSKU:        l.SKU,
		model.FieldName:       l.Name,
		model.FieldQuantity:   l.Quantity,
		model.FieldUnitCost:   l.UnitCost,
		model.FieldComputedAt: ts(l.ComputedAt),
	}
	if l.HasTotal {
		m[model.FieldSubtotal] = l.Subtotal
	}
	return m
}

func sessionMap(s model.Session) map[string]any {
	m := map[string]any{
		"id":                      s.ID,
		model.FieldUserID:         s.UserID,
		model.FieldTaskTypeID:     s.TaskTypeID,
		model.FieldStartedAt:      ts(s.StartedAt),
		model.FieldStoppedAt:      ts(s.StoppedAt),
		model.FieldUnitsCompleted: s.UnitsCompleted,
		model.FieldNotes:          s.Notes,
		model.FieldPhotos:         strs(s.Photos),
		model.FieldComputedAt:     ts(s.ComputedAt),
	}
	if s.HasDerived {
		m[model.FieldDurationSec] = s.DurationSec
		m[model.FieldLaborCost] = s.LaborCost
	}
	return m
}

// FromJob encodes a job with its totals.
func FromJob(j model.Job) (*structpb.Struct, error) {
	return structpb.NewStruct(jobMap(j))
}

// FromTotals encodes job totals.
func FromTotals(t model.JobTotals) (*structpb.Struct, error) {
	return structpb.NewStruct(totalsMap(t))
}

// FromMaterial encodes a material line.
func FromMaterial(l model.MaterialLine) (*structpb.Struct, error) {
	return structpb.NewStruct(materialMap(l))
}

// FromMaterials encodes {"materials": [...]}.
func FromMaterials(ls []model.MaterialLine) (*structpb.Struct, error) {
	items := make([]any, 0, len(ls))
	for _, l := range ls {
		items = append(items, materialMap(l))
	}
	return structpb.NewStruct(map[string]any{"materials": items})
}

// FromSession encodes a session.
func FromSession(s model.Session) (*structpb.Struct, error) {
	return structpb.NewStruct(sessionMap(s))
}

// FromSessions encodes {"sessions": [...]}.
func FromSessions(ss []model.Session) (*structpb.Struct, error) {
	items := make([]any, 0, len(ss))
	for _, s := range ss {
		items = append(items, sessionMap(s))
	}
	return structpb.NewStruct(map[string]any{"sessions": items})
}

// FromStartedSession encodes a new session and its pre-populated lines.
func FromStartedSession(s model.Session, lines []model.MaterialLine) (*structpb.Struct, error) {
	items := make([]any, 0, len(lines))
	for _, l := range lines {
		items = append(items, materialMap(l))
	}
	return structpb.NewStruct(map[string]any{"session": sessionMap(s), "materials": items})
}

// FromBackfillReport encodes a backfill summary.
func FromBackfillReport(r service.BackfillReport) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"scanned":   r.Scanned,
		"updated":   r.Updated,
		"notReady":  r.NotReady,
		"jobs":      r.Jobs,
		"conflicts": r.Conflicts,
	})
}

// FromDailyAggregate encodes a daily rollup.
func FromDailyAggregate(d model.DailyAggregate) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"day":                     d.Day,
		model.FieldTotalHours:     d.TotalHours,
		model.FieldTotalLaborCost: d.TotalLaborCost,
		model.FieldSessionCount:   d.SessionCount,
		model.FieldComputedAt:     ts(d.ComputedAt),
	})
}
