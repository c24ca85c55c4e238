// Package model defines domain entities used by services and repositories.
//
// Stored documents are loosely typed maps; the typed views below are decoded from
// them with the coerce package so every numeric and temporal field is read the same way.
package model

import (
	"time"
)

// ServerTimestamp is a field value placeholder replaced by the store's clock at write time.
type ServerTimestamp struct{}

// Document is a single stored record addressed by a slash-separated path.
type Document struct {
	Path      string         // e.g. jobs/{jobId}/materials/{lineId}
	ID        string         // last path segment
	Data      map[string]any // loosely typed fields
	Version   int64          // incremented by the store on every write (>= 1)
	UpdatedAt time.Time      // maintained by the store
}

// Exists reports whether d refers to a stored document.
func (d *Document) Exists() bool { return d != nil }

// Get returns a field value; a nil document yields (nil, false).
func (d *Document) Get(field string) (any, bool) {
	if d == nil || d.Data == nil {
		return nil, false
	}
	v, ok := d.Data[field]
	return v, ok
}

// Clone returns a deep-enough copy for snapshotting (top-level map copied).
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	cp := *d
	cp.Data = make(map[string]any, len(d.Data))
	for k, v := range d.Data {
		cp.Data[k] = v
	}
	return &cp
}

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobInProgress JobStatus = "In Progress"
	JobCompleted  JobStatus = "Completed"
	JobOnHold     JobStatus = "On Hold"
)

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobInProgress, JobCompleted, JobOnHold:
		return true
	}
	return false
}

// Role is a user's authorization role.
type Role string

const (
	RoleAdmin      Role = "Admin"
	RoleSupervisor Role = "Supervisor"
	RoleWorker     Role = "Worker"
	// legacy variants still present in older user documents
	RoleYardStaff Role = "Yard Staff"
	RoleWelder    Role = "Welder"
)

// CanManage reports whether the role may trigger recomputes and backfills.
func (r Role) CanManage() bool {
	return r == RoleAdmin || r == RoleSupervisor
}

// JobTotals are the aggregated cost fields owned by the aggregator.
type JobTotals struct {
	MaterialCost float64
	LaborCost    float64
	OverheadCost float64
	TotalCost    float64
}

// Job is a billable unit of work with aggregated cost fields.
type Job struct {
	ID               string
	Name             string
	Client           string
	Status           JobStatus
	Totals           JobTotals
	TotalsComputedAt time.Time // zero until first aggregation
	CreatedAt        time.Time
}

// MaterialLine is one material consumption entry under a job.
type MaterialLine struct {
	ID         string
	SKU        string
	Name       string
	Quantity   float64
	UnitCost   float64
	Subtotal   float64
	HasTotal   bool // subtotal present on the document
	ComputedAt time.Time
}

// Session is one timed work interval under a job.
type Session struct {
	ID             string
	UserID         string
	TaskTypeID     string
	StartedAt      time.Time // zero if absent/unparseable
	StoppedAt      time.Time // zero while running
	DurationSec    int64
	LaborCost      float64
	HasDerived     bool // durationSec and laborCost present on the document
	UnitsCompleted float64
	Notes          string
	Photos         []string
	ComputedAt     time.Time
}

// Open reports whether the session has not been stopped yet.
func (s Session) Open() bool { return s.StoppedAt.IsZero() }

// CatalogItem is a reusable product definition keyed by SKU.
type CatalogItem struct {
	SKU         string
	Name        string
	Unit        string
	Cost        float64
	IsActive    bool
	Description string
}

// User is a worker/supervisor/admin account record.
type User struct {
	ID         string
	Name       string
	Email      string
	Role       Role
	HourlyRate float64
	IsActive   bool
}

// DefaultMaterial pre-populates a session's material lines.
type DefaultMaterial struct {
	SKU      string
	Quantity float64
}

// TaskType is a kind of shop work with optional default rates and materials.
type TaskType struct {
	ID                 string
	Name               string
	UnitLabel          string
	DefaultLaborRate   float64
	DefaultOverheadPct float64
	IsActive           bool
	DefaultMaterials   []DefaultMaterial
}

// OrganizationRates is the global fallback rate singleton.
// DefaultOverheadPct is a fraction: 0.20 means 20 %.
type OrganizationRates struct {
	DefaultLaborRate   float64
	DefaultOverheadPct float64
}

// EffectiveRates is the resolved hourly rate and overhead fraction for a session.
type EffectiveRates struct {
	HourlyRate  float64
	OverheadPct float64
}

// DailyAggregate is a per-day labor rollup keyed by YYYYMMDD.
type DailyAggregate struct {
	Day            string
	TotalHours     float64
	TotalLaborCost float64
	SessionCount   int
	ComputedAt     time.Time
}
