package model

import (
	"fmt"
	"strings"
)

// Collection names.
const (
	CollJobs       = "jobs"
	CollMaterials  = "materials" // child of jobs
	CollSessions   = "sessions"  // child of jobs
	CollCatalog    = "catalog"
	CollUsers      = "users"
	CollTaskTypes  = "taskTypes"
	CollRates      = "rates"
	CollAggregates = "aggregates"
)

// RatesPath is the OrganizationRates singleton.
const RatesPath = CollRates + "/default"

// Field names shared by services and stores.
const (
	FieldName             = "name"
	FieldClient           = "client"
	FieldStatus           = "status"
	FieldCreatedAt        = "createdAt"
	FieldMaterialCost     = "materialCost"
	FieldLaborCost        = "laborCost"
	FieldOverheadCost     = "overheadCost"
	FieldTotalCost        = "totalCost"
	FieldTotalsComputedAt = "totalsComputedAt"

	FieldSKU        = "sku"
	FieldQuantity   = "quantity"
	FieldUnitCost   = "unitCost"
	FieldSubtotal   = "subtotal"
	FieldComputedAt = "computedAt"

	FieldUserID         = "userId"
	FieldTaskTypeID     = "taskTypeId"
	FieldStartedAt      = "startedAt"
	FieldStoppedAt      = "stoppedAt"
	FieldDurationSec    = "durationSec"
	FieldUnitsCompleted = "unitsCompleted"
	FieldNotes          = "notes"
	FieldPhotos         = "photos"

	FieldHourlyRate       = "hourlyRate"
	FieldLegacyRate       = "rate"
	FieldEmail            = "email"
	FieldRole             = "role"
	FieldIsActive         = "isActive"
	FieldUnit             = "unit"
	FieldCost             = "cost"
	FieldDescription      = "description"
	FieldUnitLabel        = "unitLabel"
	FieldDefaultLaborRate = "defaultLaborRate"
	FieldDefaultOverhead  = "defaultOverheadPct"
	FieldDefaultMaterials = "defaultMaterials"

	FieldTotalHours     = "totalHours"
	FieldTotalLaborCost = "totalLaborCost"
	FieldSessionCount   = "sessionCount"
)

// JobPath returns jobs/{jobID}.
func JobPath(jobID string) string { return CollJobs + "/" + jobID }

// MaterialPath returns jobs/{jobID}/materials/{lineID}.
func MaterialPath(jobID, lineID string) string {
	return JobPath(jobID) + "/" + CollMaterials + "/" + lineID
}

// SessionPath returns jobs/{jobID}/sessions/{sessionID}.
func SessionPath(jobID, sessionID string) string {
	return JobPath(jobID) + "/" + CollSessions + "/" + sessionID
}

func UserPath(userID string) string         { return CollUsers + "/" + userID }
func TaskTypePath(taskTypeID string) string { return CollTaskTypes + "/" + taskTypeID }
func CatalogPath(sku string) string         { return CollCatalog + "/" + sku }
func AggregatePath(day string) string       { return CollAggregates + "/" + day }

// SplitPath splits a document path into its parent document path, collection and id.
// Top-level documents have an empty parent.
func SplitPath(path string) (parent, collection, id string, err error) {
	segs := strings.Split(path, "/")
	if len(segs) < 2 || len(segs)%2 != 0 {
		return "", "", "", fmt.Errorf("document path %q: odd segment count", path)
	}
	for _, s := range segs {
		if s == "" {
			return "", "", "", fmt.Errorf("document path %q: empty segment", path)
		}
	}
	n := len(segs)
	return strings.Join(segs[:n-2], "/"), segs[n-2], segs[n-1], nil
}

// ParseJobChild parses jobs/{jobID}/{collection}/{docID}.
func ParseJobChild(path string) (jobID, collection, docID string, err error) {
	parent, coll, id, err := SplitPath(path)
	if err != nil {
		return "", "", "", err
	}
	pp, pc, pid, err := SplitPath(parent)
	if err != nil || pp != "" || pc != CollJobs {
		return "", "", "", fmt.Errorf("document path %q: not a job child", path)
	}
	return pid, coll, id, nil
}

// ValidID reports whether id can be used as a path segment.
func ValidID(id string) bool {
	return id != "" && !strings.ContainsAny(id, "/ \t\n")
}
