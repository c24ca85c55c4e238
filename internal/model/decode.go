package model

import (
	"github.com/fenceit/trackit/internal/coerce"
)

// JobFromDocument decodes a job document.
func JobFromDocument(d *Document) Job {
	if d == nil {
		return Job{}
	}
	j := Job{
		ID:     d.ID,
		Name:   coerce.String(d.Data[FieldName]),
		Client: coerce.String(d.Data[FieldClient]),
		Status: JobStatus(coerce.String(d.Data[FieldStatus])),
		Totals: JobTotals{
			MaterialCost: coerce.Number(d.Data[FieldMaterialCost]),
			LaborCost:    coerce.Number(d.Data[FieldLaborCost]),
			OverheadCost: coerce.Number(d.Data[FieldOverheadCost]),
			TotalCost:    coerce.Number(d.Data[FieldTotalCost]),
		},
	}
	j.TotalsComputedAt, _ = coerce.Instant(d.Data[FieldTotalsComputedAt])
	j.CreatedAt, _ = coerce.Instant(d.Data[FieldCreatedAt])
	return j
}

// MaterialFromDocument decodes a material line document.
func MaterialFromDocument(d *Document) MaterialLine {
	if d == nil {
		return MaterialLine{}
	}
	m := MaterialLine{
		ID:       d.ID,
		SKU:      coerce.String(d.Data[FieldSKU]),
		Name:     coerce.String(d.Data[FieldName]),
		Quantity: coerce.Number(d.Data[FieldQuantity]),
		UnitCost: coerce.Number(d.Data[FieldUnitCost]),
	}
	m.Subtotal, m.HasTotal = coerce.NumberOK(d.Data[FieldSubtotal])
	m.ComputedAt, _ = coerce.Instant(d.Data[FieldComputedAt])
	return m
}

// SessionFromDocument decodes a session document.
func SessionFromDocument(d *Document) Session {
	if d == nil {
		return Session{}
	}
	s := Session{
		ID:             d.ID,
		UserID:         coerce.String(d.Data[FieldUserID]),
		TaskTypeID:     coerce.String(d.Data[FieldTaskTypeID]),
		UnitsCompleted: coerce.Number(d.Data[FieldUnitsCompleted]),
		Notes:          coerce.String(d.Data[FieldNotes]),
		Photos:         coerce.Strings(d.Data[FieldPhotos]),
	}
	s.StartedAt, _ = coerce.Instant(d.Data[FieldStartedAt])
	s.StoppedAt, _ = coerce.Instant(d.Data[FieldStoppedAt])
	dur, okDur := coerce.NumberOK(d.Data[FieldDurationSec])
	cost, okCost := coerce.NumberOK(d.Data[FieldLaborCost])
	s.DurationSec, s.LaborCost, s.HasDerived = int64(dur), cost, okDur && okCost
	s.ComputedAt, _ = coerce.Instant(d.Data[FieldComputedAt])
	return s
}

// CatalogItemFromDocument decodes a catalog document; the id is the SKU.
func CatalogItemFromDocument(d *Document) CatalogItem {
	if d == nil {
		return CatalogItem{}
	}
	sku := coerce.String(d.Data[FieldSKU])
	if sku == "" {
		sku = d.ID
	}
	return CatalogItem{
		SKU:         sku,
		Name:        coerce.String(d.Data[FieldName]),
		Unit:        coerce.String(d.Data[FieldUnit]),
		Cost:        coerce.Number(d.Data[FieldCost]),
		IsActive:    coerce.Bool(d.Data[FieldIsActive]),
		Description: coerce.String(d.Data[FieldDescription]),
	}
}

// UserFromDocument decodes a user document. Older documents carry the hourly rate
// under the legacy "rate" key; it is read only when hourlyRate is absent.
func UserFromDocument(d *Document) User {
	if d == nil {
		return User{}
	}
	rate, ok := coerce.NumberOK(d.Data[FieldHourlyRate])
	if !ok {
		rate = coerce.Number(d.Data[FieldLegacyRate])
	}
	return User{
		ID:         d.ID,
		Name:       coerce.String(d.Data[FieldName]),
		Email:      coerce.String(d.Data[FieldEmail]),
		Role:       Role(coerce.String(d.Data[FieldRole])),
		HourlyRate: rate,
		IsActive:   coerce.Bool(d.Data[FieldIsActive]),
	}
}

// TaskTypeFromDocument decodes a task type document.
func TaskTypeFromDocument(d *Document) TaskType {
	if d == nil {
		return TaskType{}
	}
	tt := TaskType{
		ID:                 d.ID,
		Name:               coerce.String(d.Data[FieldName]),
		UnitLabel:          coerce.String(d.Data[FieldUnitLabel]),
		DefaultLaborRate:   coerce.Number(d.Data[FieldDefaultLaborRate]),
		DefaultOverheadPct: coerce.Number(d.Data[FieldDefaultOverhead]),
		IsActive:           coerce.Bool(d.Data[FieldIsActive]),
	}
	for _, m := range objects(d.Data[FieldDefaultMaterials]) {
		sku := coerce.String(m[FieldSKU])
		if sku == "" {
			continue
		}
		tt.DefaultMaterials = append(tt.DefaultMaterials, DefaultMaterial{
			SKU:      sku,
			Quantity: coerce.Number(m[FieldQuantity]),
		})
	}
	return tt
}

// RatesFromDocument decodes the OrganizationRates singleton; a missing document is all zeros.
func RatesFromDocument(d *Document) OrganizationRates {
	if d == nil {
		return OrganizationRates{}
	}
	return OrganizationRates{
		DefaultLaborRate:   coerce.Number(d.Data[FieldDefaultLaborRate]),
		DefaultOverheadPct: coerce.Number(d.Data[FieldDefaultOverhead]),
	}
}

// AggregateFromDocument decodes a daily aggregate document.
func AggregateFromDocument(d *Document) DailyAggregate {
	if d == nil {
		return DailyAggregate{}
	}
	a := DailyAggregate{
		Day:            d.ID,
		TotalHours:     coerce.Number(d.Data[FieldTotalHours]),
		TotalLaborCost: coerce.Number(d.Data[FieldTotalLaborCost]),
		SessionCount:   int(coerce.Number(d.Data[FieldSessionCount])),
	}
	a.ComputedAt, _ = coerce.Instant(d.Data[FieldComputedAt])
	return a
}

// objects returns the map elements of a list value.
func objects(v any) []map[string]any {
	switch x := v.(type) {
	case []map[string]any:
		return x
	case []any:
		out := make([]map[string]any, 0, len(x))
		for _, e := range x {
			if m, ok := e.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}
