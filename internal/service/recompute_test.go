package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fenceit/trackit/internal/errs"
	"github.com/fenceit/trackit/internal/model"
	"github.com/fenceit/trackit/internal/rates"
)

func TestHandle_MaterialSubtotal(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	ev := e.write(t, model.CollMaterials, "m1", map[string]any{
		model.FieldSKU:      "RAIL-8",
		model.FieldQuantity: 3,
		model.FieldUnitCost: 9.20,
	})
	out, err := e.core.Handle(context.Background(), ev)
	require.NoError(t, err)
	require.True(t, out.Changed)
	require.True(t, out.Ready)
	require.Equal(t, model.Created, out.Change)

	line := model.MaterialFromDocument(get(t, e.store, model.MaterialPath("j1", "m1")))
	require.Equal(t, 27.60, line.Subtotal)
	require.False(t, line.ComputedAt.IsZero())

	require.Equal(t, 27.60, out.Totals.MaterialCost)
	require.Equal(t, 27.60, e.job(t).Totals.MaterialCost)
}

func TestHandle_SessionLaborCost(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	put(t, e.store, model.UserPath("u1"), map[string]any{model.FieldHourlyRate: 30.0})

	ev := e.write(t, model.CollSessions, "s1", map[string]any{
		model.FieldUserID:    "u1",
		model.FieldStartedAt: t0,
		model.FieldStoppedAt: t0.Add(90*time.Minute + 5900*time.Millisecond),
	})
	out, err := e.core.Handle(context.Background(), ev)
	require.NoError(t, err)
	require.True(t, out.Changed)

	s := model.SessionFromDocument(get(t, e.store, model.SessionPath("j1", "s1")))
	require.Equal(t, int64(5405), s.DurationSec)
	require.Equal(t, 45.04, s.LaborCost) // 5405/3600*30 = 45.0416
	require.Equal(t, 45.04, e.job(t).Totals.LaborCost)
}

func TestHandle_SessionMixedTimestampEncodings(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	ev := e.write(t, model.CollSessions, "s1", map[string]any{
		model.FieldUserID:    "nobody",
		model.FieldStartedAt: "2025-01-01T08:00:00Z",
		model.FieldStoppedAt: float64(t0.Add(time.Hour).UnixMilli()),
	})
	_, err := e.core.Handle(context.Background(), ev)
	require.NoError(t, err)

	s := model.SessionFromDocument(get(t, e.store, model.SessionPath("j1", "s1")))
	require.Equal(t, int64(3600), s.DurationSec)
	require.Equal(t, 20.0, s.LaborCost) // organization default rate
}

func TestHandle_NoWriteWhenAlreadyStable(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	ev := e.write(t, model.CollMaterials, "m1", map[string]any{model.FieldQuantity: 2, model.FieldUnitCost: 5})
	_, err := e.core.Handle(ctx, ev)
	require.NoError(t, err)
	stable := get(t, e.store, model.MaterialPath("j1", "m1"))

	// the derived write, seen as a new event, must not write again
	out, err := e.core.Handle(ctx, model.WriteEvent{
		JobID: "j1", Collection: model.CollMaterials, DocID: "m1", Before: ev.After, After: stable,
	})
	require.NoError(t, err)
	require.False(t, out.Changed)
	require.Equal(t, stable.Version, get(t, e.store, model.MaterialPath("j1", "m1")).Version)
	require.Equal(t, 10.0, e.job(t).Totals.MaterialCost)
}

func TestHandle_SessionNoWriteWhenAlreadyStable(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	ev := e.write(t, model.CollSessions, "s1", map[string]any{
		model.FieldStartedAt: t0, model.FieldStoppedAt: t0.Add(time.Hour),
	})
	_, err := e.core.Handle(ctx, ev)
	require.NoError(t, err)

	refreshed, err := e.core.Refresh(ctx, ev)
	require.NoError(t, err)
	out, err := e.core.Handle(ctx, refreshed)
	require.NoError(t, err)
	require.False(t, out.Changed)
	require.True(t, out.Ready)
}

func TestHandle_EditRewritesStaleSubtotal(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.core.Handle(ctx, e.write(t, model.CollMaterials, "m1", map[string]any{
		model.FieldQuantity: 2, model.FieldUnitCost: 5,
	}))
	require.NoError(t, err)

	out, err := e.core.Handle(ctx, e.write(t, model.CollMaterials, "m1", map[string]any{model.FieldQuantity: 4}))
	require.NoError(t, err)
	require.True(t, out.Changed)
	require.Equal(t, model.Updated, out.Change)
	require.Equal(t, 20.0, model.MaterialFromDocument(get(t, e.store, model.MaterialPath("j1", "m1"))).Subtotal)
	require.Equal(t, 20.0, e.job(t).Totals.MaterialCost)
}

func TestHandle_RewritesCorruptedSubtotal(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.core.Handle(ctx, e.write(t, model.CollMaterials, "m1", map[string]any{
		model.FieldQuantity: 3, model.FieldUnitCost: 9.20,
	}))
	require.NoError(t, err)

	// before still holds the correct 27.60, after does not
	ev := e.write(t, model.CollMaterials, "m1", map[string]any{model.FieldSubtotal: "oops"})
	require.Equal(t, 27.60, model.MaterialFromDocument(ev.Before).Subtotal)

	out, err := e.core.Handle(ctx, ev)
	require.NoError(t, err)
	require.True(t, out.Changed)
	line := model.MaterialFromDocument(get(t, e.store, model.MaterialPath("j1", "m1")))
	require.True(t, line.HasTotal)
	require.Equal(t, 27.60, line.Subtotal)
	require.Equal(t, 27.60, e.job(t).Totals.MaterialCost)
}

func TestHandle_RewritesClearedLaborCost(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.core.Handle(ctx, e.write(t, model.CollSessions, "s1", map[string]any{
		model.FieldStartedAt: t0, model.FieldStoppedAt: t0.Add(time.Hour),
	}))
	require.NoError(t, err)

	ev := e.write(t, model.CollSessions, "s1", map[string]any{model.FieldLaborCost: nil})
	require.True(t, model.SessionFromDocument(ev.Before).HasDerived)

	out, err := e.core.Handle(ctx, ev)
	require.NoError(t, err)
	require.True(t, out.Changed)
	s := model.SessionFromDocument(get(t, e.store, model.SessionPath("j1", "s1")))
	require.True(t, s.HasDerived)
	require.Equal(t, 20.0, s.LaborCost)
	require.Equal(t, 20.0, e.job(t).Totals.LaborCost)
}

func TestHandle_FullScenarioTotals(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	put(t, e.store, model.UserPath("u1"), map[string]any{model.FieldHourlyRate: 25.25})

	for id, f := range map[string]map[string]any{
		"a": {model.FieldQuantity: 2, model.FieldUnitCost: 5},
		"b": {model.FieldQuantity: 1, model.FieldUnitCost: 15.5},
	} {
		_, err := e.core.Handle(ctx, e.write(t, model.CollMaterials, id, f))
		require.NoError(t, err)
	}
	out, err := e.core.Handle(ctx, e.write(t, model.CollSessions, "s1", map[string]any{
		model.FieldUserID: "u1", model.FieldStartedAt: t0, model.FieldStoppedAt: t0.Add(time.Hour),
	}))
	require.NoError(t, err)

	want := model.JobTotals{MaterialCost: 25.50, LaborCost: 25.25, OverheadCost: 10.15, TotalCost: 60.90}
	require.Equal(t, want, out.Totals)
	require.Equal(t, want, e.job(t).Totals)
}

func TestHandle_DeleteRecomputesParent(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	for id, f := range map[string]map[string]any{
		"a": {model.FieldQuantity: 1, model.FieldUnitCost: 10},
		"b": {model.FieldQuantity: 1, model.FieldUnitCost: 2.5},
	} {
		_, err := e.core.Handle(ctx, e.write(t, model.CollMaterials, id, f))
		require.NoError(t, err)
	}
	require.Equal(t, 12.5, e.job(t).Totals.MaterialCost)

	before, err := e.store.Delete(ctx, model.MaterialPath("j1", "a"))
	require.NoError(t, err)
	out, err := e.core.Handle(ctx, model.WriteEvent{JobID: "j1", Collection: model.CollMaterials, DocID: "a", Before: before})
	require.NoError(t, err)
	require.Equal(t, model.Deleted, out.Change)
	require.False(t, out.Changed)
	require.Equal(t, 2.5, e.job(t).Totals.MaterialCost)
	require.Equal(t, 3.0, e.job(t).Totals.TotalCost) // 2.5 + 20 % overhead
}

func TestHandle_OpenSessionNotReady(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	ev := e.write(t, model.CollSessions, "s1", map[string]any{model.FieldStartedAt: t0})
	out, err := e.core.Handle(context.Background(), ev)
	require.NoError(t, err)
	require.False(t, out.Ready)
	require.False(t, out.Changed)

	s := model.SessionFromDocument(get(t, e.store, model.SessionPath("j1", "s1")))
	require.False(t, s.HasDerived)
	require.Equal(t, ev.After.Version, get(t, e.store, model.SessionPath("j1", "s1")).Version)
	// the parent is still recomputed
	require.False(t, e.job(t).TotalsComputedAt.IsZero())
}

func TestHandle_UnparseableTimestampNotReady(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	ev := e.write(t, model.CollSessions, "s1", map[string]any{
		model.FieldStartedAt: "sometime monday", model.FieldStoppedAt: t0,
	})
	out, err := e.core.Handle(context.Background(), ev)
	require.NoError(t, err)
	require.False(t, out.Ready)
}

func TestHandle_MalformedQuantityNotReady(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	ev := e.write(t, model.CollMaterials, "m1", map[string]any{
		model.FieldQuantity: "three", model.FieldUnitCost: 9.20,
	})
	out, err := e.core.Handle(context.Background(), ev)
	require.NoError(t, err)
	require.False(t, out.Ready)
	require.False(t, model.MaterialFromDocument(get(t, e.store, model.MaterialPath("j1", "m1"))).HasTotal)
}

func TestHandle_MissingQuantityCountsAsZero(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	ev := e.write(t, model.CollMaterials, "m1", map[string]any{model.FieldUnitCost: 9.20})
	out, err := e.core.Handle(context.Background(), ev)
	require.NoError(t, err)
	require.True(t, out.Changed)
	line := model.MaterialFromDocument(get(t, e.store, model.MaterialPath("j1", "m1")))
	require.True(t, line.HasTotal)
	require.Equal(t, 0.0, line.Subtotal)
}

func TestHandle_TaskTypeRateWhenUserHasNone(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	put(t, e.store, model.UserPath("u1"), map[string]any{model.FieldName: "No Rate"})
	put(t, e.store, model.TaskTypePath("weld"), map[string]any{model.FieldDefaultLaborRate: 40.0})

	_, err := e.core.Handle(context.Background(), e.write(t, model.CollSessions, "s1", map[string]any{
		model.FieldUserID: "u1", model.FieldTaskTypeID: "weld",
		model.FieldStartedAt: t0, model.FieldStoppedAt: t0.Add(30 * time.Minute),
	}))
	require.NoError(t, err)
	require.Equal(t, 20.0, model.SessionFromDocument(get(t, e.store, model.SessionPath("j1", "s1"))).LaborCost)
}

func TestHandle_StaleEventConflicts(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	stale := e.write(t, model.CollMaterials, "m1", map[string]any{model.FieldQuantity: 1, model.FieldUnitCost: 1})
	// a newer client write lands before the stale event is handled
	e.write(t, model.CollMaterials, "m1", map[string]any{model.FieldQuantity: 7})

	_, err := e.core.Handle(ctx, stale)
	require.ErrorIs(t, err, errs.ErrVersionConflict)

	fresh, err := e.core.Refresh(ctx, stale)
	require.NoError(t, err)
	_, err = e.core.Handle(ctx, fresh)
	require.NoError(t, err)
	require.Equal(t, 7.0, model.MaterialFromDocument(get(t, e.store, model.MaterialPath("j1", "m1"))).Subtotal)
}

func TestRefresh_DeletedDocument(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	ev := e.write(t, model.CollMaterials, "m1", map[string]any{model.FieldQuantity: 1})
	_, err := e.store.Delete(ctx, ev.Path())
	require.NoError(t, err)

	fresh, err := e.core.Refresh(ctx, ev)
	require.NoError(t, err)
	require.Nil(t, fresh.After)
	require.Equal(t, model.Deleted, fresh.Change())
}

func TestStabilize_RejectsUnknownCollection(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ev := e.write(t, "notes", "n1", map[string]any{"text": "hi"})
	_, _, err := e.core.Stabilize(context.Background(), ev)
	require.ErrorIs(t, err, errs.ErrInvalidArgument)
}

type failingResolver struct{ rates.Static }

func (failingResolver) Resolve(context.Context, string, string) (model.EffectiveRates, error) {
	return model.EffectiveRates{}, errors.New("users unavailable")
}

func TestHandle_RateFailureSurfaces(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	core := NewRecomputer(e.store, failingResolver{}, e.agg, zaptest.NewLogger(t), nil)

	ev := e.write(t, model.CollSessions, "s1", map[string]any{
		model.FieldStartedAt: t0, model.FieldStoppedAt: t0.Add(time.Hour),
	})
	_, err := core.Handle(context.Background(), ev)
	require.Error(t, err)
	require.False(t, model.SessionFromDocument(get(t, e.store, model.SessionPath("j1", "s1"))).HasDerived)
}

func TestInertObservers(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	before := get(t, e.store, model.RatesPath)
	_, after := put(t, e.store, model.RatesPath, map[string]any{model.FieldDefaultLaborRate: 99.0})

	e.core.HandleRatesWrite(ctx, before, after)
	e.core.HandleTaskTypeWrite(ctx, "weld", nil)
	// nothing is recomputed
	_, err := e.store.Get(ctx, model.JobPath("j1"))
	require.NoError(t, err)
	require.True(t, e.job(t).TotalsComputedAt.IsZero())
}
