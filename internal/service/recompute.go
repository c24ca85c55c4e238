package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fenceit/trackit/internal/calc"
	"github.com/fenceit/trackit/internal/coerce"
	"github.com/fenceit/trackit/internal/errs"
	"github.com/fenceit/trackit/internal/metrics"
	"github.com/fenceit/trackit/internal/model"
	"github.com/fenceit/trackit/internal/rates"
	"github.com/fenceit/trackit/internal/repository"
)

// Outcome reports what handling one write event did.
type Outcome struct {
	Change model.ChangeType
	// Changed is true when derived fields on the written document were updated.
	Changed bool
	// Ready is false when the document lacked computable inputs.
	Ready  bool
	Totals model.JobTotals
}

// Recomputer runs the two-step pipeline for child writes: stabilize the child's own
// derived fields, then recompute the parent job. Derived writes made here are not
// published as new events, so a write never cascades back into this handler.
type Recomputer struct {
	docs  repository.DocumentStore
	rates rates.Resolver
	agg   JobAggregator
	log   *zap.Logger
	met   *metrics.Metrics
}

// NewRecomputer constructs a Recomputer.
func NewRecomputer(
	docs repository.DocumentStore, r rates.Resolver, agg JobAggregator, log *zap.Logger, met *metrics.Metrics,
) *Recomputer {
	if log == nil {
		log = zap.NewNop()
	}
	if met == nil {
		met = metrics.Discard()
	}
	return &Recomputer{docs: docs, rates: r, agg: agg, log: log, met: met}
}

// Handle processes one material or session write event.
func (c *Recomputer) Handle(ctx context.Context, ev model.WriteEvent) (Outcome, error) {
	out := Outcome{Change: ev.Change()}
	changed, ready, err := c.Stabilize(ctx, ev)
	if err != nil {
		c.met.EventHandled(ev.Collection, out.Change.String(), "error")
		return out, err
	}
	out.Changed, out.Ready = changed, ready

	totals, err := c.agg.Recompute(ctx, ev.JobID)
	if err != nil {
		c.met.EventHandled(ev.Collection, out.Change.String(), "error")
		return out, err
	}
	out.Totals = totals

	result := "unchanged"
	switch {
	case !ready:
		result = "not_ready"
	case changed:
		result = "changed"
	}
	c.met.EventHandled(ev.Collection, out.Change.String(), result)
	c.log.Debug("write event handled",
		zap.String("path", ev.Path()),
		zap.Stringer("change", out.Change),
		zap.String("result", result),
	)
	return out, nil
}

// Stabilize brings the written document's own derived fields up to date.
// Deleted documents have nothing to stabilize.
func (c *Recomputer) Stabilize(ctx context.Context, ev model.WriteEvent) (changed, ready bool, err error) {
	if !model.ValidID(ev.JobID) || !model.ValidID(ev.DocID) {
		return false, false, fmt.Errorf("%w: event path %q", errs.ErrInvalidArgument, ev.Path())
	}
	if ev.After == nil {
		return false, true, nil
	}
	switch ev.Collection {
	case model.CollMaterials:
		return c.stabilizeMaterial(ctx, ev)
	case model.CollSessions:
		return c.stabilizeSession(ctx, ev)
	default:
		return false, false, fmt.Errorf("%w: collection %q", errs.ErrInvalidArgument, ev.Collection)
	}
}

// Refresh re-reads the event's document so a retried event acts on current state.
func (c *Recomputer) Refresh(ctx context.Context, ev model.WriteEvent) (model.WriteEvent, error) {
	doc, err := c.docs.Get(ctx, ev.Path())
	switch {
	case errors.Is(err, errs.ErrNotFound):
		ev.After = nil
	case err != nil:
		return ev, fmt.Errorf("refresh %s: %w", ev.Path(), err)
	default:
		ev.After = doc
	}
	return ev, nil
}

func (c *Recomputer) stabilizeMaterial(ctx context.Context, ev model.WriteEvent) (bool, bool, error) {
	qty, ok := optionalNumber(ev.After, model.FieldQuantity)
	if !ok {
		return false, false, nil
	}
	cost, ok := optionalNumber(ev.After, model.FieldUnitCost)
	if !ok {
		return false, false, nil
	}
	subtotal := calc.MaterialSubtotal(qty, cost)

	if prev, ok := previousNumber(ev, model.FieldSubtotal); ok && prev == subtotal {
		return false, true, nil
	}
	err := c.writeDerived(ctx, ev, map[string]any{
		model.FieldSubtotal:   subtotal,
		model.FieldComputedAt: model.ServerTimestamp{},
	})
	if err != nil {
		return false, true, err
	}
	return true, true, nil
}

func (c *Recomputer) stabilizeSession(ctx context.Context, ev model.WriteEvent) (bool, bool, error) {
	start, _ := ev.After.Get(model.FieldStartedAt)
	stop, _ := ev.After.Get(model.FieldStoppedAt)
	if _, ok := calc.Session(start, stop, 0); !ok {
		// open session or unparseable timestamps
		return false, false, nil
	}

	sess := model.SessionFromDocument(ev.After)
	eff, err := c.rates.Resolve(ctx, sess.UserID, sess.TaskTypeID)
	if err != nil {
		return false, true, fmt.Errorf("resolve rates: %w", err)
	}
	fig, _ := calc.Session(start, stop, eff.HourlyRate)

	if dur, cost, ok := previousSessionFigures(ev); ok && dur == fig.DurationSec && cost == fig.LaborCost {
		return false, true, nil
	}
	err = c.writeDerived(ctx, ev, map[string]any{
		model.FieldDurationSec: fig.DurationSec,
		model.FieldLaborCost:   fig.LaborCost,
		model.FieldComputedAt:  model.ServerTimestamp{},
	})
	if err != nil {
		return false, true, err
	}
	return true, true, nil
}

// writeDerived merges derived fields into the event's document. When the event carries
// a stored version the write is conditional on it, so a document changed or deleted
// since the event was read is never overwritten with stale figures.
func (c *Recomputer) writeDerived(ctx context.Context, ev model.WriteEvent, fields map[string]any) error {
	var err error
	if ev.After.Version > 0 {
		_, err = c.docs.MergeWriteIfVersion(ctx, ev.Path(), fields, ev.After.Version)
	} else {
		_, _, err = c.docs.MergeWrite(ctx, ev.Path(), fields)
	}
	if err != nil {
		return fmt.Errorf("write derived %s: %w", ev.Path(), err)
	}
	c.met.DerivedWrite(ev.Collection)
	return nil
}

// HandleRatesWrite observes organization rate changes. Existing derived values are
// not recomputed; run a backfill to apply new rates to historical records.
func (c *Recomputer) HandleRatesWrite(_ context.Context, before, after *model.Document) {
	b, a := model.RatesFromDocument(before), model.RatesFromDocument(after)
	c.log.Info("organization rates changed",
		zap.Float64("labor_rate_before", b.DefaultLaborRate),
		zap.Float64("labor_rate_after", a.DefaultLaborRate),
		zap.Float64("overhead_before", b.DefaultOverheadPct),
		zap.Float64("overhead_after", a.DefaultOverheadPct),
	)
}

// HandleTaskTypeWrite observes task type changes without recomputing anything.
func (c *Recomputer) HandleTaskTypeWrite(_ context.Context, id string, after *model.Document) {
	c.log.Info("task type changed", zap.String("task_type", id), zap.Bool("deleted", after == nil))
}

// optionalNumber reads a numeric input field. Absent fields count as 0; present but
// non-numeric values report !ok.
func optionalNumber(doc *model.Document, field string) (float64, bool) {
	v, present := doc.Get(field)
	if !present || v == nil {
		return 0, true
	}
	return coerce.NumberOK(v)
}

// previousNumber returns the derived value currently stored on the document. An absent
// or non-numeric value reports !ok so it is rewritten.
func previousNumber(ev model.WriteEvent, field string) (float64, bool) {
	v, ok := ev.After.Get(field)
	if !ok {
		return 0, false
	}
	return coerce.NumberOK(v)
}

func previousSessionFigures(ev model.WriteEvent) (int64, float64, bool) {
	s := model.SessionFromDocument(ev.After)
	return s.DurationSec, s.LaborCost, s.HasDerived
}
