package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fenceit/trackit/internal/calc"
	"github.com/fenceit/trackit/internal/errs"
	"github.com/fenceit/trackit/internal/model"
	"github.com/fenceit/trackit/internal/repository"
)

// BackfillReport summarizes a backfill run.
type BackfillReport struct {
	Scanned   int // child documents examined
	Updated   int // child documents whose derived fields changed
	NotReady  int // open sessions and malformed lines
	Jobs      int // jobs recomputed
	Conflicts int // child documents skipped after a concurrent edit
}

// Backfiller re-derives every line item and recomputes every job. Rate documents are
// not watched, so this is how new rates reach historical records.
type Backfiller struct {
	docs        repository.DocumentStore
	core        *Recomputer
	agg         JobAggregator
	log         *zap.Logger
	concurrency int
}

// NewBackfiller constructs a Backfiller that recomputes up to concurrency jobs at once.
func NewBackfiller(docs repository.DocumentStore, core *Recomputer, agg JobAggregator, log *zap.Logger, concurrency int) *Backfiller {
	if log == nil {
		log = zap.NewNop()
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Backfiller{docs: docs, core: core, agg: agg, log: log, concurrency: concurrency}
}

// Run stabilizes all materials and sessions, then recomputes every job once.
func (b *Backfiller) Run(ctx context.Context) (BackfillReport, error) {
	var rep BackfillReport
	jobs := map[string]struct{}{}

	jobDocs, err := b.docs.ListGroup(ctx, model.CollJobs)
	if err != nil {
		return rep, fmt.Errorf("list jobs: %w", err)
	}
	for _, d := range jobDocs {
		jobs[d.ID] = struct{}{}
	}

	for _, coll := range []string{model.CollMaterials, model.CollSessions} {
		docs, err := b.docs.ListGroup(ctx, coll)
		if err != nil {
			return rep, fmt.Errorf("list %s: %w", coll, err)
		}
		for _, d := range docs {
			jobID, _, docID, err := model.ParseJobChild(d.Path)
			if err != nil {
				b.log.Warn("backfill skipped orphan document", zap.String("path", d.Path))
				continue
			}
			rep.Scanned++
			ev := model.WriteEvent{JobID: jobID, Collection: coll, DocID: docID, Before: d, After: d}
			jobs[jobID] = struct{}{}
			changed, ready, err := b.stabilize(ctx, ev)
			if errors.Is(err, errs.ErrVersionConflict) {
				b.log.Warn("backfill skipped document edited concurrently", zap.String("path", d.Path))
				rep.Conflicts++
				continue
			}
			if err != nil {
				return rep, fmt.Errorf("stabilize %s: %w", d.Path, err)
			}
			if changed {
				rep.Updated++
			}
			if !ready {
				rep.NotReady++
			}
		}
	}

	ids := make([]string, 0, len(jobs))
	for id := range jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			_, err := b.agg.Recompute(gctx, id)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return rep, err
	}
	rep.Jobs = len(ids)

	b.log.Info("backfill complete",
		zap.Int("scanned", rep.Scanned),
		zap.Int("updated", rep.Updated),
		zap.Int("not_ready", rep.NotReady),
		zap.Int("jobs", rep.Jobs),
		zap.Int("conflicts", rep.Conflicts),
	)
	return rep, nil
}

// stabilize retries once against the current document when the listed copy went stale.
func (b *Backfiller) stabilize(ctx context.Context, ev model.WriteEvent) (bool, bool, error) {
	changed, ready, err := b.core.Stabilize(ctx, ev)
	if !errors.Is(err, errs.ErrVersionConflict) {
		return changed, ready, err
	}
	ev, err = b.core.Refresh(ctx, ev)
	if err != nil {
		return false, false, err
	}
	return b.core.Stabilize(ctx, ev)
}

// DailyAggregator rolls up session hours and labor cost per day.
type DailyAggregator struct {
	docs         repository.DocumentStore
	loc          *time.Location
	boundaryHour int
	log          *zap.Logger
}

// NewDailyAggregator constructs a DailyAggregator. Days start at boundaryHour in loc.
func NewDailyAggregator(docs repository.DocumentStore, loc *time.Location, boundaryHour int, log *zap.Logger) *DailyAggregator {
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &DailyAggregator{docs: docs, loc: loc, boundaryHour: boundaryHour, log: log}
}

// Window returns the last complete day before now as [start, end).
func (d *DailyAggregator) Window(now time.Time) (start, end time.Time) {
	local := now.In(d.loc)
	end = time.Date(local.Year(), local.Month(), local.Day(), d.boundaryHour, 0, 0, 0, d.loc)
	if end.After(local) {
		end = end.AddDate(0, 0, -1)
	}
	return end.AddDate(0, 0, -1), end
}

// Run aggregates the last complete day before now.
func (d *DailyAggregator) Run(ctx context.Context, now time.Time) (model.DailyAggregate, error) {
	start, end := d.Window(now)
	return d.Aggregate(ctx, start, end)
}

// Aggregate sums sessions whose startedAt falls in [start, end) and writes
// aggregates/{YYYYMMDD} keyed by the start day.
func (d *DailyAggregator) Aggregate(ctx context.Context, start, end time.Time) (model.DailyAggregate, error) {
	sessions, err := d.docs.ListGroup(ctx, model.CollSessions)
	if err != nil {
		return model.DailyAggregate{}, fmt.Errorf("list sessions: %w", err)
	}
	var (
		seconds int64
		labor   float64
		count   int
	)
	for _, doc := range sessions {
		s := model.SessionFromDocument(doc)
		if s.StartedAt.IsZero() || s.StartedAt.Before(start) || !s.StartedAt.Before(end) {
			continue
		}
		seconds += s.DurationSec
		labor += s.LaborCost
		count++
	}

	day := start.In(d.loc).Format("20060102")
	agg := model.DailyAggregate{
		Day:            day,
		TotalHours:     calc.Round2(float64(seconds) / 3600),
		TotalLaborCost: calc.Round2(labor),
		SessionCount:   count,
	}
	_, after, err := d.docs.MergeWrite(ctx, model.AggregatePath(day), map[string]any{
		model.FieldTotalHours:     agg.TotalHours,
		model.FieldTotalLaborCost: agg.TotalLaborCost,
		model.FieldSessionCount:   agg.SessionCount,
		model.FieldComputedAt:     model.ServerTimestamp{},
	})
	if err != nil {
		return model.DailyAggregate{}, fmt.Errorf("write aggregate %s: %w", day, err)
	}
	d.log.Info("daily aggregate written",
		zap.String("day", day),
		zap.Float64("hours", agg.TotalHours),
		zap.Int("sessions", count),
	)
	return model.AggregateFromDocument(after), nil
}
