package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fenceit/trackit/internal/calc"
	"github.com/fenceit/trackit/internal/coerce"
	"github.com/fenceit/trackit/internal/errs"
	"github.com/fenceit/trackit/internal/metrics"
	"github.com/fenceit/trackit/internal/model"
	"github.com/fenceit/trackit/internal/rates"
	"github.com/fenceit/trackit/internal/repository"
)

// JobAggregator recomputes a job's cost totals from its subcollections.
type JobAggregator interface {
	// Recompute is idempotent and safe to call repeatedly.
	Recompute(ctx context.Context, jobID string) (model.JobTotals, error)
}

// Aggregator is the default JobAggregator.
//
// In best-effort mode the read-sum-write is not isolated from concurrent child writes:
// the last aggregation to finish wins and totals converge once the last cascade settles.
// In transactional mode the job update is a compare-and-swap on the job's version and a
// conflict re-runs the whole read-sum-write from a fresh read.
type Aggregator struct {
	docs          repository.DocumentStore
	rates         rates.Resolver
	log           *zap.Logger
	met           *metrics.Metrics
	transactional bool
	maxRetries    uint64
	retryBase     time.Duration
}

var _ JobAggregator = (*Aggregator)(nil)

// AggregatorOption configures an Aggregator.
type AggregatorOption func(*Aggregator)

// WithTransactional enables compare-and-swap job updates with bounded retries.
func WithTransactional(maxRetries uint64, base time.Duration) AggregatorOption {
	return func(a *Aggregator) {
		a.transactional = true
		a.maxRetries = maxRetries
		if base > 0 {
			a.retryBase = base
		}
	}
}

// WithAggregatorMetrics records aggregation counts and latency.
func WithAggregatorMetrics(m *metrics.Metrics) AggregatorOption {
	return func(a *Aggregator) { a.met = m }
}

// NewAggregator constructs an Aggregator.
func NewAggregator(docs repository.DocumentStore, r rates.Resolver, log *zap.Logger, opts ...AggregatorOption) *Aggregator {
	if log == nil {
		log = zap.NewNop()
	}
	a := &Aggregator{docs: docs, rates: r, log: log, met: metrics.Discard(), retryBase: 50 * time.Millisecond}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Recompute reads materials, sessions and rates concurrently and writes the job totals.
// A failed read aborts without writing: stale totals are preferable to partial ones.
func (a *Aggregator) Recompute(ctx context.Context, jobID string) (model.JobTotals, error) {
	if !model.ValidID(jobID) {
		return model.JobTotals{}, fmt.Errorf("%w: job id %q", errs.ErrInvalidArgument, jobID)
	}
	start := time.Now()
	mode := "best_effort"
	var (
		totals model.JobTotals
		err    error
	)
	if a.transactional {
		mode = "transactional"
		totals, err = a.recomputeCAS(ctx, jobID)
	} else {
		totals, err = a.recomputeOnce(ctx, jobID)
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	a.met.Aggregated(mode, result, time.Since(start))
	if err != nil {
		return model.JobTotals{}, fmt.Errorf("recompute job %s: %w", jobID, err)
	}
	a.log.Debug("job totals recomputed",
		zap.String("job", jobID),
		zap.String("mode", mode),
		zap.Float64("total", totals.TotalCost),
	)
	return totals, nil
}

func (a *Aggregator) recomputeOnce(ctx context.Context, jobID string) (model.JobTotals, error) {
	snap, err := a.snapshot(ctx, jobID, false)
	if err != nil {
		return model.JobTotals{}, err
	}
	totals := ComputeTotals(snap.materials, snap.sessions, snap.org.DefaultOverheadPct)
	if _, _, err := a.docs.MergeWrite(ctx, model.JobPath(jobID), totalsFields(totals)); err != nil {
		return model.JobTotals{}, err
	}
	return totals, nil
}

func (a *Aggregator) recomputeCAS(ctx context.Context, jobID string) (model.JobTotals, error) {
	var totals model.JobTotals
	b := retry.WithMaxRetries(a.maxRetries, retry.NewExponential(a.retryBase))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		snap, err := a.snapshot(ctx, jobID, true)
		if err != nil {
			return err
		}
		totals = ComputeTotals(snap.materials, snap.sessions, snap.org.DefaultOverheadPct)
		_, err = a.docs.MergeWriteIfVersion(ctx, model.JobPath(jobID), totalsFields(totals), snap.jobVersion)
		if errors.Is(err, errs.ErrVersionConflict) {
			a.met.AggregationConflict()
			a.log.Debug("job totals conflict, retrying", zap.String("job", jobID), zap.Int64("base_ver", snap.jobVersion))
			return retry.RetryableError(err)
		}
		return err
	})
	return totals, err
}

type jobSnapshot struct {
	materials  []*model.Document
	sessions   []*model.Document
	org        model.OrganizationRates
	jobVersion int64 // 0 when the job document is absent
}

func (a *Aggregator) snapshot(ctx context.Context, jobID string, withJob bool) (jobSnapshot, error) {
	var snap jobSnapshot
	jobPath := model.JobPath(jobID)

	g, gctx := errgroup.WithContext(ctx)
	if withJob {
		// the totals write is conditional on this version, so a concurrent writer of the job
		// document forces a retry. Child writes do not change it.
		job, err := a.docs.Get(ctx, jobPath)
		switch {
		case errors.Is(err, errs.ErrNotFound):
		case err != nil:
			return jobSnapshot{}, fmt.Errorf("read job: %w", err)
		default:
			snap.jobVersion = job.Version
		}
	}
	g.Go(func() (err error) {
		snap.materials, err = a.docs.ListChildren(gctx, jobPath, model.CollMaterials)
		if err != nil {
			return fmt.Errorf("list materials: %w", err)
		}
		return nil
	})
	g.Go(func() (err error) {
		snap.sessions, err = a.docs.ListChildren(gctx, jobPath, model.CollSessions)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		return nil
	})
	g.Go(func() (err error) {
		snap.org, err = a.rates.Organization(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return jobSnapshot{}, err
	}
	return snap, nil
}

// ComputeTotals sums child derived fields; missing or non-numeric values count as 0.
// overheadPct is a fraction (0.20 = 20 %).
func ComputeTotals(materials, sessions []*model.Document, overheadPct float64) model.JobTotals {
	var matSum, laborSum float64
	for _, d := range materials {
		v, _ := d.Get(model.FieldSubtotal)
		matSum += coerce.Number(v)
	}
	for _, d := range sessions {
		v, _ := d.Get(model.FieldLaborCost)
		laborSum += coerce.Number(v)
	}
	materialCost := calc.Round2(matSum)
	laborCost := calc.Round2(laborSum)
	overheadCost := calc.Round2((materialCost + laborCost) * overheadPct)
	return model.JobTotals{
		MaterialCost: materialCost,
		LaborCost:    laborCost,
		OverheadCost: overheadCost,
		TotalCost:    calc.Round2(materialCost + laborCost + overheadCost),
	}
}

func totalsFields(t model.JobTotals) map[string]any {
	return map[string]any{
		model.FieldMaterialCost:     t.MaterialCost,
		model.FieldLaborCost:        t.LaborCost,
		model.FieldOverheadCost:     t.OverheadCost,
		model.FieldTotalCost:        t.TotalCost,
		model.FieldTotalsComputedAt: model.ServerTimestamp{},
	}
}
