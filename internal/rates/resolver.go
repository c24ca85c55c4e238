// Package rates resolves effective hourly labor rates and overhead fractions.
package rates

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/fenceit/trackit/internal/errs"
	"github.com/fenceit/trackit/internal/model"
)

// Resolver yields the rates used by the recompute core. It is injected so tests
// and fixed-rate deployments can substitute values without shared state.
type Resolver interface {
	// Resolve returns the effective rates for a session's user and task type; ids may be empty.
	Resolve(ctx context.Context, userID, taskTypeID string) (model.EffectiveRates, error)
	// Organization returns the OrganizationRates singleton (zeros when absent).
	Organization(ctx context.Context) (model.OrganizationRates, error)
}

// DocumentGetter is the single read primitive the resolver needs.
type DocumentGetter interface {
	Get(ctx context.Context, path string) (*model.Document, error)
}

// StoreResolver reads users, task types and the rates singleton from the document store.
type StoreResolver struct {
	docs DocumentGetter
}

var _ Resolver = (*StoreResolver)(nil)

// NewStoreResolver constructs a resolver over the document store.
func NewStoreResolver(docs DocumentGetter) *StoreResolver {
	return &StoreResolver{docs: docs}
}

// Resolve reads the three source documents concurrently and applies the precedence chains:
//
//	hourlyRate:  user.hourlyRate -> taskType.defaultLaborRate -> rates.defaultLaborRate -> 0
//	overheadPct: taskType.defaultOverheadPct -> rates.defaultOverheadPct -> 0
//
// A tier is skipped when it is absent, non-numeric or zero, so an explicit 0 falls through.
// Missing documents count as absent; any other read error fails the resolution.
func (r *StoreResolver) Resolve(ctx context.Context, userID, taskTypeID string) (model.EffectiveRates, error) {
	var ratesDoc, userDoc, taskDoc *model.Document

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		ratesDoc, err = r.getOptional(gctx, model.RatesPath)
		return err
	})
	if userID != "" {
		g.Go(func() (err error) {
			userDoc, err = r.getOptional(gctx, model.UserPath(userID))
			return err
		})
	}
	if taskTypeID != "" {
		g.Go(func() (err error) {
			taskDoc, err = r.getOptional(gctx, model.TaskTypePath(taskTypeID))
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return model.EffectiveRates{}, err
	}

	org := model.RatesFromDocument(ratesDoc)
	user := model.UserFromDocument(userDoc)
	task := model.TaskTypeFromDocument(taskDoc)

	return model.EffectiveRates{
		HourlyRate:  FirstSet(user.HourlyRate, task.DefaultLaborRate, org.DefaultLaborRate),
		OverheadPct: FirstSet(task.DefaultOverheadPct, org.DefaultOverheadPct),
	}, nil
}

// Organization reads the rates singleton.
func (r *StoreResolver) Organization(ctx context.Context) (model.OrganizationRates, error) {
	doc, err := r.getOptional(ctx, model.RatesPath)
	if err != nil {
		return model.OrganizationRates{}, err
	}
	return model.RatesFromDocument(doc), nil
}

func (r *StoreResolver) getOptional(ctx context.Context, path string) (*model.Document, error) {
	doc, err := r.docs.Get(ctx, path)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return doc, nil
}

// FirstSet returns the first non-zero value, or 0.
func FirstSet(values ...float64) float64 {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}

// Static is a Resolver with fixed organization rates and optional per-user overrides.
type Static struct {
	Rates     model.OrganizationRates
	UserRates map[string]float64
}

var _ Resolver = Static{}

// Resolve applies the same precedence as StoreResolver without task types.
func (s Static) Resolve(_ context.Context, userID, _ string) (model.EffectiveRates, error) {
	return model.EffectiveRates{
		HourlyRate:  FirstSet(s.UserRates[userID], s.Rates.DefaultLaborRate),
		OverheadPct: s.Rates.DefaultOverheadPct,
	}, nil
}

// Organization returns the fixed rates.
func (s Static) Organization(context.Context) (model.OrganizationRates, error) {
	return s.Rates, nil
}
