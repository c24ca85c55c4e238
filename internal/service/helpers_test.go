package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fenceit/trackit/internal/errs"
	"github.com/fenceit/trackit/internal/model"
	"github.com/fenceit/trackit/internal/rates"
	"github.com/fenceit/trackit/internal/repository/memory"
)

var t0 = time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)

// faultyStore injects failures into a memory store.
type faultyStore struct {
	*memory.Store

	mu           sync.Mutex
	listErr      map[string]error // by collection
	casConflicts int              // MergeWriteIfVersion calls to fail before succeeding
	casCalls     int
	mergeWrites  []string
}

func (f *faultyStore) ListChildren(ctx context.Context, parent, coll string) ([]*model.Document, error) {
	f.mu.Lock()
	err := f.listErr[coll]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Store.ListChildren(ctx, parent, coll)
}

func (f *faultyStore) MergeWrite(ctx context.Context, path string, fields map[string]any) (*model.Document, *model.Document, error) {
	f.mu.Lock()
	f.mergeWrites = append(f.mergeWrites, path)
	f.mu.Unlock()
	return f.Store.MergeWrite(ctx, path, fields)
}

func (f *faultyStore) MergeWriteIfVersion(ctx context.Context, path string, fields map[string]any, base int64) (*model.Document, error) {
	f.mu.Lock()
	f.casCalls++
	fail := f.casConflicts > 0
	if fail {
		f.casConflicts--
	}
	f.mu.Unlock()
	if fail {
		return nil, errs.ErrVersionConflict
	}
	return f.Store.MergeWriteIfVersion(ctx, path, fields, base)
}

func put(t *testing.T, s interface {
	MergeWrite(context.Context, string, map[string]any) (*model.Document, *model.Document, error)
}, path string, fields map[string]any) (before, after *model.Document) {
	t.Helper()
	before, after, err := s.MergeWrite(context.Background(), path, fields)
	require.NoError(t, err)
	return before, after
}

func get(t *testing.T, s *memory.Store, path string) *model.Document {
	t.Helper()
	d, err := s.Get(context.Background(), path)
	require.NoError(t, err)
	return d
}

type env struct {
	store *memory.Store
	agg   *Aggregator
	core  *Recomputer
}

// newEnv seeds organization rates of 20.00/h with 20 % overhead and a job "j1".
func newEnv(t *testing.T) env {
	t.Helper()
	store := memory.New()
	put(t, store, model.RatesPath, map[string]any{
		model.FieldDefaultLaborRate: 20.0,
		model.FieldDefaultOverhead:  0.20,
	})
	put(t, store, model.JobPath("j1"), map[string]any{model.FieldName: "Anderson Residence Fence"})

	log := zaptest.NewLogger(t)
	resolver := rates.NewStoreResolver(store)
	agg := NewAggregator(store, resolver, log)
	return env{store: store, agg: agg, core: NewRecomputer(store, resolver, agg, log, nil)}
}

// write merge-writes a job child and returns the event it produces.
func (e env) write(t *testing.T, coll, id string, fields map[string]any) model.WriteEvent {
	t.Helper()
	before, after := put(t, e.store, model.JobPath("j1")+"/"+coll+"/"+id, fields)
	return model.WriteEvent{JobID: "j1", Collection: coll, DocID: id, Before: before, After: after}
}

func (e env) job(t *testing.T) model.Job {
	t.Helper()
	return model.JobFromDocument(get(t, e.store, model.JobPath("j1")))
}
