// Package memory provides an in-process DocumentStore for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fenceit/trackit/internal/errs"
	"github.com/fenceit/trackit/internal/model"
	"github.com/fenceit/trackit/internal/repository"
)

// Store keeps documents in a map guarded by a mutex. Reads return copies.
type Store struct {
	mu   sync.RWMutex
	docs map[string]*model.Document
	now  func() time.Time
}

var _ repository.DocumentStore = (*Store)(nil)

// New constructs an empty store.
func New() *Store {
	return &Store{docs: map[string]*model.Document{}, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock replaces the clock used for server timestamps and UpdatedAt.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Get returns a copy of the document at path.
func (s *Store) Get(ctx context.Context, path string) (*model.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[path]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return d.Clone(), nil
}

// ListChildren returns copies of a subcollection's documents ordered by id.
func (s *Store) ListChildren(ctx context.Context, parentPath, collection string) ([]*model.Document, error) {
	return s.filter(ctx, func(_, parent, coll string) bool {
		return parent == parentPath && coll == collection
	})
}

// ListGroup returns copies of all documents in collections named collection.
func (s *Store) ListGroup(ctx context.Context, collection string) ([]*model.Document, error) {
	return s.filter(ctx, func(_, _, coll string) bool { return coll == collection })
}

func (s *Store) filter(ctx context.Context, keep func(path, parent, coll string) bool) ([]*model.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Document
	for path, d := range s.docs {
		parent, coll, _, err := model.SplitPath(path)
		if err != nil || !keep(path, parent, coll) {
			continue
		}
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// MergeWrite merges fields into the document, creating it if absent.
func (s *Store) MergeWrite(ctx context.Context, path string, fields map[string]any) (before, after *model.Document, err error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if _, _, _, err := model.SplitPath(path); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errs.ErrInvalidArgument, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	before = s.docs[path].Clone()
	after = s.merge(path, fields)
	return before, after, nil
}

// MergeWriteIfVersion merges fields only when the stored version equals baseVer.
func (s *Store) MergeWriteIfVersion(ctx context.Context, path string, fields map[string]any, baseVer int64) (*model.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, _, _, err := model.SplitPath(path); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrInvalidArgument, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var cur int64
	if d, ok := s.docs[path]; ok {
		cur = d.Version
	}
	if cur != baseVer {
		return nil, fmt.Errorf("%s@%d: %w", path, baseVer, errs.ErrVersionConflict)
	}
	return s.merge(path, fields), nil
}

// Delete removes the document at path.
func (s *Store) Delete(ctx context.Context, path string) (*model.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[path]
	if !ok {
		return nil, errs.ErrNotFound
	}
	delete(s.docs, path)
	return d, nil
}

// merge applies fields under the write lock and returns a copy of the result.
func (s *Store) merge(path string, fields map[string]any) *model.Document {
	now := s.now()
	d, ok := s.docs[path]
	if !ok {
		_, _, id, _ := model.SplitPath(path)
		d = &model.Document{Path: path, ID: id, Data: map[string]any{}}
		s.docs[path] = d
	}
	for k, v := range repository.ApplyServerTimestamps(fields, now) {
		d.Data[k] = v
	}
	d.Version++
	d.UpdatedAt = now
	return d.Clone()
}
