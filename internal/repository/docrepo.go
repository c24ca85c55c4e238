// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"
	"time"

	"github.com/fenceit/trackit/internal/model"
)

// DocumentStore provides hierarchical document access:
// organizations of top-level collections with per-job materials/sessions subcollections.
type DocumentStore interface {
	// Get loads a single document; a missing document returns errs.ErrNotFound.
	Get(ctx context.Context, path string) (*model.Document, error)

	// ListChildren returns all documents of parentPath's subcollection ordered by id.
	ListChildren(ctx context.Context, parentPath, collection string) ([]*model.Document, error)

	// ListGroup returns every document of any collection with the given name, ordered by path.
	ListGroup(ctx context.Context, collection string) ([]*model.Document, error)

	// MergeWrite writes only the given fields, creating the document if needed,
	// and returns the document state before (nil if absent) and after the write.
	MergeWrite(ctx context.Context, path string, fields map[string]any) (before, after *model.Document, err error)

	// MergeWriteIfVersion is MergeWrite guarded by the current version.
	// baseVer 0 requires the document to be absent. Mismatch returns errs.ErrVersionConflict.
	MergeWriteIfVersion(ctx context.Context, path string, fields map[string]any, baseVer int64) (*model.Document, error)

	// Delete removes a document and returns its last state; a missing document returns errs.ErrNotFound.
	Delete(ctx context.Context, path string) (*model.Document, error)
}

// ApplyServerTimestamps returns a copy of fields with model.ServerTimestamp placeholders set to now.
func ApplyServerTimestamps(fields map[string]any, now time.Time) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		switch v.(type) {
		case model.ServerTimestamp, *model.ServerTimestamp:
			out[k] = now.UTC()
		default:
			out[k] = v
		}
	}
	return out
}
