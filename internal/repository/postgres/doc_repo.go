package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fenceit/trackit/internal/errs"
	"github.com/fenceit/trackit/internal/model"
	"github.com/fenceit/trackit/internal/repository"
)

// DocRepo implements DocumentStore on a single JSONB documents table.
type DocRepo struct {
	db  *DB
	now func() time.Time
}

var _ repository.DocumentStore = (*DocRepo)(nil)

// NewDocRepo constructs a document repository.
func NewDocRepo(db *DB) *DocRepo {
	return &DocRepo{db: db, now: func() time.Time { return time.Now().UTC() }}
}

const (
	selectForUpdate = `SELECT data, version, updated_at FROM documents WHERE path=$1 FOR UPDATE`
	upsertMerge     = `
INSERT INTO documents (path, parent_path, collection, doc_id, data, version)
VALUES ($1,$2,$3,$4,$5,1)
ON CONFLICT (path) DO UPDATE
SET data = documents.data || EXCLUDED.data, version = documents.version + 1, updated_at = now()
RETURNING data, version, updated_at`
	insertIfAbsent = `
INSERT INTO documents (path, parent_path, collection, doc_id, data, version)
VALUES ($1,$2,$3,$4,$5,1)
ON CONFLICT (path) DO NOTHING
RETURNING data, version, updated_at`
	updateIfVersion = `
UPDATE documents SET data = data || $2::jsonb, version = version + 1, updated_at = now()
WHERE path=$1 AND version=$3
RETURNING data, version, updated_at`
	selectOne      = `SELECT data, version, updated_at FROM documents WHERE path=$1`
	deleteOne      = `DELETE FROM documents WHERE path=$1 RETURNING data, version, updated_at`
	selectChildren = `
SELECT path, data, version, updated_at
FROM documents
WHERE parent_path=$1 AND collection=$2
ORDER BY doc_id ASC`
	selectGroup = `
SELECT path, data, version, updated_at
FROM documents
WHERE collection=$1
ORDER BY path ASC`
)

// Get selects a document by path.
func (r *DocRepo) Get(ctx context.Context, path string) (*model.Document, error) {
	doc, err := scanDocument(r.db.Pool.QueryRow(ctx, selectOne, path), path)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	return doc, err
}

// ListChildren returns the documents of a subcollection ordered by id.
func (r *DocRepo) ListChildren(ctx context.Context, parentPath, collection string) ([]*model.Document, error) {
	return r.list(ctx, selectChildren, parentPath, collection)
}

// ListGroup returns all documents in collections with the given name.
func (r *DocRepo) ListGroup(ctx context.Context, collection string) ([]*model.Document, error) {
	return r.list(ctx, selectGroup, collection)
}

func (r *DocRepo) list(ctx context.Context, q string, args ...any) ([]*model.Document, error) {
	rows, err := r.db.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Document
	for rows.Next() {
		var (
			path string
			raw  []byte
			ver  int64
			ts   time.Time
		)
		if err = rows.Scan(&path, &raw, &ver, &ts); err != nil {
			return nil, err
		}
		doc, err := newDocument(path, raw, ver, ts)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// MergeWrite locks the current row, merges fields into it and returns both states.
func (r *DocRepo) MergeWrite(
	ctx context.Context, path string, fields map[string]any,
) (before, after *model.Document, err error) {
	parent, coll, id, err := model.SplitPath(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errs.ErrInvalidArgument, err)
	}
	patch, err := json.Marshal(repository.ApplyServerTimestamps(fields, r.now()))
	if err != nil {
		return nil, nil, fmt.Errorf("encode %s: %w", path, err)
	}

	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	before, err = scanDocument(tx.QueryRow(ctx, selectForUpdate, path), path)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		before, err = nil, nil
	case err != nil:
		return nil, nil, err
	}

	after, err = scanDocument(tx.QueryRow(ctx, upsertMerge, path, parent, coll, id, patch), path)
	if err != nil {
		return nil, nil, err
	}
	return before, after, nil
}

// MergeWriteIfVersion merges fields only when the stored version equals baseVer.
func (r *DocRepo) MergeWriteIfVersion(
	ctx context.Context, path string, fields map[string]any, baseVer int64,
) (*model.Document, error) {
	parent, coll, id, err := model.SplitPath(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrInvalidArgument, err)
	}
	patch, err := json.Marshal(repository.ApplyServerTimestamps(fields, r.now()))
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", path, err)
	}

	var row pgx.Row
	if baseVer == 0 {
		row = r.db.Pool.QueryRow(ctx, insertIfAbsent, path, parent, coll, id, patch)
	} else {
		row = r.db.Pool.QueryRow(ctx, updateIfVersion, path, patch, baseVer)
	}
	doc, err := scanDocument(row, path)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s@%d: %w", path, baseVer, errs.ErrVersionConflict)
	}
	return doc, err
}

// Delete removes a document and returns its last state.
func (r *DocRepo) Delete(ctx context.Context, path string) (*model.Document, error) {
	doc, err := scanDocument(r.db.Pool.QueryRow(ctx, deleteOne, path), path)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	return doc, err
}

func scanDocument(row pgx.Row, path string) (*model.Document, error) {
	var (
		raw []byte
		ver int64
		ts  time.Time
	)
	if err := row.Scan(&raw, &ver, &ts); err != nil {
		return nil, err
	}
	return newDocument(path, raw, ver, ts)
}

func newDocument(path string, raw []byte, ver int64, ts time.Time) (*model.Document, error) {
	_, _, id, err := model.SplitPath(path)
	if err != nil {
		return nil, err
	}
	data := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return &model.Document{Path: path, ID: id, Data: data, Version: ver, UpdatedAt: ts}, nil
}
