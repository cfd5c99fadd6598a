package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"chatsync/store"
)

// CreateDocument inserts data under a generated id in the collection at path.
func (s *Store) CreateDocument(ctx context.Context, path string, data store.Data) (string, error) {
	collection, err := store.ParseCollectionPath(path)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	resolved := store.Resolve(data)
	raw, err := encodeData(resolved)
	if err != nil {
		return "", err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := nowUnixMilli()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (collection, doc_id, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		collection, id, raw, now, now,
	); err != nil {
		return "", fmt.Errorf("insert document %s/%s: %w", collection, id, err)
	}

	stored, err := decodeData(raw)
	if err != nil {
		return "", err
	}
	s.notify(collection, store.Change{
		Type:     store.ChangeAdded,
		Document: store.Document{ID: id, Data: stored},
	})
	return id, nil
}

// SetDocument writes data at path/id. With Merge the data is deep-merged
// into the existing document; otherwise it replaces it.
func (s *Store) SetDocument(ctx context.Context, path, id string, data store.Data, options store.SetOptions) error {
	collection, err := store.ParseCollectionPath(path)
	if err != nil {
		return err
	}
	if strings.TrimSpace(id) == "" || strings.Contains(id, "/") {
		return fmt.Errorf("%w: invalid document id %q", store.ErrInvalidPath, id)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var existingRaw string
	exists := true
	err = tx.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection = ? AND doc_id = ?`,
		collection, id,
	).Scan(&existingRaw)
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return fmt.Errorf("read document %s/%s: %w", collection, id, err)
	}

	next := store.Resolve(data)
	if exists && options.Merge {
		existing, err := decodeData(existingRaw)
		if err != nil {
			return err
		}
		next = store.Merge(existing, data)
	}
	raw, err := encodeData(next)
	if err != nil {
		return err
	}

	now := nowUnixMilli()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO documents (collection, doc_id, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(collection, doc_id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at`,
		collection, id, raw, now, now,
	); err != nil {
		return fmt.Errorf("upsert document %s/%s: %w", collection, id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit set transaction: %w", err)
	}

	stored, err := decodeData(raw)
	if err != nil {
		return err
	}
	changeType := store.ChangeModified
	if !exists {
		changeType = store.ChangeAdded
	}
	s.notify(collection, store.Change{
		Type:     changeType,
		Document: store.Document{ID: id, Data: stored},
	})
	return nil
}

// GetDocument returns the document at path/id or ErrNotFound.
func (s *Store) GetDocument(ctx context.Context, path, id string) (store.Data, error) {
	collection, err := store.ParseCollectionPath(path)
	if err != nil {
		return nil, err
	}

	var raw string
	err = s.db.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection = ? AND doc_id = ?`,
		collection, id,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document %s/%s: %w", collection, id, err)
	}

	return decodeData(raw)
}

// QueryOrdered returns up to query.Limit documents ordered by query.OrderBy,
// ties broken by id. Documents without the order field are excluded.
func (s *Store) QueryOrdered(ctx context.Context, query store.Query) ([]store.Document, error) {
	if err := store.ValidateQuery(query); err != nil {
		return nil, err
	}
	collection, err := store.ParseCollectionPath(query.Path)
	if err != nil {
		return nil, err
	}
	field, err := jsonPath(query.OrderBy)
	if err != nil {
		return nil, err
	}

	direction := "ASC"
	comparator := ">"
	if query.Direction == store.Descending {
		direction = "DESC"
		comparator = "<"
	}

	// field is validated by jsonPath, so it is inlined to let SQLite use the
	// expression indexes.
	expr := fmt.Sprintf("json_extract(data, '%s')", field)

	var (
		builder strings.Builder
		args    []any
	)
	fmt.Fprintf(&builder, `SELECT doc_id, data FROM documents
		WHERE collection = ? AND %s IS NOT NULL`, expr)
	args = append(args, collection)

	if query.StartAfter != nil {
		fmt.Fprintf(&builder, `
		AND (%[1]s %[2]s ? OR (%[1]s = ? AND doc_id %[2]s ?))`, expr, comparator)
		args = append(args, query.StartAfter.Value, query.StartAfter.Value, query.StartAfter.ID)
	}

	fmt.Fprintf(&builder, `
		ORDER BY %[1]s %[2]s, doc_id %[2]s
		LIMIT ?`, expr, direction)
	args = append(args, query.Limit)

	rows, err := s.db.QueryContext(ctx, builder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query %s ordered by %s: %w", collection, query.OrderBy, err)
	}
	defer rows.Close()

	documents := make([]store.Document, 0, query.Limit)
	for rows.Next() {
		var (
			id  string
			raw string
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan document row: %w", err)
		}
		data, err := decodeData(raw)
		if err != nil {
			return nil, err
		}
		documents = append(documents, store.Document{ID: id, Data: data})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate document rows: %w", err)
	}

	return documents, nil
}

// CountDocuments returns the number of documents in the collection at path.
func (s *Store) CountDocuments(ctx context.Context, path string) (int, error) {
	collection, err := store.ParseCollectionPath(path)
	if err != nil {
		return 0, err
	}

	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM documents WHERE collection = ?`,
		collection,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("count documents in %s: %w", collection, err)
	}
	return count, nil
}
