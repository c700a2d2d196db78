package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/homework-helper/internal/apperror"
	"github.com/sakif/homework-helper/internal/docstore"
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Get reads one document. A missing document is (zero, false, nil).
func (s *Store) Get(ctx context.Context, collection, id string) (docstore.Document, bool, error) {
	if err := checkCollection(collection); err != nil {
		return docstore.Document{}, false, err
	}
	fields, ok, err := load(ctx, s.conn, collection, id)
	if err != nil || !ok {
		return docstore.Document{}, false, err
	}
	return docstore.Document{ID: id, Fields: fields}, true, nil
}

// Query runs q and returns the matching documents in order.
func (s *Store) Query(ctx context.Context, q docstore.Query) ([]docstore.Document, error) {
	stmt, args, err := buildQuery(q)
	if err != nil {
		return nil, err
	}

	rows, err := s.conn.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: querying %s: %w", q.Collection, err)
	}
	defer rows.Close()

	docs := make([]docstore.Document, 0)
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("sqlite: scanning %s row: %w", q.Collection, err)
		}
		fields, err := decode(data)
		if err != nil {
			return nil, fmt.Errorf("sqlite: decoding %s/%s: %w", q.Collection, id, err)
		}
		docs = append(docs, docstore.Document{ID: id, Fields: fields})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating %s: %w", q.Collection, err)
	}
	return docs, nil
}

// Add inserts a new document under a fresh xid and returns the ID.
//
// xid IDs are 20 URL-safe chars and sort by creation time, which gives
// ties in ORDER BY a stable creation order.
func (s *Store) Add(ctx context.Context, collection string, fields docstore.Fields) (string, error) {
	if err := checkCollection(collection); err != nil {
		return "", err
	}
	now := s.now()
	data, err := docstore.Apply(nil, fields, now)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("sqlite: encoding %s document: %w", collection, err)
	}

	id := xid.New().String()
	_, err = s.conn.ExecContext(ctx,
		`INSERT INTO documents (collection, id, data, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		collection, id, string(raw), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("sqlite: adding %s document: %w", collection, err)
	}

	s.publish(ctx, collection, id, docstore.Added)
	return id, nil
}

// Set writes the document at id, creating it if needed. Without Merge() the
// previous fields are discarded.
func (s *Store) Set(ctx context.Context, collection, id string, fields docstore.Fields, opts ...docstore.SetOption) error {
	if err := checkCollection(collection); err != nil {
		return err
	}
	if id == "" {
		return apperror.ValidationFailed("id", "document ID is required")
	}
	merge := docstore.IsMerge(opts)

	var existed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		base, ok, err := load(ctx, tx, collection, id)
		if err != nil {
			return err
		}
		existed = ok
		if !merge {
			base = nil
		}
		return s.write(ctx, tx, collection, id, base, fields)
	})
	if err != nil {
		return err
	}

	kind := docstore.Added
	if existed {
		kind = docstore.Modified
	}
	s.publish(ctx, collection, id, kind)
	return nil
}

// Update patches an existing document. Increment and ServerTimestamp values
// are resolved against the stored fields inside the same transaction.
func (s *Store) Update(ctx context.Context, collection, id string, fields docstore.Fields) error {
	if err := checkCollection(collection); err != nil {
		return err
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		base, ok, err := load(ctx, tx, collection, id)
		if err != nil {
			return err
		}
		if !ok {
			return apperror.NotFound("document", collection+"/"+id)
		}
		return s.write(ctx, tx, collection, id, base, fields)
	})
	if err != nil {
		return err
	}

	s.publish(ctx, collection, id, docstore.Modified)
	return nil
}

// Delete removes a document. Deleting a document that does not exist succeeds.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if err := checkCollection(collection); err != nil {
		return err
	}
	result, err := s.conn.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = ? AND id = ?`,
		collection, id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: deleting %s/%s: %w", collection, id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if affected > 0 {
		s.publish(ctx, collection, id, docstore.Removed)
	}
	return nil
}

// write applies patch over base and upserts the result.
func (s *Store) write(ctx context.Context, tx *sql.Tx, collection, id string, base, patch docstore.Fields) error {
	now := s.now()
	data, err := docstore.Apply(base, patch, now)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("sqlite: encoding %s/%s: %w", collection, id, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO documents (collection, id, data, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (collection, id) DO UPDATE
		 SET data = excluded.data, updated_at = excluded.updated_at`,
		collection, id, string(raw), now, now,
	)
	if err != nil {
		return fmt.Errorf("sqlite: writing %s/%s: %w", collection, id, err)
	}
	return nil
}

func load(ctx context.Context, q queryer, collection, id string) (docstore.Fields, bool, error) {
	var data string
	err := q.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection = ? AND id = ?`,
		collection, id,
	).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("sqlite: reading %s/%s: %w", collection, id, err)
	}

	fields, err := decode(data)
	if err != nil {
		return nil, false, fmt.Errorf("sqlite: decoding %s/%s: %w", collection, id, err)
	}
	return fields, true, nil
}

// decode parses stored JSON. UseNumber keeps integers exact (points, epochs)
// instead of turning them into float64.
func decode(data string) (docstore.Fields, error) {
	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()
	var fields docstore.Fields
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = docstore.Fields{}
	}
	return fields, nil
}

func checkCollection(collection string) error {
	if !docstore.ValidField(collection) {
		return fmt.Errorf("sqlite: invalid collection %q", collection)
	}
	return nil
}

// buildQuery translates a docstore.Query to SQL.
//
// Field paths are bound as parameters ('$.field'), never spliced into the
// statement; Validate has already restricted names to identifiers.
// Ties are broken by id so that repeated evaluations return the same order.
func buildQuery(q docstore.Query) (string, []any, error) {
	if err := q.Validate(); err != nil {
		return "", nil, err
	}

	var b strings.Builder
	args := []any{q.Collection}
	b.WriteString(`SELECT id, data FROM documents WHERE collection = ?`)

	for _, f := range q.Filters {
		v, err := sqlValue(f.Value)
		if err != nil {
			return "", nil, fmt.Errorf("sqlite: filter on %q: %w", f.Field, err)
		}
		op := string(f.Op)
		if f.Op == docstore.Equal {
			op = "="
		}
		fmt.Fprintf(&b, ` AND json_extract(data, ?) %s ?`, op)
		args = append(args, "$."+f.Field, v)
	}

	b.WriteString(` ORDER BY `)
	for _, o := range q.Orders {
		dir := "ASC"
		if o.Direction == docstore.Desc {
			dir = "DESC"
		}
		fmt.Fprintf(&b, `json_extract(data, ?) %s, `, dir)
		args = append(args, "$."+o.Field)
	}
	b.WriteString(`id ASC`)

	if q.Limit > 0 {
		b.WriteString(` LIMIT ?`)
		args = append(args, q.Limit)
	}
	return b.String(), args, nil
}

// sqlValue converts a filter value to what json_extract yields for the same
// JSON value: JSON booleans come back as integers 1/0.
func sqlValue(v any) (any, error) {
	switch t := v.(type) {
	case string, int, int32, int64, float64:
		return t, nil
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	case time.Time:
		return t.UTC().Format(docstore.TimeLayout), nil
	default:
		return nil, fmt.Errorf("unsupported filter value type %T", v)
	}
}
