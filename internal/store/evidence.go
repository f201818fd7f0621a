package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/civicledger/panelscore/internal/model"
)

// EvidenceFilter narrows ListEvidence; zero fields match everything
type EvidenceFilter struct {
	PoliticianID string
	Category     model.Category
	Collector    string
	SourceClass  model.SourceClass
	Verified     *bool
}

// InsertEvidence stores item with the next sequence number of its group.
// It returns false without error when the group already holds the
// normalized locator. On success item.ID, Seq and CreatedAt are set.
func (s *Store) InsertEvidence(ctx context.Context, item *model.EvidenceItem) (bool, error) {
	if item.NormLocator == "" {
		return false, fmt.Errorf("evidence %q has no normalized locator", item.Locator)
	}

	inserted := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM evidence_items
			WHERE politician_id = ? AND category = ? AND collector = ? AND locator_norm = ?`,
			item.PoliticianID, item.Category, item.Collector, item.NormLocator,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check duplicate: %w", err)
		}
		if exists > 0 {
			return nil
		}

		var seq int
		err = tx.QueryRowContext(ctx,
			`INSERT INTO sequences (politician_id, category, collector, next_seq)
			VALUES (?, ?, ?, 2)
			ON CONFLICT (politician_id, category, collector) DO UPDATE SET next_seq = next_seq + 1
			RETURNING next_seq - 1`,
			item.PoliticianID, item.Category, item.Collector,
		).Scan(&seq)
		if err != nil {
			return fmt.Errorf("allocate sequence: %w", err)
		}

		created := time.Now().UTC()
		res, err := tx.ExecContext(ctx,
			`INSERT INTO evidence_items
			(politician_id, category, source_class, collector, title, body, locator, locator_norm,
			 published_at, seq, verified, protocol_version, framing, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
			item.PoliticianID, item.Category, item.SourceClass, item.Collector,
			item.Title, item.Body, item.Locator, item.NormLocator,
			nullTime(item.PublishedAt), seq, item.ProtocolVersion, item.Framing, formatTime(created),
		)
		if err != nil {
			return fmt.Errorf("insert evidence: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}

		item.ID = id
		item.Seq = seq
		item.Verified = false
		item.CreatedAt = created
		inserted = true
		return nil
	})
	return inserted, err
}

const evidenceColumns = `id, politician_id, category, source_class, collector, title, body, locator,
	locator_norm, published_at, seq, verified, protocol_version, framing, created_at`

// ListEvidence returns matching items ordered by group and sequence
func (s *Store) ListEvidence(ctx context.Context, f EvidenceFilter) ([]model.EvidenceItem, error) {
	var where []string
	var args []any
	if f.PoliticianID != "" {
		where = append(where, "politician_id = ?")
		args = append(args, f.PoliticianID)
	}
	if f.Category != "" {
		where = append(where, "category = ?")
		args = append(args, f.Category)
	}
	if f.Collector != "" {
		where = append(where, "collector = ?")
		args = append(args, f.Collector)
	}
	if f.SourceClass != "" {
		where = append(where, "source_class = ?")
		args = append(args, f.SourceClass)
	}
	if f.Verified != nil {
		where = append(where, "verified = ?")
		args = append(args, boolInt(*f.Verified))
	}

	query := "SELECT " + evidenceColumns + " FROM evidence_items"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY politician_id, category, collector, seq"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list evidence: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEvidence(rows)
}

// GetEvidence returns one item by id
func (s *Store) GetEvidence(ctx context.Context, id int64) (model.EvidenceItem, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+evidenceColumns+" FROM evidence_items WHERE id = ?", id)
	if err != nil {
		return model.EvidenceItem{}, fmt.Errorf("get evidence: %w", err)
	}
	defer func() { _ = rows.Close() }()
	items, err := scanEvidence(rows)
	if err != nil {
		return model.EvidenceItem{}, err
	}
	if len(items) == 0 {
		return model.EvidenceItem{}, ErrNotFound
	}
	return items[0], nil
}

// CountCell returns the number of stored items in a cell
func (s *Store) CountCell(ctx context.Context, key model.CellKey) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM evidence_items
		WHERE politician_id = ? AND category = ? AND collector = ? AND source_class = ?`,
		key.PoliticianID, key.Category, key.Collector, key.SourceClass,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count cell %s: %w", key, err)
	}
	return n, nil
}

// MarkVerified flags items as verified. Already verified items are untouched.
func (s *Store) MarkVerified(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	total := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, "UPDATE evidence_items SET verified = 1 WHERE id = ? AND verified = 0")
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()
		for _, id := range ids {
			res, err := stmt.ExecContext(ctx, id)
			if err != nil {
				return fmt.Errorf("verify evidence %d: %w", id, err)
			}
			n, _ := res.RowsAffected()
			total += int(n)
		}
		return nil
	})
	return total, err
}

// DeleteEvidence removes an invalid item, logs the reason and cascades
// to its ratings
func (s *Store) DeleteEvidence(ctx context.Context, item model.EvidenceItem, reason string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM evidence_items WHERE id = ?", item.ID)
		if err != nil {
			return fmt.Errorf("delete evidence %d: %w", item.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO invalid_evidence
			(politician_id, category, collector, source_class, locator, seq, reason, removed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			item.PoliticianID, item.Category, item.Collector, item.SourceClass,
			item.Locator, item.Seq, reason, formatTime(time.Now()),
		)
		if err != nil {
			return fmt.Errorf("log invalid evidence %d: %w", item.ID, err)
		}
		return nil
	})
}

// InvalidCounts returns deletions by reason for one (politician, category)
func (s *Store) InvalidCounts(ctx context.Context, politicianID string, category model.Category) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT reason, COUNT(*) FROM invalid_evidence
		WHERE politician_id = ? AND category = ? GROUP BY reason`,
		politicianID, category,
	)
	if err != nil {
		return nil, fmt.Errorf("count invalid evidence: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int)
	for rows.Next() {
		var reason string
		var n int
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, err
		}
		out[reason] = n
	}
	return out, rows.Err()
}

// Politicians returns every politician id with stored evidence
func (s *Store) Politicians(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT politician_id FROM evidence_items ORDER BY politician_id")
	if err != nil {
		return nil, fmt.Errorf("list politicians: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanEvidence(rows *sql.Rows) ([]model.EvidenceItem, error) {
	var items []model.EvidenceItem
	for rows.Next() {
		var e model.EvidenceItem
		var published sql.NullString
		var verified int
		var created string
		err := rows.Scan(&e.ID, &e.PoliticianID, &e.Category, &e.SourceClass, &e.Collector,
			&e.Title, &e.Body, &e.Locator, &e.NormLocator, &published, &e.Seq, &verified,
			&e.ProtocolVersion, &e.Framing, &created)
		if err != nil {
			return nil, fmt.Errorf("scan evidence: %w", err)
		}
		if published.Valid {
			t := parseTime(published.String)
			e.PublishedAt = &t
		}
		e.Verified = verified == 1
		e.CreatedAt = parseTime(created)
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// IsNotFound reports whether err is ErrNotFound
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
