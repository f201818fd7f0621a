package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/civicledger/panelscore/internal/model"
)

// RatingFilter narrows ListRatings; zero fields match everything
type RatingFilter struct {
	PoliticianID string
	Category     model.Category
	Evaluator    string
}

// UpsertRatings writes ratings keyed by (evidence id, evaluator);
// re-evaluation overwrites the previous grade
func (s *Store) UpsertRatings(ctx context.Context, ratings []model.Rating) error {
	if len(ratings) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO ratings (evidence_id, evaluator, grade, value, rationale, session, rated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (evidence_id, evaluator) DO UPDATE SET
				grade = excluded.grade,
				value = excluded.value,
				rationale = excluded.rationale,
				session = excluded.session,
				rated_at = excluded.rated_at`)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()

		for _, r := range ratings {
			if _, err := stmt.ExecContext(ctx, r.EvidenceID, r.Evaluator, r.Grade, r.Value,
				r.Rationale, r.Session, formatTime(r.RatedAt)); err != nil {
				return fmt.Errorf("upsert rating %d/%s: %w", r.EvidenceID, r.Evaluator, err)
			}
		}
		return nil
	})
}

// ListRatings returns ratings joined with their evidence identity,
// ordered by evidence id then evaluator
func (s *Store) ListRatings(ctx context.Context, f RatingFilter) ([]model.Rating, error) {
	var where []string
	var args []any
	if f.PoliticianID != "" {
		where = append(where, "e.politician_id = ?")
		args = append(args, f.PoliticianID)
	}
	if f.Category != "" {
		where = append(where, "e.category = ?")
		args = append(args, f.Category)
	}
	if f.Evaluator != "" {
		where = append(where, "r.evaluator = ?")
		args = append(args, f.Evaluator)
	}

	query := `SELECT r.evidence_id, r.evaluator, r.grade, r.value, r.rationale, r.session, r.rated_at,
		e.politician_id, e.category, e.collector
		FROM ratings r JOIN evidence_items e ON e.id = r.evidence_id`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY r.evidence_id, r.evaluator"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list ratings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Rating
	for rows.Next() {
		var r model.Rating
		var rated string
		if err := rows.Scan(&r.EvidenceID, &r.Evaluator, &r.Grade, &r.Value, &r.Rationale,
			&r.Session, &rated, &r.PoliticianID, &r.Category, &r.Collector); err != nil {
			return nil, fmt.Errorf("scan rating: %w", err)
		}
		r.RatedAt = parseTime(rated)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RatedIDs returns the evidence ids the evaluator has already rated for
// one (politician, category)
func (s *Store) RatedIDs(ctx context.Context, evaluator, politicianID string, category model.Category) (map[int64]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.evidence_id FROM ratings r JOIN evidence_items e ON e.id = r.evidence_id
		WHERE r.evaluator = ? AND e.politician_id = ? AND e.category = ?`,
		evaluator, politicianID, category,
	)
	if err != nil {
		return nil, fmt.Errorf("list rated ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}
