package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/civicledger/panelscore/internal/model"
)

// GetCell returns the persisted state of a cell, or an Empty cell
func (s *Store) GetCell(ctx context.Context, key model.CellKey) (model.Cell, error) {
	c := model.Cell{CellKey: key, State: model.CellEmpty}
	var updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT state, rounds_used, updated_at FROM cells
		WHERE politician_id = ? AND category = ? AND collector = ? AND source_class = ?`,
		key.PoliticianID, key.Category, key.Collector, key.SourceClass,
	).Scan(&c.State, &c.RoundsUsed, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return c, nil
	}
	if err != nil {
		return c, fmt.Errorf("get cell %s: %w", key, err)
	}
	c.UpdatedAt = parseTime(updated)
	return c, nil
}

// SaveCell upserts a cell state
func (s *Store) SaveCell(ctx context.Context, c model.Cell) error {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cells (politician_id, category, collector, source_class, state, rounds_used, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (politician_id, category, collector, source_class) DO UPDATE SET
			state = excluded.state,
			rounds_used = excluded.rounds_used,
			updated_at = excluded.updated_at`,
		c.PoliticianID, c.Category, c.Collector, c.SourceClass, c.State, c.RoundsUsed, formatTime(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save cell %s: %w", c.CellKey, err)
	}
	return nil
}

// ListCells returns every cell of a politician in category order
func (s *Store) ListCells(ctx context.Context, politicianID string) ([]model.Cell, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT politician_id, category, collector, source_class, state, rounds_used, updated_at
		FROM cells WHERE politician_id = ?
		ORDER BY category, collector, source_class`,
		politicianID,
	)
	if err != nil {
		return nil, fmt.Errorf("list cells: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Cell
	for rows.Next() {
		var c model.Cell
		var updated string
		if err := rows.Scan(&c.PoliticianID, &c.Category, &c.Collector, &c.SourceClass,
			&c.State, &c.RoundsUsed, &updated); err != nil {
			return nil, fmt.Errorf("scan cell: %w", err)
		}
		c.UpdatedAt = parseTime(updated)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortCells(out)
	return out, nil
}

// sortCells orders cells by the fixed category order, then collector and class
func sortCells(cells []model.Cell) {
	sort.SliceStable(cells, func(i, j int) bool {
		a, b := cells[i], cells[j]
		if ai, bi := a.Category.Index(), b.Category.Index(); ai != bi {
			return ai < bi
		}
		if a.Collector != b.Collector {
			return a.Collector < b.Collector
		}
		return a.SourceClass < b.SourceClass
	})
}
