package model

import (
	"fmt"
	"time"
)

// CellState is the collection state of one cell
type CellState string

const (
	CellEmpty         CellState = "empty"
	CellCollecting    CellState = "collecting"
	CellComplete      CellState = "complete"
	CellNeedsMoreData CellState = "needs_more_data"
)

// CellKey identifies a collection cell
type CellKey struct {
	GroupKey
	SourceClass SourceClass `json:"source_class"`
}

func (k CellKey) String() string {
	return fmt.Sprintf("%s/%s", k.GroupKey, k.SourceClass)
}

// Cell is the persisted state of one collection cell
type Cell struct {
	CellKey
	State      CellState `json:"state"`
	RoundsUsed int       `json:"rounds_used"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// CategoryScore is the derived score of one (politician, category)
type CategoryScore struct {
	PoliticianID string         `json:"politician_id"`
	Category     Category       `json:"category"`
	Score        int            `json:"score"`
	Count        int            `json:"count"`
	Mean         float64        `json:"mean"`
	ByEvaluator  map[string]int `json:"by_evaluator,omitempty"`
	Formula      string         `json:"formula"`
}

// FinalScore is the derived composite score of one politician
type FinalScore struct {
	PoliticianID string          `json:"politician_id"`
	Total        int             `json:"total"`
	Tier         string          `json:"tier"`
	Categories   []CategoryScore `json:"categories"`
	Complete     bool            `json:"complete"`
	Caveats      []string        `json:"caveats,omitempty"`
}

// PairStat holds agreement statistics for one pair of evaluators.
// Nil pointers mean the statistic is undefined for the data.
type PairStat struct {
	A        string   `json:"a"`
	B        string   `json:"b"`
	N        int      `json:"n"`
	Pearson  *float64 `json:"pearson,omitempty"`
	Spearman *float64 `json:"spearman,omitempty"`
}

// UnitCV is the coefficient of variation across evaluators for one unit
type UnitCV struct {
	Unit string   `json:"unit"`
	Mean float64  `json:"mean"`
	CV   *float64 `json:"cv,omitempty"`
}

// ReliabilityStats is the agreement analysis for one scope
type ReliabilityStats struct {
	Scope      string     `json:"scope"`
	Evaluators []string   `json:"evaluators"`
	Units      int        `json:"units"`
	Pairs      []PairStat `json:"pairs"`
	ICC        *float64   `json:"icc,omitempty"`
	ICCUnits   int        `json:"icc_units"`
	ICCPanels  int        `json:"icc_panels"`
	CV         []UnitCV   `json:"cv,omitempty"`
	MeanCV     *float64   `json:"mean_cv,omitempty"`
}

// ReliabilityReport collects per-category and aggregate statistics
type ReliabilityReport struct {
	Subject    string             `json:"subject"`
	Mode       string             `json:"mode"` // item or cohort
	Categories []ReliabilityStats `json:"categories"`
	Aggregate  ReliabilityStats   `json:"aggregate"`
}

// CellReport is the per-cell outcome printed after every run
type CellReport struct {
	Cell       CellKey        `json:"cell"`
	State      CellState      `json:"state"`
	Target     int            `json:"target"`
	Stored     int            `json:"stored"`
	Accepted   int            `json:"accepted"`
	Duplicates int            `json:"duplicates"`
	ParseFails int            `json:"parse_failures"`
	RoundsUsed int            `json:"rounds_used"`
	Exhausted  bool           `json:"exhausted"`
	Invalid    map[string]int `json:"invalid,omitempty"`
}

// CategoryReport summarizes one (politician, category) across all cells
type CategoryReport struct {
	PoliticianID string   `json:"politician_id"`
	Category     Category `json:"category"`
	Verified     int      `json:"verified"`
	Unverified   int      `json:"unverified"`
	Invalid      int      `json:"invalid"`
	Rated        int      `json:"rated"`
	Unrated      int      `json:"unrated"`
	Exhausted    bool     `json:"exhausted"`
}

// RunReport is everything one CLI invocation did
type RunReport struct {
	RunID      string           `json:"run_id"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Cells      []CellReport     `json:"cells,omitempty"`
	Categories []CategoryReport `json:"categories,omitempty"`
	Scores     []FinalScore     `json:"scores,omitempty"`
}

// Shortfall reports whether any cell or category is incomplete
func (r *RunReport) Shortfall() bool {
	for _, c := range r.Cells {
		if c.State != CellComplete {
			return true
		}
	}
	for _, c := range r.Categories {
		if c.Exhausted || c.Unrated > 0 || c.Unverified > 0 {
			return true
		}
	}
	return false
}
