// Package reliability measures how far evaluators agree with each other.
// It only reads ratings; nothing here feeds back into scoring.
package reliability

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat"

	"github.com/civicledger/panelscore/internal/model"
)

// Analysis modes
const (
	ModeItem   = "item"
	ModeCohort = "cohort"
)

// AggregateScope names the all-categories statistics
const AggregateScope = "all"

// Table holds at most one value per (unit, evaluator)
type Table map[string]map[string]float64

// Set records the value of one evaluator for one unit
func (t Table) Set(unit, evaluator string, v float64) {
	row, ok := t[unit]
	if !ok {
		row = make(map[string]float64)
		t[unit] = row
	}
	row[evaluator] = v
}

func (t Table) units() []string {
	out := make([]string, 0, len(t))
	for u := range t {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

func (t Table) evaluators() []string {
	seen := make(map[string]bool)
	for _, row := range t {
		for ev := range row {
			seen[ev] = true
		}
	}
	out := make([]string, 0, len(seen))
	for ev := range seen {
		out = append(out, ev)
	}
	sort.Strings(out)
	return out
}

// Analyze aligns ratings by evidence item and reports agreement per
// category and across all categories
func Analyze(subject string, ratings []model.Rating) model.ReliabilityReport {
	all := make(Table)
	byCategory := make(map[model.Category]Table)
	for _, r := range ratings {
		unit := fmt.Sprintf("%d", r.EvidenceID)
		all.Set(unit, r.Evaluator, float64(r.Value))
		if byCategory[r.Category] == nil {
			byCategory[r.Category] = make(Table)
		}
		byCategory[r.Category].Set(unit, r.Evaluator, float64(r.Value))
	}
	return report(subject, ModeItem, byCategory, all)
}

// AnalyzeCohort aligns evaluators by politician. Each evaluator's value for
// a unit is the mean of its ratings for that politician and category.
func AnalyzeCohort(subject string, ratings []model.Rating) model.ReliabilityReport {
	type key struct {
		unit      string
		category  model.Category
		evaluator string
	}
	sums := make(map[key][2]int)
	for _, r := range ratings {
		k := key{unit: r.PoliticianID, category: r.Category, evaluator: r.Evaluator}
		s := sums[k]
		sums[k] = [2]int{s[0] + r.Value, s[1] + 1}
	}

	all := make(Table)
	byCategory := make(map[model.Category]Table)
	for k, s := range sums {
		mean := float64(s[0]) / float64(s[1])
		if byCategory[k.category] == nil {
			byCategory[k.category] = make(Table)
		}
		byCategory[k.category].Set(k.unit, k.evaluator, mean)
		all.Set(k.unit+"/"+string(k.category), k.evaluator, mean)
	}
	return report(subject, ModeCohort, byCategory, all)
}

func report(subject, mode string, byCategory map[model.Category]Table, all Table) model.ReliabilityReport {
	rep := model.ReliabilityReport{Subject: subject, Mode: mode}
	for _, c := range model.Categories {
		if t, ok := byCategory[c]; ok {
			rep.Categories = append(rep.Categories, Stats(string(c), t))
		}
	}
	rep.Aggregate = Stats(AggregateScope, all)
	return rep
}

// Stats computes every agreement statistic over one table
func Stats(scope string, t Table) model.ReliabilityStats {
	units := t.units()
	evaluators := t.evaluators()
	st := model.ReliabilityStats{
		Scope:      scope,
		Evaluators: evaluators,
		Units:      len(units),
	}

	for i := 0; i < len(evaluators); i++ {
		for j := i + 1; j < len(evaluators); j++ {
			st.Pairs = append(st.Pairs, pair(t, units, evaluators[i], evaluators[j]))
		}
	}

	st.ICC, st.ICCUnits, st.ICCPanels = icc(t, units)

	var cvs []float64
	for _, u := range units {
		row := t[u]
		if len(row) < 2 {
			continue
		}
		values := make([]float64, 0, len(row))
		for _, ev := range evaluators {
			if v, ok := row[ev]; ok {
				values = append(values, v)
			}
		}
		mean, cv := CV(values)
		st.CV = append(st.CV, model.UnitCV{Unit: u, Mean: mean, CV: cv})
		if cv != nil {
			cvs = append(cvs, *cv)
		}
	}
	if len(cvs) > 0 {
		st.MeanCV = defined(stat.Mean(cvs, nil))
	}
	return st
}

func pair(t Table, units []string, a, b string) model.PairStat {
	var x, y []float64
	for _, u := range units {
		va, okA := t[u][a]
		vb, okB := t[u][b]
		if okA && okB {
			x = append(x, va)
			y = append(y, vb)
		}
	}
	return model.PairStat{
		A:        a,
		B:        b,
		N:        len(x),
		Pearson:  Pearson(x, y),
		Spearman: Spearman(x, y),
	}
}

// Pearson returns the correlation of x and y, or nil when it is undefined
// (fewer than two points or a constant vector)
func Pearson(x, y []float64) *float64 {
	if len(x) < 2 || len(x) != len(y) {
		return nil
	}
	return defined(stat.Correlation(x, y, nil))
}

// Spearman is Pearson over ranks, with tied values sharing their average
// rank
func Spearman(x, y []float64) *float64 {
	if len(x) < 2 || len(x) != len(y) {
		return nil
	}
	return Pearson(Ranks(x), Ranks(y))
}

// Ranks returns 1-based ranks; ties get the mean of the ranks they span
func Ranks(v []float64) []float64 {
	idx := make([]int, len(v))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return v[idx[a]] < v[idx[b]] })

	ranks := make([]float64, len(v))
	for i := 0; i < len(idx); {
		j := i
		for j+1 < len(idx) && v[idx[j+1]] == v[idx[i]] {
			j++
		}
		avg := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			ranks[idx[k]] = avg
		}
		i = j + 1
	}
	return ranks
}

// icc computes ICC(2,1), two-way random effects, absolute agreement, single
// rater:
//
//	(MSR - MSE) / (MSR + (k-1)MSE + k(MSC - MSE)/n)
//
// Units are grouped into panels by the exact set of evaluators that rated
// them, so items an evaluator was barred from rating still count. Each panel
// with at least two units and two evaluators yields its own ICC; the result
// is their mean weighted by panel size.
func icc(t Table, units []string) (*float64, int, int) {
	panels := make(map[string][][]float64)
	for _, u := range units {
		row := t[u]
		if len(row) < 2 {
			continue
		}
		evs := make([]string, 0, len(row))
		for ev := range row {
			evs = append(evs, ev)
		}
		sort.Strings(evs)
		values := make([]float64, len(evs))
		for j, ev := range evs {
			values[j] = row[ev]
		}
		key := strings.Join(evs, "\x00")
		panels[key] = append(panels[key], values)
	}

	keys := make([]string, 0, len(panels))
	for k := range panels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sum float64
	var n, used int
	for _, k := range keys {
		rows := panels[k]
		v := ICC(rows)
		if v == nil {
			continue
		}
		sum += *v * float64(len(rows))
		n += len(rows)
		used++
	}
	if n == 0 {
		return nil, 0, 0
	}
	return defined(sum / float64(n)), n, used
}

// ICC computes ICC(2,1) for an n×k matrix of complete ratings
func ICC(rows [][]float64) *float64 {
	n := len(rows)
	if n < 2 || len(rows[0]) < 2 {
		return nil
	}
	k := len(rows[0])

	flat := make([]float64, 0, n*k)
	rowMeans := make([]float64, n)
	for i, row := range rows {
		flat = append(flat, row...)
		rowMeans[i] = stat.Mean(row, nil)
	}
	grand := stat.Mean(flat, nil)

	colMeans := make([]float64, k)
	col := make([]float64, n)
	for j := 0; j < k; j++ {
		for i := range rows {
			col[i] = rows[i][j]
		}
		colMeans[j] = stat.Mean(col, nil)
	}

	var ssr, ssc, sse float64
	for i := range rows {
		d := rowMeans[i] - grand
		ssr += d * d
	}
	ssr *= float64(k)
	for j := range colMeans {
		d := colMeans[j] - grand
		ssc += d * d
	}
	ssc *= float64(n)
	for i, row := range rows {
		for j, v := range row {
			r := v - rowMeans[i] - colMeans[j] + grand
			sse += r * r
		}
	}

	msr := ssr / float64(n-1)
	msc := ssc / float64(k-1)
	mse := sse / float64((n-1)*(k-1))

	den := msr + float64(k-1)*mse + float64(k)*(msc-mse)/float64(n)
	if den == 0 {
		return nil
	}
	return defined((msr - mse) / den)
}

// CV returns the mean of values and their coefficient of variation
// (sample standard deviation over |mean|). The CV is nil for fewer than
// two values or a zero mean.
func CV(values []float64) (float64, *float64) {
	if len(values) == 0 {
		return 0, nil
	}
	mean := stat.Mean(values, nil)
	if len(values) < 2 || mean == 0 {
		return mean, nil
	}
	return mean, defined(stat.StdDev(values, nil) / math.Abs(mean))
}

func defined(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
