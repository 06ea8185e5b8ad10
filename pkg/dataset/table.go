package dataset

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// ErrNotUTF8 reports content that is not valid UTF-8 text. It is kept
// distinct from CSV syntax errors so callers can surface a precise reason.
var ErrNotUTF8 = errors.New("file is not valid UTF-8 text")

// Table is parsed delimited data with a header row. Cells are kept as raw
// strings; numeric interpretation is derived per column at construction.
type Table struct {
	Columns []string
	Rows    [][]string

	numeric []bool
}

// Parse decodes CSV bytes into a Table. The first record is the header row.
// A table with zero data rows parses successfully; emptiness is a separate
// validation concern.
func Parse(data []byte) (*Table, error) {
	if !utf8.Valid(data) {
		return nil, ErrNotUTF8
	}
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})

	reader := csv.NewReader(bytes.NewReader(data))
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	if len(records) == 0 {
		return nil, errors.New("parse csv: missing header row")
	}
	header := make([]string, len(records[0]))
	for i, col := range records[0] {
		header[i] = strings.TrimSpace(col)
	}
	return New(header, records[1:]), nil
}

// New builds a Table and classifies each column as numeric or categorical.
// A column is numeric when it has at least one non-empty cell and every
// non-empty cell parses as a float.
func New(columns []string, rows [][]string) *Table {
	t := &Table{Columns: columns, Rows: rows}
	t.numeric = make([]bool, len(columns))
	for i := range columns {
		t.numeric[i] = t.columnIsNumeric(i)
	}
	return t
}

func (t *Table) columnIsNumeric(idx int) bool {
	seen := false
	for _, row := range t.Rows {
		if idx >= len(row) {
			continue
		}
		cell := strings.TrimSpace(row[idx])
		if cell == "" {
			continue
		}
		if _, err := strconv.ParseFloat(cell, 64); err != nil {
			return false
		}
		seen = true
	}
	return seen
}

// RowCount returns the number of data rows.
func (t *Table) RowCount() int { return len(t.Rows) }

// ColumnCount returns the number of columns.
func (t *Table) ColumnCount() int { return len(t.Columns) }

// HasColumn reports whether name is a column of the table.
func (t *Table) HasColumn(name string) bool { return t.columnIndex(name) >= 0 }

func (t *Table) columnIndex(name string) int {
	for i, col := range t.Columns {
		if col == name {
			return i
		}
	}
	return -1
}

// IsNumeric reports whether the named column parses as numeric.
func (t *Table) IsNumeric(name string) bool {
	idx := t.columnIndex(name)
	return idx >= 0 && t.numeric[idx]
}

// NumericColumns lists numeric column names in table order.
func (t *Table) NumericColumns() []string {
	out := make([]string, 0, len(t.Columns))
	for i, col := range t.Columns {
		if t.numeric[i] {
			out = append(out, col)
		}
	}
	return out
}

// CategoricalColumns lists non-numeric column names in table order.
func (t *Table) CategoricalColumns() []string {
	out := make([]string, 0, len(t.Columns))
	for i, col := range t.Columns {
		if !t.numeric[i] {
			out = append(out, col)
		}
	}
	return out
}

// Floats returns the parsed values of a numeric column, skipping blanks.
func (t *Table) Floats(name string) []float64 {
	idx := t.columnIndex(name)
	if idx < 0 {
		return nil
	}
	out := make([]float64, 0, len(t.Rows))
	for _, row := range t.Rows {
		if idx >= len(row) {
			continue
		}
		cell := strings.TrimSpace(row[idx])
		if cell == "" {
			continue
		}
		v, err := strconv.ParseFloat(cell, 64)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}

// Strings returns the raw cells of a column, skipping blanks.
func (t *Table) Strings(name string) []string {
	idx := t.columnIndex(name)
	if idx < 0 {
		return nil
	}
	out := make([]string, 0, len(t.Rows))
	for _, row := range t.Rows {
		if idx >= len(row) {
			continue
		}
		cell := strings.TrimSpace(row[idx])
		if cell == "" {
			continue
		}
		out = append(out, cell)
	}
	return out
}

// ValueCounts returns distinct values of a column with their occurrence
// counts, most frequent first. Ties keep first-seen order.
func (t *Table) ValueCounts(name string) ([]string, []float64) {
	values := t.Strings(name)
	counts := make(map[string]float64, len(values))
	order := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := counts[v]; !ok {
			order = append(order, v)
		}
		counts[v]++
	}
	sort.SliceStable(order, func(i, j int) bool {
		return counts[order[i]] > counts[order[j]]
	})
	out := make([]float64, len(order))
	for i, v := range order {
		out[i] = counts[v]
	}
	return order, out
}

// GroupBy groups the numeric column y by the values of column x and applies
// the aggregation: "sum", "mean", or "count". Labels keep first-seen order.
func (t *Table) GroupBy(x, y, agg string) ([]string, []float64, error) {
	xi := t.columnIndex(x)
	yi := t.columnIndex(y)
	if xi < 0 || yi < 0 {
		return nil, nil, fmt.Errorf("unknown column in group by %q/%q", x, y)
	}
	switch agg {
	case "sum", "mean", "count":
	default:
		return nil, nil, fmt.Errorf("unsupported aggregation %q", agg)
	}
	sums := make(map[string]float64)
	counts := make(map[string]float64)
	order := make([]string, 0)
	for _, row := range t.Rows {
		if xi >= len(row) || yi >= len(row) {
			continue
		}
		key := strings.TrimSpace(row[xi])
		if key == "" {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(row[yi]), 64)
		if err != nil && agg != "count" {
			continue
		}
		if _, ok := counts[key]; !ok {
			order = append(order, key)
		}
		sums[key] += v
		counts[key]++
	}
	values := make([]float64, len(order))
	for i, key := range order {
		switch agg {
		case "sum":
			values[i] = sums[key]
		case "mean":
			values[i] = sums[key] / counts[key]
		case "count":
			values[i] = counts[key]
		}
	}
	return order, values, nil
}

// Head renders the first n data rows as aligned text for LLM prompts.
func (t *Table) Head(n int) string {
	if n > len(t.Rows) {
		n = len(t.Rows)
	}
	widths := make([]int, len(t.Columns))
	for i, col := range t.Columns {
		widths[i] = len(col)
	}
	for _, row := range t.Rows[:n] {
		for i := range t.Columns {
			if i < len(row) && len(row[i]) > widths[i] {
				widths[i] = len(row[i])
			}
		}
	}
	var sb strings.Builder
	writeRow := func(cells []string) {
		for i := range t.Columns {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			if i > 0 {
				sb.WriteString("  ")
			}
			sb.WriteString(cell)
			sb.WriteString(strings.Repeat(" ", widths[i]-len(cell)))
		}
		sb.WriteString("\n")
	}
	writeRow(t.Columns)
	for _, row := range t.Rows[:n] {
		writeRow(row)
	}
	return strings.TrimRight(sb.String(), " \n")
}

// Summary renders per-column statistics used in analysis prompts.
func (t *Table) Summary() string {
	var sb strings.Builder
	for i, col := range t.Columns {
		if t.numeric[i] {
			values := t.Floats(col)
			min, max, mean := stats(values)
			fmt.Fprintf(&sb, "%s (numeric): n=%d min=%s max=%s mean=%s\n",
				col, len(values), formatFloat(min), formatFloat(max), formatFloat(mean))
			continue
		}
		labels, _ := t.ValueCounts(col)
		fmt.Fprintf(&sb, "%s (categorical): %d distinct values\n", col, len(labels))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func stats(values []float64) (min, max, mean float64) {
	if len(values) == 0 {
		return math.NaN(), math.NaN(), math.NaN()
	}
	min, max = values[0], values[0]
	sum := 0.0
	for _, v := range values {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
		sum += v
	}
	return min, max, sum / float64(len(values))
}

func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return "n/a"
	}
	return strconv.FormatFloat(v, 'g', 6, 64)
}
