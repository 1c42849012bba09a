// Package ruleengine implements a CSV-backed, wildcard-matching rule table:
// activity_bootstrap.csv and activity_processing.csv are both read through
// this engine. Queries re-read the file from disk on every call (spec.md
// §4.2), independent of any higher-level caching a caller layers on top of
// a constructed *Engine (see internal/fileval for that caching).
package ruleengine

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const wildcard = "*"

// Column declares one CSV column by its header label.
type Column struct {
	Label string
}

type cell struct {
	raw     string
	decoded any
}

type row map[string]cell

// NoRuleMatchError is returned when no row in the table matches a query's
// criteria.
type NoRuleMatchError struct {
	Path     string
	Criteria map[string]any
}

func (e *NoRuleMatchError) Error() string {
	return fmt.Sprintf("ruleengine: no rule in %s matches criteria %v", e.Path, e.Criteria)
}

// Engine is a handle to one CSV rule table.
type Engine struct {
	path       string
	columns    []Column
	metaHeader string
}

// New builds an Engine over path, creating the file with a commented meta
// header and column row if it doesn't exist yet.
func New(path string, columns []Column, metaHeader string) (*Engine, error) {
	e := &Engine{path: path, columns: columns, metaHeader: metaHeader}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := e.createWithMetaHeader(); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *Engine) createWithMetaHeader() error {
	if err := os.MkdirAll(filepath.Dir(e.path), 0o755); err != nil {
		return fmt.Errorf("ruleengine: create directory for %s: %w", e.path, err)
	}
	var sb strings.Builder
	header := strings.TrimRight(e.metaHeader, "\n")
	if header != "" {
		for _, line := range strings.Split(header, "\n") {
			sb.WriteString("# " + line + "\n")
		}
	}
	labels := make([]string, len(e.columns))
	for i, c := range e.columns {
		labels[i] = c.Label
	}
	sb.WriteString(strings.Join(labels, ",") + "\n")
	return os.WriteFile(e.path, []byte(sb.String()), 0o644)
}

// GetMappings returns the projection of `values` columns from every row
// matching criteria. A row matches when, for every criteria key, its cell
// equals the criterion or is the literal wildcard "*"; a row with no cell
// for a criteria key does not match.
func (e *Engine) GetMappings(criteria map[string]any, values []string) ([]map[string]any, error) {
	rows, err := e.readRows()
	if err != nil {
		return nil, err
	}
	var matched []map[string]any
	for _, r := range rows {
		if matchesCriteria(r, criteria) {
			matched = append(matched, projectColumns(r, values))
		}
	}
	if len(matched) == 0 {
		return nil, &NoRuleMatchError{Path: e.path, Criteria: criteria}
	}
	return matched, nil
}

// GetMapping returns the last matching row's projection: later rows in the
// file override earlier ones for a given query.
func (e *Engine) GetMapping(criteria map[string]any, values []string) (map[string]any, error) {
	matched, err := e.GetMappings(criteria, values)
	if err != nil {
		return nil, err
	}
	return matched[len(matched)-1], nil
}

// GetSingleMapping is the single-column shorthand for GetMapping.
func (e *Engine) GetSingleMapping(criteria map[string]any, value string) (any, error) {
	m, err := e.GetMapping(criteria, []string{value})
	if err != nil {
		return nil, err
	}
	return m[value], nil
}

func matchesCriteria(r row, criteria map[string]any) bool {
	for k, v := range criteria {
		c, ok := r[k]
		if !ok {
			return false
		}
		if c.raw == wildcard {
			continue
		}
		if !valuesEqual(c.decoded, v) {
			return false
		}
	}
	return true
}

func valuesEqual(a, b any) bool {
	if a == b {
		return true
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func projectColumns(r row, values []string) map[string]any {
	out := make(map[string]any, len(values))
	for _, v := range values {
		if c, ok := r[v]; ok {
			out[v] = c.decoded
		} else {
			out[v] = nil
		}
	}
	return out
}

func (e *Engine) readRows() ([]row, error) {
	f, err := os.Open(e.path)
	if err != nil {
		return nil, fmt.Errorf("ruleengine: open %s: %w", e.path, err)
	}
	defer f.Close()

	raw, err := os.ReadFile(e.path)
	if err != nil {
		return nil, fmt.Errorf("ruleengine: read %s: %w", e.path, err)
	}

	var lines []string
	for _, line := range strings.Split(string(raw), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		stripped := stripInlineComment(line)
		if strings.TrimSpace(stripped) == "" {
			continue
		}
		lines = append(lines, stripped)
	}
	if len(lines) == 0 {
		return nil, nil
	}

	r := csv.NewReader(strings.NewReader(strings.Join(lines, "\n")))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("ruleengine: parse %s: %w", e.path, err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	header := records[0]
	rows := make([]row, 0, len(records)-1)
	for _, rec := range records[1:] {
		rw := row{}
		for i, label := range header {
			if i >= len(rec) {
				continue
			}
			label = strings.TrimSpace(label)
			rw[label] = cell{raw: rec[i], decoded: decodeCell(rec[i])}
		}
		rows = append(rows, rw)
	}
	return rows, nil
}

// stripInlineComment drops everything from an unquoted '#' to the end of
// line, so data rows may carry trailing comments.
func stripInlineComment(line string) string {
	inQuotes := false
	for i, r := range line {
		switch r {
		case '"':
			inQuotes = !inQuotes
		case '#':
			if !inQuotes {
				return line[:i]
			}
		}
	}
	return line
}

// decodeCell applies the float -> int -> bool -> string decode order.
// ParseFloat alone would misclassify every plain integer ("5") as a float,
// so the float attempt is gated on the text actually looking like one.
func decodeCell(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return trimmed
	}
	if looksLikeFloat(trimmed) {
		if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
			return f
		}
	}
	if n, err := strconv.Atoi(trimmed); err == nil {
		return n
	}
	switch strings.ToLower(trimmed) {
	case "true":
		return true
	case "false":
		return false
	}
	return trimmed
}

func looksLikeFloat(s string) bool {
	if s == wildcard {
		return false
	}
	return strings.ContainsAny(s, ".eE")
}
