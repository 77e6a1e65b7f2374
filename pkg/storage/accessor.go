package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Row is one table row keyed by column name.
type Row map[string]interface{}

// PredicateOp is the comparison a Predicate applies.
type PredicateOp string

const (
	OpEq  PredicateOp = "="
	OpNeq PredicateOp = "!="
	OpGt  PredicateOp = ">"
	OpGte PredicateOp = ">="
	OpLt  PredicateOp = "<"
	OpLte PredicateOp = "<="
	OpIn  PredicateOp = "IN"
)

// Predicate is an equality, range or membership test on one column.
type Predicate struct {
	Column string
	Op     PredicateOp
	Value  interface{}
	Values []interface{} // for OpIn
}

func Eq(col string, v interface{}) Predicate  { return Predicate{Column: col, Op: OpEq, Value: v} }
func Neq(col string, v interface{}) Predicate { return Predicate{Column: col, Op: OpNeq, Value: v} }
func Gte(col string, v interface{}) Predicate { return Predicate{Column: col, Op: OpGte, Value: v} }
func Lte(col string, v interface{}) Predicate { return Predicate{Column: col, Op: OpLte, Value: v} }
func Lt(col string, v interface{}) Predicate  { return Predicate{Column: col, Op: OpLt, Value: v} }
func Gt(col string, v interface{}) Predicate  { return Predicate{Column: col, Op: OpGt, Value: v} }

func In(col string, vs ...interface{}) Predicate {
	return Predicate{Column: col, Op: OpIn, Values: vs}
}

// Filter selects rows for Get.
type Filter struct {
	Where   []Predicate
	OrderBy string
	Desc    bool
	Limit   int
	Offset  int
}

type tableSpec struct {
	columns    []string
	key        []string
	appendOnly bool
}

// tables whitelists every table and column reachable through the generic
// accessor; nothing outside it is ever interpolated into SQL.
var tables = map[string]tableSpec{
	"resources": {
		columns: []string{"id", "campaign_id", "user_id", "source_url", "target_url", "anchor_text", "placement", "status", "attempts", "failures", "next_check_at", "last_checked_at", "http_status", "response_time_ms", "final_url", "redirect_chain", "link_found", "link_rel", "quality_score", "compute_cost", "created_at", "updated_at"},
		key:     []string{"id"},
	},
	"audit_events": {
		columns:    []string{"id", "resource_id", "resource_kind", "event_type", "actor", "reason", "before_json", "after_json", "occurred_at"},
		key:        []string{"id"},
		appendOnly: true,
	},
	"usage_counters": {
		columns: []string{"user_id", "day_key", "items_posted", "compute_units", "bytes_stored", "bytes_transferred", "api_requests"},
		key:     []string{"user_id", "day_key"},
	},
	"user_tiers": {
		columns: []string{"user_id", "tier", "updated_at"},
		key:     []string{"user_id"},
	},
	"automation_states": {
		columns: []string{"campaign_id", "user_id", "mode", "paused_by", "reason", "exceeded", "transitioned_at", "updated_at"},
		key:     []string{"campaign_id"},
	},
	"cost_matrix": {
		columns: []string{"operation_type", "engine_type", "difficulty", "base_cost", "hosting_factor", "premium_discount", "success_bonus"},
		key:     []string{"operation_type", "engine_type", "difficulty"},
	},
	"upgrade_prompts": {
		columns: []string{"id", "user_id", "campaign_id", "trigger_type", "trigger_event", "current_tier", "suggested_tier", "urgency", "priority", "benefits", "shown_count", "max_show_count", "response", "triggered_at", "responded_at", "expires_at"},
		key:     []string{"id"},
	},
}

// Tables returns the accessible table names, sorted.
func Tables() []string {
	out := make([]string, 0, len(tables))
	for name := range tables {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (s tableSpec) has(col string) bool {
	for _, c := range s.columns {
		if c == col {
			return true
		}
	}
	return false
}

func lookupTable(op, table string) (tableSpec, error) {
	spec, ok := tables[table]
	if !ok {
		return tableSpec{}, &StoreError{Op: op, Table: table, Kind: KindSchema, Err: errors.New("unknown table")}
	}
	return spec, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Get returns the rows of table matching f. No match is an empty result,
// not an error.
func (d *DB) Get(ctx context.Context, table string, f Filter) ([]Row, error) {
	rows, err := getRows(ctx, d.sql, table, f)
	return rows, wrap("get", table, err)
}

func getRows(ctx context.Context, q queryer, table string, f Filter) ([]Row, error) {
	spec, err := lookupTable("get", table)
	if err != nil {
		return nil, err
	}
	where, args, err := buildWhere(table, spec, f.Where)
	if err != nil {
		return nil, err
	}
	query := "SELECT " + strings.Join(spec.columns, ", ") + " FROM " + table + where
	if f.OrderBy != "" {
		if !spec.has(f.OrderBy) {
			return nil, &StoreError{Op: "get", Table: table, Kind: KindSchema, Err: fmt.Errorf("unknown column %q", f.OrderBy)}
		}
		query += " ORDER BY " + f.OrderBy
		if f.Desc {
			query += " DESC"
		}
	}
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
		if f.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", f.Offset)
		}
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

func buildWhere(table string, spec tableSpec, preds []Predicate) (string, []interface{}, error) {
	if len(preds) == 0 {
		return "", nil, nil
	}
	var parts []string
	var args []interface{}
	for _, p := range preds {
		if !spec.has(p.Column) {
			return "", nil, &StoreError{Op: "get", Table: table, Kind: KindSchema, Err: fmt.Errorf("unknown column %q", p.Column)}
		}
		switch p.Op {
		case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte:
			if p.Value == nil {
				if p.Op == OpEq {
					parts = append(parts, p.Column+" IS NULL")
					continue
				}
				if p.Op == OpNeq {
					parts = append(parts, p.Column+" IS NOT NULL")
					continue
				}
			}
			parts = append(parts, fmt.Sprintf("%s %s ?", p.Column, p.Op))
			args = append(args, p.Value)
		case OpIn:
			if len(p.Values) == 0 {
				// Membership in the empty set matches nothing.
				parts = append(parts, "0")
				continue
			}
			marks := strings.TrimSuffix(strings.Repeat("?,", len(p.Values)), ",")
			parts = append(parts, fmt.Sprintf("%s IN (%s)", p.Column, marks))
			args = append(args, p.Values...)
		default:
			return "", nil, &StoreError{Op: "get", Table: table, Kind: KindSchema, Err: fmt.Errorf("unsupported predicate %q", p.Op)}
		}
	}
	return " WHERE " + strings.Join(parts, " AND "), args, nil
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := []Row{}
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		r := make(Row, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				r[c] = string(b)
				continue
			}
			r[c] = vals[i]
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Upsert writes key+patch into table and returns the committed row. The
// statement is keyed on the table's unique key, so replaying the same key and
// patch leaves the row unchanged.
func (d *DB) Upsert(ctx context.Context, table string, key, patch Row) (Row, error) {
	var row Row
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		row, err = upsertRow(ctx, tx, table, key, patch)
		return err
	})
	return row, wrap("upsert", table, err)
}

func upsertRow(ctx context.Context, q queryer, table string, key, patch Row) (Row, error) {
	spec, err := lookupTable("upsert", table)
	if err != nil {
		return nil, err
	}
	if spec.appendOnly {
		return nil, &StoreError{Op: "upsert", Table: table, Kind: KindPermission, Err: errors.New("table is append-only")}
	}
	for _, k := range spec.key {
		if _, ok := key[k]; !ok {
			return nil, &StoreError{Op: "upsert", Table: table, Kind: KindSchema, Err: fmt.Errorf("missing key column %q", k)}
		}
	}
	cols := make([]string, 0, len(key)+len(patch))
	args := make([]interface{}, 0, len(key)+len(patch))
	for _, k := range spec.key {
		cols = append(cols, k)
		args = append(args, key[k])
	}
	patchCols := make([]string, 0, len(patch))
	for c := range patch {
		if _, isKey := key[c]; isKey {
			continue
		}
		if !spec.has(c) {
			return nil, &StoreError{Op: "upsert", Table: table, Kind: KindSchema, Err: fmt.Errorf("unknown column %q", c)}
		}
		patchCols = append(patchCols, c)
	}
	sort.Strings(patchCols)
	for _, c := range patchCols {
		cols = append(cols, c)
		args = append(args, patch[c])
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO ",
		table, strings.Join(cols, ", "),
		strings.TrimSuffix(strings.Repeat("?,", len(cols)), ","),
		strings.Join(spec.key, ", "))
	if len(patchCols) == 0 {
		query += "NOTHING"
	} else {
		sets := make([]string, len(patchCols))
		for i, c := range patchCols {
			sets[i] = c + " = excluded." + c
		}
		query += "UPDATE SET " + strings.Join(sets, ", ")
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return nil, err
	}

	preds := make([]Predicate, len(spec.key))
	for i, k := range spec.key {
		preds[i] = Eq(k, key[k])
	}
	rows, err := getRows(ctx, q, table, Filter{Where: preds, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0], nil
}

// Append inserts record into an append-only table. Existing rows are never
// touched; a duplicate id is a conflict.
func (d *DB) Append(ctx context.Context, table string, record Row) error {
	return wrap("append", table, appendRow(ctx, d.sql, table, record))
}

func appendRow(ctx context.Context, q queryer, table string, record Row) error {
	spec, err := lookupTable("append", table)
	if err != nil {
		return err
	}
	if !spec.appendOnly {
		return &StoreError{Op: "append", Table: table, Kind: KindPermission, Err: errors.New("append is reserved for audit tables")}
	}
	cols := make([]string, 0, len(record))
	for c := range record {
		if !spec.has(c) {
			return &StoreError{Op: "append", Table: table, Kind: KindSchema, Err: fmt.Errorf("unknown column %q", c)}
		}
		cols = append(cols, c)
	}
	sort.Strings(cols)
	args := make([]interface{}, len(cols))
	for i, c := range cols {
		args[i] = record[c]
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "),
		strings.TrimSuffix(strings.Repeat("?,", len(cols)), ","))
	_, err = q.ExecContext(ctx, query, args...)
	return err
}
