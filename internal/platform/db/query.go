package db

import (
	"fmt"
	"strings"
	"time"
)

// ListQuery builds the WHERE clause shared by a list query and its count.
type ListQuery struct {
	table   string
	cols    string
	where   string
	args    []interface{}
	idx     int
	orderBy string
}

// NewListQuery creates a ListQuery for the given table and columns.
func NewListQuery(table, cols string) *ListQuery {
	return &ListQuery{
		table: table,
		cols:  cols,
		idx:   1,
	}
}

// Idx returns the next available parameter index.
func (q *ListQuery) Idx() int { return q.idx }

// Add appends a raw WHERE clause fragment (without leading "AND"). Use Idx
// to number its placeholders.
func (q *ListQuery) Add(clause string, args ...interface{}) {
	q.where += " AND " + clause
	q.args = append(q.args, args...)
	q.idx += len(args)
}

// Eq adds column = value when value is non-empty.
func (q *ListQuery) Eq(column, value string) {
	if value == "" {
		return
	}
	q.Add(fmt.Sprintf("%s = $%d", column, q.idx), value)
}

// EqAny adds column = value for any non-nil value.
func (q *ListQuery) EqAny(column string, value interface{}) {
	if value == nil {
		return
	}
	q.Add(fmt.Sprintf("%s = $%d", column, q.idx), value)
}

// In adds column = ANY(values) when values is non-empty.
func (q *ListQuery) In(column string, values []string) {
	if len(values) == 0 {
		return
	}
	q.Add(fmt.Sprintf("%s = ANY($%d)", column, q.idx), values)
}

// Contains adds a case-insensitive substring match.
func (q *ListQuery) Contains(column, value string) {
	if value == "" {
		return
	}
	q.Add(fmt.Sprintf("%s ILIKE $%d", column, q.idx), "%"+escapeLike(value)+"%")
}

// Between bounds column by from (inclusive) and to (exclusive); zero times are ignored.
func (q *ListQuery) Between(column string, from, to time.Time) {
	if !from.IsZero() {
		q.Add(fmt.Sprintf("%s >= $%d", column, q.idx), from)
	}
	if !to.IsZero() {
		q.Add(fmt.Sprintf("%s < $%d", column, q.idx), to)
	}
}

// OrderBy sets the ORDER BY clause (without the "ORDER BY" keyword).
func (q *ListQuery) OrderBy(orderBy string) {
	q.orderBy = orderBy
}

// CountSQL returns the count query SQL.
func (q *ListQuery) CountSQL() string {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE 1=1%s", q.table, q.where)
}

// CountArgs returns the arguments for the count query.
func (q *ListQuery) CountArgs() []interface{} {
	return q.args
}

// DataSQL returns the data query SQL with ORDER BY and LIMIT/OFFSET.
func (q *ListQuery) DataSQL() string {
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE 1=1%s", q.cols, q.table, q.where)
	if q.orderBy != "" {
		sql += " ORDER BY " + q.orderBy
	}
	sql += fmt.Sprintf(" LIMIT $%d OFFSET $%d", q.idx, q.idx+1)
	return sql
}

// DataArgs returns the arguments for the data query (filter args + limit + offset).
func (q *ListQuery) DataArgs(limit, offset int) []interface{} {
	result := make([]interface{}, len(q.args)+2)
	copy(result, q.args)
	result[len(q.args)] = limit
	result[len(q.args)+1] = offset
	return result
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
