// Copyright 2025 Quillsign, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package audit

import (
	"fmt"
	"strings"
)

// QueryBuilder assembles a parameterized SELECT statement. Values never
// appear in the query text; every condition binds a ? placeholder.
type QueryBuilder struct {
	table      string
	columns    string
	conditions []string
	args       []any
	orderBy    string
	limit      int
	offset     int
	hasLimit   bool
}

// NewQueryBuilder starts a query over table selecting columns.
func NewQueryBuilder(table, columns string) *QueryBuilder {
	return &QueryBuilder{
		table:   table,
		columns: columns,
	}
}

// Where adds an equality condition.
func (qb *QueryBuilder) Where(column string, value any) *QueryBuilder {
	qb.conditions = append(qb.conditions, column+" = ?")
	qb.args = append(qb.args, value)
	return qb
}

// WhereLike adds a substring-match condition. The value is escaped so that
// %, _ and \ in it match literally.
func (qb *QueryBuilder) WhereLike(column, value string) *QueryBuilder {
	qb.conditions = append(qb.conditions, column+` LIKE ? ESCAPE '\'`)
	qb.args = append(qb.args, "%"+escapeLike(value)+"%")
	return qb
}

// WhereBetween adds an inclusive range condition.
func (qb *QueryBuilder) WhereBetween(column string, low, high any) *QueryBuilder {
	qb.conditions = append(qb.conditions, column+" BETWEEN ? AND ?")
	qb.args = append(qb.args, low, high)
	return qb
}

// WhereAtLeast adds an inclusive lower-bound condition.
func (qb *QueryBuilder) WhereAtLeast(column string, value any) *QueryBuilder {
	qb.conditions = append(qb.conditions, column+" >= ?")
	qb.args = append(qb.args, value)
	return qb
}

// WhereAtMost adds an inclusive upper-bound condition.
func (qb *QueryBuilder) WhereAtMost(column string, value any) *QueryBuilder {
	qb.conditions = append(qb.conditions, column+" <= ?")
	qb.args = append(qb.args, value)
	return qb
}

// OrderBy sets the ordering clause. direction must be ASC or DESC.
func (qb *QueryBuilder) OrderBy(column, direction string) *QueryBuilder {
	direction = strings.ToUpper(direction)
	if direction != "ASC" && direction != "DESC" {
		direction = "ASC"
	}
	qb.orderBy = column + " " + direction
	return qb
}

// Limit sets the page size and offset.
func (qb *QueryBuilder) Limit(limit, offset int) *QueryBuilder {
	qb.limit = limit
	qb.offset = offset
	qb.hasLimit = true
	return qb
}

// Build returns the SQL text and its bind arguments.
func (qb *QueryBuilder) Build() (string, []any) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %s", qb.columns, qb.table)

	if len(qb.conditions) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(qb.conditions, " AND "))
	}
	if qb.orderBy != "" {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(qb.orderBy)
	}

	args := qb.args
	if qb.hasLimit {
		sb.WriteString(" LIMIT ? OFFSET ?")
		args = append(args, qb.limit, qb.offset)
	}
	return sb.String(), args
}

// escapeLike escapes the LIKE metacharacters in value with backslashes.
func escapeLike(value string) string {
	replacer := strings.NewReplacer(
		`\`, `\\`,
		`%`, `\%`,
		`_`, `\_`,
	)
	return replacer.Replace(value)
}
