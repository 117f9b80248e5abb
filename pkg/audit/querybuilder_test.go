package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueryBuilder_Build(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		build     func() *QueryBuilder
		wantQuery string
		wantArgs  []any
	}{
		{
			name: "bare select",
			build: func() *QueryBuilder {
				return NewQueryBuilder("audit_logs", "id, action")
			},
			wantQuery: "SELECT id, action FROM audit_logs",
			wantArgs:  nil,
		},
		{
			name: "single equality",
			build: func() *QueryBuilder {
				return NewQueryBuilder("audit_logs", "*").Where("action", "sign")
			},
			wantQuery: "SELECT * FROM audit_logs WHERE action = ?",
			wantArgs:  []any{"sign"},
		},
		{
			name: "conditions join with AND",
			build: func() *QueryBuilder {
				return NewQueryBuilder("audit_logs", "*").
					Where("action", "sign").
					WhereAtLeast("timestamp", "2026-01-01T00:00:00Z")
			},
			wantQuery: "SELECT * FROM audit_logs WHERE action = ? AND timestamp >= ?",
			wantArgs:  []any{"sign", "2026-01-01T00:00:00Z"},
		},
		{
			name: "between binds both bounds",
			build: func() *QueryBuilder {
				return NewQueryBuilder("audit_logs", "*").
					WhereBetween("timestamp", "a", "b")
			},
			wantQuery: "SELECT * FROM audit_logs WHERE timestamp BETWEEN ? AND ?",
			wantArgs:  []any{"a", "b"},
		},
		{
			name: "order limit offset",
			build: func() *QueryBuilder {
				return NewQueryBuilder("audit_logs", "*").
					OrderBy("timestamp", "DESC").
					Limit(50, 100)
			},
			wantQuery: "SELECT * FROM audit_logs ORDER BY timestamp DESC LIMIT ? OFFSET ?",
			wantArgs:  []any{50, 100},
		},
		{
			name: "invalid direction falls back to ASC",
			build: func() *QueryBuilder {
				return NewQueryBuilder("audit_logs", "*").
					OrderBy("timestamp", "DESC; DROP TABLE audit_logs")
			},
			wantQuery: "SELECT * FROM audit_logs ORDER BY timestamp ASC",
			wantArgs:  nil,
		},
		{
			name: "like wraps and escapes the value",
			build: func() *QueryBuilder {
				return NewQueryBuilder("audit_logs", "*").
					WhereLike("subject", "50%_off\\deal")
			},
			wantQuery: `SELECT * FROM audit_logs WHERE subject LIKE ? ESCAPE '\'`,
			wantArgs:  []any{`%50\%\_off\\deal%`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			query, args := tt.build().Build()
			assert.Equal(t, tt.wantQuery, query)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestFilter_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		filter  Filter
		wantErr string
	}{
		{name: "zero filter gets default limit", filter: Filter{}},
		{name: "explicit bounds", filter: Filter{Limit: MaxQueryLimit, Offset: 10}},
		{name: "known action", filter: Filter{Action: ActionKeyUpload}},
		{
			name:    "limit too large",
			filter:  Filter{Limit: MaxQueryLimit + 1},
			wantErr: "limit must be between",
		},
		{
			name:    "negative limit",
			filter:  Filter{Limit: -1},
			wantErr: "limit must be between",
		},
		{
			name:    "negative offset",
			filter:  Filter{Offset: -1},
			wantErr: "offset must not be negative",
		},
		{
			name:    "unknown action",
			filter:  Filter{Action: "verify"},
			wantErr: "unknown action",
		},
		{
			name:    "malformed start date",
			filter:  Filter{StartDate: "yesterday"},
			wantErr: "startDate must be an RFC 3339 timestamp",
		},
		{
			name:    "malformed end date",
			filter:  Filter{EndDate: "2026-13-40"},
			wantErr: "endDate must be an RFC 3339 timestamp",
		},
		{
			name:   "valid dates",
			filter: Filter{StartDate: "2026-01-01T00:00:00Z", EndDate: "2026-02-01T00:00:00Z"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.filter.Validate()
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestFilter_ValidateAppliesDefaultLimit(t *testing.T) {
	t.Parallel()

	f := Filter{}
	assert.NoError(t, f.Validate())
	assert.Equal(t, DefaultQueryLimit, f.Limit)
}
