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
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"

	// Register the pure-Go sqlite driver.
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// auditColumns is the SELECT column list shared by queries.
const auditColumns = "id, timestamp, request_id, action, issuer, subject, key_id, success, error_code, metadata"

// SQLiteStore implements Store on a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the audit database at path and applies
// pending migrations.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	return newSQLiteStore(ctx, dsn)
}

// NewInMemorySQLiteStore opens a fresh in-memory audit database, used in
// tests.
func NewInMemorySQLiteStore(ctx context.Context) (*SQLiteStore, error) {
	return newSQLiteStore(ctx, "file::memory:")
}

func newSQLiteStore(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}
	// modernc sqlite serializes writers; a single connection avoids
	// SQLITE_BUSY under concurrent audit inserts.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// runMigrations applies all pending migrations using goose.
func runMigrations(ctx context.Context, db *sql.DB) error {
	migrationFS, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration filesystem: %w", err)
	}

	provider, err := goose.NewProvider(database.DialectSQLite3, db, migrationFS)
	if err != nil {
		return fmt.Errorf("creating migration provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("applying audit migrations: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks database availability.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Insert appends one record, generating its ID and timestamp server-side.
// The record is never touched again after this.
func (s *SQLiteStore) Insert(ctx context.Context, record *Record) error {
	record.ID = uuid.NewString()
	record.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	success := 0
	if record.Success {
		success = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, timestamp, request_id, action, issuer, subject,
			key_id, success, error_code, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.Timestamp,
		record.RequestID,
		string(record.Action),
		record.Issuer,
		record.Subject,
		record.KeyID,
		success,
		nullable(record.ErrorCode),
		nullable(record.Metadata),
	)
	if err != nil {
		return fmt.Errorf("inserting audit record: %w", err)
	}
	return nil
}

// Query returns records matching filter, newest first.
func (s *SQLiteStore) Query(ctx context.Context, filter Filter) ([]Record, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	qb := NewQueryBuilder("audit_logs", auditColumns)
	if filter.Action != "" {
		qb.Where("action", string(filter.Action))
	}
	if filter.Subject != "" {
		qb.WhereLike("subject", filter.Subject)
	}
	switch {
	case filter.StartDate != "" && filter.EndDate != "":
		qb.WhereBetween("timestamp", filter.StartDate, filter.EndDate)
	case filter.StartDate != "":
		qb.WhereAtLeast("timestamp", filter.StartDate)
	case filter.EndDate != "":
		qb.WhereAtMost("timestamp", filter.EndDate)
	}
	query, args := qb.
		OrderBy("timestamp", "DESC").
		Limit(filter.Limit, filter.Offset).
		Build()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := make([]Record, 0, filter.Limit)
	for rows.Next() {
		var record Record
		var success int
		var errorCode, metadata sql.NullString
		if err := rows.Scan(
			&record.ID,
			&record.Timestamp,
			&record.RequestID,
			&record.Action,
			&record.Issuer,
			&record.Subject,
			&record.KeyID,
			&success,
			&errorCode,
			&metadata,
		); err != nil {
			return nil, fmt.Errorf("scanning audit record: %w", err)
		}
		record.Success = success != 0
		record.ErrorCode = errorCode.String
		record.Metadata = metadata.String
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit records: %w", err)
	}
	return records, nil
}

// nullable maps an empty string to SQL NULL.
func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}
