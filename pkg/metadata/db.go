// Package metadata implements the per-node local index described in
// spec.md §4.6: a sqlite-backed relational store binding
// (collection, key, timestamp, segment_num, sequence_num) to
// (value_file_id, offset, length, hash), plus the segment, value-file,
// conjoined and audit-record tables from spec.md §3.
package metadata

import (
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"clusterstore.io/core/internal/migrate"
)

// Error is the class for all local-metadata failures.
var Error = errs.Class("metadata")

// Segment status values, per spec.md §3.
const (
	StatusActive    = "active"
	StatusCancelled = "cancelled"
	StatusFinal     = "final"
	StatusTombstone = "tombstone"
)

// Audit record states, per spec.md §3.
const (
	AuditInProgress   = "in-progress"
	AuditSuccessful   = "successful"
	AuditWaitForRetry = "wait-for-retry"
	AuditError        = "error"
)

// DB wraps the local sqlite connection and exposes the typed operations
// the reader, writer and auditor need.
type DB struct {
	log *zap.Logger
	db  *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path and
// runs pending migrations.
func Open(log *zap.Logger, path string) (*DB, error) {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	sqlDB, err := sql.Open("sqlite3", path+sep+"_journal=WAL&_foreign_keys=on")
	if err != nil {
		return nil, Error.Wrap(err)
	}
	// the local metadata DB is touched by exactly one writer goroutine
	// plus readers; sqlite tolerates only one writer connection at a time.
	sqlDB.SetMaxOpenConns(1)

	db := &DB{log: log, db: sqlDB}
	if err := db.migrate(); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// memDBSeq numbers the databases OpenInMemory creates.
var memDBSeq int64

// OpenInMemory opens a throwaway in-memory database, for tests. Each
// call gets its own database, separate from any other open one.
func OpenInMemory(log *zap.Logger) (*DB, error) {
	n := atomic.AddInt64(&memDBSeq, 1)
	return Open(log, fmt.Sprintf("file:memdb%d?mode=memory&cache=shared", n))
}

// Close releases the underlying connection.
func (db *DB) Close() error {
	return Error.Wrap(db.db.Close())
}

// Raw exposes the *sql.DB for components (tests, tooling) that need
// direct access; production code should prefer the typed methods below.
func (db *DB) Raw() *sql.DB { return db.db }

func (db *DB) migrate() error {
	m := &migrate.Migration{
		Table: "schema_versions",
		Steps: []*migrate.Step{
			{
				Version:     1,
				Description: "initial schema",
				Action: migrate.SQL{
					`CREATE TABLE segment (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						collection_id INTEGER NOT NULL,
						key TEXT NOT NULL,
						unified_id TEXT NOT NULL,
						conjoined_part INTEGER NOT NULL DEFAULT 0,
						timestamp REAL NOT NULL,
						segment_num INTEGER NOT NULL,
						status TEXT NOT NULL,
						file_size INTEGER,
						file_adler32 INTEGER,
						file_hash BLOB,
						handoff_node_id TEXT,
						file_tombstone_unified_id TEXT,
						source_node_id TEXT NOT NULL
					)`,
					`CREATE INDEX segment_collection_key_ts ON segment (collection_id, key, timestamp)`,
					`CREATE INDEX segment_handoff ON segment (handoff_node_id) WHERE handoff_node_id IS NOT NULL`,
					`CREATE TABLE sequence (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						segment_id INTEGER NOT NULL REFERENCES segment(id),
						sequence_num INTEGER NOT NULL,
						value_file_id INTEGER NOT NULL,
						offset INTEGER NOT NULL,
						size INTEGER NOT NULL,
						hash BLOB NOT NULL,
						adler32 INTEGER NOT NULL,
						zfec_padding_size INTEGER NOT NULL
					)`,
					`CREATE UNIQUE INDEX sequence_segment_num ON sequence (segment_id, sequence_num)`,
					`CREATE TABLE value_file (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						size INTEGER NOT NULL DEFAULT 0,
						hash BLOB,
						sequence_count INTEGER NOT NULL DEFAULT 0,
						min_segment_id INTEGER,
						max_segment_id INTEGER,
						distinct_collection_count INTEGER NOT NULL DEFAULT 0,
						collection_ids TEXT,
						sealed_at REAL
					)`,
					`CREATE TABLE conjoined (
						unified_id TEXT NOT NULL,
						collection_id INTEGER NOT NULL,
						key TEXT NOT NULL,
						create_timestamp REAL NOT NULL,
						complete_timestamp REAL,
						abort_timestamp REAL,
						PRIMARY KEY (unified_id, collection_id, key)
					)`,
					`CREATE TABLE audit_record (
						row_id INTEGER PRIMARY KEY AUTOINCREMENT,
						collection_id INTEGER NOT NULL,
						start_timestamp REAL NOT NULL,
						retry_count INTEGER NOT NULL DEFAULT 0,
						state TEXT NOT NULL,
						end_timestamp REAL
					)`,
					`CREATE TABLE handoff (
						segment_id INTEGER PRIMARY KEY REFERENCES segment(id),
						handoff_node_id TEXT NOT NULL,
						recorded_at REAL NOT NULL
					)`,
				},
			},
		},
	}
	return Error.Wrap(m.Run(db.log, db.db))
}
