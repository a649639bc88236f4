// Package catalog implements the central catalog of spec.md §6.2: the
// cluster-wide database of cluster rows, collection rows and audit
// results that every node's anti-entropy auditor refreshes its
// collection-ids list from. Unlike pkg/metadata, the catalog is shared
// cluster state rather than a per-node local index, so it is modeled as
// an external collaborator behind a narrow Client interface.
package catalog

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"clusterstore.io/core/internal/migrate"
)

// Error is the class for catalog failures.
var Error = errs.Class("catalog")

// ClusterRow names one node and its position in the cluster's ordered
// membership, mirroring spec.md §6.2's NODE_NAME_SEQ.
type ClusterRow struct {
	NodeName   string
	SegmentNum int
}

// CollectionRow names one collection known to the cluster.
type CollectionRow struct {
	ID   int64
	Name string
}

// AuditResultRow records one terminal audit outcome for a collection,
// the catalog's durable audit history (distinct from each node's own
// local audit_record rows).
type AuditResultRow struct {
	CollectionID int64
	State        string
	Timestamp    float64
}

// Client is the narrow surface the rest of the cluster core needs from
// the catalog: cluster membership, the set of collection ids to audit,
// and a place to record terminal audit outcomes.
type Client interface {
	ClusterMembers(ctx context.Context) ([]ClusterRow, error)
	CollectionIDs(ctx context.Context) ([]int64, error)
	RecordAuditResult(ctx context.Context, row AuditResultRow) error
}

// DB is a sqlite-backed Client, suitable for a single-process
// deployment or local development; a multi-process cluster would point
// this at a shared database instead.
type DB struct {
	log *zap.Logger
	db  *sql.DB
}

// Open opens (creating if necessary) the catalog database at path and
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
	db := &DB{log: log, db: sqlDB}
	if err := db.migrate(); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// OpenInMemory opens a throwaway in-memory catalog, for tests.
func OpenInMemory(log *zap.Logger) (*DB, error) {
	return Open(log, "file::memory:?mode=memory&cache=shared")
}

// Close releases the underlying connection.
func (db *DB) Close() error {
	return Error.Wrap(db.db.Close())
}

func (db *DB) migrate() error {
	m := &migrate.Migration{
		Table: "schema_versions",
		Steps: []*migrate.Step{
			{
				Version:     1,
				Description: "initial schema",
				Action: migrate.SQL{
					`CREATE TABLE cluster_row (
						node_name TEXT PRIMARY KEY,
						segment_num INTEGER NOT NULL
					)`,
					`CREATE TABLE collection_row (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						name TEXT NOT NULL UNIQUE
					)`,
					`CREATE TABLE audit_result (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						collection_id INTEGER NOT NULL REFERENCES collection_row(id),
						state TEXT NOT NULL,
						timestamp REAL NOT NULL
					)`,
				},
			},
		},
	}
	return Error.Wrap(m.Run(db.log, db.db))
}

// AddClusterMember upserts one node's position in the cluster sequence.
func (db *DB) AddClusterMember(nodeName string, segmentNum int) error {
	_, err := db.db.Exec(
		`INSERT INTO cluster_row (node_name, segment_num) VALUES (?, ?)
		 ON CONFLICT(node_name) DO UPDATE SET segment_num = excluded.segment_num`,
		nodeName, segmentNum,
	)
	return Error.Wrap(err)
}

// AddCollection registers a collection name, returning its id. Calling
// it again for the same name is a no-op that returns the existing id.
func (db *DB) AddCollection(name string) (int64, error) {
	if _, err := db.db.Exec(`INSERT OR IGNORE INTO collection_row (name) VALUES (?)`, name); err != nil {
		return 0, Error.Wrap(err)
	}
	var id int64
	err := db.db.QueryRow(`SELECT id FROM collection_row WHERE name = ?`, name).Scan(&id)
	return id, Error.Wrap(err)
}

// ClusterMembers returns every registered cluster_row.
func (db *DB) ClusterMembers(ctx context.Context) ([]ClusterRow, error) {
	rows, err := db.db.QueryContext(ctx, `SELECT node_name, segment_num FROM cluster_row ORDER BY segment_num`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	var out []ClusterRow
	for rows.Next() {
		var r ClusterRow
		if err := rows.Scan(&r.NodeName, &r.SegmentNum); err != nil {
			return nil, Error.Wrap(err)
		}
		out = append(out, r)
	}
	return out, Error.Wrap(rows.Err())
}

// CollectionIDs returns every registered collection id, the set the
// auditor sweeps every round.
func (db *DB) CollectionIDs(ctx context.Context) ([]int64, error) {
	rows, err := db.db.QueryContext(ctx, `SELECT id FROM collection_row ORDER BY id`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, Error.Wrap(err)
		}
		out = append(out, id)
	}
	return out, Error.Wrap(rows.Err())
}

// RecordAuditResult appends a terminal audit outcome to the catalog's
// durable history.
func (db *DB) RecordAuditResult(ctx context.Context, row AuditResultRow) error {
	_, err := db.db.ExecContext(ctx,
		`INSERT INTO audit_result (collection_id, state, timestamp) VALUES (?, ?, ?)`,
		row.CollectionID, row.State, row.Timestamp)
	return Error.Wrap(err)
}
