package metadata

import "database/sql"

// Conjoined mirrors the conjoined table row, per spec.md §3.
type Conjoined struct {
	UnifiedID         string
	CollectionID      int64
	Key               string
	CreateTimestamp   float64
	CompleteTimestamp sql.NullFloat64
	AbortTimestamp    sql.NullFloat64
}

// StartConjoined opens a conjoined upload, per start-conjoined-archive.
func (db *DB) StartConjoined(unifiedID string, collectionID int64, key string, createTimestamp float64) error {
	_, err := db.db.Exec(
		`INSERT INTO conjoined (unified_id, collection_id, key, create_timestamp) VALUES (?,?,?,?)`,
		unifiedID, collectionID, key, createTimestamp,
	)
	return Error.Wrap(err)
}

// AbortConjoined marks a conjoined upload aborted, per abort-conjoined-archive.
func (db *DB) AbortConjoined(unifiedID string, collectionID int64, key string, abortTimestamp float64) error {
	_, err := db.db.Exec(
		`UPDATE conjoined SET abort_timestamp = ? WHERE unified_id = ? AND collection_id = ? AND key = ?`,
		abortTimestamp, unifiedID, collectionID, key,
	)
	return Error.Wrap(err)
}

// FinishConjoined commits a conjoined upload, per finish-conjoined-archive.
// Key-listing queries only consider conjoined rows with a non-null
// complete_timestamp.
func (db *DB) FinishConjoined(unifiedID string, collectionID int64, key string, completeTimestamp float64) error {
	_, err := db.db.Exec(
		`UPDATE conjoined SET complete_timestamp = ? WHERE unified_id = ? AND collection_id = ? AND key = ?`,
		completeTimestamp, unifiedID, collectionID, key,
	)
	return Error.Wrap(err)
}

// ConjoinedByUnifiedID fetches one conjoined row.
func (db *DB) ConjoinedByUnifiedID(unifiedID string, collectionID int64, key string) (Conjoined, error) {
	var c Conjoined
	err := db.db.QueryRow(
		`SELECT unified_id, collection_id, key, create_timestamp, complete_timestamp, abort_timestamp
		 FROM conjoined WHERE unified_id = ? AND collection_id = ? AND key = ?`,
		unifiedID, collectionID, key,
	).Scan(&c.UnifiedID, &c.CollectionID, &c.Key, &c.CreateTimestamp, &c.CompleteTimestamp, &c.AbortTimestamp)
	if err != nil {
		return Conjoined{}, Error.Wrap(err)
	}
	return c, nil
}
