package metadata

import "database/sql"

// AuditRecord mirrors the audit_record table row, per spec.md §3.
type AuditRecord struct {
	RowID          int64
	CollectionID   int64
	StartTimestamp float64
	RetryCount     int
	State          string
	EndTimestamp   sql.NullFloat64
}

// CreateAuditRecord inserts a new in-progress audit attempt and returns
// its row id.
func (db *DB) CreateAuditRecord(collectionID int64, startTimestamp float64) (int64, error) {
	res, err := db.db.Exec(
		`INSERT INTO audit_record (collection_id, start_timestamp, retry_count, state) VALUES (?,?,0,?)`,
		collectionID, startTimestamp, AuditInProgress,
	)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	return res.LastInsertId()
}

// TransitionAuditRecord moves an audit attempt to a terminal or
// retry-pending state.
func (db *DB) TransitionAuditRecord(rowID int64, state string, endTimestamp float64) error {
	var end sql.NullFloat64
	if state != AuditInProgress && state != AuditWaitForRetry {
		end = sql.NullFloat64{Float64: endTimestamp, Valid: true}
	}
	_, err := db.db.Exec(`UPDATE audit_record SET state = ?, end_timestamp = ? WHERE row_id = ?`, state, end, rowID)
	return Error.Wrap(err)
}

// IncrementAuditRetry bumps retry_count for the next attempt of the
// same row_id, per spec.md §4.5's "retries carry the same row_id".
func (db *DB) IncrementAuditRetry(rowID int64) error {
	_, err := db.db.Exec(`UPDATE audit_record SET retry_count = retry_count + 1, state = ? WHERE row_id = ?`, AuditInProgress, rowID)
	return Error.Wrap(err)
}

// AuditRecordByID fetches one audit_record row.
func (db *DB) AuditRecordByID(rowID int64) (AuditRecord, error) {
	var r AuditRecord
	err := db.db.QueryRow(
		`SELECT row_id, collection_id, start_timestamp, retry_count, state, end_timestamp FROM audit_record WHERE row_id = ?`, rowID,
	).Scan(&r.RowID, &r.CollectionID, &r.StartTimestamp, &r.RetryCount, &r.State, &r.EndTimestamp)
	if err != nil {
		return AuditRecord{}, Error.Wrap(err)
	}
	return r, nil
}
