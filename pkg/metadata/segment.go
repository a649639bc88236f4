package metadata

import "database/sql"

// Segment mirrors the segment table row, per spec.md §3.
type Segment struct {
	ID                     int64
	CollectionID           int64
	Key                    string
	UnifiedID              string
	ConjoinedPart          int64
	Timestamp              float64
	SegmentNum             int
	Status                 string
	FileSize               sql.NullInt64
	FileAdler32            sql.NullInt64
	FileHash               []byte
	HandoffNodeID          sql.NullString
	FileTombstoneUnifiedID sql.NullString
	SourceNodeID           string
}

// IsHandoff reports whether this segment was written on behalf of
// another (unreachable) node, per spec.md §3's handoff_node_id invariant.
func (s Segment) IsHandoff() bool { return s.HandoffNodeID.Valid }

// CreateSegment inserts a new segment row with status=active and
// returns its id. Used by archive-key-start/entire.
func (db *DB) CreateSegment(s Segment) (int64, error) {
	res, err := db.db.Exec(
		`INSERT INTO segment (
			collection_id, key, unified_id, conjoined_part, timestamp, segment_num,
			status, handoff_node_id, source_node_id
		) VALUES (?,?,?,?,?,?,?,?,?)`,
		s.CollectionID, s.Key, s.UnifiedID, s.ConjoinedPart, s.Timestamp, s.SegmentNum,
		StatusActive, nullableString(s.HandoffNodeID), s.SourceNodeID,
	)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	return res.LastInsertId()
}

func nullableString(v sql.NullString) interface{} {
	if !v.Valid {
		return nil
	}
	return v.String
}

// SegmentByID fetches a single segment by its local id.
func (db *DB) SegmentByID(id int64) (Segment, error) {
	row := db.db.QueryRow(
		`SELECT id, collection_id, key, unified_id, conjoined_part, timestamp, segment_num,
			status, file_size, file_adler32, file_hash, handoff_node_id, file_tombstone_unified_id, source_node_id
		 FROM segment WHERE id = ?`, id)
	return scanSegment(row)
}

// FindActiveSegment locates the in-progress segment a subsequent
// archive-key-next/final call should append to.
func (db *DB) FindActiveSegment(unifiedID string, conjoinedPart int64, segmentNum int) (Segment, error) {
	row := db.db.QueryRow(
		`SELECT id, collection_id, key, unified_id, conjoined_part, timestamp, segment_num,
			status, file_size, file_adler32, file_hash, handoff_node_id, file_tombstone_unified_id, source_node_id
		 FROM segment
		 WHERE unified_id = ? AND conjoined_part = ? AND segment_num = ? AND status = ?
		 ORDER BY id DESC LIMIT 1`, unifiedID, conjoinedPart, segmentNum, StatusActive)
	return scanSegment(row)
}

// FindFinalSegment locates the finalized segment a retrieve-key-start
// names by (unified_id, conjoined_part, segment_num) — the reader's
// analogue of FindActiveSegment.
func (db *DB) FindFinalSegment(unifiedID string, conjoinedPart int64, segmentNum int) (Segment, error) {
	row := db.db.QueryRow(
		`SELECT id, collection_id, key, unified_id, conjoined_part, timestamp, segment_num,
			status, file_size, file_adler32, file_hash, handoff_node_id, file_tombstone_unified_id, source_node_id
		 FROM segment
		 WHERE unified_id = ? AND conjoined_part = ? AND segment_num = ? AND status = ?
		 ORDER BY id DESC LIMIT 1`, unifiedID, conjoinedPart, segmentNum, StatusFinal)
	return scanSegment(row)
}

func scanSegment(row *sql.Row) (Segment, error) {
	var s Segment
	err := row.Scan(
		&s.ID, &s.CollectionID, &s.Key, &s.UnifiedID, &s.ConjoinedPart, &s.Timestamp, &s.SegmentNum,
		&s.Status, &s.FileSize, &s.FileAdler32, &s.FileHash, &s.HandoffNodeID, &s.FileTombstoneUnifiedID, &s.SourceNodeID,
	)
	if err != nil {
		return Segment{}, Error.Wrap(err)
	}
	return s, nil
}

// FinalizeSegment promotes a segment to status=final and records its
// whole-object attributes, per archive-key-final/entire.
func (db *DB) FinalizeSegment(id int64, fileSize int64, fileAdler32 uint32, fileHash []byte) error {
	_, err := db.db.Exec(
		`UPDATE segment SET status = ?, file_size = ?, file_adler32 = ?, file_hash = ? WHERE id = ?`,
		StatusFinal, fileSize, fileAdler32, fileHash, id,
	)
	return Error.Wrap(err)
}

// CancelSegment marks a segment cancelled after an integrity mismatch
// mid-write, per spec.md §4.2 failure semantics. Previously-written
// bytes in the value file are left as an unreferenced tail.
func (db *DB) CancelSegment(id int64) error {
	_, err := db.db.Exec(`UPDATE segment SET status = ? WHERE id = ?`, StatusCancelled, id)
	return Error.Wrap(err)
}

// TombstoneSegment inserts a tombstone row for destroy-key. If
// unifiedIDToDelete is empty, the tombstone shadows all prior versions
// of (collectionID, key); otherwise it targets exactly that version.
func (db *DB) TombstoneSegment(collectionID int64, key, sourceNodeID string, timestamp float64, unifiedIDToDelete string) (int64, error) {
	var tombstoneRef sql.NullString
	if unifiedIDToDelete != "" {
		tombstoneRef = sql.NullString{String: unifiedIDToDelete, Valid: true}
	}
	res, err := db.db.Exec(
		`INSERT INTO segment (
			collection_id, key, unified_id, conjoined_part, timestamp, segment_num,
			status, file_tombstone_unified_id, source_node_id
		) VALUES (?,?,?,0,?,0,?,?,?)`,
		collectionID, key, "", timestamp, StatusTombstone, nullableString(tombstoneRef), sourceNodeID,
	)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	return res.LastInsertId()
}

// CurrentStatusOfKey returns every non-cancelled segment row for
// (collectionID, key), newest first — the row set destroy-key and the
// gateway's read path reason about.
func (db *DB) CurrentStatusOfKey(collectionID int64, key string) ([]Segment, error) {
	rows, err := db.db.Query(
		`SELECT id, collection_id, key, unified_id, conjoined_part, timestamp, segment_num,
			status, file_size, file_adler32, file_hash, handoff_node_id, file_tombstone_unified_id, source_node_id
		 FROM segment WHERE collection_id = ? AND key = ? AND status != ? ORDER BY timestamp DESC`,
		collectionID, key, StatusCancelled)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = rows.Close() }()
	return scanSegments(rows)
}

// CurrentStatusOfVersion is CurrentStatusOfKey narrowed to one
// unified_id (one version of the key).
func (db *DB) CurrentStatusOfVersion(collectionID int64, key, unifiedID string) ([]Segment, error) {
	rows, err := db.db.Query(
		`SELECT id, collection_id, key, unified_id, conjoined_part, timestamp, segment_num,
			status, file_size, file_adler32, file_hash, handoff_node_id, file_tombstone_unified_id, source_node_id
		 FROM segment WHERE collection_id = ? AND key = ? AND unified_id = ? AND status != ? ORDER BY timestamp DESC`,
		collectionID, key, unifiedID, StatusCancelled)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = rows.Close() }()
	return scanSegments(rows)
}

// MostRecentTimestampForKey returns the highest-timestamp finalized,
// non-shadowed segment for (collectionID, key), used by the gateway to
// begin a read. Returns an error wrapping sql.ErrNoRows if the key has
// no finalized segment, and a "key is tombstoned" error if a later
// tombstone shadows the newest one.
func (db *DB) MostRecentTimestampForKey(collectionID int64, key string) (Segment, error) {
	row := db.db.QueryRow(
		`SELECT id, collection_id, key, unified_id, conjoined_part, timestamp, segment_num,
			status, file_size, file_adler32, file_hash, handoff_node_id, file_tombstone_unified_id, source_node_id
		 FROM segment
		 WHERE collection_id = ? AND key = ? AND status = ?
		 ORDER BY timestamp DESC LIMIT 1`,
		collectionID, key, StatusFinal)
	s, err := scanSegment(row)
	if err != nil {
		return Segment{}, err
	}

	// a later tombstone of the whole key, or of this very version, shadows it.
	var tombstoneCount int
	err = db.db.QueryRow(
		`SELECT COUNT(*) FROM segment WHERE collection_id = ? AND key = ? AND status = ? AND timestamp > ?
			AND (file_tombstone_unified_id IS NULL OR file_tombstone_unified_id = ?)`,
		collectionID, key, StatusTombstone, s.Timestamp, s.UnifiedID,
	).Scan(&tombstoneCount)
	if err != nil {
		return Segment{}, Error.Wrap(err)
	}
	if tombstoneCount > 0 {
		return Segment{}, Error.New("key is tombstoned: %s", key)
	}
	return s, nil
}

func scanSegments(rows *sql.Rows) ([]Segment, error) {
	var out []Segment
	for rows.Next() {
		var s Segment
		err := rows.Scan(
			&s.ID, &s.CollectionID, &s.Key, &s.UnifiedID, &s.ConjoinedPart, &s.Timestamp, &s.SegmentNum,
			&s.Status, &s.FileSize, &s.FileAdler32, &s.FileHash, &s.HandoffNodeID, &s.FileTombstoneUnifiedID, &s.SourceNodeID,
		)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		out = append(out, s)
	}
	return out, Error.Wrap(rows.Err())
}

// SegmentsHandoffFor returns every segment currently held on this node
// on behalf of handoffNodeID, for the handoff "what have you stored for
// me" sweep.
func (db *DB) SegmentsHandoffFor(handoffNodeID string) ([]Segment, error) {
	rows, err := db.db.Query(
		`SELECT id, collection_id, key, unified_id, conjoined_part, timestamp, segment_num,
			status, file_size, file_adler32, file_hash, handoff_node_id, file_tombstone_unified_id, source_node_id
		 FROM segment WHERE handoff_node_id = ? AND status = ?`,
		handoffNodeID, StatusFinal)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = rows.Close() }()
	return scanSegments(rows)
}

// PurgeSegment removes a segment's sequence and segment rows after a
// successful handoff transfer, per spec.md §4.4's purge-handoff.
func (db *DB) PurgeSegment(id int64) error {
	tx, err := db.db.Begin()
	if err != nil {
		return Error.Wrap(err)
	}
	if _, err := tx.Exec(`DELETE FROM sequence WHERE segment_id = ?`, id); err != nil {
		_ = tx.Rollback()
		return Error.Wrap(err)
	}
	if _, err := tx.Exec(`DELETE FROM segment WHERE id = ?`, id); err != nil {
		_ = tx.Rollback()
		return Error.Wrap(err)
	}
	return Error.Wrap(tx.Commit())
}
