package metadata

import (
	"database/sql"
	"sort"
	"strconv"
	"strings"
)

// ValueFileRow mirrors the value_file bookkeeping table, per spec.md §3.
type ValueFileRow struct {
	ID                      int64
	Size                    int64
	Hash                    []byte
	SequenceCount           int64
	MinSegmentID            sql.NullInt64
	MaxSegmentID            sql.NullInt64
	DistinctCollectionCount int64
	CollectionIDs           []int64
	SealedAt                sql.NullFloat64
}

// CreateValueFile allocates a new, empty value-file bookkeeping row and
// returns its id.
func (db *DB) CreateValueFile() (int64, error) {
	res, err := db.db.Exec(`INSERT INTO value_file (size, sequence_count, distinct_collection_count) VALUES (0, 0, 0)`)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	return res.LastInsertId()
}

// RecordAppend updates a value file's rolling attributes after size
// bytes belonging to segmentID/collectionID have been appended, with
// hash the new rolling MD5 over the whole file.
func (db *DB) RecordAppend(valueFileID int64, size int64, hash []byte, segmentID, collectionID int64) error {
	row, err := db.ValueFileByID(valueFileID)
	if err != nil {
		return err
	}

	min := row.MinSegmentID
	if !min.Valid || segmentID < min.Int64 {
		min = sql.NullInt64{Int64: segmentID, Valid: true}
	}
	max := row.MaxSegmentID
	if !max.Valid || segmentID > max.Int64 {
		max = sql.NullInt64{Int64: segmentID, Valid: true}
	}

	ids := appendDistinct(row.CollectionIDs, collectionID)

	_, err = db.db.Exec(
		`UPDATE value_file SET size = size + ?, hash = ?, sequence_count = sequence_count + 1,
			min_segment_id = ?, max_segment_id = ?, distinct_collection_count = ?, collection_ids = ?
		 WHERE id = ?`,
		size, hash, min, max, len(ids), joinIDs(ids), valueFileID,
	)
	return Error.Wrap(err)
}

// SealValueFile marks a value file immutable at the given timestamp,
// per spec.md §3/§4.2 (size threshold reached or writer shutdown).
func (db *DB) SealValueFile(valueFileID int64, sealedAt float64) error {
	_, err := db.db.Exec(`UPDATE value_file SET sealed_at = ? WHERE id = ?`, sealedAt, valueFileID)
	return Error.Wrap(err)
}

// ValueFileByID fetches one value-file bookkeeping row.
func (db *DB) ValueFileByID(id int64) (ValueFileRow, error) {
	var row ValueFileRow
	var collIDs sql.NullString
	err := db.db.QueryRow(
		`SELECT id, size, hash, sequence_count, min_segment_id, max_segment_id, distinct_collection_count, collection_ids, sealed_at
		 FROM value_file WHERE id = ?`, id,
	).Scan(&row.ID, &row.Size, &row.Hash, &row.SequenceCount, &row.MinSegmentID, &row.MaxSegmentID, &row.DistinctCollectionCount, &collIDs, &row.SealedAt)
	if err != nil {
		return ValueFileRow{}, Error.Wrap(err)
	}
	row.CollectionIDs = parseIDs(collIDs.String)
	return row, nil
}

func appendDistinct(existing []int64, id int64) []int64 {
	for _, e := range existing {
		if e == id {
			return existing
		}
	}
	out := append(append([]int64{}, existing...), id)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func parseIDs(s string) []int64 {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err == nil {
			out = append(out, n)
		}
	}
	return out
}
