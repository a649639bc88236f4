package metadata

import (
	"database/sql"
	"sort"
	"strings"
)

// ConsistencyRow is one row of the sorted (key, timestamp, digest-input)
// stream the auditor hashes over, per spec.md §4.5.
type ConsistencyRow struct {
	Key       string
	Timestamp float64
	FileHash  []byte
	Tombstone bool
}

// RowStream is the "row-count-first" lazy stream spec.md §4.6 and §9
// (design note "row-count-first generator") describe: Count is known
// before the first row is read, and the two are never conflated.
type RowStream struct {
	count int
	rows  *sql.Rows
}

// Count returns the total number of rows the stream will yield.
func (rs *RowStream) Count() int { return rs.count }

// Next advances the stream, returning ok=false once exhausted.
func (rs *RowStream) Next() (ConsistencyRow, bool, error) {
	if !rs.rows.Next() {
		return ConsistencyRow{}, false, Error.Wrap(rs.rows.Err())
	}
	var (
		row    ConsistencyRow
		status string
	)
	if err := rs.rows.Scan(&row.Key, &row.Timestamp, &row.FileHash, &status); err != nil {
		return ConsistencyRow{}, false, Error.Wrap(err)
	}
	row.Tombstone = status == StatusTombstone
	return row, true, nil
}

// Close releases the underlying cursor.
func (rs *RowStream) Close() error {
	return Error.Wrap(rs.rows.Close())
}

// ConsistencyRowsForCollection returns the row-count-first stream the
// auditor hashes: every segment row for collectionID with
// status IN (active, final, tombstone) and handoff_node_id IS NULL,
// sorted by (key, timestamp), per spec.md §4.5.
func (db *DB) ConsistencyRowsForCollection(collectionID int64) (*RowStream, error) {
	var count int
	err := db.db.QueryRow(
		`SELECT COUNT(*) FROM segment
		 WHERE collection_id = ? AND handoff_node_id IS NULL
		   AND status IN (?, ?, ?)`,
		collectionID, StatusActive, StatusFinal, StatusTombstone,
	).Scan(&count)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	rows, err := db.db.Query(
		`SELECT key, timestamp, file_hash, status FROM segment
		 WHERE collection_id = ? AND handoff_node_id IS NULL
		   AND status IN (?, ?, ?)
		 ORDER BY key ASC, timestamp ASC`,
		collectionID, StatusActive, StatusFinal, StatusTombstone,
	)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &RowStream{count: count, rows: rows}, nil
}

// ListKeys implements spec.md §6.3: the most recent non-tombstone
// finalized segment per key matching prefix, starting strictly after
// marker, bounded by maxKeys. truncated reports whether more keys exist
// beyond the returned page. When delimiter is non-empty the returned
// Segment slice is empty and commonPrefixes instead holds the distinct
// prefixes up to the next delimiter occurrence.
func (db *DB) ListKeys(collectionID int64, prefix, marker, delimiter string, maxKeys int) (keys []Segment, commonPrefixes []string, truncated bool, err error) {
	rows, err := db.db.Query(
		`SELECT DISTINCT key FROM segment
		 WHERE collection_id = ? AND status = ? AND key LIKE ? AND key > ?
		 ORDER BY key ASC`,
		collectionID, StatusFinal, prefix+"%", marker,
	)
	if err != nil {
		return nil, nil, false, Error.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	var candidateKeys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, nil, false, Error.Wrap(err)
		}
		candidateKeys = append(candidateKeys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, false, Error.Wrap(err)
	}

	if delimiter != "" {
		prefixSet := map[string]bool{}
		var ordered []string
		for _, k := range candidateKeys {
			rest := strings.TrimPrefix(k, prefix)
			if idx := strings.Index(rest, delimiter); idx >= 0 {
				cp := prefix + rest[:idx+len(delimiter)]
				if !prefixSet[cp] {
					prefixSet[cp] = true
					ordered = append(ordered, cp)
				}
				continue
			}
			// no delimiter past the prefix: the key is left out of the result.
		}
		sort.Strings(ordered)
		if len(ordered) > maxKeys {
			return nil, ordered[:maxKeys], true, nil
		}
		return nil, ordered, false, nil
	}

	truncated = len(candidateKeys) > maxKeys
	if truncated {
		candidateKeys = candidateKeys[:maxKeys]
	}

	for _, k := range candidateKeys {
		seg, err := db.MostRecentTimestampForKey(collectionID, k)
		if err != nil {
			continue // tombstoned or otherwise shadowed; omit from listing.
		}
		keys = append(keys, seg)
	}
	return keys, nil, truncated, nil
}

// ListVersions is ListKeys's analogue over every (non-shadowed) version
// of a key rather than just the most recent, per spec.md §6.3. A
// version is shadowed if some other segment's file_tombstone_unified_id
// names it.
func (db *DB) ListVersions(collectionID int64, prefix, marker string, maxKeys int) (versions []Segment, truncated bool, err error) {
	rows, err := db.db.Query(
		`SELECT id, collection_id, key, unified_id, conjoined_part, timestamp, segment_num,
			status, file_size, file_adler32, file_hash, handoff_node_id, file_tombstone_unified_id, source_node_id
		 FROM segment
		 WHERE collection_id = ? AND status = ? AND key LIKE ? AND key > ?
		 ORDER BY key ASC, timestamp DESC`,
		collectionID, StatusFinal, prefix+"%", marker,
	)
	if err != nil {
		return nil, false, Error.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	all, err := scanSegments(rows)
	if err != nil {
		return nil, false, err
	}

	shadowed, err := db.shadowedUnifiedIDs(collectionID)
	if err != nil {
		return nil, false, err
	}

	var out []Segment
	for _, s := range all {
		if shadowed[s.UnifiedID] {
			continue
		}
		out = append(out, s)
	}

	truncated = len(out) > maxKeys
	if truncated {
		out = out[:maxKeys]
	}
	return out, truncated, nil
}

func (db *DB) shadowedUnifiedIDs(collectionID int64) (map[string]bool, error) {
	rows, err := db.db.Query(
		`SELECT file_tombstone_unified_id FROM segment
		 WHERE collection_id = ? AND status = ? AND file_tombstone_unified_id IS NOT NULL`,
		collectionID, StatusTombstone,
	)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	shadowed := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, Error.Wrap(err)
		}
		shadowed[id] = true
	}
	return shadowed, Error.Wrap(rows.Err())
}
