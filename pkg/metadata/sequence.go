package metadata

import "database/sql"

// Sequence mirrors the sequence table row, per spec.md §3. Sequence
// rows are written only after the corresponding bytes are durably
// appended to their value file, so that crash recovery can truncate any
// dangling bytes past the last committed sequence.
type Sequence struct {
	ID              int64
	SegmentID       int64
	SequenceNum     int
	ValueFileID     int64
	Offset          int64
	Size            int64
	Hash            []byte
	Adler32         uint32
	ZfecPaddingSize int64
}

// AppendSequence records a sequence row. Callers must have already
// flushed the corresponding bytes to the named value file.
func (db *DB) AppendSequence(s Sequence) (int64, error) {
	res, err := db.db.Exec(
		`INSERT INTO sequence (segment_id, sequence_num, value_file_id, offset, size, hash, adler32, zfec_padding_size)
		 VALUES (?,?,?,?,?,?,?,?)`,
		s.SegmentID, s.SequenceNum, s.ValueFileID, s.Offset, s.Size, s.Hash, s.Adler32, s.ZfecPaddingSize,
	)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	return res.LastInsertId()
}

// MaxSequenceNum returns the highest sequence_num recorded for a
// segment, or 0 if none exist yet — used to enforce the dense 1..K
// sequencing invariant on archive-key-next/final.
func (db *DB) MaxSequenceNum(segmentID int64) (int, error) {
	var max sql.NullInt64
	err := db.db.QueryRow(`SELECT MAX(sequence_num) FROM sequence WHERE segment_id = ?`, segmentID).Scan(&max)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	if !max.Valid {
		return 0, nil
	}
	return int(max.Int64), nil
}

// SequencesForSegment returns every sequence row for a segment, ordered
// by sequence_num — the order the reader streams them back in.
func (db *DB) SequencesForSegment(segmentID int64) ([]Sequence, error) {
	rows, err := db.db.Query(
		`SELECT id, segment_id, sequence_num, value_file_id, offset, size, hash, adler32, zfec_padding_size
		 FROM sequence WHERE segment_id = ? ORDER BY sequence_num ASC`, segmentID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	var out []Sequence
	for rows.Next() {
		var s Sequence
		if err := rows.Scan(&s.ID, &s.SegmentID, &s.SequenceNum, &s.ValueFileID, &s.Offset, &s.Size, &s.Hash, &s.Adler32, &s.ZfecPaddingSize); err != nil {
			return nil, Error.Wrap(err)
		}
		out = append(out, s)
	}
	return out, Error.Wrap(rows.Err())
}

// SequenceRowCount returns the total number of sequence rows for a
// segment — the row-count-first value the reader's initial reply
// carries.
func (db *DB) SequenceRowCount(segmentID int64) (int, error) {
	var count int
	err := db.db.QueryRow(`SELECT COUNT(*) FROM sequence WHERE segment_id = ?`, segmentID).Scan(&count)
	return count, Error.Wrap(err)
}
