// Package audit implements the anti-entropy auditor of spec.md §4.5: the
// per-node consistency-check digest, and the elected coordinator that
// broadcasts checks, aggregates replies, and drives the retry/escalate
// decision tree.
package audit

import (
	"crypto/md5"
	"strconv"

	"clusterstore.io/core/pkg/metadata"
)

// tombstoneMarker stands in for a tombstoned row's file_hash in the
// digest, since a tombstone row carries no file_hash of its own.
var tombstoneMarker = []byte("tombstone")

// Digest folds a RowStream's rows into the deterministic MD5 spec.md
// §4.5 describes: per row, the concatenation of key, a decimal rendering
// of timestamp, and the row's raw 16-byte file_hash (or tombstoneMarker
// for a tombstone row) — resolving §9's open question in favor of the
// raw binary digest over any string/hex rendering of file_hash.
func Digest(stream *metadata.RowStream) (count int, sum []byte, err error) {
	h := md5.New()
	for {
		row, ok, nerr := stream.Next()
		if nerr != nil {
			return 0, nil, nerr
		}
		if !ok {
			break
		}
		h.Write([]byte(row.Key))
		h.Write([]byte(strconv.FormatFloat(row.Timestamp, 'g', -1, 64)))
		if row.Tombstone {
			h.Write(tombstoneMarker)
		} else {
			h.Write(row.FileHash)
		}
	}
	return stream.Count(), h.Sum(nil), nil
}

// LocalDigest computes the consistency digest for collectionID directly
// against db, the shape every node's consistency-check handler returns.
func LocalDigest(db *metadata.DB, collectionID int64) (count int, sum []byte, err error) {
	stream, err := db.ConsistencyRowsForCollection(collectionID)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = stream.Close() }()
	return Digest(stream)
}
