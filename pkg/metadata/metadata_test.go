// Copyright (C) 2026 Clusterstore authors.
// See LICENSE for copying information.

package metadata_test

import (
	"crypto/md5"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"clusterstore.io/core/pkg/metadata"
)

func openDB(t *testing.T) *metadata.DB {
	log := zaptest.NewLogger(t)
	db, err := metadata.Open(log, filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	return db
}

func TestArchiveFinalizeAndListKeys(t *testing.T) {
	db := openDB(t)

	id, err := db.CreateSegment(metadata.Segment{
		CollectionID: 1001, Key: "aaa/bbb/ccc", UnifiedID: "u1", SegmentNum: 42, Timestamp: 100, SourceNodeID: "node-a",
	})
	require.NoError(t, err)

	sum := md5.Sum([]byte("random bytes"))
	_, err = db.AppendSequence(metadata.Sequence{SegmentID: id, SequenceNum: 1, ValueFileID: 9, Offset: 0, Size: 1024, Hash: sum[:]})
	require.NoError(t, err)

	require.NoError(t, db.FinalizeSegment(id, 1024, 12345, sum[:]))

	keys, _, truncated, err := db.ListKeys(1001, "aaa/", "", "", 10)
	require.NoError(t, err)
	require.False(t, truncated)
	require.Len(t, keys, 1)
	require.Equal(t, "aaa/bbb/ccc", keys[0].Key)
	require.Equal(t, float64(100), keys[0].Timestamp)

	count, err := db.SequenceRowCount(id)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestTombstoneDominance(t *testing.T) {
	db := openDB(t)

	id, err := db.CreateSegment(metadata.Segment{
		CollectionID: 1, Key: "k1", UnifiedID: "u1", SegmentNum: 1, Timestamp: 10, SourceNodeID: "node-a",
	})
	require.NoError(t, err)
	_, err = db.AppendSequence(metadata.Sequence{SegmentID: id, SequenceNum: 1, ValueFileID: 1, Size: 5, Hash: []byte("0123456789012345")})
	require.NoError(t, err)
	require.NoError(t, db.FinalizeSegment(id, 5, 1, []byte("0123456789012345")))

	_, err = db.TombstoneSegment(1, "k1", "node-a", 20, "")
	require.NoError(t, err)

	keys, _, _, err := db.ListKeys(1, "", "", "", 10)
	require.NoError(t, err)
	require.Empty(t, keys)

	_, err = db.MostRecentTimestampForKey(1, "k1")
	require.Error(t, err)
}

func TestSequenceGapEnforcementSurface(t *testing.T) {
	db := openDB(t)

	id, err := db.CreateSegment(metadata.Segment{CollectionID: 1, Key: "k", UnifiedID: "u", SegmentNum: 1, Timestamp: 1, SourceNodeID: "n"})
	require.NoError(t, err)

	max, err := db.MaxSequenceNum(id)
	require.NoError(t, err)
	require.Equal(t, 0, max)

	_, err = db.AppendSequence(metadata.Sequence{SegmentID: id, SequenceNum: 1, ValueFileID: 1, Size: 1, Hash: []byte("x")})
	require.NoError(t, err)

	max, err = db.MaxSequenceNum(id)
	require.NoError(t, err)
	require.Equal(t, 1, max)
}

func TestConsistencyRowsForCollection(t *testing.T) {
	db := openDB(t)

	for i, key := range []string{"b", "a", "c"} {
		id, err := db.CreateSegment(metadata.Segment{CollectionID: 7, Key: key, UnifiedID: "u", SegmentNum: 1, Timestamp: float64(i)})
		require.NoError(t, err)
		require.NoError(t, db.FinalizeSegment(id, 1, 1, []byte("hash")))
	}

	stream, err := db.ConsistencyRowsForCollection(7)
	require.NoError(t, err)
	defer func() { require.NoError(t, stream.Close()) }()

	require.Equal(t, 3, stream.Count())

	var keysInOrder []string
	for {
		row, ok, err := stream.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		keysInOrder = append(keysInOrder, row.Key)
	}
	require.Equal(t, []string{"a", "b", "c"}, keysInOrder)
}

func TestAuditRecordLifecycle(t *testing.T) {
	db := openDB(t)

	rowID, err := db.CreateAuditRecord(1, 100)
	require.NoError(t, err)

	rec, err := db.AuditRecordByID(rowID)
	require.NoError(t, err)
	require.Equal(t, metadata.AuditInProgress, rec.State)

	require.NoError(t, db.TransitionAuditRecord(rowID, metadata.AuditSuccessful, 101))
	rec, err = db.AuditRecordByID(rowID)
	require.NoError(t, err)
	require.Equal(t, metadata.AuditSuccessful, rec.State)
	require.True(t, rec.EndTimestamp.Valid)
}
