// Copyright (C) 2026 Clusterstore authors.
// See LICENSE for copying information.

package writer_test

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"hash/adler32"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"clusterstore.io/core/pkg/eventlog"
	"clusterstore.io/core/pkg/metadata"
	"clusterstore.io/core/pkg/valuefile"
	"clusterstore.io/core/pkg/wire"
	"clusterstore.io/core/pkg/writer"
)

func newService(t *testing.T) (*writer.Service, *metadata.DB, *valuefile.Repository) {
	t.Helper()
	log := zaptest.NewLogger(t)

	db, err := metadata.OpenInMemory(log)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	repo := valuefile.NewRepository(t.TempDir())
	svc := writer.NewService(log, db, repo, eventlog.Noop{}, "node-a")
	return svc, db, repo
}

func digestFields(data []byte) (string, int64) {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:]), int64(adler32.Checksum(data))
}

func TestArchiveKeyEntireRoundTrip(t *testing.T) {
	svc, db, repo := newService(t)
	data := []byte("the quick brown fox jumps over the lazy dog")
	digest, adler := digestFields(data)
	fileDigest, fileAdler := digestFields(data)

	msg := wire.Message{
		Control: wire.Control{
			MessageType: wire.VerbArchiveKeyEntire,
			MessageID:   wire.NewMessageID(),
			ClientTag:   "client-1",
			Fields: map[string]interface{}{
				"collection-id":      int64(1),
				"key":                "some/key",
				"unified-id":         "unified-1",
				"conjoined-part":     int64(0),
				"timestamp":          float64(1000),
				"segment-num":        int64(1),
				"sequence-num":       int64(1),
				"segment-md5-digest": digest,
				"segment-adler32":    adler,
				"zfec-padding-size":  int64(0),
				"file-hash":          fileDigest,
				"file-adler32":       fileAdler,
				"file-size":          int64(len(data)),
			},
		},
		Body: [][]byte{data},
	}

	reply, err := svc.Handle(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, wire.ResultSuccess, reply.Control.Result)

	segID := reply.Control.Int64("segment-id")
	seg, err := db.SegmentByID(segID)
	require.NoError(t, err)
	require.Equal(t, metadata.StatusFinal, seg.Status)
	require.Equal(t, int64(len(data)), seg.FileSize.Int64)

	sum := md5.Sum(data)
	require.Equal(t, sum[:], seg.FileHash)

	seqs, err := db.SequencesForSegment(segID)
	require.NoError(t, err)
	require.Len(t, seqs, 1)

	f, err := repo.OpenRead(seqs[0].ValueFileID)
	require.NoError(t, err)
	defer func() { require.NoError(t, f.Close()) }()
	buf := make([]byte, seqs[0].Size)
	_, err = f.ReadAt(buf, seqs[0].Offset)
	require.NoError(t, err)
	require.Equal(t, data, buf)
}

func TestArchiveKeySegmentedRoundTrip(t *testing.T) {
	svc, db, _ := newService(t)
	chunks := [][]byte{[]byte("alpha-"), []byte("bravo-"), []byte("charlie")}

	start := chunks[0]
	digest, adler := digestFields(start)
	startMsg := wire.Message{Control: wire.Control{
		MessageType: wire.VerbArchiveKeyStart,
		MessageID:   wire.NewMessageID(),
		Fields: map[string]interface{}{
			"collection-id":      int64(7),
			"key":                "big/object",
			"unified-id":         "unified-2",
			"conjoined-part":     int64(0),
			"timestamp":          float64(2000),
			"segment-num":        int64(1),
			"sequence-num":       int64(1),
			"segment-md5-digest": digest,
			"segment-adler32":    adler,
		},
	}, Body: [][]byte{start}}

	reply, err := svc.Handle(context.Background(), startMsg)
	require.NoError(t, err)
	require.Equal(t, wire.ResultSuccess, reply.Control.Result)
	segID := reply.Control.Int64("segment-id")

	next := chunks[1]
	digest, adler = digestFields(next)
	nextMsg := wire.Message{Control: wire.Control{
		MessageType: wire.VerbArchiveKeyNext,
		MessageID:   wire.NewMessageID(),
		Fields: map[string]interface{}{
			"unified-id":         "unified-2",
			"conjoined-part":     int64(0),
			"segment-num":        int64(1),
			"sequence-num":       int64(2),
			"segment-md5-digest": digest,
			"segment-adler32":    adler,
		},
	}, Body: [][]byte{next}}

	reply, err = svc.Handle(context.Background(), nextMsg)
	require.NoError(t, err)
	require.Equal(t, wire.ResultSuccess, reply.Control.Result)

	last := chunks[2]
	digest, adler = digestFields(last)
	whole := append(append(append([]byte{}, chunks[0]...), chunks[1]...), chunks[2]...)
	fileDigest, fileAdler := digestFields(whole)
	finalMsg := wire.Message{Control: wire.Control{
		MessageType: wire.VerbArchiveKeyFinal,
		MessageID:   wire.NewMessageID(),
		Fields: map[string]interface{}{
			"unified-id":         "unified-2",
			"conjoined-part":     int64(0),
			"segment-num":        int64(1),
			"sequence-num":       int64(3),
			"segment-md5-digest": digest,
			"segment-adler32":    adler,
			"file-hash":          fileDigest,
			"file-adler32":       fileAdler,
			"file-size":          int64(len(whole)),
		},
	}, Body: [][]byte{last}}

	reply, err = svc.Handle(context.Background(), finalMsg)
	require.NoError(t, err)
	require.Equal(t, wire.ResultSuccess, reply.Control.Result, reply.Control.ErrorMsg)
	require.Equal(t, int64(len(whole)), reply.Control.Int64("file-size"))

	seg, err := db.SegmentByID(segID)
	require.NoError(t, err)
	require.Equal(t, metadata.StatusFinal, seg.Status)
	require.Equal(t, int64(len(whole)), seg.FileSize.Int64)
}

func TestArchiveKeyNextRejectsSequenceGap(t *testing.T) {
	svc, _, _ := newService(t)
	data := []byte("payload")
	digest, adler := digestFields(data)
	startMsg := wire.Message{Control: wire.Control{
		MessageType: wire.VerbArchiveKeyStart,
		MessageID:   wire.NewMessageID(),
		Fields: map[string]interface{}{
			"collection-id":      int64(1),
			"key":                "k",
			"unified-id":         "unified-3",
			"conjoined-part":     int64(0),
			"timestamp":          float64(1),
			"segment-num":        int64(1),
			"sequence-num":       int64(1),
			"segment-md5-digest": digest,
			"segment-adler32":    adler,
		},
	}, Body: [][]byte{data}}
	reply, err := svc.Handle(context.Background(), startMsg)
	require.NoError(t, err)
	require.Equal(t, wire.ResultSuccess, reply.Control.Result)

	// Skip straight to sequence 3, leaving a gap at 2.
	digest, adler = digestFields(data)
	skipMsg := wire.Message{Control: wire.Control{
		MessageType: wire.VerbArchiveKeyNext,
		MessageID:   wire.NewMessageID(),
		Fields: map[string]interface{}{
			"unified-id":         "unified-3",
			"conjoined-part":     int64(0),
			"segment-num":        int64(1),
			"sequence-num":       int64(3),
			"segment-md5-digest": digest,
			"segment-adler32":    adler,
		},
	}, Body: [][]byte{data}}

	reply, err = svc.Handle(context.Background(), skipMsg)
	require.NoError(t, err)
	require.Equal(t, wire.ResultError, reply.Control.Result)
}

func TestArchiveKeyMismatchCancelsSegment(t *testing.T) {
	svc, db, _ := newService(t)
	data := []byte("payload")

	msg := wire.Message{Control: wire.Control{
		MessageType: wire.VerbArchiveKeyEntire,
		MessageID:   wire.NewMessageID(),
		Fields: map[string]interface{}{
			"collection-id":      int64(1),
			"key":                "k",
			"unified-id":         "unified-4",
			"conjoined-part":     int64(0),
			"timestamp":          float64(1),
			"segment-num":        int64(1),
			"sequence-num":       int64(1),
			"segment-md5-digest": hex.EncodeToString(md5.New().Sum(nil)), // wrong on purpose
			"segment-adler32":    int64(0),
		},
	}, Body: [][]byte{data}}

	reply, err := svc.Handle(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, wire.ResultMD5Mismatch, reply.Control.Result)

	segs, err := db.CurrentStatusOfKey(1, "k")
	require.NoError(t, err)
	require.Len(t, segs, 0) // cancelled rows are excluded from current status
}

func TestDestroyKeyTombstones(t *testing.T) {
	svc, db, _ := newService(t)
	data := []byte("payload")
	digest, adler := digestFields(data)
	msg := wire.Message{Control: wire.Control{
		MessageType: wire.VerbArchiveKeyEntire,
		MessageID:   wire.NewMessageID(),
		Fields: map[string]interface{}{
			"collection-id":      int64(1),
			"key":                "k",
			"unified-id":         "unified-5",
			"conjoined-part":     int64(0),
			"timestamp":          float64(100),
			"segment-num":        int64(1),
			"sequence-num":       int64(1),
			"segment-md5-digest": digest,
			"segment-adler32":    adler,
			"file-hash":          digest,
			"file-adler32":       adler,
			"file-size":          int64(len(data)),
		},
	}, Body: [][]byte{data}}
	_, err := svc.Handle(context.Background(), msg)
	require.NoError(t, err)

	destroy := wire.Message{Control: wire.Control{
		MessageType: wire.VerbDestroyKey,
		MessageID:   wire.NewMessageID(),
		Fields: map[string]interface{}{
			"collection-id": int64(1),
			"key":           "k",
			"timestamp":     float64(200),
		},
	}}
	reply, err := svc.Handle(context.Background(), destroy)
	require.NoError(t, err)
	require.Equal(t, wire.ResultSuccess, reply.Control.Result)

	_, err = db.MostRecentTimestampForKey(1, "k")
	require.Error(t, err)
}
