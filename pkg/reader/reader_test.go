// Copyright (C) 2026 Clusterstore authors.
// See LICENSE for copying information.

package reader_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"clusterstore.io/core/pkg/eventlog"
	"clusterstore.io/core/pkg/metadata"
	"clusterstore.io/core/pkg/reader"
	"clusterstore.io/core/pkg/valuefile"
	"clusterstore.io/core/pkg/wire"
	"clusterstore.io/core/pkg/writer"
)

func archiveEntire(t *testing.T, w *writer.Service, unifiedID, key string, data []byte) int64 {
	t.Helper()
	msg := wire.Message{Control: wire.Control{
		MessageType: wire.VerbArchiveKeyEntire,
		MessageID:   wire.NewMessageID(),
		Fields: map[string]interface{}{
			"collection-id": int64(1),
			"key":           key,
			"unified-id":    unifiedID,
			"conjoined-part": int64(0),
			"timestamp":     float64(1),
			"segment-num":   int64(1),
			"sequence-num":  int64(1),
		},
	}, Body: [][]byte{data}}
	reply, err := w.Handle(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, wire.ResultSuccess, reply.Control.Result)
	return reply.Control.Int64("segment-id")
}

func TestRetrieveKeyStartRoundTrip(t *testing.T) {
	log := zaptest.NewLogger(t)
	db, err := metadata.OpenInMemory(log)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	repo := valuefile.NewRepository(t.TempDir())

	w := writer.NewService(log, db, repo, eventlog.Noop{}, "node-a")
	data := []byte("hello, object storage")
	archiveEntire(t, w, "unified-10", "k", data)

	r := reader.NewService(log, db, repo)
	msg := wire.Message{Control: wire.Control{
		MessageType: wire.VerbRetrieveKeyStart,
		MessageID:   wire.NewMessageID(),
		ClientTag:   "client-1",
		Fields: map[string]interface{}{
			"segment-unified-id":     "unified-10",
			"segment-conjoined-part": int64(0),
			"segment-num":            int64(1),
		},
	}}

	reply, err := r.Handle(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, wire.ResultSuccess, reply.Control.Result)
	require.Equal(t, int64(1), reply.Control.Int64("sequence-num"))
	require.True(t, reply.Control.Bool("completed"))
	require.Equal(t, data, reply.Body[0])
}

func TestRetrieveKeySegmentedIteratesInOrder(t *testing.T) {
	log := zaptest.NewLogger(t)
	db, err := metadata.OpenInMemory(log)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	repo := valuefile.NewRepository(t.TempDir())

	w := writer.NewService(log, db, repo, eventlog.Noop{}, "node-a")
	chunks := [][]byte{[]byte("one-"), []byte("two-"), []byte("three")}

	startMsg := wire.Message{Control: wire.Control{
		MessageType: wire.VerbArchiveKeyStart,
		MessageID:   wire.NewMessageID(),
		Fields: map[string]interface{}{
			"collection-id":  int64(1),
			"key":            "seg",
			"unified-id":     "unified-11",
			"conjoined-part": int64(0),
			"timestamp":      float64(1),
			"segment-num":    int64(1),
			"sequence-num":   int64(1),
		},
	}, Body: [][]byte{chunks[0]}}
	_, err = w.Handle(context.Background(), startMsg)
	require.NoError(t, err)

	nextMsg := wire.Message{Control: wire.Control{
		MessageType: wire.VerbArchiveKeyNext,
		MessageID:   wire.NewMessageID(),
		Fields: map[string]interface{}{
			"unified-id":     "unified-11",
			"conjoined-part": int64(0),
			"segment-num":    int64(1),
			"sequence-num":   int64(2),
		},
	}, Body: [][]byte{chunks[1]}}
	_, err = w.Handle(context.Background(), nextMsg)
	require.NoError(t, err)

	finalMsg := wire.Message{Control: wire.Control{
		MessageType: wire.VerbArchiveKeyFinal,
		MessageID:   wire.NewMessageID(),
		Fields: map[string]interface{}{
			"unified-id":     "unified-11",
			"conjoined-part": int64(0),
			"segment-num":    int64(1),
			"sequence-num":   int64(3),
		},
	}, Body: [][]byte{chunks[2]}}
	reply, err := w.Handle(context.Background(), finalMsg)
	require.NoError(t, err)
	require.Equal(t, wire.ResultSuccess, reply.Control.Result)

	r := reader.NewService(log, db, repo)
	start := wire.Message{Control: wire.Control{
		MessageType: wire.VerbRetrieveKeyStart,
		MessageID:   wire.NewMessageID(),
		ClientTag:   "client-2",
		Fields: map[string]interface{}{
			"segment-unified-id":     "unified-11",
			"segment-conjoined-part": int64(0),
			"segment-num":            int64(1),
		},
	}}
	reply, err = r.Handle(context.Background(), start)
	require.NoError(t, err)
	require.Equal(t, wire.ResultSuccess, reply.Control.Result)
	require.Equal(t, 3, int(reply.Control.Int64("sequence-row-count")))
	require.False(t, reply.Control.Bool("completed"))
	require.Equal(t, chunks[0], reply.Body[0])

	var got []byte
	got = append(got, reply.Body[0]...)
	for i := 0; i < 2; i++ {
		next := wire.Message{Control: wire.Control{
			MessageType: wire.VerbRetrieveKeyNext,
			MessageID:   wire.NewMessageID(),
			ClientTag:   "client-2",
			Fields: map[string]interface{}{
				"segment-unified-id": "unified-11",
				"segment-num":        int64(1),
			},
		}}
		reply, err = r.Handle(context.Background(), next)
		require.NoError(t, err)
		require.Equal(t, wire.ResultSuccess, reply.Control.Result)
		got = append(got, reply.Body[0]...)
	}
	require.True(t, reply.Control.Bool("completed"))
	require.Equal(t, []byte("one-two-three"), got)
}

func TestRetrieveKeyStartRejectsDuplicate(t *testing.T) {
	log := zaptest.NewLogger(t)
	db, err := metadata.OpenInMemory(log)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	repo := valuefile.NewRepository(t.TempDir())

	w := writer.NewService(log, db, repo, eventlog.Noop{}, "node-a")
	// a two-sequence segment, so the iterator the first start opens is
	// still active (not yet completed) when the second start arrives.
	for i, verb := range []string{wire.VerbArchiveKeyStart, wire.VerbArchiveKeyFinal} {
		fields := map[string]interface{}{
			"unified-id":     "unified-12",
			"conjoined-part": int64(0),
			"segment-num":    int64(1),
			"sequence-num":   int64(i + 1),
		}
		if i == 0 {
			fields["collection-id"] = int64(1)
			fields["key"] = "k"
			fields["timestamp"] = float64(1)
		}
		reply, err := w.Handle(context.Background(), wire.Message{Control: wire.Control{
			MessageType: verb, MessageID: wire.NewMessageID(), Fields: fields,
		}, Body: [][]byte{[]byte("a")}})
		require.NoError(t, err)
		require.Equal(t, wire.ResultSuccess, reply.Control.Result)
	}
	archiveEntire(t, w, "unified-13", "k2", []byte("bbbb")) // second segment, distinct key, unused here

	r := reader.NewService(log, db, repo)
	msg := wire.Message{Control: wire.Control{
		MessageType: wire.VerbRetrieveKeyStart,
		MessageID:   wire.NewMessageID(),
		ClientTag:   "client-3",
		Fields: map[string]interface{}{
			"segment-unified-id":     "unified-12",
			"segment-conjoined-part": int64(0),
			"segment-num":            int64(1),
		},
	}}

	_, err = r.Handle(context.Background(), msg)
	require.NoError(t, err)

	reply, err := r.Handle(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, wire.ResultInvalidDuplicate, reply.Control.Result)
}

func TestRetrieveKeyNextUnknownIterator(t *testing.T) {
	log := zaptest.NewLogger(t)
	db, err := metadata.OpenInMemory(log)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	repo := valuefile.NewRepository(t.TempDir())

	r := reader.NewService(log, db, repo)
	msg := wire.Message{Control: wire.Control{
		MessageType: wire.VerbRetrieveKeyNext,
		MessageID:   wire.NewMessageID(),
		ClientTag:   "ghost",
		Fields: map[string]interface{}{
			"segment-unified-id": "no-such-unified-id",
			"segment-num":        int64(1),
		},
	}}
	reply, err := r.Handle(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, wire.ResultUnknownRequest, reply.Control.Result)
}

func TestReapStaleIterators(t *testing.T) {
	log := zaptest.NewLogger(t)
	db, err := metadata.OpenInMemory(log)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	repo := valuefile.NewRepository(t.TempDir())

	w := writer.NewService(log, db, repo, eventlog.Noop{}, "node-a")
	chunks := [][]byte{[]byte("a"), []byte("b")}
	startMsg := wire.Message{Control: wire.Control{
		MessageType: wire.VerbArchiveKeyStart,
		MessageID:   wire.NewMessageID(),
		Fields: map[string]interface{}{
			"collection-id":  int64(1),
			"key":            "stale",
			"unified-id":     "unified-14",
			"conjoined-part": int64(0),
			"timestamp":      float64(1),
			"segment-num":    int64(1),
			"sequence-num":   int64(1),
		},
	}, Body: [][]byte{chunks[0]}}
	_, err = w.Handle(context.Background(), startMsg)
	require.NoError(t, err)
	finalMsg := wire.Message{Control: wire.Control{
		MessageType: wire.VerbArchiveKeyFinal,
		MessageID:   wire.NewMessageID(),
		Fields: map[string]interface{}{
			"unified-id":     "unified-14",
			"conjoined-part": int64(0),
			"segment-num":    int64(1),
			"sequence-num":   int64(2),
		},
	}, Body: [][]byte{chunks[1]}}
	_, err = w.Handle(context.Background(), finalMsg)
	require.NoError(t, err)

	r := reader.NewService(log, db, repo)
	start := wire.Message{Control: wire.Control{
		MessageType: wire.VerbRetrieveKeyStart,
		MessageID:   wire.NewMessageID(),
		ClientTag:   "client-4",
		Fields: map[string]interface{}{
			"segment-unified-id":     "unified-14",
			"segment-conjoined-part": int64(0),
			"segment-num":            int64(1),
		},
	}}
	_, err = r.Handle(context.Background(), start)
	require.NoError(t, err)

	require.Equal(t, 0, r.ReapStaleIterators(time.Now()))
	require.Equal(t, 1, r.ReapStaleIterators(time.Now().Add(reader.RetrieveTimeout+time.Minute)))

	next := wire.Message{Control: wire.Control{
		MessageType: wire.VerbRetrieveKeyNext,
		MessageID:   wire.NewMessageID(),
		ClientTag:   "client-4",
		Fields: map[string]interface{}{
			"segment-unified-id": "unified-14",
			"segment-num":        int64(1),
		},
	}}
	reply, err := r.Handle(context.Background(), next)
	require.NoError(t, err)
	require.Equal(t, wire.ResultUnknownRequest, reply.Control.Result)
}
