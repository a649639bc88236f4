// Package writer implements the archive-side verbs of spec.md §4.2: the
// four archive-key verbs, destroy-key, and the conjoined-archive
// lifecycle, backed by pkg/metadata and pkg/valuefile.
package writer

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"hash/adler32"
	"sync"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"clusterstore.io/core/pkg/eventlog"
	"clusterstore.io/core/pkg/metadata"
	"clusterstore.io/core/pkg/metrics"
	"clusterstore.io/core/pkg/valuefile"
	"clusterstore.io/core/pkg/wire"
)

// Error is the class for writer failures.
var Error = errs.Class("writer")

var mon = monkit.Package()

// Service implements transport.Handler for the writer verbs. It owns at
// most one open value file at a time, sealing it and opening a fresh one
// once the next append would exceed valuefile.SizeThreshold.
type Service struct {
	log    *zap.Logger
	db     *metadata.DB
	repo   *valuefile.Repository
	events eventlog.Sink
	nodeID string

	mu      sync.Mutex
	current *valuefile.File
}

// NewService returns a Service that records every archive under nodeID as
// its source-node-name when the request does not supply one.
func NewService(log *zap.Logger, db *metadata.DB, repo *valuefile.Repository, events eventlog.Sink, nodeID string) *Service {
	if events == nil {
		events = eventlog.Noop{}
	}
	return &Service{log: log, db: db, repo: repo, events: events, nodeID: nodeID}
}

// Close seals whatever value file is currently open, matching spec.md
// §5's teardown contract ("flushes any open value file").
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sealCurrentLocked()
}

// Handle dispatches one decoded writer message and returns its reply.
func (s *Service) Handle(ctx context.Context, msg wire.Message) (_ *wire.Message, err error) {
	defer mon.Task()(&ctx)(&err)

	switch msg.Control.MessageType {
	case wire.VerbArchiveKeyStart:
		return s.archiveKeyStart(msg)
	case wire.VerbArchiveKeyNext:
		return s.archiveKeyNext(msg)
	case wire.VerbArchiveKeyFinal:
		return s.archiveKeyFinal(msg)
	case wire.VerbArchiveKeyEntire:
		return s.archiveKeyEntire(msg)
	case wire.VerbDestroyKey:
		return s.destroyKey(msg)
	case wire.VerbStartConjoinedArchive:
		return s.startConjoined(msg)
	case wire.VerbAbortConjoinedArchive:
		return s.abortConjoined(msg)
	case wire.VerbFinishConjoinedArchive:
		return s.finishConjoined(msg)
	default:
		return errorReply(msg, wire.ResultUnknownRequest, "unknown writer verb: "+msg.Control.MessageType), nil
	}
}

func (s *Service) archiveKeyStart(msg wire.Message) (*wire.Message, error) {
	c := msg.Control
	collectionID := c.Int64("collection-id")
	segID, err := s.db.CreateSegment(metadata.Segment{
		CollectionID:  collectionID,
		Key:           c.String("key"),
		UnifiedID:     c.String("unified-id"),
		ConjoinedPart: c.Int64("conjoined-part"),
		Timestamp:     c.Float64("timestamp"),
		SegmentNum:    int(c.Int64("segment-num")),
		HandoffNodeID: optionalString(c.String("handoff-node-name")),
		SourceNodeID:  s.sourceNodeOf(c),
	})
	if err != nil {
		return errorReply(msg, wire.ResultError, err.Error()), nil
	}

	if err := s.appendSequence(segID, collectionID, int(c.Int64("sequence-num")), firstBody(msg.Body), c); err != nil {
		_ = s.db.CancelSegment(segID)
		s.events.Warn("archive-cancelled", "segment cancelled on write mismatch", zap.Int64("segment-id", segID))
		return errorReply(msg, wire.ResultMD5Mismatch, err.Error()), nil
	}
	return successReply(msg, map[string]interface{}{"segment-id": segID}), nil
}

func (s *Service) archiveKeyNext(msg wire.Message) (*wire.Message, error) {
	c := msg.Control
	seg, err := s.findActiveSegment(c)
	if err != nil {
		return errorReply(msg, wire.ResultError, err.Error()), nil
	}

	if err := s.checkSequenceContinuation(seg.ID, int(c.Int64("sequence-num"))); err != nil {
		return errorReply(msg, wire.ResultError, err.Error()), nil
	}
	if err := s.appendSequence(seg.ID, seg.CollectionID, int(c.Int64("sequence-num")), firstBody(msg.Body), c); err != nil {
		_ = s.db.CancelSegment(seg.ID)
		s.events.Warn("archive-cancelled", "segment cancelled on write mismatch", zap.Int64("segment-id", seg.ID))
		return errorReply(msg, wire.ResultMD5Mismatch, err.Error()), nil
	}
	return successReply(msg, map[string]interface{}{"segment-id": seg.ID}), nil
}

func (s *Service) archiveKeyFinal(msg wire.Message) (*wire.Message, error) {
	c := msg.Control
	seg, err := s.findActiveSegment(c)
	if err != nil {
		return errorReply(msg, wire.ResultError, err.Error()), nil
	}

	if err := s.checkSequenceContinuation(seg.ID, int(c.Int64("sequence-num"))); err != nil {
		return errorReply(msg, wire.ResultError, err.Error()), nil
	}
	if err := s.appendSequence(seg.ID, seg.CollectionID, int(c.Int64("sequence-num")), firstBody(msg.Body), c); err != nil {
		_ = s.db.CancelSegment(seg.ID)
		s.events.Warn("archive-cancelled", "segment cancelled on write mismatch", zap.Int64("segment-id", seg.ID))
		return errorReply(msg, wire.ResultMD5Mismatch, err.Error()), nil
	}
	return s.finalizeSegment(msg, seg.ID, c)
}

func (s *Service) archiveKeyEntire(msg wire.Message) (*wire.Message, error) {
	c := msg.Control
	collectionID := c.Int64("collection-id")
	segID, err := s.db.CreateSegment(metadata.Segment{
		CollectionID:  collectionID,
		Key:           c.String("key"),
		UnifiedID:     c.String("unified-id"),
		ConjoinedPart: c.Int64("conjoined-part"),
		Timestamp:     c.Float64("timestamp"),
		SegmentNum:    int(c.Int64("segment-num")),
		HandoffNodeID: optionalString(c.String("handoff-node-name")),
		SourceNodeID:  s.sourceNodeOf(c),
	})
	if err != nil {
		return errorReply(msg, wire.ResultError, err.Error()), nil
	}

	if err := s.appendSequence(segID, collectionID, int(c.Int64("sequence-num")), firstBody(msg.Body), c); err != nil {
		_ = s.db.CancelSegment(segID)
		s.events.Warn("archive-cancelled", "segment cancelled on write mismatch", zap.Int64("segment-id", segID))
		return errorReply(msg, wire.ResultMD5Mismatch, err.Error()), nil
	}
	return s.finalizeSegment(msg, segID, c)
}

// finalizeSegment recomputes the whole-object MD5/adler32/size by reading
// back every sequence in storage order (the same re-derive-from-disk
// approach the reader uses before replying) rather than trusting a
// client-declared digest, then promotes the segment to status=final.
func (s *Service) finalizeSegment(msg wire.Message, segID int64, c wire.Control) (*wire.Message, error) {
	size, adler, sum, err := s.recomputeObjectDigest(segID)
	if err != nil {
		return errorReply(msg, wire.ResultError, err.Error()), nil
	}

	if declared := c.String("file-hash"); declared != "" {
		if want, derr := hex.DecodeString(declared); derr != nil || !bytesEqual(want, sum) {
			_ = s.db.CancelSegment(segID)
			s.events.Warn("archive-cancelled", "whole-object digest mismatch", zap.Int64("segment-id", segID))
			return errorReply(msg, wire.ResultMD5Mismatch, "file-hash mismatch"), nil
		}
	}
	if c.Fields["file-size"] != nil && c.Int64("file-size") != size {
		_ = s.db.CancelSegment(segID)
		return errorReply(msg, wire.ResultMD5Mismatch, "file-size mismatch"), nil
	}
	if c.Fields["file-adler32"] != nil && uint32(c.Int64("file-adler32")) != adler {
		_ = s.db.CancelSegment(segID)
		return errorReply(msg, wire.ResultMD5Mismatch, "file-adler32 mismatch"), nil
	}

	if err := s.db.FinalizeSegment(segID, size, adler, sum); err != nil {
		return errorReply(msg, wire.ResultError, err.Error()), nil
	}
	metrics.SegmentsArchived.WithLabelValues(msg.Control.MessageType).Inc()
	return successReply(msg, map[string]interface{}{
		"segment-id":   segID,
		"file-size":    size,
		"file-adler32": adler,
		"file-hash":    hex.EncodeToString(sum),
	}), nil
}

func (s *Service) destroyKey(msg wire.Message) (*wire.Message, error) {
	c := msg.Control
	id, err := s.db.TombstoneSegment(
		c.Int64("collection-id"), c.String("key"), s.sourceNodeOf(c),
		c.Float64("timestamp"), c.String("unified-id-to-delete"),
	)
	if err != nil {
		return errorReply(msg, wire.ResultError, err.Error()), nil
	}
	return successReply(msg, map[string]interface{}{"segment-id": id}), nil
}

func (s *Service) startConjoined(msg wire.Message) (*wire.Message, error) {
	c := msg.Control
	err := s.db.StartConjoined(c.String("unified-id"), c.Int64("collection-id"), c.String("key"), c.Float64("timestamp"))
	if err != nil {
		return errorReply(msg, wire.ResultError, err.Error()), nil
	}
	return successReply(msg, nil), nil
}

func (s *Service) abortConjoined(msg wire.Message) (*wire.Message, error) {
	c := msg.Control
	err := s.db.AbortConjoined(c.String("unified-id"), c.Int64("collection-id"), c.String("key"), c.Float64("timestamp"))
	if err != nil {
		return errorReply(msg, wire.ResultError, err.Error()), nil
	}
	return successReply(msg, nil), nil
}

func (s *Service) finishConjoined(msg wire.Message) (*wire.Message, error) {
	c := msg.Control
	err := s.db.FinishConjoined(c.String("unified-id"), c.Int64("collection-id"), c.String("key"), c.Float64("timestamp"))
	if err != nil {
		return errorReply(msg, wire.ResultError, err.Error()), nil
	}
	return successReply(msg, nil), nil
}

func (s *Service) sourceNodeOf(c wire.Control) string {
	if name := c.String("source-node-name"); name != "" {
		return name
	}
	return s.nodeID
}

func (s *Service) findActiveSegment(c wire.Control) (metadata.Segment, error) {
	return s.db.FindActiveSegment(c.String("unified-id"), c.Int64("conjoined-part"), int(c.Int64("segment-num")))
}

// checkSequenceContinuation enforces the dense 1..K sequence-numbering
// invariant: archive-key-next/final must name exactly one past the
// highest sequence already recorded for the segment.
func (s *Service) checkSequenceContinuation(segID int64, seqNum int) error {
	maxSeq, err := s.db.MaxSequenceNum(segID)
	if err != nil {
		return Error.Wrap(err)
	}
	if seqNum != maxSeq+1 {
		return Error.New("sequence numbers skip: expected %d, got %d", maxSeq+1, seqNum)
	}
	return nil
}

// appendSequence durably appends data to the writer's currently owned
// value file, verifies any client-declared per-chunk digest against the
// server-computed one, and records the sequence row — in that order, so
// that a crash between the two still leaves the value file's dangling
// tail unreferenced rather than the index pointing at unwritten bytes.
func (s *Service) appendSequence(segID, collectionID int64, seqNum int, data []byte, c wire.Control) error {
	vf, err := s.ensureValueFile(int64(len(data)))
	if err != nil {
		return err
	}

	offset, sum, crc, err := vf.Append(data)
	if err != nil {
		return Error.Wrap(err)
	}

	if declared := c.String("segment-md5-digest"); declared != "" {
		want, derr := hex.DecodeString(declared)
		if derr != nil || !bytesEqual(want, sum[:]) {
			return Error.New("segment digest mismatch")
		}
	}
	if c.Fields["segment-adler32"] != nil && uint32(c.Int64("segment-adler32")) != crc {
		return Error.New("segment adler32 mismatch")
	}

	if _, err := s.db.AppendSequence(metadata.Sequence{
		SegmentID:       segID,
		SequenceNum:     seqNum,
		ValueFileID:     vf.ID,
		Offset:          offset,
		Size:            int64(len(data)),
		Hash:            sum[:],
		Adler32:         crc,
		ZfecPaddingSize: c.Int64("zfec-padding-size"),
	}); err != nil {
		return Error.Wrap(err)
	}

	return Error.Wrap(s.db.RecordAppend(vf.ID, int64(len(data)), vf.RollingHash(), segID, collectionID))
}

// recomputeObjectDigest reads back every sequence belonging to segID, in
// storage order, and returns the whole-object size/adler32/MD5 the same
// way the reader re-derives its own per-sequence digests: from the bytes
// actually on disk, not from anything the client or an in-memory
// accumulator claimed along the way.
func (s *Service) recomputeObjectDigest(segID int64) (size int64, adler uint32, sum []byte, err error) {
	seqs, err := s.db.SequencesForSegment(segID)
	if err != nil {
		return 0, 0, nil, Error.Wrap(err)
	}

	h := md5.New()
	a := adler32.New()
	var total int64
	for _, sq := range seqs {
		data, err := s.readSequenceBytes(sq)
		if err != nil {
			return 0, 0, nil, err
		}
		_, _ = h.Write(data)
		_, _ = a.Write(data)
		total += int64(len(data))
	}
	return total, a.Sum32(), h.Sum(nil), nil
}

func (s *Service) readSequenceBytes(sq metadata.Sequence) ([]byte, error) {
	f, err := s.repo.OpenRead(sq.ValueFileID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, sq.Size)
	if _, err := f.ReadAt(buf, sq.Offset); err != nil {
		return nil, Error.Wrap(err)
	}
	return buf, nil
}

// ensureValueFile returns the currently open value file, sealing it and
// opening a fresh one first if appending needed more bytes would exceed
// valuefile.SizeThreshold.
func (s *Service) ensureValueFile(needed int64) (*valuefile.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil && s.current.WouldExceedThreshold(needed) {
		if err := s.sealCurrentLocked(); err != nil {
			return nil, err
		}
	}
	if s.current == nil {
		id, err := s.db.CreateValueFile()
		if err != nil {
			return nil, Error.Wrap(err)
		}
		f, err := s.repo.Create(id)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		s.current = f
	}
	return s.current, nil
}

func (s *Service) sealCurrentLocked() error {
	if s.current == nil {
		return nil
	}
	vf := s.current
	if err := s.db.SealValueFile(vf.ID, float64(time.Now().UnixNano())/1e9); err != nil {
		return Error.Wrap(err)
	}
	if err := vf.Close(); err != nil {
		return Error.Wrap(err)
	}
	s.current = nil
	return nil
}

func optionalString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func firstBody(body [][]byte) []byte {
	if len(body) == 0 {
		return nil
	}
	return body[0]
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func successReply(msg wire.Message, fields map[string]interface{}) *wire.Message {
	return &wire.Message{Control: wire.Control{
		MessageType: msg.Control.MessageType + "-reply",
		MessageID:   wire.NewMessageID(),
		ClientTag:   msg.Control.ClientTag,
		Result:      wire.ResultSuccess,
		Fields:      fields,
	}}
}

func errorReply(msg wire.Message, result, errMsg string) *wire.Message {
	return &wire.Message{Control: wire.Control{
		MessageType: msg.Control.MessageType + "-reply",
		MessageID:   wire.NewMessageID(),
		ClientTag:   msg.Control.ClientTag,
		Result:      result,
		ErrorMsg:    errMsg,
	}}
}
