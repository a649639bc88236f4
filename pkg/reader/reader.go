// Package reader implements the retrieve-side verbs of spec.md §4.3:
// retrieve-key-start/next, server-side per-client iterators, and
// re-hash-on-read integrity verification.
package reader

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash/adler32"
	"sync"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"clusterstore.io/core/pkg/metadata"
	"clusterstore.io/core/pkg/metrics"
	"clusterstore.io/core/pkg/valuefile"
	"clusterstore.io/core/pkg/wire"
)

// Error is the class for reader failures.
var Error = errs.Class("reader")

var mon = monkit.Package()

// RetrieveTimeout bounds how long a stale, unadvanced iterator survives
// before the reaper discards it, per spec.md §4.3.
const RetrieveTimeout = 30 * time.Minute

// iteratorKey identifies a server-side retrieve iterator by the triple
// spec.md §4.3 names: (client_tag, segment_unified_id, segment_num).
type iteratorKey struct {
	clientTag string
	unifiedID string
	segmentNum int
}

type iterator struct {
	segmentID  int64
	sequences  []metadata.Sequence
	next       int
	lastActive time.Time
}

// Service implements transport.Handler for retrieve-key-start/next.
type Service struct {
	log  *zap.Logger
	db   *metadata.DB
	repo *valuefile.Repository

	mu    sync.Mutex
	iters map[iteratorKey]*iterator
}

// NewService returns a reader Service backed by db and repo.
func NewService(log *zap.Logger, db *metadata.DB, repo *valuefile.Repository) *Service {
	return &Service{log: log, db: db, repo: repo, iters: map[iteratorKey]*iterator{}}
}

// Handle dispatches one decoded reader message and returns its reply.
func (s *Service) Handle(ctx context.Context, msg wire.Message) (_ *wire.Message, err error) {
	defer mon.Task()(&ctx)(&err)

	switch msg.Control.MessageType {
	case wire.VerbRetrieveKeyStart:
		return s.retrieveKeyStart(msg)
	case wire.VerbRetrieveKeyNext:
		return s.retrieveKeyNext(msg)
	default:
		return errorReply(msg, wire.ResultUnknownRequest, "unknown reader verb: "+msg.Control.MessageType), nil
	}
}

// ReapStaleIterators discards any iterator whose last advance is older
// than RetrieveTimeout. Callers schedule this periodically (pkg/scheduler)
// exactly as spec.md §4.3 requires.
func (s *Service) ReapStaleIterators(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	reaped := 0
	for k, it := range s.iters {
		if now.Sub(it.lastActive) > RetrieveTimeout {
			delete(s.iters, k)
			reaped++
		}
	}
	return reaped
}

func (s *Service) retrieveKeyStart(msg wire.Message) (*wire.Message, error) {
	c := msg.Control
	unifiedID := c.String("segment-unified-id")
	conjoinedPart := c.Int64("segment-conjoined-part")
	segmentNum := int(c.Int64("segment-num"))

	key := iteratorKey{clientTag: msg.Control.ClientTag, unifiedID: unifiedID, segmentNum: segmentNum}

	s.mu.Lock()
	if _, exists := s.iters[key]; exists {
		s.mu.Unlock()
		return errorReply(msg, wire.ResultInvalidDuplicate, "retrieve iterator already active"), nil
	}
	s.mu.Unlock()

	seg, err := s.db.FindFinalSegment(unifiedID, conjoinedPart, segmentNum)
	if err != nil {
		return errorReply(msg, wire.ResultError, err.Error()), nil
	}
	seqs, err := s.db.SequencesForSegment(seg.ID)
	if err != nil {
		return errorReply(msg, wire.ResultError, err.Error()), nil
	}
	if len(seqs) == 0 {
		return errorReply(msg, wire.ResultNoSequenceRows, "segment has no sequence rows"), nil
	}

	it := &iterator{segmentID: seg.ID, sequences: seqs, next: 1, lastActive: time.Now()}

	s.mu.Lock()
	s.iters[key] = it
	s.mu.Unlock()

	return s.deliver(msg, key, it, len(seqs))
}

func (s *Service) retrieveKeyNext(msg wire.Message) (*wire.Message, error) {
	c := msg.Control
	key := iteratorKey{
		clientTag:  msg.Control.ClientTag,
		unifiedID:  c.String("segment-unified-id"),
		segmentNum: int(c.Int64("segment-num")),
	}

	s.mu.Lock()
	it, ok := s.iters[key]
	s.mu.Unlock()
	if !ok {
		return errorReply(msg, wire.ResultUnknownRequest, "no active retrieve iterator"), nil
	}

	return s.deliver(msg, key, it, len(it.sequences))
}

// deliver sends the next sequence in it, re-hashing it off disk first,
// and discards the iterator once the last sequence has been sent.
func (s *Service) deliver(msg wire.Message, key iteratorKey, it *iterator, rowCount int) (*wire.Message, error) {
	if it.next > len(it.sequences) {
		s.discard(key)
		return errorReply(msg, wire.ResultUnknownRequest, "iterator already exhausted"), nil
	}
	sq := it.sequences[it.next-1]

	data, err := s.readSequence(sq)
	if err != nil {
		s.discard(key)
		return errorReply(msg, wire.ResultError, err.Error()), nil
	}

	sum := md5.Sum(data)
	if !bytesEqual(sum[:], sq.Hash) {
		s.discard(key)
		return errorReply(msg, wire.ResultMD5Mismatch, fmt.Sprintf("stored hash mismatch for sequence %d", sq.SequenceNum)), nil
	}
	if adler32.Checksum(data) != sq.Adler32 {
		s.discard(key)
		return errorReply(msg, wire.ResultMD5Mismatch, fmt.Sprintf("stored adler32 mismatch for sequence %d", sq.SequenceNum)), nil
	}

	completed := it.next == len(it.sequences)

	s.mu.Lock()
	it.next++
	it.lastActive = time.Now()
	if completed {
		delete(s.iters, key)
	}
	s.mu.Unlock()

	if completed {
		metrics.SegmentsRetrieved.Inc()
	}

	return &wire.Message{Control: wire.Control{
		MessageType: msg.Control.MessageType + "-reply",
		MessageID:   wire.NewMessageID(),
		ClientTag:   msg.Control.ClientTag,
		Result:      wire.ResultSuccess,
		Fields: map[string]interface{}{
			"sequence-row-count": rowCount,
			"sequence-num":       sq.SequenceNum,
			"segment-size":       sq.Size,
			"zfec-padding-size":  sq.ZfecPaddingSize,
			"segment-adler32":    sq.Adler32,
			"segment-md5-digest": hex.EncodeToString(sq.Hash),
			"completed":          completed,
		},
	}, Body: [][]byte{data}}, nil
}

func (s *Service) discard(key iteratorKey) {
	s.mu.Lock()
	delete(s.iters, key)
	s.mu.Unlock()
}

func (s *Service) readSequence(sq metadata.Sequence) ([]byte, error) {
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

func errorReply(msg wire.Message, result, errMsg string) *wire.Message {
	return &wire.Message{Control: wire.Control{
		MessageType: msg.Control.MessageType + "-reply",
		MessageID:   wire.NewMessageID(),
		ClientTag:   msg.Control.ClientTag,
		Result:      result,
		ErrorMsg:    errMsg,
	}}
}
