// Package handoff implements spec.md §4.4: the explicit forwarder state
// machine that re-archives a segment held on behalf of an unreachable
// node once that node comes back, and the per-node handoff server that
// answers "what have you stored for me" sweeps and purge-handoff.
package handoff

import (
	"context"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"clusterstore.io/core/pkg/metadata"
)

// Error is the class for handoff failures.
var Error = errs.Class("handoff")

// state is the forwarder's position in the FSM spec.md §9 asks to be
// implemented explicitly rather than as a suspended coroutine.
type state int

const (
	stateStart state = iota
	stateAwaitRetrieve
	stateAwaitArchive
	stateDone
)

// RetrieveReply is the subset of a retrieve-key-{start,next} reply the
// forwarder acts on.
type RetrieveReply struct {
	SequenceRowCount int
	SequenceNum      int
	Completed        bool
	Data             []byte
}

// RetrieveClient is the forwarder's reader-client side: a conversation
// with B, the node currently holding the segment.
type RetrieveClient interface {
	RetrieveStart(ctx context.Context, unifiedID string, conjoinedPart int64, segmentNum int) (RetrieveReply, error)
	RetrieveNext(ctx context.Context, unifiedID string, segmentNum int) (RetrieveReply, error)
}

// ArchiveRequest carries the fields every archive verb names, per
// spec.md §4.2. SourceNodeName is always the segment's *original*
// source (segment_row.source_node_id), never B.
type ArchiveRequest struct {
	CollectionID   int64
	Key            string
	UnifiedID      string
	ConjoinedPart  int64
	Timestamp      float64
	SegmentNum     int
	SequenceNum    int
	SourceNodeName string
	FileSize       int64
	FileAdler32    uint32
	FileHash       []byte
}

// ArchiveAck is the subset of an archive-key-* reply the forwarder acts
// on: whether the home node accepted this chunk.
type ArchiveAck struct {
	Success bool
	Message string
}

// ArchiveClient is the forwarder's writer-client side: a conversation
// with A, the local (now reachable) home node.
type ArchiveClient interface {
	ArchiveEntire(ctx context.Context, req ArchiveRequest, data []byte) (ArchiveAck, error)
	ArchiveStart(ctx context.Context, req ArchiveRequest, data []byte) (ArchiveAck, error)
	ArchiveNext(ctx context.Context, req ArchiveRequest, data []byte) (ArchiveAck, error)
	ArchiveFinal(ctx context.Context, req ArchiveRequest, data []byte) (ArchiveAck, error)
}

// Forwarder drives one segment's handoff conversation to completion or
// abort. It holds no persistent state across calls to Run — a crash or
// abort simply leaves the segment on B to be retried on the next sweep.
type Forwarder struct {
	log      *zap.Logger
	retrieve RetrieveClient
	archive  ArchiveClient
}

// NewForwarder returns a Forwarder driving retrieve over retrieve and
// re-archive over archive.
func NewForwarder(log *zap.Logger, retrieve RetrieveClient, archive ArchiveClient) *Forwarder {
	return &Forwarder{log: log, retrieve: retrieve, archive: archive}
}

// Run executes start → retrieve(1) → archive(start|entire, 1) →
// {retrieve(n) → archive(next|final, n)}* → done for one segment. It
// returns ready=true once every chunk has been re-archived successfully
// — the driver's cue to issue purge-handoff against B.
func (f *Forwarder) Run(ctx context.Context, seg metadata.Segment) (ready bool, err error) {
	defer mon.Task()(&ctx)(&err)

	req := ArchiveRequest{
		CollectionID:   seg.CollectionID,
		Key:            seg.Key,
		UnifiedID:      seg.UnifiedID,
		ConjoinedPart:  seg.ConjoinedPart,
		Timestamp:      seg.Timestamp,
		SegmentNum:     seg.SegmentNum,
		SourceNodeName: seg.SourceNodeID,
		FileSize:       seg.FileSize.Int64,
		FileAdler32:    uint32(seg.FileAdler32.Int64),
		FileHash:       seg.FileHash,
	}

	f.transition(seg.UnifiedID, stateAwaitRetrieve)
	reply, err := f.retrieve.RetrieveStart(ctx, seg.UnifiedID, seg.ConjoinedPart, seg.SegmentNum)
	if err != nil {
		return false, Error.Wrap(err)
	}

	f.transition(seg.UnifiedID, stateAwaitArchive)
	req.SequenceNum = reply.SequenceNum
	if reply.Completed {
		ack, err := f.archive.ArchiveEntire(ctx, req, reply.Data)
		if err != nil {
			return false, Error.Wrap(err)
		}
		if !ack.Success {
			return false, Error.New("archive-key-entire rejected: %s", ack.Message)
		}
		f.transition(seg.UnifiedID, stateDone)
		return true, nil
	}

	ack, err := f.archive.ArchiveStart(ctx, req, reply.Data)
	if err != nil {
		return false, Error.Wrap(err)
	}
	if !ack.Success {
		return false, Error.New("archive-key-start rejected: %s", ack.Message)
	}

	for !reply.Completed {
		f.transition(seg.UnifiedID, stateAwaitRetrieve)
		reply, err = f.retrieve.RetrieveNext(ctx, seg.UnifiedID, seg.SegmentNum)
		if err != nil {
			return false, Error.Wrap(err)
		}

		f.transition(seg.UnifiedID, stateAwaitArchive)
		req.SequenceNum = reply.SequenceNum
		if reply.Completed {
			ack, err = f.archive.ArchiveFinal(ctx, req, reply.Data)
		} else {
			ack, err = f.archive.ArchiveNext(ctx, req, reply.Data)
		}
		if err != nil {
			return false, Error.Wrap(err)
		}
		if !ack.Success {
			return false, Error.New("archive rejected: %s", ack.Message)
		}
	}

	f.transition(seg.UnifiedID, stateDone)
	return true, nil
}

func (f *Forwarder) transition(unifiedID string, s state) {
	if ce := f.log.Check(zap.DebugLevel, "handoff fsm transition"); ce != nil {
		ce.Write(zap.String("unified-id", unifiedID), zap.Int("state", int(s)))
	}
}
