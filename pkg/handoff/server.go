package handoff

import (
	"context"
	"encoding/hex"

	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"clusterstore.io/core/pkg/metadata"
	"clusterstore.io/core/pkg/wire"
)

var mon = monkit.Package()

// Server answers the remote half of handoff: B's reply to A's "what
// have you stored for me" sweep, and A's purge-handoff instruction once
// a segment has been re-archived locally.
type Server struct {
	log *zap.Logger
	db  *metadata.DB
}

// NewServer returns a Server answering handoff queries against db.
func NewServer(log *zap.Logger, db *metadata.DB) *Server {
	return &Server{log: log, db: db}
}

// Handle dispatches one decoded handoff message and returns its reply.
func (s *Server) Handle(ctx context.Context, msg wire.Message) (_ *wire.Message, err error) {
	defer mon.Task()(&ctx)(&err)

	switch msg.Control.MessageType {
	case wire.VerbWhatHaveYouStoredForMe:
		return s.whatHaveYouStoredForMe(msg)
	case wire.VerbPurgeHandoff:
		return s.purgeHandoff(msg)
	default:
		return errorReply(msg, wire.ResultUnknownRequest, "unknown handoff verb: "+msg.Control.MessageType), nil
	}
}

func (s *Server) whatHaveYouStoredForMe(msg wire.Message) (*wire.Message, error) {
	nodeName := msg.Control.String("node-name")
	if nodeName == "" {
		return errorReply(msg, wire.ResultError, "missing node-name"), nil
	}

	segs, err := s.db.SegmentsHandoffFor(nodeName)
	if err != nil {
		return errorReply(msg, wire.ResultAuditError, err.Error()), nil
	}

	rows := make([]interface{}, 0, len(segs))
	for _, seg := range segs {
		row := map[string]interface{}{
			"segment-id":       seg.ID,
			"collection-id":    seg.CollectionID,
			"key":              seg.Key,
			"unified-id":       seg.UnifiedID,
			"conjoined-part":   seg.ConjoinedPart,
			"timestamp":        seg.Timestamp,
			"segment-num":      seg.SegmentNum,
			"source-node-name": seg.SourceNodeID,
		}
		if seg.FileSize.Valid {
			row["file-size"] = seg.FileSize.Int64
		}
		if seg.FileAdler32.Valid {
			row["file-adler32"] = seg.FileAdler32.Int64
		}
		if len(seg.FileHash) > 0 {
			row["file-hash"] = hex.EncodeToString(seg.FileHash)
		}
		rows = append(rows, row)
	}

	return &wire.Message{Control: wire.Control{
		MessageType: msg.Control.MessageType + "-reply",
		MessageID:   wire.NewMessageID(),
		ClientTag:   msg.Control.ClientTag,
		Result:      wire.ResultSuccess,
		Fields: map[string]interface{}{
			"segments": rows,
		},
	}}, nil
}

func (s *Server) purgeHandoff(msg wire.Message) (*wire.Message, error) {
	segmentID := msg.Control.Int64("segment-id")
	if segmentID == 0 {
		return errorReply(msg, wire.ResultError, "missing segment-id"), nil
	}
	if err := s.db.PurgeSegment(segmentID); err != nil {
		return errorReply(msg, wire.ResultAuditError, err.Error()), nil
	}
	return &wire.Message{Control: wire.Control{
		MessageType: msg.Control.MessageType + "-reply",
		MessageID:   wire.NewMessageID(),
		ClientTag:   msg.Control.ClientTag,
		Result:      wire.ResultSuccess,
	}}, nil
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
