package audit

import (
	"context"
	"encoding/hex"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"clusterstore.io/core/pkg/metadata"
	"clusterstore.io/core/pkg/wire"
)

// Error is the class for auditor failures.
var Error = errs.Class("audit")

// Service answers consistency-check and anti-entropy-audit-request
// verbs against this node's own local index — the per-node half of
// spec.md §4.5, as opposed to Auditor, which is the elected coordinator.
type Service struct {
	log *zap.Logger
	db  *metadata.DB
}

// NewService returns a Service that digests collections out of db.
func NewService(log *zap.Logger, db *metadata.DB) *Service {
	return &Service{log: log, db: db}
}

// Handle dispatches one decoded audit message and returns its reply.
func (s *Service) Handle(ctx context.Context, msg wire.Message) (_ *wire.Message, err error) {
	defer mon.Task()(&ctx)(&err)

	switch msg.Control.MessageType {
	case wire.VerbConsistencyCheck, wire.VerbAntiEntropyAuditReq:
		return s.consistencyCheck(msg)
	default:
		return errorReply(msg, wire.ResultUnknownRequest, "unknown audit verb: "+msg.Control.MessageType), nil
	}
}

func (s *Service) consistencyCheck(msg wire.Message) (*wire.Message, error) {
	collectionID := msg.Control.Int64("collection-id")
	count, sum, err := LocalDigest(s.db, collectionID)
	if err != nil {
		return errorReply(msg, wire.ResultAuditError, err.Error()), nil
	}
	return &wire.Message{Control: wire.Control{
		MessageType: msg.Control.MessageType + "-reply",
		MessageID:   wire.NewMessageID(),
		ClientTag:   msg.Control.ClientTag,
		Result:      wire.ResultSuccess,
		Fields: map[string]interface{}{
			"count":              count,
			"encoded-md5-digest": hex.EncodeToString(sum),
			"collection-id":      collectionID,
		},
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
