package node

import (
	"context"
	"database/sql"
	"encoding/hex"
	"time"

	"clusterstore.io/core/pkg/audit"
	"clusterstore.io/core/pkg/handoff"
	"clusterstore.io/core/pkg/metadata"
	"clusterstore.io/core/pkg/transport"
	"clusterstore.io/core/pkg/wire"
)

// remoteRequestTimeout bounds every outbound request a Peer issues to a
// cluster peer over pkg/transport, distinct from the transport client's
// own ack/idle timeouts.
const remoteRequestTimeout = 2 * time.Minute

func awaitReply(ctx context.Context, client *transport.Client, control wire.Control, body [][]byte) (wire.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, remoteRequestTimeout)
	defer cancel()

	replyCh, err := client.QueueMessageForSend(ctx, control, body)
	if err != nil {
		return wire.Message{}, Error.Wrap(err)
	}
	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		return wire.Message{}, Error.Wrap(ctx.Err())
	}
}

// remoteDigester adapts a transport.Client dialed to one peer's audit
// service into the audit.NodeDigester the Auditor broadcasts to.
func remoteDigester(client *transport.Client) audit.NodeDigester {
	return func(ctx context.Context, collectionID int64, timestamp float64) audit.NodeDigest {
		reply, err := awaitReply(ctx, client, wire.Control{
			MessageType: wire.VerbConsistencyCheck,
			Fields: map[string]interface{}{
				"collection-id": collectionID,
				"timestamp":     timestamp,
			},
		}, nil)
		if err != nil {
			return audit.NodeDigest{Err: err}
		}
		if reply.Control.Result != wire.ResultSuccess {
			return audit.NodeDigest{Err: Error.New("consistency-check failed: %s", reply.Control.ErrorMsg)}
		}
		sum, err := hex.DecodeString(reply.Control.String("encoded-md5-digest"))
		if err != nil {
			return audit.NodeDigest{Err: Error.Wrap(err)}
		}
		return audit.NodeDigest{Count: int(reply.Control.Int64("count")), Digest: sum}
	}
}

// retrieveClient adapts a transport.Client dialed to the holding node's
// reader service into handoff.RetrieveClient.
type retrieveClient struct {
	client *transport.Client
}

func (r retrieveClient) RetrieveStart(ctx context.Context, unifiedID string, conjoinedPart int64, segmentNum int) (handoff.RetrieveReply, error) {
	return r.send(ctx, wire.VerbRetrieveKeyStart, map[string]interface{}{
		"segment-unified-id":     unifiedID,
		"segment-conjoined-part": conjoinedPart,
		"segment-num":            segmentNum,
	})
}

func (r retrieveClient) RetrieveNext(ctx context.Context, unifiedID string, segmentNum int) (handoff.RetrieveReply, error) {
	return r.send(ctx, wire.VerbRetrieveKeyNext, map[string]interface{}{
		"segment-unified-id": unifiedID,
		"segment-num":        segmentNum,
	})
}

func (r retrieveClient) send(ctx context.Context, verb string, fields map[string]interface{}) (handoff.RetrieveReply, error) {
	reply, err := awaitReply(ctx, r.client, wire.Control{MessageType: verb, Fields: fields}, nil)
	if err != nil {
		return handoff.RetrieveReply{}, err
	}
	if reply.Control.Result != wire.ResultSuccess {
		return handoff.RetrieveReply{}, Error.New("%s failed: %s", verb, reply.Control.ErrorMsg)
	}
	var data []byte
	if len(reply.Body) > 0 {
		data = reply.Body[0]
	}
	return handoff.RetrieveReply{
		SequenceRowCount: int(reply.Control.Int64("sequence-row-count")),
		SequenceNum:      int(reply.Control.Int64("sequence-num")),
		Completed:        reply.Control.Bool("completed"),
		Data:             data,
	}, nil
}

// archiveClient adapts a transport.Client dialed to the home node's
// writer service into handoff.ArchiveClient.
type archiveClient struct {
	client *transport.Client
}

func (a archiveClient) ArchiveEntire(ctx context.Context, req handoff.ArchiveRequest, data []byte) (handoff.ArchiveAck, error) {
	return a.send(ctx, wire.VerbArchiveKeyEntire, req, true, data)
}

func (a archiveClient) ArchiveStart(ctx context.Context, req handoff.ArchiveRequest, data []byte) (handoff.ArchiveAck, error) {
	return a.send(ctx, wire.VerbArchiveKeyStart, req, false, data)
}

func (a archiveClient) ArchiveNext(ctx context.Context, req handoff.ArchiveRequest, data []byte) (handoff.ArchiveAck, error) {
	return a.send(ctx, wire.VerbArchiveKeyNext, req, false, data)
}

func (a archiveClient) ArchiveFinal(ctx context.Context, req handoff.ArchiveRequest, data []byte) (handoff.ArchiveAck, error) {
	return a.send(ctx, wire.VerbArchiveKeyFinal, req, true, data)
}

func (a archiveClient) send(ctx context.Context, verb string, req handoff.ArchiveRequest, final bool, data []byte) (handoff.ArchiveAck, error) {
	fields := map[string]interface{}{
		"collection-id":    req.CollectionID,
		"key":              req.Key,
		"unified-id":       req.UnifiedID,
		"conjoined-part":   req.ConjoinedPart,
		"timestamp":        req.Timestamp,
		"segment-num":      req.SegmentNum,
		"sequence-num":     req.SequenceNum,
		"source-node-name": req.SourceNodeName,
	}
	if final {
		if req.FileSize != 0 {
			fields["file-size"] = req.FileSize
		}
		if req.FileAdler32 != 0 {
			fields["file-adler32"] = req.FileAdler32
		}
		if len(req.FileHash) > 0 {
			fields["file-hash"] = hex.EncodeToString(req.FileHash)
		}
	}

	reply, err := awaitReply(ctx, a.client, wire.Control{MessageType: verb, Fields: fields}, [][]byte{data})
	if err != nil {
		return handoff.ArchiveAck{}, err
	}
	return handoff.ArchiveAck{Success: reply.Control.Result == wire.ResultSuccess, Message: reply.Control.ErrorMsg}, nil
}

// purgeClient adapts a transport.Client dialed to the holding node's
// handoff server into handoff.PurgeClient.
type purgeClient struct {
	client *transport.Client
}

func (p purgeClient) PurgeHandoff(ctx context.Context, segmentID int64) error {
	reply, err := awaitReply(ctx, p.client, wire.Control{
		MessageType: wire.VerbPurgeHandoff,
		Fields:      map[string]interface{}{"segment-id": segmentID},
	}, nil)
	if err != nil {
		return err
	}
	if reply.Control.Result != wire.ResultSuccess {
		return Error.New("purge-handoff failed: %s", reply.Control.ErrorMsg)
	}
	return nil
}

// sweepSource adapts this node's outbound transport.Clients into
// handoff.SweepSource, resolving each holder name to the client dialed
// to that peer's handoff server.
type sweepSource struct {
	clients map[string]*transport.Client
}

func (s sweepSource) WhatHaveYouStoredForMe(ctx context.Context, holderName, nodeName string) ([]metadata.Segment, error) {
	client, ok := s.clients[holderName]
	if !ok {
		return nil, Error.New("no client configured for holder %q", holderName)
	}
	reply, err := awaitReply(ctx, client, wire.Control{
		MessageType: wire.VerbWhatHaveYouStoredForMe,
		Fields:      map[string]interface{}{"node-name": nodeName},
	}, nil)
	if err != nil {
		return nil, err
	}
	if reply.Control.Result != wire.ResultSuccess {
		return nil, Error.New("handoff-inquiry failed: %s", reply.Control.ErrorMsg)
	}

	rows, _ := reply.Control.Fields["segments"].([]interface{})
	segs := make([]metadata.Segment, 0, len(rows))
	for _, r := range rows {
		row, ok := r.(map[string]interface{})
		if !ok {
			continue
		}
		seg := metadata.Segment{
			ID:            asInt64(row["segment-id"]),
			CollectionID:  asInt64(row["collection-id"]),
			Key:           asString(row["key"]),
			UnifiedID:     asString(row["unified-id"]),
			ConjoinedPart: asInt64(row["conjoined-part"]),
			Timestamp:     asFloat64(row["timestamp"]),
			SegmentNum:    int(asInt64(row["segment-num"])),
			SourceNodeID:  asString(row["source-node-name"]),
		}
		if v, ok := row["file-size"]; ok {
			seg.FileSize = sql.NullInt64{Int64: asInt64(v), Valid: true}
		}
		if v, ok := row["file-adler32"]; ok {
			seg.FileAdler32 = sql.NullInt64{Int64: asInt64(v), Valid: true}
		}
		if v, ok := row["file-hash"].(string); ok && v != "" {
			if hash, err := hex.DecodeString(v); err == nil {
				seg.FileHash = hash
			}
		}
		segs = append(segs, seg)
	}
	return segs, nil
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case int:
		return int64(n)
	default:
		return 0
	}
}

func asFloat64(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	default:
		return 0
	}
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}
