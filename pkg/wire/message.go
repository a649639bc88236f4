// Package wire defines the on-the-wire message shape shared by every
// service: a JSON control dictionary followed by zero or more opaque
// body frames, exactly as spec.md §6.1 describes.
package wire

import (
	"encoding/json"

	uuid "github.com/satori/go.uuid"
)

// Verb names recognized by the cluster's services.
const (
	VerbHandshake = "resilient-server-handshake"
	VerbAck       = "ack"

	VerbArchiveKeyStart  = "archive-key-start"
	VerbArchiveKeyNext   = "archive-key-next"
	VerbArchiveKeyFinal  = "archive-key-final"
	VerbArchiveKeyEntire = "archive-key-entire"
	VerbDestroyKey       = "destroy-key"

	VerbStartConjoinedArchive  = "start-conjoined-archive"
	VerbAbortConjoinedArchive  = "abort-conjoined-archive"
	VerbFinishConjoinedArchive = "finish-conjoined-archive"

	VerbRetrieveKeyStart = "retrieve-key-start"
	VerbRetrieveKeyNext  = "retrieve-key-next"

	VerbConsistencyCheck       = "consistency-check"
	VerbAntiEntropyAuditReq    = "anti-entropy-audit-request"
	VerbWhatHaveYouStoredForMe = "handoff-inquiry"
	VerbPurgeHandoff           = "purge-handoff"
)

// Result codes carried on reply control dictionaries.
const (
	ResultSuccess          = "success"
	ResultError            = "error"
	ResultNoSequenceRows   = "no-sequence-rows"
	ResultMD5Mismatch      = "md5-mismatch"
	ResultInvalidDuplicate = "invalid-duplicate"
	ResultUnknownRequest   = "unknown-request"
	ResultException        = "exception"
	ResultAuditError       = "audit-error"
)

// Control is the JSON control dictionary carried as frame zero of every
// message. Service-specific fields travel in Fields.
type Control struct {
	MessageType string                 `json:"message-type"`
	MessageID   string                 `json:"message-id"`
	ClientTag   string                 `json:"client-tag"`
	Result      string                 `json:"result,omitempty"`
	ErrorMsg    string                 `json:"error-message,omitempty"`
	Fields      map[string]interface{} `json:"-"`
}

// NewMessageID returns a fresh hex-encoded UUID, matching spec.md's
// "message-id (hex uuid)" field definition.
func NewMessageID() string {
	return uuid.NewV4().String()
}

// Message is a decoded control dictionary plus its ordered body frames.
type Message struct {
	Control Control
	Body    [][]byte
}

// marshal encodes c in its flattened on-wire JSON shape: known fields
// plus whatever service-specific fields were set in Control.Fields.
func (c Control) marshal() ([]byte, error) {
	flat := map[string]interface{}{
		"message-type": c.MessageType,
		"message-id":   c.MessageID,
		"client-tag":   c.ClientTag,
	}
	if c.Result != "" {
		flat["result"] = c.Result
	}
	if c.ErrorMsg != "" {
		flat["error-message"] = c.ErrorMsg
	}
	for k, v := range c.Fields {
		flat[k] = v
	}
	return json.Marshal(flat)
}

func unmarshalControl(data []byte) (Control, error) {
	var flat map[string]interface{}
	if err := json.Unmarshal(data, &flat); err != nil {
		return Control{}, err
	}
	c := Control{Fields: map[string]interface{}{}}
	for k, v := range flat {
		switch k {
		case "message-type":
			c.MessageType, _ = v.(string)
		case "message-id":
			c.MessageID, _ = v.(string)
		case "client-tag":
			c.ClientTag, _ = v.(string)
		case "result":
			c.Result, _ = v.(string)
		case "error-message":
			c.ErrorMsg, _ = v.(string)
		default:
			c.Fields[k] = v
		}
	}
	return c, nil
}
