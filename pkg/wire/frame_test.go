// Copyright (C) 2026 Clusterstore authors.
// See LICENSE for copying information.

package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadMessageRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{
			name: "control only, no body",
			msg: Message{
				Control: Control{MessageType: VerbHandshake, MessageID: "abc", ClientTag: "node-a"},
			},
		},
		{
			name: "control with fields and single body frame",
			msg: Message{
				Control: Control{
					MessageType: VerbArchiveKeyStart,
					MessageID:   "id-1",
					ClientTag:   "node-b",
					Fields: map[string]interface{}{
						"key":           "a/b/c",
						"segment-num":   float64(3),
						"timestamp":     1234.5,
					},
				},
				Body: [][]byte{[]byte("hello")},
			},
		},
		{
			name: "multiple body frames with trailing empty suppressed",
			msg: Message{
				Control: Control{MessageType: VerbArchiveKeyNext, MessageID: "id-2", ClientTag: "node-c"},
				Body:    [][]byte{[]byte("part0"), []byte("part1"), {}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, WriteMessage(&buf, tt.msg))

			got, err := ReadMessage(&buf)
			require.NoError(t, err)

			assert.Equal(t, tt.msg.Control.MessageType, got.Control.MessageType)
			assert.Equal(t, tt.msg.Control.MessageID, got.Control.MessageID)
			assert.Equal(t, tt.msg.Control.ClientTag, got.Control.ClientTag)

			for k, v := range tt.msg.Control.Fields {
				assert.Equal(t, v, got.Control.Fields[k])
			}

			expectBody := tt.msg.Body
			for len(expectBody) > 0 && len(expectBody[len(expectBody)-1]) == 0 {
				expectBody = expectBody[:len(expectBody)-1]
			}
			require.Equal(t, len(expectBody), len(got.Body))
			for i := range expectBody {
				assert.Equal(t, expectBody[i], got.Body[i])
			}
		})
	}
}

func TestReadMessageRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeUint32(&buf, maxFrameBytes+1))

	_, err := readFrame(&buf)
	assert.Error(t, err)
}

func TestControlFieldAccessors(t *testing.T) {
	c := Control{Fields: map[string]interface{}{
		"segment-num": float64(7),
		"key":         "aaa/bbb",
		"completed":   true,
	}}

	assert.Equal(t, int64(7), c.Int64("segment-num"))
	assert.Equal(t, "aaa/bbb", c.String("key"))
	assert.True(t, c.Bool("completed"))
	assert.Equal(t, int64(0), c.Int64("missing"))
}
