package wire

import (
	"encoding/binary"
	"io"

	"github.com/zeebo/errs"
)

// Error is the class for all wire-level framing failures.
var Error = errs.Class("wire")

// maxFrameBytes bounds a single frame to guard against a corrupt length
// prefix turning into an unbounded allocation.
const maxFrameBytes = 64 << 20

// WriteMessage writes a Message as [control-frame][body-frame...], each
// frame length-prefixed with a big-endian uint32. Trailing empty body
// frames are suppressed, matching spec.md §4.1's
// queue_message_for_send contract.
func WriteMessage(w io.Writer, msg Message) error {
	control, err := msg.Control.marshal()
	if err != nil {
		return Error.Wrap(err)
	}

	body := msg.Body
	for len(body) > 0 && len(body[len(body)-1]) == 0 {
		body = body[:len(body)-1]
	}

	if err := writeFrame(w, control); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(len(body))); err != nil {
		return err
	}
	for _, part := range body {
		if err := writeFrame(w, part); err != nil {
			return err
		}
	}
	return nil
}

// ReadMessage reads a Message written by WriteMessage.
func ReadMessage(r io.Reader) (Message, error) {
	controlBytes, err := readFrame(r)
	if err != nil {
		return Message{}, err
	}
	control, err := unmarshalControl(controlBytes)
	if err != nil {
		return Message{}, Error.Wrap(err)
	}

	n, err := readUint32(r)
	if err != nil {
		return Message{}, err
	}

	body := make([][]byte, 0, n)
	for i := uint32(0); i < n; i++ {
		part, err := readFrame(r)
		if err != nil {
			return Message{}, err
		}
		body = append(body, part)
	}

	return Message{Control: control, Body: body}, nil
}

func writeFrame(w io.Writer, data []byte) error {
	if err := writeUint32(w, uint32(len(data))); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	_, err := w.Write(data)
	if err != nil {
		return Error.Wrap(err)
	}
	return nil
}

func readFrame(r io.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if n > maxFrameBytes {
		return nil, Error.New("frame too large: %d bytes", n)
	}
	if n == 0 {
		return []byte{}, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, Error.Wrap(err)
	}
	return buf, nil
}

func writeUint32(w io.Writer, v uint32) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], v)
	if _, err := w.Write(lenBuf[:]); err != nil {
		return Error.Wrap(err)
	}
	return nil
}

func readUint32(r io.Reader) (uint32, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, Error.Wrap(err)
	}
	return binary.BigEndian.Uint32(lenBuf[:]), nil
}
