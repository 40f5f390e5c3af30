package pdu

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// DecodeError distinguishes forward-compat "unknown tag" situations from
// genuine framing corruption. Per spec.md §4.B, an UnknownTag lets the
// caller elect to drop the connection for forward-compat rather than trying
// to resync mid-stream (resync is never attempted).
type DecodeError struct {
	UnknownTag bool
	Tag        Tag
	Err        error
}

func (e *DecodeError) Error() string {
	if e.UnknownTag {
		return fmt.Sprintf("pdu: unknown tag %d", e.Tag)
	}
	return fmt.Sprintf("pdu: decode error: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Message is one decoded PDU: its serial, tag, and the tag-specific payload
// unmarshaled into payloadFor(tag).
type Message struct {
	Serial  uint64
	Tag     Tag
	Payload any
}

// Encode serializes payload under tag with the given serial and writes the
// framed bytes to out. It fails on an I/O error, or when payload cannot be
// marshaled to JSON.
func Encode(out io.Writer, serial uint64, tag Tag, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		// A payload that cannot marshal is a programmer error, not an I/O
		// failure; surface it distinctly but still as an error the caller
		// can act on (close the connection).
		return fmt.Errorf("pdu: encode payload for tag %d: %w", tag, err)
	}

	var head bytes.Buffer
	putVarint(&head, serial)
	putVarint(&head, uint64(tag))

	var lenBuf bytes.Buffer
	putVarint(&lenBuf, uint64(head.Len()+len(body)))

	if _, err := out.Write(lenBuf.Bytes()); err != nil {
		return err
	}
	if _, err := out.Write(head.Bytes()); err != nil {
		return err
	}
	if _, err := out.Write(body); err != nil {
		return err
	}
	return nil
}

// TryReadAndDecode attempts to decode exactly one PDU from the head of buf.
// It returns ok=false (with buf untouched) when buf does not yet contain a
// complete frame -- the caller should read more bytes from the transport and
// call again. On success it returns the decoded message and the remainder of
// buf with the consumed frame stripped.
//
// Per spec.md's framing invariant: on a successful decode, exactly
// len(frame)+len(length-varint) bytes are consumed; on any decode error
// (other than "need more bytes") the caller must close the connection -- no
// mid-stream resync is attempted.
func TryReadAndDecode(buf []byte) (msg Message, rest []byte, ok bool, err error) {
	length, lenSize, ok := getVarint(buf)
	if !ok {
		return Message{}, buf, false, nil
	}
	total := lenSize + int(length)
	if len(buf) < total {
		return Message{}, buf, false, nil
	}

	frame := buf[lenSize:total]
	serial, n, ok := getVarint(frame)
	if !ok {
		return Message{}, nil, false, &DecodeError{Err: fmt.Errorf("pdu: truncated serial")}
	}
	frame = frame[n:]

	tagVal, n, ok := getVarint(frame)
	if !ok {
		return Message{}, nil, false, &DecodeError{Err: fmt.Errorf("pdu: truncated tag")}
	}
	frame = frame[n:]
	tag := Tag(tagVal)

	payload, err := decodePayload(tag, frame)
	if err != nil {
		return Message{}, nil, false, err
	}

	return Message{Serial: serial, Tag: tag, Payload: payload}, buf[total:], true, nil
}

// DecodeAsync blocks until one full PDU has been read from r, buffering
// partial reads in buf (a *[]byte the caller retains across calls so
// un-consumed bytes survive to the next call).
func DecodeAsync(ctx context.Context, r io.Reader, buf *[]byte) (Message, error) {
	chunk := make([]byte, 4096)
	for {
		if msg, rest, ok, err := TryReadAndDecode(*buf); err != nil {
			return Message{}, err
		} else if ok {
			*buf = rest
			return msg, nil
		}

		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		default:
		}

		n, err := r.Read(chunk)
		if n > 0 {
			*buf = append(*buf, chunk[:n]...)
		}
		if err != nil {
			return Message{}, err
		}
	}
}

func decodePayload(tag Tag, body []byte) (any, error) {
	target := payloadFor(tag)
	if target == nil {
		return nil, &DecodeError{UnknownTag: true, Tag: tag}
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, target); err != nil {
			return nil, &DecodeError{Err: fmt.Errorf("pdu: unmarshal tag %d body: %w", tag, err)}
		}
	}
	return derefPayload(target), nil
}

// payloadFor returns a fresh pointer to the Go type registered for tag, or
// nil if the tag is not recognized by this build.
func payloadFor(tag Tag) any {
	switch tag {
	case TagPing:
		return &Ping{}
	case TagPong:
		return &Pong{}
	case TagListPanes:
		return &ListPanes{}
	case TagListPanesResponse:
		return &ListPanesResponse{}
	case TagListClients:
		return &ListClients{}
	case TagListClientsResponse:
		return &ListClientsResponse{}
	case TagSpawnV2:
		return &SpawnV2{}
	case TagSpawnV2Response:
		return &SpawnV2Response{}
	case TagSplitPane:
		return &SplitPane{}
	case TagSplitPaneResponse:
		return &SplitPaneResponse{}
	case TagWriteToPane:
		return &WriteToPane{}
	case TagSendPaste:
		return &SendPaste{}
	case TagSendKeyDown:
		return &SendKeyDown{}
	case TagSendMouseEvent:
		return &SendMouseEvent{}
	case TagResize:
		return &Resize{}
	case TagKillPane:
		return &KillPane{}
	case TagSetPaneTitle:
		return &SetPaneTitle{}
	case TagGetPaneRenderChanges:
		return &GetPaneRenderChanges{}
	case TagSetFocusedPane:
		return &SetFocusedPane{}
	case TagSetClientId:
		return &SetClientId{}
	case TagActivateTab:
		return &ActivateTab{}
	case TagActivateTabResponse:
		return &ActivateTabResponse{}
	case TagUnitResponse:
		return &UnitResponse{}
	case TagErrorResponse:
		return &ErrorResponse{}
	case TagPaneRenderChanges, TagPaneRenderChangesResponse:
		return &PaneRenderChanges{}
	case TagPaneRemoved:
		return &PaneRemoved{}
	case TagWindowWorkspaceChanged:
		return &WindowWorkspaceChanged{}
	default:
		return nil
	}
}

func derefPayload(ptr any) any {
	switch v := ptr.(type) {
	case *Ping:
		return *v
	case *Pong:
		return *v
	case *ListPanes:
		return *v
	case *ListPanesResponse:
		return *v
	case *ListClients:
		return *v
	case *ListClientsResponse:
		return *v
	case *SpawnV2:
		return *v
	case *SpawnV2Response:
		return *v
	case *SplitPane:
		return *v
	case *SplitPaneResponse:
		return *v
	case *WriteToPane:
		return *v
	case *SendPaste:
		return *v
	case *SendKeyDown:
		return *v
	case *SendMouseEvent:
		return *v
	case *Resize:
		return *v
	case *KillPane:
		return *v
	case *SetPaneTitle:
		return *v
	case *GetPaneRenderChanges:
		return *v
	case *SetFocusedPane:
		return *v
	case *SetClientId:
		return *v
	case *ActivateTab:
		return *v
	case *ActivateTabResponse:
		return *v
	case *UnitResponse:
		return *v
	case *ErrorResponse:
		return *v
	case *PaneRenderChanges:
		return *v
	case *PaneRemoved:
		return *v
	case *WindowWorkspaceChanged:
		return *v
	default:
		return ptr
	}
}

func putVarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

// getVarint decodes a uvarint from the head of buf, returning the value, the
// number of bytes consumed, and ok=false if buf does not yet hold a complete
// varint.
func getVarint(buf []byte) (uint64, int, bool) {
	v, n := binary.Uvarint(buf)
	if n <= 0 {
		return 0, 0, false
	}
	return v, n, true
}
