package pdu

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		serial  uint64
		tag     Tag
		payload any
	}{
		{"ping", 7, TagPing, Ping{}},
		{"list-panes-response", 12, TagListPanesResponse, ListPanesResponse{
			Panes: []PaneEntry{{
				WindowID: 1, TabID: 2, PaneID: 3,
				Workspace: "default",
				Size:      Size{Rows: 24, Cols: 80, DPI: 96},
				Title:     "bash",
				CursorX:   5, CursorY: 1, CursorShape: CursorBlock, CursorVisible: true,
				IsActive: true,
			}},
		}},
		{"write-to-pane", 3, TagWriteToPane, WriteToPane{Pane: 9, Data: []byte("hello\x00world")}},
		{"error-response", 99, TagErrorResponse, ErrorResponse{Message: "no such pane"}},
		{"push", PushSerial, TagPaneRemoved, PaneRemoved{Pane: 4}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := Encode(&buf, c.serial, c.tag, c.payload); err != nil {
				t.Fatalf("Encode: %v", err)
			}

			msg, rest, ok, err := TryReadAndDecode(buf.Bytes())
			if err != nil {
				t.Fatalf("TryReadAndDecode: %v", err)
			}
			if !ok {
				t.Fatal("expected a complete frame to decode")
			}
			if len(rest) != 0 {
				t.Fatalf("expected all bytes consumed, %d left over", len(rest))
			}
			if msg.Serial != c.serial {
				t.Fatalf("serial: got %d, want %d", msg.Serial, c.serial)
			}
			if msg.Tag != c.tag {
				t.Fatalf("tag: got %d, want %d", msg.Tag, c.tag)
			}
			if !reflect.DeepEqual(msg.Payload, c.payload) {
				t.Fatalf("payload: got %#v, want %#v", msg.Payload, c.payload)
			}
		})
	}
}

func TestTryReadAndDecode_IncompleteFrameNeedsMoreBytes(t *testing.T) {
	var full bytes.Buffer
	if err := Encode(&full, 1, TagPing, Ping{}); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	frame := full.Bytes()

	for n := 0; n < len(frame); n++ {
		partial := frame[:n]
		msg, rest, ok, err := TryReadAndDecode(partial)
		if err != nil {
			t.Fatalf("unexpected error on partial frame of %d/%d bytes: %v", n, len(frame), err)
		}
		if ok {
			t.Fatalf("decoded a complete message from only %d/%d bytes: %+v", n, len(frame), msg)
		}
		if !bytes.Equal(rest, partial) {
			t.Fatalf("partial read must not consume any bytes")
		}
	}
}

func TestTryReadAndDecode_ConsumesExactlyOneFrame(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, 1, TagPing, Ping{}); err != nil {
		t.Fatalf("Encode ping: %v", err)
	}
	firstLen := buf.Len()
	if err := Encode(&buf, 2, TagPong, Pong{}); err != nil {
		t.Fatalf("Encode pong: %v", err)
	}

	msg, rest, ok, err := TryReadAndDecode(buf.Bytes())
	if err != nil || !ok {
		t.Fatalf("TryReadAndDecode: ok=%v err=%v", ok, err)
	}
	if msg.Tag != TagPing || msg.Serial != 1 {
		t.Fatalf("expected first frame (ping, serial 1), got %+v", msg)
	}
	if len(rest) != buf.Len()-firstLen {
		t.Fatalf("expected exactly the second frame left over, got %d bytes", len(rest))
	}

	msg2, rest2, ok2, err2 := TryReadAndDecode(rest)
	if err2 != nil || !ok2 {
		t.Fatalf("TryReadAndDecode second frame: ok=%v err=%v", ok2, err2)
	}
	if msg2.Tag != TagPong || msg2.Serial != 2 {
		t.Fatalf("expected second frame (pong, serial 2), got %+v", msg2)
	}
	if len(rest2) != 0 {
		t.Fatalf("expected no bytes left, got %d", len(rest2))
	}
}

func TestTryReadAndDecode_UnknownTag(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, 1, Tag(99999), struct{}{}); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	_, _, ok, err := TryReadAndDecode(buf.Bytes())
	if ok {
		t.Fatal("expected decode failure for an unrecognized tag")
	}
	var decErr *DecodeError
	if !errors.As(err, &decErr) || !decErr.UnknownTag {
		t.Fatalf("expected an UnknownTag DecodeError, got %v", err)
	}
}

func TestEncode_WritesLengthPrefixCoveringSerialTagBody(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, 513, TagKillPane, KillPane{Pane: 1}); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	length, lenSize, ok := getVarint(buf.Bytes())
	if !ok {
		t.Fatal("expected a readable length varint")
	}
	if lenSize+int(length) != buf.Len() {
		t.Fatalf("length prefix %d + its own %d bytes should equal total frame size %d", length, lenSize, buf.Len())
	}
}
