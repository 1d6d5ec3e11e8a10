package jsonframe

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/goccy/go-json"
)

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("sink unavailable") }

func TestRoundTrip(t *testing.T) {
	type record struct {
		SenderID string `json:"senderId"`
		Seq      int    `json:"seq"`
	}
	var buf bytes.Buffer
	for i := 0; i < 3; i++ {
		if err := WriteJSONFrame(&buf, record{SenderID: "s1", Seq: i}); err != nil {
			t.Fatalf("WriteJSONFrame(%d) failed: %v", i, err)
		}
	}
	for i := 0; i < 3; i++ {
		b, err := ReadJSONFrameDefaultMax(&buf)
		if err != nil {
			t.Fatalf("ReadJSONFrameDefaultMax(%d) failed: %v", i, err)
		}
		var rec record
		if err := json.Unmarshal(b, &rec); err != nil {
			t.Fatalf("Unmarshal(%d) failed: %v", i, err)
		}
		if rec.SenderID != "s1" || rec.Seq != i {
			t.Fatalf("unexpected record %d: %+v", i, rec)
		}
	}
	if _, err := ReadJSONFrameDefaultMax(&buf); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after the last frame, got %v", err)
	}
}

func TestReadRejectsOversizedFrame(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0, 0, 0, 10, 0, 0, 0, 0, 0, 0})
	if _, err := ReadJSONFrame(buf, 4); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadTruncatedBody(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0, 0, 0, 8, '{', '}'})
	if _, err := ReadJSONFrame(buf, 1<<10); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}
}

func TestWriteSurfacesWriterError(t *testing.T) {
	if err := WriteJSONFrame(failingWriter{}, map[string]bool{"ok": true}); err == nil {
		t.Fatalf("expected the writer error to surface")
	}
}
