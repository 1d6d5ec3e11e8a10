// Package jsonframe frames JSON messages with a 4-byte big-endian length
// prefix for stream transports. The forwarder uses it on its yamux stream.
package jsonframe

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/goccy/go-json"
)

// ErrFrameTooLarge reports a frame whose declared length exceeds the limit.
var ErrFrameTooLarge = errors.New("json frame too large")

// DefaultMaxJSONFrameBytes bounds a single framed message. Reading
// untrusted peers without a positive limit invites unbounded allocations.
const DefaultMaxJSONFrameBytes = 1 << 20

const headerLen = 4

// WriteJSONFrame marshals v and writes it as one length-prefixed frame.
func WriteJSONFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var hdr [headerLen]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ReadJSONFrame reads one frame, rejecting bodies longer than maxLen.
// maxLen <= 0 disables the guard; never do that on untrusted inputs.
func ReadJSONFrame(r io.Reader, maxLen int) ([]byte, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint32(hdr[:]))
	if n < 0 || (maxLen > 0 && n > maxLen) {
		return nil, ErrFrameTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// ReadJSONFrameDefaultMax reads one frame with the default size guard.
func ReadJSONFrameDefaultMax(r io.Reader) ([]byte, error) {
	return ReadJSONFrame(r, DefaultMaxJSONFrameBytes)
}
