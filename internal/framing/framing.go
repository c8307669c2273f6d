// Package framing carries labelled msgpack frames over a transport that caps
// the size of each send. A frame is the two-element array [label, payload];
// the encoded bytes are cut into chunks without regard to frame boundaries,
// and the Decoder stitches them back together.
package framing

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// DefaultChunkSize stays under the smallest SCTP message size browsers
// reliably accept.
const DefaultChunkSize = 16000

// ErrMalformed reports input that can never decode into a frame, as opposed
// to input that is merely incomplete.
var ErrMalformed = errors.New("framing: malformed frame")

type Frame struct {
	Label   string
	Payload msgpack.RawMessage
}

// Decode unmarshals the frame payload into v.
func (f Frame) Decode(v any) error {
	if err := msgpack.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, f.Label, err)
	}
	return nil
}

type Encoder struct {
	// ChunkSize bounds every returned chunk. Zero means DefaultChunkSize.
	ChunkSize int
}

// Encode serializes [label, payload] and splits it into chunks.
func (e Encoder) Encode(label string, payload any) ([][]byte, error) {
	b, err := msgpack.Marshal([]any{label, payload})
	if err != nil {
		return nil, fmt.Errorf("framing: encode %s: %w", label, err)
	}
	return Split(b, e.ChunkSize), nil
}

// Split cuts b into consecutive chunks of at most size bytes.
func Split(b []byte, size int) [][]byte {
	if size <= 0 {
		size = DefaultChunkSize
	}
	chunks := make([][]byte, 0, (len(b)+size-1)/size)
	for len(b) > 0 {
		n := min(size, len(b))
		chunks = append(chunks, b[:n:n])
		b = b[n:]
	}
	return chunks
}

// Decoder reassembles frames from chunks. It is not safe for concurrent use.
type Decoder struct {
	carry []byte
}

// Push feeds one chunk and returns every frame it completes. An undecoded
// tail is kept for the next call; frames completed before the tail are still
// returned.
func (d *Decoder) Push(chunk []byte) ([]Frame, error) {
	buf := chunk
	if len(d.carry) > 0 {
		buf = make([]byte, 0, len(d.carry)+len(chunk))
		buf = append(buf, d.carry...)
		buf = append(buf, chunk...)
	}
	d.carry = nil

	r := bytes.NewReader(buf)
	dec := msgpack.NewDecoder(r)

	var frames []Frame
	for r.Len() > 0 {
		start := len(buf) - r.Len()
		raw, err := dec.DecodeRaw()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				d.carry = append([]byte(nil), buf[start:]...)
				return frames, nil
			}
			return frames, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		f, err := parseFrame(raw)
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)
	}
	return frames, nil
}

// Pending reports how many undecoded bytes are carried over.
func (d *Decoder) Pending() int { return len(d.carry) }

func parseFrame(raw msgpack.RawMessage) (Frame, error) {
	var parts []msgpack.RawMessage
	if err := msgpack.Unmarshal(raw, &parts); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(parts) != 2 {
		return Frame{}, fmt.Errorf("%w: frame has %d elements, want 2", ErrMalformed, len(parts))
	}
	var label string
	if err := msgpack.Unmarshal(parts[0], &label); err != nil {
		return Frame{}, fmt.Errorf("%w: label: %v", ErrMalformed, err)
	}
	return Frame{Label: label, Payload: parts[1]}, nil
}
