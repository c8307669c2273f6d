package framing

import (
	"bytes"
	"errors"
	"math/rand/v2"
	"reflect"
	"strings"
	"testing"

	"github.com/vmihailenco/msgpack/v5"
)

type testPayload struct {
	I    int    `msgpack:"i"`
	Text string `msgpack:"text"`
}

type labelled struct {
	label   string
	payload testPayload
}

func testFrames() []labelled {
	return []labelled{
		{"signal", testPayload{I: 0, Text: "offer"}},
		{"pointer", testPayload{I: 1, Text: ""}},
		{"signal", testPayload{I: 2, Text: strings.Repeat("sdp-line\r\n", 4000)}},
		{"x", testPayload{I: 3, Text: "tail"}},
	}
}

func encodeAll(t *testing.T, frames []labelled) []byte {
	t.Helper()
	var all bytes.Buffer
	for _, f := range frames {
		chunks, err := Encoder{}.Encode(f.label, f.payload)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		for _, c := range chunks {
			if len(c) > DefaultChunkSize {
				t.Fatalf("chunk of %d bytes exceeds %d", len(c), DefaultChunkSize)
			}
			all.Write(c)
		}
	}
	return all.Bytes()
}

func decodeChunks(t *testing.T, chunks [][]byte) []labelled {
	t.Helper()
	var (
		d   Decoder
		out []labelled
	)
	for _, c := range chunks {
		frames, err := d.Push(c)
		if err != nil {
			t.Fatalf("Push: %v", err)
		}
		for _, f := range frames {
			var p testPayload
			if err := f.Decode(&p); err != nil {
				t.Fatalf("Decode: %v", err)
			}
			out = append(out, labelled{f.Label, p})
		}
	}
	if d.Pending() != 0 {
		t.Fatalf("decoder still carries %d bytes", d.Pending())
	}
	return out
}

func TestRoundTrip_FixedChunkSizes(t *testing.T) {
	want := testFrames()
	stream := encodeAll(t, want)

	for _, size := range []int{1, 2, 3, 7, 64, 1000, DefaultChunkSize, len(stream)} {
		got := decodeChunks(t, Split(stream, size))
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("chunk size %d: frames differ (got %d, want %d)", size, len(got), len(want))
		}
	}
}

func TestRoundTrip_RandomChunkSizes(t *testing.T) {
	want := testFrames()
	stream := encodeAll(t, want)
	rng := rand.New(rand.NewPCG(1, 2))

	for iter := 0; iter < 50; iter++ {
		var chunks [][]byte
		rest := stream
		for len(rest) > 0 {
			n := min(1+rng.IntN(300), len(rest))
			chunks = append(chunks, rest[:n])
			rest = rest[n:]
		}
		got := decodeChunks(t, chunks)
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("iteration %d: frames differ", iter)
		}
	}
}

func TestEncode_SplitsLargeFrames(t *testing.T) {
	chunks, err := Encoder{ChunkSize: 100}.Encode("big", strings.Repeat("a", 1000))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(chunks) < 10 {
		t.Fatalf("chunks=%d, want at least 10", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 100 {
			t.Fatalf("chunk %d has %d bytes", i, len(c))
		}
	}
}

func TestPush_ReturnsCompleteFramesBeforePartialTail(t *testing.T) {
	first, err := msgpack.Marshal([]any{"a", 1})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	second, err := msgpack.Marshal([]any{"b", "second"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var d Decoder
	chunk := append(append([]byte(nil), first...), second[:3]...)
	frames, err := d.Push(chunk)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if len(frames) != 1 || frames[0].Label != "a" {
		t.Fatalf("frames=%v, want only frame a", frames)
	}
	if d.Pending() != 3 {
		t.Fatalf("Pending=%d, want 3", d.Pending())
	}

	frames, err = d.Push(second[3:])
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if len(frames) != 1 || frames[0].Label != "b" {
		t.Fatalf("frames=%v, want frame b", frames)
	}
	var s string
	if err := frames[0].Decode(&s); err != nil || s != "second" {
		t.Fatalf("payload=%q err=%v", s, err)
	}
}

func TestPush_Malformed(t *testing.T) {
	notArray, err := msgpack.Marshal("just a string")
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	wrongArity, err := msgpack.Marshal([]any{"a", 1, 2})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	numericLabel, err := msgpack.Marshal([]any{7, 1})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	cases := []struct {
		name  string
		input []byte
	}{
		{"reserved code", []byte{0xc1}},
		{"not an array", notArray},
		{"wrong arity", wrongArity},
		{"numeric label", numericLabel},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var d Decoder
			if _, err := d.Push(tc.input); !errors.Is(err, ErrMalformed) {
				t.Fatalf("err=%v, want %v", err, ErrMalformed)
			}
		})
	}
}

func TestSplit_Empty(t *testing.T) {
	if got := Split(nil, 10); len(got) != 0 {
		t.Fatalf("Split(nil)=%v, want empty", got)
	}
}
