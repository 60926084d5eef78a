package telemetry

import (
	"bytes"
	"encoding/json"
)

const separators = ", \t\r\n]"

// Decoder incrementally extracts JSON objects from the text stream written by
// `intel_gpu_top -J`. The tool wraps its samples in a top-level array that is
// only closed on exit, so the decoder parses the array elements one by one and
// treats the brackets and separators around them as noise.
//
// A Decoder is not safe for concurrent use; it is owned by the read loop.
type Decoder struct {
	buf []byte
}

// NewDecoder returns an empty Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends a chunk of tool output and returns every sample that became
// complete. Incomplete or malformed data stays buffered until a later chunk
// completes it; nothing is discarded on a failed parse.
func (d *Decoder) Feed(chunk string) []Sample {
	if chunk == "" {
		return nil
	}
	d.buf = append(d.buf, chunk...)

	if len(d.buf) > 0 && d.buf[0] == '[' {
		d.consume(1)
	}
	d.trimSeparators()

	var samples []Sample
	for len(d.buf) > 0 {
		value, n, ok := decodeOne(d.buf)
		if !ok {
			break
		}
		d.consume(n)
		d.trimSeparators()

		if fields, isObject := value.(map[string]any); isObject {
			samples = append(samples, NewSample(fields))
		}
	}
	return samples
}

// Buffered reports how many bytes are waiting for a complete value.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// trimSeparators drops whitespace, element commas and the closing bracket of
// the wrapping array from the head of the buffer.
func (d *Decoder) trimSeparators() {
	d.consume(len(d.buf) - len(bytes.TrimLeft(d.buf, separators)))
}

func (d *Decoder) consume(n int) {
	if n <= 0 {
		return
	}
	d.buf = append(d.buf[:0], d.buf[n:]...)
}

// decodeOne parses a single JSON value at the start of data and reports how
// many bytes it occupied.
func decodeOne(data []byte) (any, int, bool) {
	dec := json.NewDecoder(bytes.NewReader(data))
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, 0, false
	}
	return value, int(dec.InputOffset()), true
}
