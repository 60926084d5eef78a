package telemetry

import (
	"encoding/json"
	"reflect"
	"testing"
)

const fullObject = `{"period":{"duration":10000.5,"unit":"ms"},"frequency":{"requested":1300,"actual":1250,"unit":"MHz"},"engines":{"Render/3D/0":{"busy":12.5,"sema":0,"wait":3.1,"unit":"%"}}}`

func TestDecoderSingleObject(t *testing.T) {
	t.Parallel()

	dec := NewDecoder()
	samples := dec.Feed(fullObject + "\n")
	if len(samples) != 1 {
		t.Fatalf("expected 1 sample, got %d", len(samples))
	}
	assertSampleJSON(t, samples[0], fullObject)
	if dec.Buffered() != 0 {
		t.Fatalf("expected empty buffer, got %d bytes", dec.Buffered())
	}
}

func TestDecoderSplitAtEveryOffset(t *testing.T) {
	t.Parallel()

	for i := 1; i < len(fullObject); i++ {
		dec := NewDecoder()
		if got := dec.Feed(fullObject[:i]); len(got) != 0 {
			t.Fatalf("split %d: expected no samples after first chunk, got %d", i, len(got))
		}
		got := dec.Feed(fullObject[i:])
		if len(got) != 1 {
			t.Fatalf("split %d: expected 1 sample after second chunk, got %d", i, len(got))
		}
		assertSampleJSON(t, got[0], fullObject)
	}
}

func TestDecoderCommaSeparatedObjects(t *testing.T) {
	t.Parallel()

	dec := NewDecoder()
	samples := dec.Feed(`{"rc6":{"value":1}},{"rc6":{"value":2}}`)
	if len(samples) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(samples))
	}
	if v := samples[0].Number("rc6", "value"); v != 1 {
		t.Fatalf("first sample rc6 = %v", v)
	}
	if v := samples[1].Number("rc6", "value"); v != 2 {
		t.Fatalf("second sample rc6 = %v", v)
	}
}

func TestDecoderLeadingBracket(t *testing.T) {
	t.Parallel()

	dec := NewDecoder()
	for _, chunk := range []string{"", "  \n", "[\n"} {
		if got := dec.Feed(chunk); len(got) != 0 {
			t.Fatalf("chunk %q: unexpected samples %d", chunk, len(got))
		}
	}
	if dec.Buffered() != 0 {
		t.Fatalf("expected bracket and whitespace to be stripped, %d bytes left", dec.Buffered())
	}

	samples := dec.Feed(`{"rc6":{"value":42}}` + "\n")
	if len(samples) != 1 {
		t.Fatalf("expected 1 sample, got %d", len(samples))
	}
	if v := samples[0].Number("rc6", "value"); v != 42 {
		t.Fatalf("unexpected rc6 %v", v)
	}
}

func TestDecoderBracketStrippedOncePerChunk(t *testing.T) {
	t.Parallel()

	dec := NewDecoder()
	if got := dec.Feed("[[{}]"); len(got) != 0 {
		t.Fatalf("expected the nested array to be consumed without samples, got %d", len(got))
	}
	if dec.Buffered() != 0 {
		t.Fatalf("expected empty buffer, got %d bytes", dec.Buffered())
	}
}

func TestDecoderRetainsIncompleteData(t *testing.T) {
	t.Parallel()

	dec := NewDecoder()
	if got := dec.Feed(`{"power":{"GPU":`); len(got) != 0 {
		t.Fatalf("unexpected samples %d", len(got))
	}
	before := dec.Buffered()
	if before == 0 {
		t.Fatal("expected partial object to stay buffered")
	}
	if got := dec.Feed("   "); len(got) != 0 {
		t.Fatalf("unexpected samples %d", len(got))
	}
	if dec.Buffered() < before {
		t.Fatalf("buffer shrank on failed parse: %d -> %d", before, dec.Buffered())
	}
	samples := dec.Feed(`3.5}}`)
	if len(samples) != 1 {
		t.Fatalf("expected 1 sample, got %d", len(samples))
	}
	if v := samples[0].Number("power", "GPU"); v != 3.5 {
		t.Fatalf("unexpected power %v", v)
	}
}

func TestDecoderMalformedFragmentKept(t *testing.T) {
	t.Parallel()

	dec := NewDecoder()
	if got := dec.Feed(`{"a":}` + "\n"); len(got) != 0 {
		t.Fatalf("unexpected samples %d", len(got))
	}
	if got := dec.Feed(`{"b":1}`); len(got) != 0 {
		t.Fatalf("malformed head must block later objects, got %d", len(got))
	}
	if dec.Buffered() == 0 {
		t.Fatal("malformed data must not be discarded")
	}
}

func TestDecoderSkipsNonObjectValues(t *testing.T) {
	t.Parallel()

	dec := NewDecoder()
	samples := dec.Feed(`"noise", {"rc6":{"value":7}}`)
	if len(samples) != 1 {
		t.Fatalf("expected 1 sample, got %d", len(samples))
	}
	if v := samples[0].Number("rc6", "value"); v != 7 {
		t.Fatalf("unexpected rc6 %v", v)
	}
}

func TestDecoderTwoPieceStream(t *testing.T) {
	t.Parallel()

	dec := NewDecoder()
	first := `[{"period":{"duration":10000},"engines":{"Render/3D/0":{"busy":12.5,"sema":0.0,"wait":3.1,"unit":"%"}}` + "\n"
	if got := dec.Feed(first); len(got) != 0 {
		t.Fatalf("expected no samples from the open object, got %d", len(got))
	}
	samples := dec.Feed("}]\n")
	if len(samples) != 1 {
		t.Fatalf("expected 1 sample, got %d", len(samples))
	}
	if dec.Buffered() != 0 {
		t.Fatalf("expected closing bracket to be dropped, %d bytes left", dec.Buffered())
	}
	if v := samples[0].Number("period", "duration"); v != 10000 {
		t.Fatalf("unexpected period %v", v)
	}
}

func assertSampleJSON(t *testing.T, sample Sample, expected string) {
	t.Helper()
	data, err := json.Marshal(sample)
	if err != nil {
		t.Fatalf("marshal sample: %v", err)
	}
	var got, want any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal sample: %v", err)
	}
	if err := json.Unmarshal([]byte(expected), &want); err != nil {
		t.Fatalf("unmarshal expected: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("sample mismatch:\n got %s\nwant %s", data, expected)
	}
}
