package chunker_test

import (
	"bytes"
	"math/rand"
	"testing"

	"canopy/internal/chunker"
)

// testBytes returns n pseudo-random bytes from a fixed seed so chunk
// boundaries are reproducible across runs.
func testBytes(t *testing.T, n int) []byte {
	t.Helper()
	rng := rand.New(rand.NewSource(42))
	data := make([]byte, n)
	rng.Read(data)
	return data
}

func join(chunks [][]byte) []byte {
	var out []byte
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}

func TestSplitIsDeterministic(t *testing.T) {
	data := testBytes(t, 3<<20)

	a, err := chunker.SplitBytes(data)
	if err != nil {
		t.Fatalf("split failed: %v", err)
	}
	b, err := chunker.SplitBytes(data)
	if err != nil {
		t.Fatalf("split failed: %v", err)
	}

	if len(a) != len(b) {
		t.Fatalf("chunk counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if !bytes.Equal(a[i], b[i]) {
			t.Fatalf("chunk %d differs between runs", i)
		}
	}
}

func TestSplitPreservesBytes(t *testing.T) {
	data := testBytes(t, 2<<20+12345)

	chunks, err := chunker.SplitBytes(data)
	if err != nil {
		t.Fatalf("split failed: %v", err)
	}
	if !bytes.Equal(join(chunks), data) {
		t.Fatalf("chunks do not reassemble the original bytes")
	}
}

func TestLargeStreamSpansMultipleChunks(t *testing.T) {
	data := testBytes(t, 2<<20)

	chunks, err := chunker.SplitBytes(data)
	if err != nil {
		t.Fatalf("split failed: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected a 2MB stream to span multiple chunks, got %d", len(chunks))
	}
}

func TestEmptyInputYieldsNoChunks(t *testing.T) {
	chunks, err := chunker.SplitBytes(nil)
	if err != nil {
		t.Fatalf("split failed: %v", err)
	}
	if len(chunks) != 0 {
		t.Fatalf("expected no chunks for empty input, got %d", len(chunks))
	}
}

func TestSplitterMatchesSplit(t *testing.T) {
	data := testBytes(t, 3<<20+777)

	want, err := chunker.SplitBytes(data)
	if err != nil {
		t.Fatalf("split failed: %v", err)
	}

	s := chunker.NewSplitter()
	var got [][]byte
	// Feed in uneven pieces to exercise boundary handling.
	for start := 0; start < len(data); {
		end := min(start+100_000+start%7919, len(data))
		if err := s.Append(data[start:end]); err != nil {
			t.Fatalf("append failed: %v", err)
		}
		got = append(got, s.Drain()...)
		start = end
	}
	tail, err := s.Finish()
	if err != nil {
		t.Fatalf("finish failed: %v", err)
	}
	got = append(got, tail...)

	if len(got) != len(want) {
		t.Fatalf("chunk counts differ: splitter %d vs split %d", len(got), len(want))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Fatalf("chunk %d differs between splitter and split", i)
		}
	}
}

func TestAppendStability(t *testing.T) {
	prefix := testBytes(t, 2<<20)
	suffix := bytes.Repeat([]byte("tail"), 300_000)

	short, err := chunker.SplitBytes(prefix)
	if err != nil {
		t.Fatalf("split failed: %v", err)
	}
	long, err := chunker.SplitBytes(append(append([]byte(nil), prefix...), suffix...))
	if err != nil {
		t.Fatalf("split failed: %v", err)
	}

	// Every chunk of the short stream except the trailing partial one must
	// reappear unchanged at the head of the longer stream.
	stable := len(short) - 1
	if stable < 1 {
		t.Fatalf("test stream too small to check stability")
	}
	for i := 0; i < stable; i++ {
		if !bytes.Equal(short[i], long[i]) {
			t.Fatalf("append changed settled chunk %d", i)
		}
	}
}
