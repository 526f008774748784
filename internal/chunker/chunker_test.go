package chunker

import (
	"strings"
	"testing"
)

func TestSplitEmpty(t *testing.T) {
	if got := Split("", 100); got != nil {
		t.Fatalf("Split(empty) = %v, want nil", got)
	}
	if got := Split("   \n\t ", 100); got != nil {
		t.Fatalf("Split(whitespace) = %v, want nil", got)
	}
}

func TestSplitShortInputSingleChunk(t *testing.T) {
	got := Split("Hello there. General Kenobi.", 1000)
	if len(got) != 1 {
		t.Fatalf("len(chunks) = %d, want 1", len(got))
	}
	if got[0] != "Hello there. General Kenobi." {
		t.Fatalf("chunk = %q, want original text", got[0])
	}
}

func TestSplitPrefersSentenceBoundaries(t *testing.T) {
	// Two sentences of ~900 and ~600 characters with a 1000 limit must split
	// at the sentence boundary, not mid-sentence and not as one chunk.
	s1 := strings.Repeat("alpha ", 149) + "alpha."  // 900 chars
	s2 := strings.Repeat("beta ", 119) + "beta."    // 600 chars
	text := s1 + " " + s2

	got := Split(text, 1000)
	if len(got) != 2 {
		t.Fatalf("len(chunks) = %d, want 2 (%v)", len(got), chunkLens(got))
	}
	if got[0] != s1 {
		t.Fatalf("chunk[0] = %d chars, want first sentence (%d chars)", len(got[0]), len(s1))
	}
	if got[1] != s2 {
		t.Fatalf("chunk[1] = %d chars, want second sentence (%d chars)", len(got[1]), len(s2))
	}
}

func TestSplitAccumulatesSentences(t *testing.T) {
	text := "One. Two. Three. Four."
	got := Split(text, 12)
	want := []string{"One. Two.", "Three. Four."}
	if len(got) != len(want) {
		t.Fatalf("chunks = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("chunk[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSplitWordFallbackForLongSentence(t *testing.T) {
	sentence := strings.Repeat("word ", 59) + "word." // 300 chars, no early terminator
	got := Split(sentence, 100)
	if len(got) < 3 {
		t.Fatalf("len(chunks) = %d, want >= 3", len(got))
	}
	for i, c := range got {
		if len(c) > 100 {
			t.Fatalf("chunk[%d] length %d exceeds limit", i, len(c))
		}
		if strings.Contains(c, "  ") {
			t.Fatalf("chunk[%d] contains doubled space: %q", i, c)
		}
	}
}

func TestSplitDegenerateLongToken(t *testing.T) {
	token := strings.Repeat("x", 250)
	got := Split(token, 100)
	if len(got) != 1 {
		t.Fatalf("len(chunks) = %d, want 1 degenerate chunk", len(got))
	}
	if got[0] != token {
		t.Fatalf("degenerate chunk mangled: %d chars, want %d", len(got[0]), len(token))
	}
}

func TestSplitReconstruction(t *testing.T) {
	cases := []string{
		"A tiny text.",
		"First sentence here. Second sentence there! Third one? Yes.",
		strings.Repeat("Lorem ipsum dolor sit amet. ", 40),
		"No terminators at all just a very long run of words " + strings.Repeat("again ", 50),
	}
	for _, text := range cases {
		chunks := Split(text, 120)
		joined := strings.Join(chunks, " ")
		if normalizeWS(joined) != normalizeWS(text) {
			t.Fatalf("reconstruction mismatch:\n got %q\nwant %q", joined, text)
		}
	}
}

func chunkLens(chunks []string) []int {
	out := make([]int, len(chunks))
	for i, c := range chunks {
		out[i] = len(c)
	}
	return out
}

func normalizeWS(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
