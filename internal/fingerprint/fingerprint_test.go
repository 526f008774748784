package fingerprint

import "testing"

func TestRequestStable(t *testing.T) {
	p := Params{ModelID: "eleven_multilingual_v2", Stability: 0.5, SimilarityBoost: 0.75}
	a := Request("hello world", "voice-1", p)
	b := Request("hello world", "voice-1", p)
	if a != b {
		t.Fatalf("identical inputs produced different fingerprints: %q vs %q", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("fingerprint length = %d, want 64 hex chars", len(a))
	}
}

func TestRequestSensitiveToEveryField(t *testing.T) {
	base := Params{ModelID: "eleven_multilingual_v2", Stability: 0.5, SimilarityBoost: 0.75}
	ref := Request("hello world", "voice-1", base)

	variants := map[string]string{
		"text":       Request("hello world!", "voice-1", base),
		"voice":      Request("hello world", "voice-2", base),
		"model":      Request("hello world", "voice-1", Params{ModelID: "eleven_turbo_v2", Stability: 0.5, SimilarityBoost: 0.75}),
		"stability":  Request("hello world", "voice-1", Params{ModelID: base.ModelID, Stability: 0.6, SimilarityBoost: 0.75}),
		"similarity": Request("hello world", "voice-1", Params{ModelID: base.ModelID, Stability: 0.5, SimilarityBoost: 0.8}),
	}
	for field, got := range variants {
		if got == ref {
			t.Fatalf("changing %s did not change the fingerprint", field)
		}
	}
}

func TestRequestFieldBoundaries(t *testing.T) {
	// Length prefixes must prevent adjacent fields from bleeding into each
	// other ("ab"+"c" vs "a"+"bc").
	p := Params{}
	if Request("ab", "c", p) == Request("a", "bc", p) {
		t.Fatalf("field boundary collision between text and voice id")
	}
}

func TestContentIgnoresVoice(t *testing.T) {
	if Content("same text") != Content("same text") {
		t.Fatalf("content hash unstable")
	}
	if Content("same text") == Content("other text") {
		t.Fatalf("distinct texts share a content hash")
	}
}
