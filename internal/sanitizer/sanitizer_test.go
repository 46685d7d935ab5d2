package sanitizer

import "testing"

func TestCountOccurrences(t *testing.T) {
	stderr := "frame= 10 Error while decoding stream\nNon-monotonic DTS detected\nNon-monotonic DTS detected\n"
	if n := countOccurrences(stderr, "error while decoding"); n != 0 {
		// count is case-sensitive; ffmpeg warning text casing is matched exactly
		t.Errorf("expected 0 exact-case matches, got %d", n)
	}
	if n := countOccurrences(stderr, "Non-monotonic DTS"); n != 2 {
		t.Errorf("expected 2 occurrences, got %d", n)
	}
}

func TestCountOccurrencesNoMatch(t *testing.T) {
	if n := countOccurrences("clean output, no issues", "Error", "Non-monotonic DTS"); n != 0 {
		t.Errorf("expected 0 occurrences in clean output, got %d", n)
	}
}

func TestMinUsableDurationConstant(t *testing.T) {
	if MinUsableDuration.Seconds() != 2.0 {
		t.Errorf("expected 2.0s minimum usable duration per spec, got %v", MinUsableDuration)
	}
}
