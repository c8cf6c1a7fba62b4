package safety

import (
	"strings"
	"testing"
)

func TestScanWholeWordOnly(t *testing.T) {
	d := NewDetector()

	if f, ok := d.Scan("This is stupid"); !ok {
		t.Fatal("expected a finding for a lexicon term")
	} else if f.Matched != "stupid" || f.Cat != CategoryHarsh {
		t.Fatalf("unexpected finding: %+v", f)
	}

	// Substrings inside longer words must never match: "die" in "diet",
	// "gun" in "Gunnar", "fat" in "father".
	for _, text := range []string{"I love my diet plan", "Gunnar is my friend", "my father is tall"} {
		if f, ok := d.Scan(text); ok {
			t.Fatalf("unexpected finding %+v in %q", f, text)
		}
	}
}

func TestScanPhrases(t *testing.T) {
	d := NewDetector()
	f, ok := d.Scan("Well, SHUT UP already")
	if !ok {
		t.Fatal("expected phrase match to be case-insensitive")
	}
	if f.Matched != "shut up" {
		t.Fatalf("expected phrase term, got %q", f.Matched)
	}
}

func TestScanReportsEarliestHit(t *testing.T) {
	d := NewDetector()
	f, ok := d.Scan("you loser, this is stupid")
	if !ok {
		t.Fatal("expected finding")
	}
	if f.Matched != "loser" {
		t.Fatalf("expected earliest term to win, got %q", f.Matched)
	}
}

func TestScanCleanText(t *testing.T) {
	d := NewDetector()
	if _, ok := d.Scan("Tell me a story about a brave little mouse"); ok {
		t.Fatal("clean text should not produce findings")
	}
	if _, ok := d.Scan(""); ok {
		t.Fatal("empty text should not produce findings")
	}
}

func TestGuidanceComposition(t *testing.T) {
	d := NewDetector()
	f, ok := d.Scan("This is stupid")
	if !ok {
		t.Fatal("expected finding")
	}
	msg := d.Guidance(f)
	if msg == "" {
		t.Fatal("guidance must never be empty")
	}
	if !strings.Contains(msg, "Instead of saying") {
		t.Fatalf("guidance missing alternative phrasing: %q", msg)
	}
	if !strings.Contains(msg, "big feeling") {
		t.Fatalf("guidance missing empathetic acknowledgement: %q", msg)
	}
	for _, punitive := range []string{"bad", "naughty", "wrong", "never say"} {
		if strings.Contains(strings.ToLower(msg), punitive) {
			t.Fatalf("guidance contains punitive language %q: %q", punitive, msg)
		}
	}

	// Deterministic: same finding, same guidance.
	if again := d.Guidance(f); again != msg {
		t.Fatalf("guidance not deterministic: %q vs %q", msg, again)
	}
}
