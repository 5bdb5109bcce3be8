package embedding

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestChunkShortText(t *testing.T) {
	chunks := Chunk("hello world", 100)
	if len(chunks) != 1 || chunks[0] != "hello world" {
		t.Fatalf("expected one chunk, got %v", chunks)
	}
	if got := Chunk("", 100); got != nil {
		t.Fatalf("expected nil for empty text, got %v", got)
	}
}

func TestChunkDefaultBudget(t *testing.T) {
	// A non-positive budget falls back to the built-in default.
	text := strings.Repeat("a", defaultMaxChars+500)
	chunks := Chunk(text, 0)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if len(chunks[0]) != defaultMaxChars {
		t.Errorf("first chunk is %d chars, want %d", len(chunks[0]), defaultMaxChars)
	}
}

func TestChunkOverlap(t *testing.T) {
	const maxChars = 1000
	text := strings.Repeat("a", maxChars+500)
	chunks := Chunk(text, maxChars)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if len(chunks[0]) != maxChars {
		t.Errorf("first chunk is %d chars, want %d", len(chunks[0]), maxChars)
	}
	// The second chunk starts one overlap (10% of the budget) before the
	// first one ends.
	overlap := maxChars / 10
	if len(chunks[1]) != 500+overlap {
		t.Errorf("second chunk is %d chars, want %d", len(chunks[1]), 500+overlap)
	}
}

func TestChunkCoversEverything(t *testing.T) {
	const maxChars = 200
	text := strings.Repeat("x", 3*maxChars)
	chunks := Chunk(text, maxChars)
	total := 0
	for _, c := range chunks {
		if len(c) > maxChars {
			t.Errorf("chunk exceeds budget: %d", len(c))
		}
		total += len(c)
	}
	// With overlap the chunks together cover at least the full text.
	if total < len(text) {
		t.Errorf("chunks cover %d chars of %d", total, len(text))
	}
}

func TestChunkRuneBoundaries(t *testing.T) {
	// Multi-byte runes must never be cut mid-sequence; the budget counts
	// characters, not bytes.
	text := strings.Repeat("日本語テキスト", 40)
	const maxChars = 50
	chunks := Chunk(text, maxChars)
	if len(chunks) < 2 {
		t.Fatalf("expected several chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if !utf8.ValidString(c) {
			t.Fatalf("chunk %d is not valid UTF-8", i)
		}
		if n := utf8.RuneCountInString(c); n > maxChars {
			t.Errorf("chunk %d has %d runes, budget is %d", i, n, maxChars)
		}
	}
	// Stitching the chunks back together (dropping each overlap) must
	// reproduce the original text exactly.
	overlap := maxChars / 10
	var rebuilt []rune
	for i, c := range chunks {
		runes := []rune(c)
		if i > 0 {
			runes = runes[overlap:]
		}
		rebuilt = append(rebuilt, runes...)
	}
	if string(rebuilt) != text {
		t.Fatal("chunks do not reassemble into the original text")
	}
}
