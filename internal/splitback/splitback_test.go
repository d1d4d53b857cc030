package splitback_test

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/valpere/subtran/internal/splitback"
	"github.com/valpere/subtran/internal/subtitle"
)

func defaultOpts() splitback.Options {
	return splitback.Options{MaxLineChars: 42, MinChunkChars: 10}
}

func reconstruct(positions []int, got map[int]string) string {
	var parts []string
	for _, p := range positions {
		if got[p] != "" {
			parts = append(parts, got[p])
		}
	}
	return strings.Join(parts, " ")
}

func TestAllocate_SinglePosition(t *testing.T) {
	got := splitback.Allocate([]int{5}, "Koko käännös yhdelle riville.", nil, nil, defaultOpts())
	if got[5] != "Koko käännös yhdelle riville." {
		t.Errorf("got %q", got[5])
	}
}

func TestAllocate_ReconstructionPreservesWords(t *testing.T) {
	positions := []int{1, 2, 3}
	text := "Sanat täytyy säilyttää täsmälleen samassa järjestyksessä kuin ne olivat."
	src := map[int]string{1: "words must be", 2: "kept in the", 3: "same order."}

	got := splitback.Allocate(positions, text, src, nil, defaultOpts())

	if len(got) != 3 {
		t.Fatalf("expected a chunk per position, got %v", got)
	}
	if reconstruct(positions, got) != text {
		t.Errorf("reconstruction mismatch:\n got %q\nwant %q", reconstruct(positions, got), text)
	}
}

func TestAllocate_LastPositionAbsorbsRemainder(t *testing.T) {
	positions := []int{1, 2}
	text := "Lyhyt alku ja sitten hyvin pitkä loppuosa joka ei mahdu mihinkään järkevään riviin ollenkaan."
	src := map[int]string{1: "short", 2: "long"}

	got := splitback.Allocate(positions, text, src, nil, defaultOpts())
	if got[2] == "" {
		t.Fatal("last chunk empty")
	}
	if !strings.HasSuffix(got[2], "ollenkaan.") {
		t.Errorf("last chunk should absorb the tail: %q", got[2])
	}
	if reconstruct(positions, got) != text {
		t.Errorf("words lost in absorption")
	}
}

func TestAllocate_MusicMarkerFirstPositionOnly(t *testing.T) {
	positions := []int{3, 4, 5}
	got := splitback.Allocate(positions, " ♪ ", nil, nil, defaultOpts())

	if got[3] != subtitle.MusicMarker {
		t.Errorf("first position: got %q, want music marker", got[3])
	}
	if _, ok := got[4]; ok {
		t.Error("later positions must stay unmapped for the caller's fallback")
	}
	if len(got) != 1 {
		t.Errorf("got %d mapped positions, want 1", len(got))
	}
}

func TestAllocate_FewWordsLeaveTrailingEmpties(t *testing.T) {
	positions := []int{1, 2, 3}
	src := map[int]string{1: "aaaaaaaaaaaaaaaaaaaa", 2: "bbbbbbbbbbbbbbbbbbbb", 3: "cc"}

	got := splitback.Allocate(positions, "Yksi.", src, nil, defaultOpts())
	if got[1] != "Yksi." {
		t.Errorf("first chunk: got %q", got[1])
	}
	if got[2] != "" || got[3] != "" {
		t.Errorf("exhausted positions should be empty strings: %v", got)
	}
}

func TestAllocate_DurationWeighting(t *testing.T) {
	positions := []int{1, 2}
	durs := map[int]float64{1: 6.0, 2: 1.0}
	text := strings.TrimSpace(strings.Repeat("sana toinen kolmas neljäs ", 3))

	got := splitback.Allocate(positions, text, nil, durs, splitback.Options{MaxLineChars: 80, MinChunkChars: 10})

	if reconstruct(positions, got) != text {
		t.Fatalf("reconstruction mismatch: %v", got)
	}
	if len(got[1]) <= len(got[2]) {
		t.Errorf("longer-duration position should carry more text: %d vs %d chars",
			len(got[1]), len(got[2]))
	}
}

func TestAllocate_MissingDurationFallsBackToSource(t *testing.T) {
	positions := []int{1, 2}
	durs := map[int]float64{1: 5.0} // position 2 unknown
	src := map[int]string{1: "first line here", 2: "second"}
	text := "Ensimmäinen rivi tässä ja toinen."

	got := splitback.Allocate(positions, text, src, durs, defaultOpts())
	if reconstruct(positions, got) != text {
		t.Errorf("fallback allocation lost words: %v", got)
	}
}

func TestAllocate_EmptyTranslation(t *testing.T) {
	got := splitback.Allocate([]int{1, 2}, "   ", map[int]string{1: "a", 2: "b"}, nil, defaultOpts())
	if got[1] != "" || got[2] != "" {
		t.Errorf("empty translation should map to empty chunks: %v", got)
	}
}

func TestAllocate_ChunksRespectLooseCeiling(t *testing.T) {
	// Chunks may overshoot a little when finishing a word, but should stay
	// near the ceiling rather than swallowing the whole text.
	positions := []int{1, 2, 3, 4}
	durs := map[int]float64{1: 1, 2: 1, 3: 1, 4: 1}
	text := strings.TrimSpace(strings.Repeat("sana ", 40)) // 200 chars

	got := splitback.Allocate(positions, text, nil, durs, splitback.Options{MaxLineChars: 42, MinChunkChars: 10})
	for p := 1; p <= 3; p++ {
		if len(got[p]) > 42+10 {
			t.Errorf("position %d chunk far over ceiling: %d chars", p, len(got[p]))
		}
	}
	if reconstruct(positions, got) != text {
		t.Error("reconstruction mismatch")
	}
}

func TestAllocate_MultibyteTextSplitsEvenly(t *testing.T) {
	positions := []int{1, 2}
	words := make([]string, 30)
	for i := range words {
		words[i] = "ää"
	}
	text := strings.Join(words, " ")
	durs := map[int]float64{1: 2.0, 2: 2.0}

	got := splitback.Allocate(positions, text, nil, durs, defaultOpts())

	n1 := len(strings.Fields(got[1]))
	n2 := len(strings.Fields(got[2]))
	if n1 != 14 || n2 != 16 {
		t.Errorf("word split: got %d/%d, want 14/16", n1, n2)
	}
	for _, p := range positions {
		if w := utf8.RuneCountInString(got[p]); w > defaultOpts().MaxLineChars+6 {
			t.Errorf("position %d renders %d characters against a %d target: %q",
				p, w, defaultOpts().MaxLineChars, got[p])
		}
	}
	if reconstruct(positions, got) != text {
		t.Errorf("words lost in split: %v", got)
	}
}
