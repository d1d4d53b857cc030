package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLookup_MissThenHit(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, found, err := s.Lookup(ctx, "How are you?", "English", "Finnish"); err != nil || found {
		t.Fatalf("expected clean miss, got found=%v err=%v", found, err)
	}

	if err := s.Save(ctx, "How are you?", "English", "Finnish", "Mitä kuuluu?"); err != nil {
		t.Fatal(err)
	}

	got, found, err := s.Lookup(ctx, "How are you?", "English", "Finnish")
	if err != nil {
		t.Fatal(err)
	}
	if !found || got != "Mitä kuuluu?" {
		t.Errorf("got %q found=%v", got, found)
	}
}

func TestLookup_LanguagePairsIsolated(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, "Hello.", "English", "Finnish", "Hei."); err != nil {
		t.Fatal(err)
	}

	if _, found, _ := s.Lookup(ctx, "Hello.", "English", "Swedish"); found {
		t.Error("entry leaked across language pairs")
	}
}

func TestLookup_WhitespaceNormalizedKey(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, "How  are\tyou?", "English", "Finnish", "Mitä kuuluu?"); err != nil {
		t.Fatal(err)
	}

	got, found, err := s.Lookup(ctx, " How are you? ", "English", "Finnish")
	if err != nil {
		t.Fatal(err)
	}
	if !found || got != "Mitä kuuluu?" {
		t.Errorf("normalized lookup failed: %q found=%v", got, found)
	}
}

func TestSave_ReplacesExisting(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, "Hello.", "English", "Finnish", "Terve."); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, "Hello.", "English", "Finnish", "Hei."); err != nil {
		t.Fatal(err)
	}

	got, _, err := s.Lookup(ctx, "Hello.", "English", "Finnish")
	if err != nil {
		t.Fatal(err)
	}
	if got != "Hei." {
		t.Errorf("got %q, want replacement to win", got)
	}

	st, err := s.GetStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Entries != 1 {
		t.Errorf("entries: got %d, want 1", st.Entries)
	}
}

func TestGetStats_CountsHitsAndPairs(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.Save(ctx, "one", "English", "Finnish", "yksi")
	s.Save(ctx, "two", "English", "Swedish", "två")

	s.Lookup(ctx, "one", "English", "Finnish")
	s.Lookup(ctx, "one", "English", "Finnish")

	st, err := s.GetStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Entries != 2 {
		t.Errorf("entries: got %d, want 2", st.Entries)
	}
	if st.Hits != 2 {
		t.Errorf("hits: got %d, want 2", st.Hits)
	}
	if st.LangPairs != 2 {
		t.Errorf("language pairs: got %d, want 2", st.LangPairs)
	}
}

func TestSaveRun_CountedInStats(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	err := s.SaveRun(ctx, RunRecord{
		ID:              "run-1",
		InputFile:       "in.srt",
		OutputFile:      "out.srt",
		SourceLang:      "English",
		TargetLang:      "Finnish",
		Windows:         4,
		GroupsTotal:     40,
		GroupsCached:    10,
		PromptTokens:    1000,
		PredictedTokens: 800,
		Duration:        90 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}

	st, err := s.GetStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Runs != 1 {
		t.Errorf("runs: got %d, want 1", st.Runs)
	}
}

func TestClear_KeepsRunJournal(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.Save(ctx, "one", "English", "Finnish", "yksi")
	s.SaveRun(ctx, RunRecord{ID: "run-1", InputFile: "a", OutputFile: "b", SourceLang: "English", TargetLang: "Finnish"})

	if err := s.Clear(ctx); err != nil {
		t.Fatal(err)
	}

	st, err := s.GetStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Entries != 0 {
		t.Errorf("entries after clear: got %d, want 0", st.Entries)
	}
	if st.Runs != 1 {
		t.Errorf("runs after clear: got %d, want 1", st.Runs)
	}
}

func TestNormalizeText(t *testing.T) {
	got := normalizeText("  a\tb\nc  ")
	if got != "a b c" {
		t.Errorf("got %q, want %q", got, "a b c")
	}
}
