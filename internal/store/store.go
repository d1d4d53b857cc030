// Package store is the sqlite-backed translation memory. Finished group
// translations are remembered per language pair so reruns and overlapping
// episodes skip the model for text they have already paid for.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

// RunRecord summarizes one completed file translation for the runs journal.
type RunRecord struct {
	ID              string
	InputFile       string
	OutputFile      string
	SourceLang      string
	TargetLang      string
	Windows         int
	GroupsTotal     int
	GroupsCached    int
	PromptTokens    int
	PredictedTokens int
	Duration        time.Duration
}

// Stats describes the memory contents for the cache command.
type Stats struct {
	Entries   int
	Hits      int
	LangPairs int
	Runs      int
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS group_memory (
		id TEXT PRIMARY KEY,
		source_text TEXT NOT NULL,
		source_lang TEXT NOT NULL,
		target_lang TEXT NOT NULL,
		translated_text TEXT NOT NULL,
		usage_count INTEGER DEFAULT 1,
		last_used TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(source_text, source_lang, target_lang)
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		input_file TEXT NOT NULL,
		output_file TEXT NOT NULL,
		source_lang TEXT NOT NULL,
		target_lang TEXT NOT NULL,
		windows INTEGER,
		groups_total INTEGER,
		groups_cached INTEGER,
		prompt_tokens INTEGER,
		predicted_tokens INTEGER,
		duration_ms INTEGER,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_group_memory_lookup ON group_memory(source_text, source_lang, target_lang);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Lookup returns the remembered translation for a group text, bumping its
// usage counter on a hit.
func (s *Store) Lookup(ctx context.Context, sourceText, sourceLang, targetLang string) (string, bool, error) {
	key := normalizeText(sourceText)

	var translated string
	err := s.db.QueryRowContext(ctx,
		`SELECT translated_text FROM group_memory WHERE source_text = ? AND source_lang = ? AND target_lang = ?`,
		key, sourceLang, targetLang).Scan(&translated)

	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE group_memory SET usage_count = usage_count + 1, last_used = ? WHERE source_text = ? AND source_lang = ? AND target_lang = ?`,
		time.Now(), key, sourceLang, targetLang)

	return translated, true, err
}

// Save remembers one group translation, replacing any previous entry for
// the same text and language pair.
func (s *Store) Save(ctx context.Context, sourceText, sourceLang, targetLang, translatedText string) error {
	id := fmt.Sprintf("gm_%d", time.Now().UnixNano())
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO group_memory (id, source_text, source_lang, target_lang, translated_text, usage_count, last_used, created_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
		id, normalizeText(sourceText), sourceLang, targetLang, translatedText, time.Now(), time.Now())
	return err
}

// SaveRun appends one run summary to the journal.
func (s *Store) SaveRun(ctx context.Context, r RunRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, input_file, output_file, source_lang, target_lang, windows, groups_total, groups_cached, prompt_tokens, predicted_tokens, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.InputFile, r.OutputFile, r.SourceLang, r.TargetLang,
		r.Windows, r.GroupsTotal, r.GroupsCached, r.PromptTokens, r.PredictedTokens,
		r.Duration.Milliseconds())
	return err
}

// GetStats reports memory size and reuse.
func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	var st Stats

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM group_memory`).Scan(&st.Entries); err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(usage_count - 1), 0) FROM group_memory`).Scan(&st.Hits); err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT source_lang || '>' || target_lang) FROM group_memory`).Scan(&st.LangPairs); err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&st.Runs); err != nil {
		return st, err
	}

	return st, nil
}

// Clear drops all remembered translations; the runs journal is kept.
func (s *Store) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM group_memory`)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// normalizeText canonicalizes memory keys: NFC normalization plus
// whitespace collapsing, so trivially different renderings of the same
// subtitle text share one entry.
func normalizeText(text string) string {
	text = norm.NFC.String(text)
	return strings.Join(strings.Fields(text), " ")
}
