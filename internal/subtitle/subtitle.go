// Package subtitle is the container boundary of the pipeline: it flattens
// SRT cues into positioned line items, and folds a position→translation map
// back onto the original cues with per-cue reflow.
package subtitle

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/asticode/go-astisub"
)

// MusicMarker is the line content treated as pure music notation throughout
// the pipeline.
const MusicMarker = "♪"

// Item is one visual subtitle line with its stable pipeline position.
// Positions start at 1 and increase by one per line across all cues.
type Item struct {
	Position int
	Text     string
}

// PosRef locates a position inside the original cue structure.
type PosRef struct {
	Cue  int // index into the cue list
	Line int // index into the cue's lines
}

// File is a parsed subtitle file plus the flattened view the pipeline
// operates on.
type File struct {
	subs *astisub.Subtitles

	Items     []Item
	Refs      map[int]PosRef
	Durations map[int]float64 // display seconds per position (cue duration)
}

// Open reads and parses a subtitle file from disk.
func Open(path string) (*File, error) {
	subs, err := astisub.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open subtitles %s: %w", path, err)
	}
	return fromSubtitles(subs)
}

// FromSRT parses SRT content from a reader.
func FromSRT(r io.Reader) (*File, error) {
	subs, err := astisub.ReadFromSRT(r)
	if err != nil {
		return nil, fmt.Errorf("parse srt: %w", err)
	}
	return fromSubtitles(subs)
}

func fromSubtitles(subs *astisub.Subtitles) (*File, error) {
	if len(subs.Items) == 0 {
		return nil, fmt.Errorf("no cues parsed")
	}

	f := &File{
		subs:      subs,
		Refs:      make(map[int]PosRef),
		Durations: make(map[int]float64),
	}

	pos := 1
	for ci, cue := range subs.Items {
		// Every cue must contribute at least one position, even when empty.
		nLines := len(cue.Lines)
		if nLines == 0 {
			nLines = 1
		}

		dur := cue.EndAt.Seconds() - cue.StartAt.Seconds()
		if dur < 0.01 {
			dur = 0.01
		}

		for li := 0; li < nLines; li++ {
			text := ""
			if li < len(cue.Lines) {
				text = strings.TrimSpace(cue.Lines[li].String())
			}
			f.Items = append(f.Items, Item{Position: pos, Text: text})
			f.Refs[pos] = PosRef{Cue: ci, Line: li}
			f.Durations[pos] = dur
			pos++
		}
	}

	return f, nil
}

// SourceByPos returns the original text indexed by position.
func (f *File) SourceByPos() map[int]string {
	out := make(map[int]string, len(f.Items))
	for _, it := range f.Items {
		out[it.Position] = it.Text
	}
	return out
}

// Apply writes translated texts back onto the cues. Positions missing from
// the map keep their original text. Each cue is then reflowed: its line
// texts are joined and re-wrapped into the cue's original line count with at
// most maxLineChars per line.
func (f *File) Apply(translated map[int]string, maxLineChars int) {
	// Per-line substitution first, wrapping second.
	lineTexts := make(map[int][]string, len(f.subs.Items))
	for ci, cue := range f.subs.Items {
		texts := make([]string, max(1, len(cue.Lines)))
		for li := range cue.Lines {
			texts[li] = strings.TrimSpace(cue.Lines[li].String())
		}
		lineTexts[ci] = texts
	}

	for pos, ref := range f.Refs {
		texts, ok := lineTexts[ref.Cue]
		if !ok || ref.Line < 0 || ref.Line >= len(texts) {
			continue
		}
		if tr, ok := translated[pos]; ok {
			texts[ref.Line] = strings.TrimSpace(tr)
		}
	}

	for ci, cue := range f.subs.Items {
		texts := lineTexts[ci]
		var parts []string
		for _, t := range texts {
			if t != "" {
				parts = append(parts, t)
			}
		}
		combined := strings.Join(parts, " ")
		wrapped := wrapLines(combined, maxLineChars, len(texts))
		// Trailing empty lines would serialize as a premature cue break.
		for len(wrapped) > 1 && wrapped[len(wrapped)-1] == "" {
			wrapped = wrapped[:len(wrapped)-1]
		}
		cue.Lines = toLines(wrapped)
	}
}

// Write serializes the (possibly modified) subtitles to disk; the container
// format is chosen from the file extension.
func (f *File) Write(path string) error {
	if err := f.subs.Write(path); err != nil {
		return fmt.Errorf("write subtitles %s: %w", path, err)
	}
	return nil
}

// WriteSRT serializes the subtitles as SRT to a writer.
func (f *File) WriteSRT(w io.Writer) error {
	return f.subs.WriteToSRT(w)
}

// wrapLines wraps text into exactly nLines lines of at most maxChars each
// when feasible. The last line absorbs remaining words and may exceed
// maxChars only if unavoidable. A pure music line stays on the first line.
func wrapLines(text string, maxChars, nLines int) []string {
	if nLines < 1 {
		nLines = 1
	}

	s := strings.Join(strings.Fields(text), " ")
	if s == "" {
		return make([]string, nLines)
	}

	if s == MusicMarker {
		lines := make([]string, nLines)
		lines[0] = MusicMarker
		return lines
	}

	if maxChars <= 0 {
		lines := make([]string, nLines)
		lines[0] = s
		return lines
	}

	words := strings.Fields(s)
	lines := make([]string, 0, nLines)
	wi := 0

	for li := 0; li < nLines; li++ {
		if wi >= len(words) {
			lines = append(lines, "")
			continue
		}

		if li == nLines-1 {
			lines = append(lines, strings.Join(words[wi:], " "))
			wi = len(words)
			continue
		}

		cur := ""
		for wi < len(words) {
			w := words[wi]
			cand := w
			if cur != "" {
				cand = cur + " " + w
			}

			if utf8.RuneCountInString(cand) <= maxChars {
				cur = cand
				wi++
				continue
			}

			if cur != "" {
				break
			}

			// single word longer than the limit
			cur = w
			wi++
			break
		}
		lines = append(lines, cur)
	}

	for len(lines) < nLines {
		lines = append(lines, "")
	}
	return lines[:nLines]
}

func toLines(texts []string) []astisub.Line {
	lines := make([]astisub.Line, len(texts))
	for i, t := range texts {
		lines[i] = astisub.Line{Items: []astisub.LineItem{{Text: t}}}
	}
	return lines
}
