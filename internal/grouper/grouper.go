// Package grouper merges raw subtitle lines into sentence-ish translation
// units. The scan keeps dash-dialogue lines with their continuations,
// isolates music and multi-speaker lines, flushes on phrase-ending
// punctuation and merges tiny fragments into the previous unit when safe.
package grouper

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/valpere/subtran/internal/subtitle"
)

var (
	punctEndRE   = regexp.MustCompile(`[.!?…]+["')\]]*$`)
	twoSpeakerRE = regexp.MustCompile(`\s-\s`)
)

// Group is a contiguous run of source lines translated as one unit.
// After Build the ids are dense (1..N) and every input position belongs to
// exactly one group.
type Group struct {
	ID        int
	Positions []int
	Text      string
}

// Options are the grouping heuristics' thresholds.
type Options struct {
	MaxLines     int // flush before exceeding this many lines per group
	MaxChars     int // flush before exceeding this character budget
	MinTextChars int // below this a group is a merge candidate
	MinWords     int // below this a group is a merge candidate
}

func isMusicOnly(line string) bool {
	return strings.TrimSpace(line) == subtitle.MusicMarker
}

func startsDash(line string) bool {
	return strings.HasPrefix(strings.TrimLeft(line, " \t"), "-")
}

// containsTwoSpeaker reports whether a line embeds a second speaker turn,
// e.g. "- Objection... - Overruled...". The leading dash is stripped first
// so only an interior " - " counts.
func containsTwoSpeaker(line string) bool {
	s := strings.TrimSpace(line)
	s = strings.TrimPrefix(s, "-")
	return twoSpeakerRE.MatchString(s)
}

func endsPhrase(line string) bool {
	return punctEndRE.MatchString(strings.TrimSpace(line))
}

// Build groups items in a single left-to-right scan with one-line lookahead,
// then merges tiny fragments. Every position ends up in exactly one group.
func Build(items []subtitle.Item, opts Options) []Group {
	var groups []Group
	var curPositions []int
	var curParts []string
	curChars := 0
	gid := 1
	prevLine := ""

	flush := func() {
		if len(curPositions) == 0 {
			return
		}
		parts := make([]string, len(curParts))
		for i, p := range curParts {
			parts[i] = strings.TrimSpace(p)
		}
		groups = append(groups, Group{
			ID:        gid,
			Positions: append([]int(nil), curPositions...),
			Text:      strings.TrimSpace(strings.Join(parts, " ")),
		})
		gid++
		curPositions = nil
		curParts = nil
		curChars = 0
	}

	for idx, it := range items {
		line := strings.TrimSpace(it.Text)

		nextLine := ""
		if idx+1 < len(items) {
			nextLine = strings.TrimSpace(items[idx+1].Text)
		}

		// Music is always a singleton.
		if isMusicOnly(line) {
			flush()
			groups = append(groups, Group{ID: gid, Positions: []int{it.Position}, Text: subtitle.MusicMarker})
			gid++
			prevLine = line
			continue
		}

		// Multi-speaker-in-one-line isolation, unless the line clearly
		// continues into the next one.
		if containsTwoSpeaker(line) {
			nextIsNewTurn := startsDash(nextLine) || isMusicOnly(nextLine) || nextLine == ""
			selfContained := endsPhrase(line)
			if selfContained || nextIsNewTurn {
				flush()
				groups = append(groups, Group{ID: gid, Positions: []int{it.Position}, Text: line})
				gid++
				prevLine = line
				continue
			}
		}

		if len(curPositions) > 0 {
			// A fresh dash-dialogue line starts a new speaker turn; dash +
			// continuation lines stay together.
			if startsDash(line) && !startsDash(prevLine) {
				flush()
			}

			if len(curPositions) >= opts.MaxLines || curChars+utf8.RuneCountInString(line)+1 > opts.MaxChars {
				flush()
			}
		}

		curPositions = append(curPositions, it.Position)
		curParts = append(curParts, line)
		curChars += utf8.RuneCountInString(line) + 1

		if endsPhrase(line) {
			flush()
		}

		prevLine = line
	}

	flush()

	return mergeTiny(groups, opts)
}

// OneToOne maps every line to its own group, used when phrase grouping is
// disabled.
func OneToOne(items []subtitle.Item) []Group {
	groups := make([]Group, 0, len(items))
	for i, it := range items {
		groups = append(groups, Group{
			ID:        i + 1,
			Positions: []int{it.Position},
			Text:      strings.TrimSpace(it.Text),
		})
	}
	return groups
}

// mergeTiny merges tiny fragment groups into the previous group, but never:
// music, groups starting with a dash, multi-speaker lines, or across a
// phrase boundary. Ids are renumbered densely afterwards.
func mergeTiny(groups []Group, opts Options) []Group {
	merged := make([]Group, 0, len(groups))

	for _, g := range groups {
		text := strings.TrimSpace(g.Text)

		if text == subtitle.MusicMarker {
			merged = append(merged, g)
			continue
		}

		if startsDash(text) || containsTwoSpeaker(text) {
			merged = append(merged, g)
			continue
		}

		isTiny := utf8.RuneCountInString(text) < opts.MinTextChars || len(strings.Fields(text)) < opts.MinWords

		if len(merged) == 0 {
			merged = append(merged, g)
			continue
		}

		prev := &merged[len(merged)-1]
		if endsPhrase(prev.Text) {
			merged = append(merged, g)
			continue
		}

		if isTiny {
			prev.Positions = append(prev.Positions, g.Positions...)
			prev.Text = strings.TrimSpace(strings.TrimRight(prev.Text, " ") + " " + text)
		} else {
			merged = append(merged, g)
		}
	}

	for i := range merged {
		merged[i].ID = i + 1
	}
	return merged
}
