// Package splitback redistributes one translated group's text across the
// original line positions it covers. Per-position target lengths are
// weighted by display duration when known, falling back to the original
// source-line lengths, and a single greedy walk assigns whole words.
package splitback

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/valpere/subtran/internal/subtitle"
)

// minTarget is the floor every per-position target is clamped to.
const minTarget = 8

// Options control chunk shaping.
type Options struct {
	MaxLineChars  int // clamp ceiling per position
	MinChunkChars int // a chunk keeps growing until at least this long
}

// Allocate partitions translated across positions. A pure music marker goes
// to the first position only; other positions stay unmapped so the caller's
// fallback applies. Otherwise every position receives exactly one
// whitespace-trimmed chunk; the last position absorbs all remaining words
// and a position with no words left gets an empty string.
func Allocate(positions []int, translated string, sourceByPos map[int]string, durationByPos map[int]float64, opts Options) map[int]string {
	tr := strings.TrimSpace(translated)

	if tr == subtitle.MusicMarker {
		if len(positions) == 0 {
			return map[int]string{}
		}
		return map[int]string{positions[0]: subtitle.MusicMarker}
	}

	var targets []int
	if allHaveDurations(positions, durationByPos) {
		targets = targetsFromDurations(positions, tr, durationByPos, opts)
	} else {
		targets = targetsFromSource(positions, sourceByPos, opts)
	}

	chunks := splitGreedy(tr, targets, opts.MinChunkChars)

	out := make(map[int]string, len(positions))
	for i, p := range positions {
		if i < len(chunks) {
			out[p] = strings.TrimSpace(chunks[i])
		} else {
			out[p] = ""
		}
	}
	return out
}

func allHaveDurations(positions []int, durationByPos map[int]float64) bool {
	if len(durationByPos) == 0 {
		return false
	}
	for _, p := range positions {
		if _, ok := durationByPos[p]; !ok {
			return false
		}
	}
	return true
}

// targetsFromSource derives targets from the original line lengths, clamped
// to [minTarget, MaxLineChars].
func targetsFromSource(positions []int, sourceByPos map[int]string, opts Options) []int {
	targets := make([]int, len(positions))
	for i, p := range positions {
		src := strings.TrimSpace(sourceByPos[p])
		t := utf8.RuneCountInString(src)
		if t < minTarget {
			t = minTarget
		}
		if t > opts.MaxLineChars {
			t = opts.MaxLineChars
		}
		targets[i] = t
	}
	return targets
}

// targetsFromDurations derives targets proportional to display duration,
// clamps each to [max(minTarget, MinChunkChars), MaxLineChars], then
// redistributes so the sum approaches (never exceeds) the smaller of the
// translated length and the aggregate ceiling. Growth favors the
// longest-duration positions; shrinking starts at the shortest. Both loops
// stop as soon as no candidate can move, which is what guarantees
// termination.
func targetsFromDurations(positions []int, translated string, durationByPos map[int]float64, opts Options) []int {
	totalChars := utf8.RuneCountInString(translated)
	if totalChars < 1 {
		totalChars = 1
	}

	minT := opts.MinChunkChars
	if minT < minTarget {
		minT = minTarget
	}
	maxT := opts.MaxLineChars

	durs := make([]float64, len(positions))
	totalDur := 0.0
	for i, p := range positions {
		d := durationByPos[p]
		if d < 0.01 {
			d = 0.01
		}
		durs[i] = d
		totalDur += d
	}
	if totalDur <= 0 {
		return targetsFromSource(positions, map[int]string{}, opts)
	}

	targets := make([]int, len(positions))
	for i, d := range durs {
		t := int(float64(totalChars)*d/totalDur + 0.5)
		if t < minT {
			t = minT
		}
		if t > maxT {
			t = maxT
		}
		targets[i] = t
	}

	capTotal := totalChars
	if m := maxT * len(positions); m < capTotal {
		capTotal = m
	}

	curTotal := 0
	for _, t := range targets {
		curTotal += t
	}

	switch {
	case curTotal < capTotal:
		budget := capTotal - curTotal
		order := indexesByDuration(durs, false) // longest first

		for budget > 0 {
			grew := false
			for _, idx := range order {
				if budget <= 0 {
					break
				}
				if targets[idx] < maxT {
					targets[idx]++
					budget--
					grew = true
				}
			}
			if !grew {
				break // nothing can grow
			}
		}

	case curTotal > capTotal:
		over := curTotal - capTotal
		order := indexesByDuration(durs, true) // shortest first

		for over > 0 {
			shrank := false
			for _, idx := range order {
				if over <= 0 {
					break
				}
				if targets[idx] > minT {
					targets[idx]--
					over--
					shrank = true
				}
			}
			if !shrank {
				break // nothing can shrink
			}
		}
	}

	return targets
}

func indexesByDuration(durs []float64, ascending bool) []int {
	order := make([]int, len(durs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		if ascending {
			return durs[order[a]] < durs[order[b]]
		}
		return durs[order[a]] > durs[order[b]]
	})
	return order
}

// splitGreedy walks the words once, growing each chunk while it is under its
// target or under the minimum chunk length. The final target takes whatever
// is left.
func splitGreedy(text string, targets []int, minChunkChars int) []string {
	s := strings.TrimSpace(text)
	if len(targets) == 0 {
		return []string{s}
	}

	words := strings.Fields(s)
	if len(words) == 0 {
		return make([]string, len(targets))
	}

	chunks := make([]string, 0, len(targets))
	wi := 0

	for ti, target := range targets {
		if wi >= len(words) {
			chunks = append(chunks, "")
			continue
		}

		if ti == len(targets)-1 {
			chunks = append(chunks, strings.Join(words[wi:], " "))
			wi = len(words)
			continue
		}

		var cur []string
		curLen := 0

		for wi < len(words) {
			w := words[wi]
			addLen := utf8.RuneCountInString(w)
			if len(cur) > 0 {
				addLen++
			}

			if len(cur) > 0 && curLen+addLen > target && curLen >= minChunkChars {
				break
			}

			cur = append(cur, w)
			curLen += addLen
			wi++

			if curLen >= target && curLen >= minChunkChars {
				break
			}
		}

		chunks = append(chunks, strings.Join(cur, " "))
	}

	return chunks
}
