package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/valpere/subtran/internal/extract"
	"github.com/valpere/subtran/internal/grouper"
	"github.com/valpere/subtran/internal/jsonrepair"
	"github.com/valpere/subtran/internal/prompt"
	"github.com/valpere/subtran/internal/splitback"
	"github.com/valpere/subtran/internal/windower"
)

// windowState is the owned mutable state of one window's translation,
// advanced by pure transitions: the chunk is a prefix of the remaining
// focus; everything behind the chunk has been translated already.
type windowState struct {
	remaining []grouper.Group // untranslated focus groups, in order
	chunk     int             // groups of remaining currently attempted
	attempts  int             // failures of the current chunk
}

func newWindowState(focus []grouper.Group) windowState {
	return windowState{remaining: focus, chunk: len(focus)}
}

func (s windowState) done() bool {
	return len(s.remaining) == 0
}

func (s windowState) currentChunk() []grouper.Group {
	return s.remaining[:s.chunk]
}

// forwardContext is the not-yet-attempted focus tail plus the window's own
// trailing context: the model sees upcoming material without being required
// to translate it.
func (s windowState) forwardContext(after []grouper.Group) []grouper.Group {
	tail := s.remaining[s.chunk:]
	fwd := make([]grouper.Group, 0, len(tail)+len(after))
	fwd = append(fwd, tail...)
	fwd = append(fwd, after...)
	return fwd
}

// advance consumes the successfully translated chunk; the next chunk is the
// full remainder with a fresh attempt counter.
func (s windowState) advance() windowState {
	rest := s.remaining[s.chunk:]
	return windowState{remaining: rest, chunk: len(rest)}
}

// fail records one chunk failure. Within the retry budget the chunk is
// retried, halved first when shrinking is enabled (the right half returns to
// the unprocessed remainder). Past the budget a multi-group chunk is forced
// down to a single group with a reset counter; a single-group chunk is
// terminal.
func (s windowState) fail(maxRetries int, shrink bool) (windowState, bool) {
	s.attempts++

	if s.attempts > maxRetries {
		if s.chunk > 1 {
			s.chunk = 1
			s.attempts = 0
			return s, false
		}
		return s, true
	}

	if shrink && s.chunk > 1 {
		s.chunk = s.chunk / 2
		if s.chunk < 1 {
			s.chunk = 1
		}
	}
	return s, false
}

func (t *Translator) translateWindow(
	ctx context.Context,
	index int,
	w windower.Window,
	system string,
	sourceByPos map[int]string,
	durationByPos map[int]float64,
	gate chan struct{},
) (byPos, byGroup map[int]string, promptTok, predTok int, err error) {
	byPos = make(map[int]string)
	byGroup = make(map[int]string)

	log := t.log.With("window", index)
	state := newWindowState(w.Focus)

	for !state.done() {
		chunk := state.currentChunk()
		ids := groupIDs(chunk)

		got, pTok, rTok, chunkErr := t.requestChunk(ctx, log, w.ContextBefore, chunk, state.forwardContext(w.ContextAfter), system, gate)
		promptTok += pTok
		predTok += rTok

		if chunkErr == nil {
			for gid, line := range got {
				byGroup[gid] = line
				g, ok := findGroup(chunk, gid)
				if !ok {
					continue
				}
				alloc := splitback.Allocate(g.Positions, line, sourceByPos, durationByPos, splitback.Options{
					MaxLineChars:  t.opts.SplitMaxLineChars,
					MinChunkChars: t.opts.MinChunkChars,
				})
				for p, s := range alloc {
					byPos[p] = s
				}
			}
			state = state.advance()
			continue
		}

		var terminal bool
		state, terminal = state.fail(t.opts.MaxRetries, t.opts.ShrinkOnRetry)
		if terminal {
			log.Error("single-group chunk failed permanently",
				"group", ids[0], "text", trunc(chunk[0].Text, 500), "error", chunkErr)
			return nil, nil, promptTok, predTok, chunkErr
		}

		log.Warn("chunk failed, retrying",
			"groups", idRange(ids), "attempt", state.attempts,
			"next_chunk", state.chunk, "error", chunkErr)
	}

	return byPos, byGroup, promptTok, predTok, nil
}

// requestChunk performs one full request cycle: payload → prompt → gated
// model call → JSON recovery → extraction → validation. Any failure is a
// uniform chunk failure reported to the state machine.
func (t *Translator) requestChunk(
	ctx context.Context,
	log *slog.Logger,
	before, chunk, forward []grouper.Group,
	system string,
	gate chan struct{},
) (map[int]string, int, int, error) {
	payload := make([]prompt.PayloadItem, 0, len(before)+len(chunk)+len(forward))
	expected := make([]int, 0, len(chunk))

	for _, g := range before {
		payload = append(payload, prompt.PayloadItem{GroupID: g.ID, Role: prompt.RoleContext, Text: strings.TrimSpace(g.Text)})
	}
	for _, g := range chunk {
		payload = append(payload, prompt.PayloadItem{GroupID: g.ID, Role: prompt.RoleTranslate, Text: strings.TrimSpace(g.Text)})
		expected = append(expected, g.ID)
	}
	for _, g := range forward {
		payload = append(payload, prompt.PayloadItem{GroupID: g.ID, Role: prompt.RoleContext, Text: strings.TrimSpace(g.Text)})
	}

	userJSON, err := prompt.RenderUser(payload)
	if err != nil {
		return nil, 0, 0, err
	}
	full := prompt.Render(t.opts.PromptTemplate, system, userJSON)

	log.Debug("model request",
		"template", t.opts.PromptTemplate,
		"context_before", len(before), "focus", len(chunk), "context_after", len(forward),
		"groups", idRange(expected), "prompt_chars", len(full))

	gate <- struct{}{}
	res, err := t.gw.Complete(ctx, full)
	<-gate

	if err != nil {
		return nil, 0, 0, err
	}

	obj, err := jsonrepair.Parse(res.Content)
	if err != nil {
		log.Warn("JSON recovery failed",
			"groups", idRange(expected), "content", trunc(res.Content, 800), "error", err)
		return nil, res.PromptTokens, res.PredictedTokens, fmt.Errorf("recover model JSON: %w", err)
	}

	got, rep := extract.Translations(obj, expected)
	if len(rep.Duplicates) > 0 {
		log.Warn("duplicate group ids in model output, first wins", "ids", rep.Duplicates)
	}
	if rep.Skipped > 0 {
		log.Debug("unresolvable translation entries ignored", "count", rep.Skipped)
	}

	if err := extract.Validate(expected, got); err != nil {
		log.Warn("validation failed",
			"groups", idRange(expected), "content", trunc(res.Content, 800), "error", err)
		return nil, res.PromptTokens, res.PredictedTokens, err
	}

	return got, res.PromptTokens, res.PredictedTokens, nil
}

func groupIDs(groups []grouper.Group) []int {
	ids := make([]int, len(groups))
	for i, g := range groups {
		ids[i] = g.ID
	}
	return ids
}

func findGroup(groups []grouper.Group, id int) (grouper.Group, bool) {
	for _, g := range groups {
		if g.ID == id {
			return g, true
		}
	}
	return grouper.Group{}, false
}

func idRange(ids []int) string {
	if len(ids) == 0 {
		return "-"
	}
	if len(ids) == 1 {
		return fmt.Sprintf("%d", ids[0])
	}
	return fmt.Sprintf("%d..%d", ids[0], ids[len(ids)-1])
}

func trunc(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return fmt.Sprintf("%s ... [truncated %d chars]", string(r[:n]), len(r)-n)
}
