// Package pipeline drives the window translation protocol: it partitions
// groups into context windows, runs each window against the model gateway
// under a concurrency gate, and folds the recovered translations back onto
// line positions.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/valpere/subtran/internal/grouper"
	"github.com/valpere/subtran/internal/llama"
	"github.com/valpere/subtran/internal/prompt"
	"github.com/valpere/subtran/internal/subtitle"
	"github.com/valpere/subtran/internal/windower"
)

// Gateway is the completion boundary the pipeline drives. llama.Client
// satisfies it; tests substitute mocks.
type Gateway interface {
	Complete(ctx context.Context, prompt string) (llama.Result, error)
}

// Options configure one Translator.
type Options struct {
	SourceLang     string
	TargetLang     string
	PromptTemplate string

	MaxWindowChars int
	PreGroups      int
	PostGroups     int

	MaxRetries    int // retries per chunk before a forced shrink to one group
	ShrinkOnRetry bool
	Concurrency   int

	SplitMaxLineChars int
	MinChunkChars     int

	Logger       *slog.Logger
	OnWindowDone func(Stats) // progress callback, may be nil
}

// Result aggregates a finished run.
type Result struct {
	ByPosition map[int]string // final per-line translations
	ByGroup    map[int]string // per-group translated text, for the memory store

	PromptTokens    int
	PredictedTokens int
}

// Translator owns the scheduling state of one run.
type Translator struct {
	gw   Gateway
	opts Options
	log  *slog.Logger
}

// New creates a Translator. Concurrency below 1 is raised to 1.
func New(gw Gateway, opts Options) *Translator {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Translator{gw: gw, opts: opts, log: log}
}

type windowOutcome struct {
	index      int
	byPos      map[int]string
	byGroup    map[int]string
	groupsDone int
	promptTok  int
	predTok    int
	err        error
}

// Run translates all groups and returns the aggregate position→text map.
// Windows complete in whichever order their calls finish; positions are
// unique across windows so merge order never affects the result. The first
// window error is returned after every window has settled.
func (t *Translator) Run(ctx context.Context, items []subtitle.Item, groups []grouper.Group, durationByPos map[int]float64) (*Result, error) {
	windows, err := windower.Build(groups, t.opts.MaxWindowChars, t.opts.PreGroups, t.opts.PostGroups)
	if err != nil {
		return nil, err
	}

	system := prompt.System(t.opts.SourceLang, t.opts.TargetLang)
	sourceByPos := make(map[int]string, len(items))
	for _, it := range items {
		sourceByPos[it.Position] = it.Text
	}

	prog := newProgress(len(windows), len(groups), len(items))

	// Admission gate: bounds simultaneous in-flight model calls. Held only
	// around the gateway call, not the whole window.
	gate := make(chan struct{}, t.opts.Concurrency)

	outcomes := make(chan windowOutcome, len(windows))
	var wg sync.WaitGroup

	for i, w := range windows {
		wg.Add(1)
		go func(index int, w windower.Window) {
			defer wg.Done()
			byPos, byGroup, pTok, rTok, err := t.translateWindow(ctx, index, w, system, sourceByPos, durationByPos, gate)
			outcomes <- windowOutcome{
				index:      index,
				byPos:      byPos,
				byGroup:    byGroup,
				groupsDone: len(byGroup),
				promptTok:  pTok,
				predTok:    rTok,
				err:        err,
			}
		}(i, w)
	}

	go func() {
		wg.Wait()
		close(outcomes)
	}()

	res := &Result{
		ByPosition: make(map[int]string),
		ByGroup:    make(map[int]string),
	}
	var firstErr error

	for oc := range outcomes {
		if oc.err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("window %d: %w", oc.index, oc.err)
			}
			continue
		}

		for p, s := range oc.byPos {
			res.ByPosition[p] = s
		}
		for g, s := range oc.byGroup {
			res.ByGroup[g] = s
		}
		res.PromptTokens += oc.promptTok
		res.PredictedTokens += oc.predTok

		stats := prog.windowDone(oc.groupsDone, len(res.ByPosition), oc.promptTok, oc.predTok)
		t.log.Info("progress",
			"windows", fmt.Sprintf("%d/%d", stats.WindowsDone, stats.WindowsTotal),
			"groups", fmt.Sprintf("%d/%d", stats.GroupsDone, stats.GroupsTotal),
			"lines", fmt.Sprintf("%d/%d", stats.LinesDone, stats.LinesTotal),
			"tok_per_sec", fmt.Sprintf("%.1f", stats.TokensPerSec),
			"eta", FormatETA(stats.ETA),
		)
		if t.opts.OnWindowDone != nil {
			t.opts.OnWindowDone(stats)
		}
	}

	if firstErr != nil {
		return nil, firstErr
	}
	return res, nil
}

// Stats is a progress snapshot delivered after each completed window.
type Stats struct {
	WindowsDone  int
	WindowsTotal int
	GroupsDone   int
	GroupsTotal  int
	LinesDone    int
	LinesTotal   int

	PromptTokens    int
	PredictedTokens int
	TokensPerSec    float64

	Elapsed time.Duration
	ETA     time.Duration
}

type progress struct {
	mu sync.Mutex

	start        time.Time
	windowsDone  int
	windowsTotal int
	groupsDone   int
	groupsTotal  int
	linesTotal   int
	promptTok    int
	predTok      int
}

func newProgress(windows, groups, lines int) *progress {
	return &progress{
		start:        time.Now(),
		windowsTotal: windows,
		groupsTotal:  groups,
		linesTotal:   lines,
	}
}

func (p *progress) windowDone(groupsDone, linesDone, promptTok, predTok int) Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.windowsDone++
	p.groupsDone += groupsDone
	p.promptTok += promptTok
	p.predTok += predTok

	elapsed := time.Since(p.start)
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}

	lps := float64(linesDone) / elapsed.Seconds()
	var eta time.Duration
	if remaining := p.linesTotal - linesDone; remaining > 0 && lps > 0 {
		eta = time.Duration(float64(remaining) / lps * float64(time.Second))
	}

	tps := 0.0
	if p.predTok > 0 {
		tps = float64(p.predTok) / elapsed.Seconds()
	}

	return Stats{
		WindowsDone:     p.windowsDone,
		WindowsTotal:    p.windowsTotal,
		GroupsDone:      p.groupsDone,
		GroupsTotal:     p.groupsTotal,
		LinesDone:       linesDone,
		LinesTotal:      p.linesTotal,
		PromptTokens:    p.promptTok,
		PredictedTokens: p.predTok,
		TokensPerSec:    tps,
		Elapsed:         elapsed,
		ETA:             eta,
	}
}

// FormatETA renders a duration as 1h 2m 3s / 2m 3s / 3s.
func FormatETA(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	s := int(d.Round(time.Second) / time.Second)
	h, s := s/3600, s%3600
	m, s := s/60, s%60
	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
