/*
Copyright © 2025 Valentyn Solomko <valentyn.solomko@gmail.com>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/valpere/subtran/internal/config"
	"github.com/valpere/subtran/internal/grouper"
	"github.com/valpere/subtran/internal/language"
	"github.com/valpere/subtran/internal/llama"
	"github.com/valpere/subtran/internal/pipeline"
	"github.com/valpere/subtran/internal/splitback"
	"github.com/valpere/subtran/internal/store"
	"github.com/valpere/subtran/internal/subtitle"
)

// addPipelineFlags registers the translation settings shared by the
// translate and batch commands. Flag names double as viper keys, so a
// config file or SUBTRAN_* environment variable overrides any of them.
func addPipelineFlags(cmd *cobra.Command) {
	d := config.Default()
	f := cmd.Flags()

	f.String("src-lang", d.SourceLang, "Source language")
	f.String("tgt-lang", d.TargetLang, "Target language")

	f.String("url", d.CompletionURL, "llama.cpp /completion URL")
	f.String("template", d.PromptTemplate, "Prompt template: gemma3, llama3 or qwen3")
	f.Duration("timeout", d.HTTPTimeout, "HTTP timeout per completion call")
	f.Int("call-retries", d.MaxCallRetries, "Retries per completion call (transport errors only)")

	f.Int("n-predict", d.NPredict, "Max tokens to predict")
	f.Float64("temperature", d.Temperature, "Sampling temperature")
	f.Float64("top-p", d.TopP, "Nucleus sampling top-p")
	f.Float64("repeat-penalty", d.RepeatPenalty, "Repeat penalty")

	f.Bool("phrase-grouping", d.PhraseGrouping, "Group subtitle lines into phrase units")
	f.Int("max-group-lines", d.MaxGroupLines, "Max subtitle lines per group")
	f.Int("max-group-chars", d.MaxGroupChars, "Max characters per group")
	f.Int("min-group-text-chars", d.MinGroupTextChars, "Groups below this merge into a neighbour")
	f.Int("min-group-words", d.MinGroupWords, "Groups below this merge into a neighbour")

	f.Int("split-max-line-chars", d.SplitMaxLineChars, "Max characters per rendered subtitle line")
	f.Int("min-chunk-chars", d.MinChunkChars, "Min characters per split-back chunk")

	f.Int("max-window-chars", d.MaxWindowChars, "Character budget per translation window")
	f.Int("pre", d.ContextPreGroups, "Context groups before each window")
	f.Int("post", d.ContextPostGroups, "Context groups after each window")
	f.Int("max-retries", d.MaxRetriesPerWindow, "Retries per window before shrinking")
	f.Bool("shrink", d.ShrinkFocusOnRetry, "Halve the focus after exhausting retries")
	f.Int("concurrency", d.Concurrency, "Simultaneous in-flight model calls")

	f.String("db", "", "SQLite translation memory path (empty = no memory)")
	f.Bool("no-cache", false, "Skip translation memory lookups and writes")
	f.Bool("verify-language", false, "Detect the output language and warn on mismatch")
}

// runSummary reports one finished file for run journaling and batch tables.
type runSummary struct {
	GroupsTotal  int
	GroupsCached int
	Windows      int

	PromptTokens    int
	PredictedTokens int
	Duration        time.Duration
}

// translateFile runs the whole pipeline for one SRT file: parse, group,
// translation memory pre-pass, windowed model translation, split-back,
// reflow and write. db and checker may be nil.
func translateFile(ctx context.Context, cfg config.Settings, inPath, outPath string, db *store.Store, checker *language.Checker, log *slog.Logger) (*runSummary, error) {
	start := time.Now()

	file, err := subtitle.Open(inPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", inPath, err)
	}
	if len(file.Items) == 0 {
		return nil, fmt.Errorf("no subtitle lines parsed from %s", inPath)
	}

	var groups []grouper.Group
	if cfg.PhraseGrouping {
		groups = grouper.Build(file.Items, grouper.Options{
			MaxLines:     cfg.MaxGroupLines,
			MaxChars:     cfg.MaxGroupChars,
			MinTextChars: cfg.MinGroupTextChars,
			MinWords:     cfg.MinGroupWords,
		})
	} else {
		groups = grouper.OneToOne(file.Items)
	}

	sourceByPos := file.SourceByPos()
	splitOpts := splitback.Options{
		MaxLineChars:  cfg.SplitMaxLineChars,
		MinChunkChars: cfg.MinChunkChars,
	}

	byPos := make(map[int]string, len(file.Items))
	summary := &runSummary{GroupsTotal: len(groups)}

	// Translation memory pre-pass: cached groups skip the model entirely
	// and go straight to split-back.
	pending := groups
	if db != nil {
		pending = nil
		for _, g := range groups {
			cached, found, lookErr := db.Lookup(ctx, g.Text, cfg.SourceLang, cfg.TargetLang)
			if lookErr != nil {
				log.Warn("translation memory lookup failed", "group", g.ID, "error", lookErr)
			}
			if found {
				summary.GroupsCached++
				for p, s := range splitback.Allocate(g.Positions, cached, sourceByPos, file.Durations, splitOpts) {
					byPos[p] = s
				}
				continue
			}
			pending = append(pending, g)
		}
		if summary.GroupsCached > 0 {
			log.Info("translation memory hits", "cached", summary.GroupsCached, "total", len(groups))
		}
	}

	if len(pending) > 0 {
		gw := llama.New(cfg.CompletionURL, llama.Sampling{
			NPredict:      cfg.NPredict,
			Temperature:   cfg.Temperature,
			TopP:          cfg.TopP,
			RepeatPenalty: cfg.RepeatPenalty,
		}, cfg.HTTPTimeout, cfg.MaxCallRetries, log)

		tr := pipeline.New(gw, pipeline.Options{
			SourceLang:     cfg.SourceLang,
			TargetLang:     cfg.TargetLang,
			PromptTemplate: cfg.PromptTemplate,

			MaxWindowChars: cfg.MaxWindowChars,
			PreGroups:      cfg.ContextPreGroups,
			PostGroups:     cfg.ContextPostGroups,

			MaxRetries:    cfg.MaxRetriesPerWindow,
			ShrinkOnRetry: cfg.ShrinkFocusOnRetry,
			Concurrency:   cfg.Concurrency,

			SplitMaxLineChars: cfg.SplitMaxLineChars,
			MinChunkChars:     cfg.MinChunkChars,

			Logger: log,
			OnWindowDone: func(s pipeline.Stats) {
				summary.Windows = s.WindowsTotal
			},
		})

		res, err := tr.Run(ctx, file.Items, pending, file.Durations)
		if err != nil {
			return nil, err
		}
		for p, s := range res.ByPosition {
			byPos[p] = s
		}
		summary.PromptTokens = res.PromptTokens
		summary.PredictedTokens = res.PredictedTokens

		if db != nil {
			for _, g := range pending {
				text, ok := res.ByGroup[g.ID]
				if !ok {
					continue
				}
				if saveErr := db.Save(ctx, g.Text, cfg.SourceLang, cfg.TargetLang, text); saveErr != nil {
					log.Warn("translation memory save failed", "group", g.ID, "error", saveErr)
				}
			}
		}
	}

	if checker != nil {
		verifyLanguage(byPos, cfg.TargetLang, checker, log)
	}

	file.Apply(byPos, cfg.SplitMaxLineChars)
	if err := file.Write(outPath); err != nil {
		return nil, fmt.Errorf("write %s: %w", outPath, err)
	}

	summary.Duration = time.Since(start)

	if db != nil {
		rec := store.RunRecord{
			ID:              uuid.New().String(),
			InputFile:       inPath,
			OutputFile:      outPath,
			SourceLang:      cfg.SourceLang,
			TargetLang:      cfg.TargetLang,
			Windows:         summary.Windows,
			GroupsTotal:     summary.GroupsTotal,
			GroupsCached:    summary.GroupsCached,
			PromptTokens:    summary.PromptTokens,
			PredictedTokens: summary.PredictedTokens,
			Duration:        summary.Duration,
		}
		if err := db.SaveRun(ctx, rec); err != nil {
			log.Warn("failed to record run", "error", err)
		}
	}

	log.Info("file translated",
		"input", inPath,
		"output", outPath,
		"groups", summary.GroupsTotal,
		"cached", summary.GroupsCached,
		"duration", summary.Duration.Round(time.Second),
	)
	return summary, nil
}

// verifyLanguage samples the translated output and warns when it does not
// look like the target language. Advisory only.
func verifyLanguage(byPos map[int]string, targetLang string, checker *language.Checker, log *slog.Logger) {
	var b strings.Builder
	for _, s := range byPos {
		b.WriteString(s)
		b.WriteByte(' ')
		if b.Len() > 2000 {
			break
		}
	}
	ok, err := checker.Verify(b.String(), targetLang)
	if !ok {
		log.Warn("output language check failed", "target", targetLang, "detail", err)
	}
}
