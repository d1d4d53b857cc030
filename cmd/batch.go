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
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/valpere/subtran/internal/config"
	"github.com/valpere/subtran/internal/language"
	"github.com/valpere/subtran/internal/store"
)

// candidate is one source subtitle found by the crawler.
type candidate struct {
	path   string // full path to the source .srt
	prefix string // filename with language tags stripped
	isHI   bool   // hearing-impaired variant
}

var batchCmd = &cobra.Command{
	Use:   "batch <directory>",
	Short: "Recursively translate every source subtitle in a folder",
	Long: `Scan a directory tree for source-language SRT files and translate each one.

Source filename patterns:
  prefix.<src-tag>.srt
  prefix.<src-tag>.<hi-tag>.srt
  prefix.<hi-tag>.<src-tag>.srt

A file is skipped when any target subtitle already exists:
  prefix.<tgt-tag>.srt
  prefix.<hi-tag>.<tgt-tag>.srt
  prefix.<tgt-tag>.<hi-tag>.srt

Output is written next to the source as prefix.<tgt-tag>[.<ai-tag>].srt,
with the HI tag preserved for hearing-impaired sources.`,
	Args: cobra.ExactArgs(1),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return vip.BindPFlags(cmd.Flags())
	},
	RunE: runBatch,
}

func runBatch(cmd *cobra.Command, args []string) error {
	root := args[0]
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("directory not found: %s", root)
	}

	cfg := config.FromViper(vip)
	if err := cfg.Validate(); err != nil {
		return err
	}

	srcTag := vip.GetString("src-tag")
	tgtTag := vip.GetString("tgt-tag")
	hiTag := vip.GetString("hi-tag")
	aiTag := vip.GetString("ai-tag")
	skipHI := vip.GetBool("skip-hi")
	requireVideo := vip.GetBool("require-video")
	videoExts := parseVideoExts(vip.GetStringSlice("video-ext"))
	limit := vip.GetInt("limit")
	dryRun := vip.GetBool("dry-run")

	log := slog.Default()
	log.Info("scanning", "root", root, "src", srcTag, "tgt", tgtTag, "hi", hiTag)

	cands, err := findCandidates(root, srcTag, hiTag, skipHI)
	if err != nil {
		return err
	}

	var db *store.Store
	if dbPath := vip.GetString("db"); dbPath != "" && !vip.GetBool("no-cache") {
		db, err = store.New(dbPath)
		if err != nil {
			return fmt.Errorf("open translation memory: %w", err)
		}
		defer db.Close()
	}

	var checker *language.Checker
	if vip.GetBool("verify-language") && !dryRun {
		checker = language.NewChecker()
	}

	type row struct {
		file     string
		status   string
		groups   string
		cached   string
		tokens   string
		duration string
	}
	var rows []row
	translated := 0

	for _, c := range cands {
		if limit > 0 && translated >= limit {
			log.Info("limit reached", "limit", limit)
			break
		}

		dir := filepath.Dir(c.path)
		name := filepath.Base(c.path)

		if requireVideo && !hasMatchingVideo(dir, c.prefix, videoExts) {
			rows = append(rows, row{file: name, status: "skipped: no video"})
			continue
		}

		if existing := existingTarget(dir, c.prefix, tgtTag, hiTag); existing != "" {
			rows = append(rows, row{file: name, status: "skipped: " + filepath.Base(existing) + " exists"})
			continue
		}

		outPath := outputPath(dir, c.prefix, c.isHI, tgtTag, hiTag, aiTag)
		if _, err := os.Stat(outPath); err == nil {
			rows = append(rows, row{file: name, status: "skipped: " + filepath.Base(outPath) + " exists"})
			continue
		}

		translated++
		if dryRun {
			rows = append(rows, row{file: name, status: "would translate -> " + filepath.Base(outPath)})
			continue
		}

		log.Info("translating", "input", c.path, "output", outPath)
		sum, err := translateFile(cmd.Context(), cfg, c.path, outPath, db, checker, log)
		if err != nil {
			log.Error("translation failed", "input", c.path, "error", err)
			rows = append(rows, row{file: name, status: "failed: " + err.Error()})
			continue
		}
		rows = append(rows, row{
			file:     name,
			status:   "translated",
			groups:   fmt.Sprintf("%d", sum.GroupsTotal),
			cached:   fmt.Sprintf("%d", sum.GroupsCached),
			tokens:   fmt.Sprintf("%d", sum.PromptTokens+sum.PredictedTokens),
			duration: sum.Duration.Round(time.Second).String(),
		})
	}

	if len(rows) == 0 {
		fmt.Println("No source subtitles found.")
		return nil
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"File", "Status", "Groups", "Cached", "Tokens", "Duration"})
	for _, r := range rows {
		tw.AppendRow(table.Row{r.file, r.status, r.groups, r.cached, r.tokens, r.duration})
	}
	fmt.Println(tw.Render())
	return nil
}

// findCandidates walks root collecting source subtitles. More specific
// HI patterns are matched before the plain source pattern.
func findCandidates(root, srcTag, hiTag string, skipHI bool) ([]candidate, error) {
	hiA := "." + srcTag + "." + hiTag + ".srt" // movie.en.hi.srt
	hiB := "." + hiTag + "." + srcTag + ".srt" // movie.hi.en.srt
	plain := "." + srcTag + ".srt"             // movie.en.srt

	var out []candidate
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		name := d.Name()
		switch {
		case strings.HasSuffix(name, hiA):
			if !skipHI {
				out = append(out, candidate{path: path, prefix: strings.TrimSuffix(name, hiA), isHI: true})
			}
		case strings.HasSuffix(name, hiB):
			if !skipHI {
				out = append(out, candidate{path: path, prefix: strings.TrimSuffix(name, hiB), isHI: true})
			}
		case strings.HasSuffix(name, plain):
			out = append(out, candidate{path: path, prefix: strings.TrimSuffix(name, plain)})
		}
		return nil
	})
	return out, err
}

// parseVideoExts accepts repeated flags and comma-separated lists,
// deduplicates, and strips leading dots.
func parseVideoExts(values []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			ext := strings.TrimPrefix(strings.TrimSpace(part), ".")
			if ext != "" && !seen[ext] {
				seen[ext] = true
				out = append(out, ext)
			}
		}
	}
	return out
}

func hasMatchingVideo(dir, prefix string, exts []string) bool {
	for _, ext := range exts {
		if _, err := os.Stat(filepath.Join(dir, prefix+"."+ext)); err == nil {
			return true
		}
	}
	return false
}

// existingTarget returns the first already-present target subtitle for
// prefix, or "" when none exist.
func existingTarget(dir, prefix, tgtTag, hiTag string) string {
	variants := []string{
		filepath.Join(dir, prefix+"."+tgtTag+".srt"),
		filepath.Join(dir, prefix+"."+hiTag+"."+tgtTag+".srt"),
		filepath.Join(dir, prefix+"."+tgtTag+"."+hiTag+".srt"),
	}
	for _, p := range variants {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func outputPath(dir, prefix string, isHI bool, tgtTag, hiTag, aiTag string) string {
	base := tgtTag
	if isHI {
		base = hiTag + "." + tgtTag
	}
	if aiTag != "" {
		base += "." + aiTag
	}
	return filepath.Join(dir, prefix+"."+base+".srt")
}

func init() {
	rootCmd.AddCommand(batchCmd)
	addPipelineFlags(batchCmd)

	f := batchCmd.Flags()
	f.String("src-tag", "en", "Source language tag in filenames")
	f.String("tgt-tag", "fi", "Target language tag in filenames")
	f.String("hi-tag", "hi", "Hearing-impaired tag in filenames")
	f.String("ai-tag", "ai", `Output marker tag ("" to disable)`)
	f.Bool("skip-hi", false, "Ignore hearing-impaired source subtitles")
	f.Bool("require-video", false, "Only translate subtitles with a matching video file")
	f.StringSlice("video-ext", []string{"mkv", "mp4", "avi", "mov", "m4v", "webm", "ts"}, "Video extensions for --require-video")
	f.Int("limit", 0, "Max translations per run (0 = no limit, skips not counted)")
	f.Bool("dry-run", false, "Report what would be translated without running")
}
