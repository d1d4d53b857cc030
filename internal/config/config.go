// Package config holds the tunable settings for the subtitle translation
// pipeline. Defaults match a local llama.cpp server with a modest context
// window; every knob is overridable via flags, environment or config file.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// PromptTemplates lists the supported chat-template wrappers.
var PromptTemplates = []string{"gemma3", "llama3", "qwen3"}

// Settings is the full configuration of one translation run.
type Settings struct {
	// Endpoint + prompt wrapping
	CompletionURL  string
	PromptTemplate string
	HTTPTimeout    time.Duration
	MaxCallRetries int

	// Sampling
	NPredict      int
	Temperature   float64
	TopP          float64
	RepeatPenalty float64

	// Phrase grouping
	PhraseGrouping    bool
	MaxGroupLines     int
	MaxGroupChars     int
	MinGroupTextChars int
	MinGroupWords     int

	// Split-back / display shaping
	SplitMaxLineChars int
	MinChunkChars     int

	// Context-window batching
	MaxWindowChars      int
	ContextPreGroups    int
	ContextPostGroups   int
	MaxRetriesPerWindow int
	ShrinkFocusOnRetry  bool
	Concurrency         int

	// Languages
	SourceLang string
	TargetLang string
}

// Default returns the settings used when nothing is overridden.
func Default() Settings {
	return Settings{
		CompletionURL:  "http://127.0.0.1:8671/completion",
		PromptTemplate: "gemma3",
		HTTPTimeout:    120 * time.Second,
		MaxCallRetries: 2,

		NPredict:      2048,
		Temperature:   0.1,
		TopP:          0.90,
		RepeatPenalty: 1.0,

		PhraseGrouping:    true,
		MaxGroupLines:     8,
		MaxGroupChars:     360,
		MinGroupTextChars: 10,
		MinGroupWords:     2,

		SplitMaxLineChars: 42,
		MinChunkChars:     10,

		MaxWindowChars:      2000,
		ContextPreGroups:    2,
		ContextPostGroups:   2,
		MaxRetriesPerWindow: 2,
		ShrinkFocusOnRetry:  true,
		Concurrency:         1,

		SourceLang: "English",
		TargetLang: "Finnish",
	}
}

// SetDefaults registers every setting with its default value so config files
// and SUBTRAN_* environment variables can override them selectively.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("url", d.CompletionURL)
	v.SetDefault("template", d.PromptTemplate)
	v.SetDefault("timeout", d.HTTPTimeout)
	v.SetDefault("call-retries", d.MaxCallRetries)

	v.SetDefault("n-predict", d.NPredict)
	v.SetDefault("temperature", d.Temperature)
	v.SetDefault("top-p", d.TopP)
	v.SetDefault("repeat-penalty", d.RepeatPenalty)

	v.SetDefault("phrase-grouping", d.PhraseGrouping)
	v.SetDefault("max-group-lines", d.MaxGroupLines)
	v.SetDefault("max-group-chars", d.MaxGroupChars)
	v.SetDefault("min-group-text-chars", d.MinGroupTextChars)
	v.SetDefault("min-group-words", d.MinGroupWords)

	v.SetDefault("split-max-line-chars", d.SplitMaxLineChars)
	v.SetDefault("min-chunk-chars", d.MinChunkChars)

	v.SetDefault("max-window-chars", d.MaxWindowChars)
	v.SetDefault("pre", d.ContextPreGroups)
	v.SetDefault("post", d.ContextPostGroups)
	v.SetDefault("max-retries", d.MaxRetriesPerWindow)
	v.SetDefault("shrink", d.ShrinkFocusOnRetry)
	v.SetDefault("concurrency", d.Concurrency)

	v.SetDefault("src-lang", d.SourceLang)
	v.SetDefault("tgt-lang", d.TargetLang)
}

// FromViper assembles Settings from the resolved viper state
// (flag > env > config file > default).
func FromViper(v *viper.Viper) Settings {
	return Settings{
		CompletionURL:  v.GetString("url"),
		PromptTemplate: v.GetString("template"),
		HTTPTimeout:    v.GetDuration("timeout"),
		MaxCallRetries: v.GetInt("call-retries"),

		NPredict:      v.GetInt("n-predict"),
		Temperature:   v.GetFloat64("temperature"),
		TopP:          v.GetFloat64("top-p"),
		RepeatPenalty: v.GetFloat64("repeat-penalty"),

		PhraseGrouping:    v.GetBool("phrase-grouping"),
		MaxGroupLines:     v.GetInt("max-group-lines"),
		MaxGroupChars:     v.GetInt("max-group-chars"),
		MinGroupTextChars: v.GetInt("min-group-text-chars"),
		MinGroupWords:     v.GetInt("min-group-words"),

		SplitMaxLineChars: v.GetInt("split-max-line-chars"),
		MinChunkChars:     v.GetInt("min-chunk-chars"),

		MaxWindowChars:      v.GetInt("max-window-chars"),
		ContextPreGroups:    v.GetInt("pre"),
		ContextPostGroups:   v.GetInt("post"),
		MaxRetriesPerWindow: v.GetInt("max-retries"),
		ShrinkFocusOnRetry:  v.GetBool("shrink"),
		Concurrency:         v.GetInt("concurrency"),

		SourceLang: v.GetString("src-lang"),
		TargetLang: v.GetString("tgt-lang"),
	}
}

// Validate rejects settings the pipeline cannot run with.
func (s Settings) Validate() error {
	if s.CompletionURL == "" {
		return fmt.Errorf("completion URL must not be empty")
	}
	valid := false
	for _, t := range PromptTemplates {
		if s.PromptTemplate == t {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("unknown prompt template %q (supported: %v)", s.PromptTemplate, PromptTemplates)
	}
	if s.Concurrency < 1 {
		return fmt.Errorf("concurrency must be >= 1, got %d", s.Concurrency)
	}
	if s.MaxWindowChars <= 200 {
		return fmt.Errorf("max-window-chars %d too small to be useful", s.MaxWindowChars)
	}
	if s.MaxGroupLines < 1 {
		return fmt.Errorf("max-group-lines must be >= 1, got %d", s.MaxGroupLines)
	}
	if s.MaxRetriesPerWindow < 0 {
		return fmt.Errorf("max-retries must be >= 0, got %d", s.MaxRetriesPerWindow)
	}
	if s.SourceLang == "" || s.TargetLang == "" {
		return fmt.Errorf("source and target languages must not be empty")
	}
	return nil
}
