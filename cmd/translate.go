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
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/valpere/subtran/internal/config"
	"github.com/valpere/subtran/internal/language"
	"github.com/valpere/subtran/internal/store"
)

var translateCmd = &cobra.Command{
	Use:   "translate <input.srt> <output.srt>",
	Short: "Translate one subtitle file",
	Long: `Translate a single SRT file against a local llama.cpp completion endpoint.

The input is grouped into phrase units, batched into character-budgeted
windows with neighbouring groups as advisory context, and translated as
JSON payloads. Failed windows are retried and shrunk down to single
groups before the run aborts. Output text is redistributed over the
original cue timing.

Examples:
  subtran translate movie.en.srt movie.fi.srt
  subtran translate --src-lang English --tgt-lang Swedish --concurrency 2 in.srt out.srt
  subtran translate --db ~/.subtran.db --verify-language in.srt out.srt`,
	Args: cobra.ExactArgs(2),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return vip.BindPFlags(cmd.Flags())
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		inPath, outPath := args[0], args[1]
		if inPath == outPath {
			return fmt.Errorf("input and output file cannot be the same")
		}

		cfg := config.FromViper(vip)
		if err := cfg.Validate(); err != nil {
			return err
		}

		log := slog.Default()

		var db *store.Store
		if dbPath := vip.GetString("db"); dbPath != "" && !vip.GetBool("no-cache") {
			var err error
			db, err = store.New(dbPath)
			if err != nil {
				return fmt.Errorf("open translation memory: %w", err)
			}
			defer db.Close()
		}

		var checker *language.Checker
		if vip.GetBool("verify-language") {
			checker = language.NewChecker()
		}

		_, err := translateFile(cmd.Context(), cfg, inPath, outPath, db, checker, log)
		return err
	},
}

func init() {
	rootCmd.AddCommand(translateCmd)
	addPipelineFlags(translateCmd)
}
