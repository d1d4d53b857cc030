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
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/valpere/subtran/internal/config"
)

var version = "0.3.0"

var (
	cfgFile  string
	logLevel string

	vip = viper.New()
)

var rootCmd = &cobra.Command{
	Use:   "subtran",
	Short: "Subtitle translator for local llama.cpp servers",
	Long: `Translate SRT subtitle files with a local llama.cpp completion endpoint.

Lines are grouped into phrase-level units, batched into character-budgeted
windows with surrounding context, translated as JSON payloads, and split
back onto the original cue timing. Results are cached in a SQLite
translation memory so reruns only pay for new text.

Use "subtran translate --help" for single-file options,
"subtran batch --help" for folder crawling.`,
	Version: version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		initConfig()
		setupLogging()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default $HOME/.subtran.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
}

// initConfig layers viper sources: flags > SUBTRAN_* env > config file > defaults.
func initConfig() {
	config.SetDefaults(vip)

	vip.SetEnvPrefix("SUBTRAN")
	vip.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	vip.AutomaticEnv()

	if cfgFile != "" {
		vip.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			vip.AddConfigPath(home)
		}
		vip.AddConfigPath(".")
		vip.SetConfigName(".subtran")
	}

	if err := vip.ReadInConfig(); err != nil {
		// Missing config files are fine; a broken one is not.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			slog.Error("failed to read config file", "file", cfgFile, "error", err)
			os.Exit(1)
		}
	}
}

func setupLogging() {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(h))
}
