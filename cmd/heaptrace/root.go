package main

import (
	"fmt"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/rheap"
	"golang.org/x/exp/slog"
)

var (
	// Global flags
	verbose    bool
	configPath string
	jsonOut    bool
)

var rootCmd = &cobra.Command{
	Use:   "heaptrace",
	Short: "Replay device memory allocation traces against the heap manager",
	Long: `heaptrace replays a JSON trace of buffer, image, and raw memory allocations
against a heap manager backed by host memory, then reports how many pages, shared
buffers, and native allocations the trace required.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log every heap manager operation to stderr")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Heap manager options document (JSON), overriding the trace's options")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}

	return slog.New(slog.HandlerOptions{Level: level}.NewTextHandler(w))
}

// loadConfig reads the --config document, if one was given
func loadConfig() (rheap.CreateOptions, bool, error) {
	if configPath == "" {
		return rheap.CreateOptions{}, false, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return rheap.CreateOptions{}, false, errors.Wrapf(err, "failed to read config %s", configPath)
	}

	options, err := rheap.ParseOptions(data)
	if err != nil {
		return rheap.CreateOptions{}, false, errors.Wrapf(err, "invalid config %s", configPath)
	}

	return options, true, nil
}
