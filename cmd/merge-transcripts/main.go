// Command merge-transcripts combines harvested transcript fragments into
// one ordered transcript per meeting occurrence. Useful when fragments
// arrive after the daemon has moved on, or to force a re-merge.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/smartmeetos/smartmeetos/internal/config"
	"github.com/smartmeetos/smartmeetos/state"
	"github.com/smartmeetos/smartmeetos/transcript"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to TOML config (default smartmeetos.toml)")
	eventID := flag.String("event-id", "", "calendar event ID to merge")
	eventStart := flag.String("event-start", "", "occurrence start instant (RFC3339)")
	force := flag.Bool("force", false, "re-merge even when outputs exist")
	all := flag.Bool("all", false, "merge every occurrence found in the state dir")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg := config.Load(*configPath)

	st := state.New(cfg.State.Dir, state.WithLogger(logger))
	merger := transcript.NewMerger(st, transcript.MergerLogger(logger))

	switch {
	case *all:
		paths, err := merger.MergeAll(*force)
		if err != nil {
			logger.Error("merge all", "error", err)
			os.Exit(1)
		}
		for _, p := range paths {
			fmt.Println(p)
		}
	case *eventID != "" && *eventStart != "":
		jsonPath, _, err := merger.Merge(*eventID, *eventStart, *force)
		if err != nil {
			logger.Error("merge", "event_id", *eventID, "error", err)
			os.Exit(1)
		}
		if jsonPath == "" {
			logger.Warn("no fragments found", "event_id", *eventID, "event_start", *eventStart)
			os.Exit(1)
		}
		fmt.Println(jsonPath)
	default:
		fmt.Fprintln(os.Stderr, "usage: merge-transcripts -event-id ID -event-start INSTANT | -all")
		os.Exit(2)
	}
}
