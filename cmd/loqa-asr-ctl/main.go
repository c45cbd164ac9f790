package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/loqalabs/loqa-asr/internal/capture/padevice"
	"github.com/loqalabs/loqa-asr/internal/config"
	"github.com/loqalabs/loqa-asr/internal/eventstore"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath string
		limit      int
		sessionID  string
	)
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	validateCmd.StringVar(&configPath, "config", "loqa-asr.yaml", "Path to configuration file")

	sessionsCmd := flag.NewFlagSet("sessions", flag.ExitOnError)
	sessionsCmd.StringVar(&configPath, "config", "loqa-asr.yaml", "Path to configuration file")
	sessionsCmd.IntVar(&limit, "limit", 20, "Maximum rows to print")
	sessionsCmd.StringVar(&sessionID, "id", "", "Print the timeline of one session")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'devices', 'sessions' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		validateCmd.Parse(os.Args[2:])
		if _, err := config.Load(configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("config valid")
	case "devices":
		if err := runDevices(os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "sessions":
		sessionsCmd.Parse(os.Args[2:])
		if err := runSessions(os.Stdout, configPath, sessionID, limit); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func runDevices(w io.Writer) error {
	names, err := padevice.Devices()
	if err != nil {
		return fmt.Errorf("list input devices: %w", err)
	}
	if len(names) == 0 {
		fmt.Fprintln(w, "no input devices found")
		return nil
	}
	for _, name := range names {
		fmt.Fprintln(w, name)
	}
	return nil
}

func runSessions(w io.Writer, configPath, sessionID string, limit int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.EventStore.RetentionMode == "ephemeral" {
		return errors.New("event store is ephemeral; nothing is recorded")
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := eventstore.Open(ctx, cfg.EventStore, log)
	if err != nil {
		return err
	}
	defer store.Close()

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	if sessionID != "" {
		entries, err := store.ListEntries(ctx, sessionID, limit)
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "TIME\tKIND\tMODE\tTEXT")
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.CreatedAt.Format(time.TimeOnly), e.Kind, e.Mode, e.Text)
		}
		return nil
	}

	sessions, err := store.ListSessions(ctx, limit)
	if err != nil {
		return err
	}
	fmt.Fprintln(tw, "SESSION\tSTARTED\tMODE\tDURATION\tTEXT")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.StartedAt.Format(time.DateTime), s.Mode, s.Duration, s.FinalText)
	}
	return nil
}
