package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wesm/annoreports/internal/config"
	"github.com/wesm/annoreports/internal/events"
)

// PruneConfig holds parsed CLI options for the prune-events
// command.
type PruneConfig struct {
	Before time.Time
	DryRun bool
	Yes    bool
}

func parsePruneFlags(before string, dryRun, yes bool) (PruneConfig, error) {
	if before == "" {
		return PruneConfig{}, fmt.Errorf("--before is required")
	}
	t, err := time.Parse(time.DateOnly, before)
	if err != nil {
		return PruneConfig{}, fmt.Errorf(
			"invalid --before %q: use YYYY-MM-DD", before)
	}
	return PruneConfig{Before: t, DryRun: dryRun, Yes: yes}, nil
}

// EventPruner is the part of the event store pruning needs.
type EventPruner interface {
	CountBefore(ctx context.Context, before time.Time) (int64, error)
	PruneBefore(ctx context.Context, before time.Time) (int64, error)
}

// Pruner executes the prune workflow against an event store.
type Pruner struct {
	Events EventPruner
	Out    io.Writer
	In     io.Reader
}

// Prune deletes events older than cfg.Before. Reports already
// computed keep their buckets; only future recomputations lose
// the pruned working time.
func (p *Pruner) Prune(ctx context.Context, cfg PruneConfig) error {
	n, err := p.Events.CountBefore(ctx, cfg.Before)
	if err != nil {
		return err
	}
	if n == 0 {
		fmt.Fprintln(p.Out, "No events before the given date.")
		return nil
	}
	fmt.Fprintf(p.Out, "Found %d events before %s\n",
		n, cfg.Before.Format(time.DateOnly))

	if cfg.DryRun {
		fmt.Fprintln(p.Out, "\nDry run: no changes made.")
		return nil
	}
	if !cfg.Yes {
		msg := fmt.Sprintf("\nDelete %d events?", n)
		if !confirm(p.In, p.Out, msg) {
			fmt.Fprintln(p.Out, "Aborted.")
			return nil
		}
	}

	deleted, err := p.Events.PruneBefore(ctx, cfg.Before)
	if err != nil {
		return fmt.Errorf("deleting events: %w", err)
	}
	fmt.Fprintf(p.Out, "\nDeleted %d events\n", deleted)
	return nil
}

func confirm(r io.Reader, w io.Writer, msg string) bool {
	fmt.Fprintf(w, "%s [y/N] ", msg)
	scanner := bufio.NewScanner(r)
	scanner.Scan()
	ans := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return ans == "y" || ans == "yes"
}

func newPruneEventsCmd() *cobra.Command {
	var (
		before      string
		dryRun, yes bool
	)
	cmd := &cobra.Command{
		Use:   "prune-events",
		Short: "Delete old events from the event store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pc, err := parsePruneFlags(before, dryRun, yes)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			store, err := events.Open(cfg.EventsDriver, cfg.EventsDSN)
			if err != nil {
				return err
			}
			defer store.Close()

			p := &Pruner{
				Events: store,
				Out:    cmd.OutOrStdout(),
				In:     cmd.InOrStdin(),
			}
			return p.Prune(cmd.Context(), pc)
		},
	}
	cmd.Flags().StringVar(&before, "before", "",
		"Delete events older than this date (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false,
		"Show what would be pruned without deleting")
	cmd.Flags().BoolVar(&yes, "yes", false, "Skip confirmation prompt")
	config.RegisterWorkerFlags(cmd.Flags())
	return cmd
}
