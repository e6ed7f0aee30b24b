package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/wesm/annoreports/internal/analytics"
	"github.com/wesm/annoreports/internal/config"
	"github.com/wesm/annoreports/internal/db"
)

func newComputeCmd() *cobra.Command {
	var enqueue bool
	cmd := &cobra.Command{
		Use:   "compute <job|task|project> <id>",
		Short: "Compute one report now",
		Long: `compute recomputes the report of one resource in-process
and prints the outcome. With --enqueue the check is scheduled
on the configured queue instead.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0], args[1])
			if err != nil {
				return err
			}
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			if !enqueue {
				cfg.QueueBackend = config.QueueMemory
			}
			a, err := openApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			if enqueue {
				id, err := a.manager.ScheduleCheck(cmd.Context(), ref, 0)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, id)
				return nil
			}
			res, err := a.manager.Compute(cmd.Context(), ref)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s: %s\n", ref, res)
			switch res {
			case analytics.ResultNotFound:
				return fmt.Errorf("%s does not exist", ref)
			case analytics.ResultConflict:
				return fmt.Errorf("%s was updated concurrently, retry", ref)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&enqueue, "enqueue", false,
		"Schedule the check instead of computing in-process")
	config.RegisterWorkerFlags(cmd.Flags())
	return cmd
}

func parseRef(kind, id string) (db.Ref, error) {
	k := db.Kind(kind)
	if !k.Valid() {
		return db.Ref{}, fmt.Errorf(
			"unknown resource kind %q: use job, task, or project", kind)
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n <= 0 {
		return db.Ref{}, fmt.Errorf("invalid id %q", id)
	}
	return db.Ref{Kind: k, ID: n}, nil
}
