package main

import (
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"
	"github.com/sushant-115/gojolock/core/deadlock"
	"github.com/sushant-115/gojolock/core/eventlog"
)

// EventsOptions filters the resolution journal.
type EventsOptions struct {
	DB     string
	ScanID string
	Kind   string
	Victim string
	Limit  int
}

// NewEventsCommand creates the events command.
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EventsOptions{}

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print resolution events from the SQLite journal",
		Long: `Print resolution events recorded in the SQLite journal, one JSON
object per line, oldest first.

The journal path defaults to events.sqlite_path of the configuration.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.DB
			if path == "" {
				cfg, err := rootOpts.loadConfig()
				if err != nil {
					return err
				}
				path = cfg.Events.SQLitePath
			}
			if path == "" {
				return errors.New("no journal: pass --db or set events.sqlite_path")
			}

			j, err := eventlog.OpenSQLiteJournal(path)
			if err != nil {
				return err
			}
			defer j.Close()

			events, err := j.Query(cmd.Context(), eventlog.Filter{
				ScanID: opts.ScanID,
				Kind:   deadlock.EventKind(opts.Kind),
				Victim: opts.Victim,
				Limit:  opts.Limit,
			})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, ev := range events {
				if err := enc.Encode(ev); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.DB, "db", "", "path to the SQLite journal")
	cmd.Flags().StringVar(&opts.ScanID, "scan-id", "", "only events of this scan")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "only events of this kind")
	cmd.Flags().StringVar(&opts.Victim, "victim", "", "only events about this victim")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 100, "maximum number of events (0 for all)")

	return cmd
}
