package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

func newMigrateCommand(deps Deps, opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back schema migrations",
	}
	open := func() (Migrations, func(), error) {
		if deps.Migrations == nil {
			return nil, nil, errors.New("migrations not configured")
		}
		return deps.Migrations()
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, release, err := open()
			if err != nil {
				return err
			}
			defer release()
			return m.Up()
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, release, err := open()
			if err != nil {
				return err
			}
			defer release()
			return m.Down(steps)
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back; 0 rolls back everything")

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, release, err := open()
			if err != nil {
				return err
			}
			defer release()
			v, dirty, err := m.Version()
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), map[string]any{"version": v, "dirty": dirty})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version %d dirty=%t\n", v, dirty)
			return nil
		},
	}

	cmd.AddCommand(up, down, version)
	return cmd
}

func newRecalcCommand(deps Deps, opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "recalc <invoice-id>...",
		Short: "Recalculate invoices in one transaction and emit their updates",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			if deps.Ledger == nil {
				return errors.New("ledger not configured")
			}
			ledger, release, err := deps.Ledger(cmd.Context())
			if err != nil {
				return err
			}
			defer release()
			results, err := ledger.RecalculateBatch(cmd.Context(), ids)
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), results)
			}
			for _, r := range results {
				mark := ""
				if r.Changed {
					mark = " (repaired)"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tbalance=%s received=%s%s\n",
					r.InvoiceNo, r.Status, r.Balance.StringFixed(2), r.ReceivedAmount.StringFixed(2), mark)
			}
			return nil
		},
	}
}

func newSweepCommand(deps Deps, opts *options) *cobra.Command {
	var (
		inline      bool
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "sweep [invoice-id...]",
		Short: "Repair drifted invoices; enqueues the worker task unless --inline",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				ids = nil
			}
			if inline {
				if deps.Ledger == nil {
					return errors.New("ledger not configured")
				}
				ledger, release, err := deps.Ledger(cmd.Context())
				if err != nil {
					return err
				}
				defer release()
				report, err := ledger.Sweep(cmd.Context(), ids, concurrency)
				if err != nil {
					return err
				}
				if opts.json {
					return printJSON(cmd.OutOrStdout(), report)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d drifted=%d failed=%d\n", report.Scanned, report.Drifted, report.Failed)
				if report.Failed > 0 {
					return fmt.Errorf("%d invoices failed to recalculate", report.Failed)
				}
				return nil
			}

			if deps.Queue == nil {
				return errors.New("queue not configured")
			}
			queue, release, err := deps.Queue()
			if err != nil {
				return err
			}
			defer release()
			info, err := queue.TriggerSweep(cmd.Context(), ids, concurrency)
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), map[string]string{"id": info.ID, "queue": info.Queue})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s on %s\n", info.ID, info.Queue)
			return nil
		},
	}
	cmd.Flags().BoolVar(&inline, "inline", false, "run the sweep in this process instead of the worker")
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "invoices recalculated in parallel")
	return cmd
}

func newQueueCommand(deps Deps, opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect background job queues",
	}
	stats := &cobra.Command{
		Use:   "stats",
		Short: "Print queue depth for the notify and default queues",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if deps.Queue == nil {
				return errors.New("queue not configured")
			}
			queue, release, err := deps.Queue()
			if err != nil {
				return err
			}
			defer release()
			out, err := queue.QueueStats(cmd.Context())
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), out)
			}
			for _, s := range out {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tpending=%d active=%d scheduled=%d retry=%d\n",
					s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry)
			}
			return nil
		},
	}
	cmd.AddCommand(stats)
	return cmd
}

func newPermsCommand(deps Deps, opts *options) *cobra.Command {
	var invalidate bool
	cmd := &cobra.Command{
		Use:   "perms <user-id>",
		Short: "Show a user's effective permissions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || userID <= 0 {
				return fmt.Errorf("invalid user id %q", args[0])
			}
			if deps.Permissions == nil {
				return errors.New("permissions not configured")
			}
			perms, release, err := deps.Permissions(cmd.Context())
			if err != nil {
				return err
			}
			defer release()
			if invalidate {
				if err := perms.Invalidate(cmd.Context(), userID); err != nil {
					return err
				}
			}
			granted, err := perms.EffectivePermissions(cmd.Context(), userID)
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), map[string]any{"userId": userID, "permissions": granted})
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.Join(granted, "\n"))
			return nil
		},
	}
	cmd.Flags().BoolVar(&invalidate, "invalidate", false, "drop the cached grant before reading")
	return cmd
}
