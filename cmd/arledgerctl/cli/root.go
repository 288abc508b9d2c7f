// Package cli implements the arledgerctl operations commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/odyssey-erp/arledger/internal/ar"
	"github.com/odyssey-erp/arledger/jobs"
)

// Ledger is the subset of ar.Service the CLI drives.
type Ledger interface {
	RecalculateBatch(ctx context.Context, ids []int64) ([]ar.Reconciliation, error)
	Sweep(ctx context.Context, ids []int64, concurrency int) (ar.SweepReport, error)
}

// Queue triggers and inspects background jobs.
type Queue interface {
	TriggerSweep(ctx context.Context, ids []int64, concurrency int) (*asynq.TaskInfo, error)
	QueueStats(ctx context.Context) ([]jobs.QueueStatus, error)
}

// Migrations applies schema migrations.
type Migrations interface {
	Up() error
	Down(n int) error
	Version() (uint, bool, error)
}

// Permissions reads and invalidates cached grants.
type Permissions interface {
	EffectivePermissions(ctx context.Context, userID int64) ([]string, error)
	Invalidate(ctx context.Context, userID int64) error
}

// Deps opens collaborators on demand, so a command only connects to what it
// uses. Each opener returns a release func.
type Deps struct {
	Logger      *slog.Logger
	Ledger      func(ctx context.Context) (Ledger, func(), error)
	Queue       func() (Queue, func(), error)
	Migrations  func() (Migrations, func(), error)
	Permissions func(ctx context.Context) (Permissions, func(), error)
}

type options struct {
	json bool
}

// NewRootCommand builds the arledgerctl command tree.
func NewRootCommand(deps Deps) *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "arledgerctl",
		Short:         "Operate the receivables ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "print results as JSON")

	root.AddCommand(
		newMigrateCommand(deps, opts),
		newRecalcCommand(deps, opts),
		newSweepCommand(deps, opts),
		newQueueCommand(deps, opts),
		newPermsCommand(deps, opts),
	)
	return root
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid invoice id %q", arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
