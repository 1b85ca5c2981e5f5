package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/froyoctl/pkg/plugins"
	"github.com/openfroyo/froyoctl/pkg/stores"
)

func newHistoryCommand(version string) *cobra.Command {
	var (
		limit     int
		offset    int
		pruneDays int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past runs",
		Long: `List runs recorded by the history callback, newest first.

History is kept in the sqlite database named by history_db. Setting it
to an empty string disables recording.`,
		Example: `  # Last 10 runs
  froyoctl history --limit 10

  # Drop runs older than 30 days
  froyoctl history --prune 30`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, version)
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()

			store, err := a.openHistory(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if pruneDays > 0 {
				n, err := store.PruneRuns(ctx, time.Now().AddDate(0, 0, -pruneDays))
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Pruned %d run(s)\n", n)
				return nil
			}

			runs, err := store.ListRuns(ctx, limit, offset)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeData(out, runs, false)
			}

			t := newTable("RUN", "STARTED", "PATTERN", "MODULE", "HOSTS", "STATUS")
			for _, r := range runs {
				t.Row(r.ID, r.StartedAt.Local().Format(time.DateTime), r.Pattern, r.Module,
					strconv.Itoa(r.HostCount), statusStyle(string(r.Status)).Render(string(r.Status)))
			}
			fmt.Fprintln(out, t.Render())
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of runs to skip")
	cmd.Flags().IntVar(&pruneDays, "prune", 0, "delete runs older than this many days")
	cmd.AddCommand(newHistoryShowCommand(version))

	return cmd
}

// runDetail is the JSON form of history show.
type runDetail struct {
	*stores.Run
	Hosts []*stores.HostResult `json:"hosts"`
}

func newHistoryShowCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the per-host results of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, version)
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()

			store, err := a.openHistory(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			run, err := store.GetRun(ctx, args[0])
			if err != nil {
				if errors.Is(err, stores.ErrNotFound) {
					return fmt.Errorf("no run %s in history", args[0])
				}
				return err
			}
			results, err := store.ListHostResults(ctx, run.ID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return writeData(out, runDetail{Run: run, Hosts: results}, false)
			}

			fmt.Fprintf(out, "%s %s\n", TitleStyle.Render("Run"), run.ID)
			fmt.Fprintf(out, "  pattern: %s\n  module:  %s %s\n  status:  %s\n  started: %s\n",
				run.Pattern, run.Module, run.Args,
				statusStyle(string(run.Status)).Render(string(run.Status)),
				run.StartedAt.Local().Format(time.DateTime))

			t := newTable("HOST", "STATUS", "RC", "DURATION", "ERROR")
			for _, r := range results {
				rc := "-"
				if r.RC != nil {
					rc = strconv.Itoa(*r.RC)
				}
				t.Row(r.Host, statusStyle(r.Status).Render(r.Status), rc,
					(time.Duration(r.DurationMS) * time.Millisecond).String(), r.Error)
			}
			fmt.Fprintln(out, t.Render())
			return nil
		},
	}
}

// openHistory opens and migrates the history database.
func (a *app) openHistory(ctx context.Context) (*stores.SQLiteStore, error) {
	if a.settings.HistoryDB == "" {
		return nil, fmt.Errorf("run history is disabled (history_db is empty)")
	}
	store, err := stores.NewSQLiteStore(stores.Config{Path: plugins.ExpandHome(a.settings.HistoryDB)})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}
