package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	m3u8dl "github.com/alanbriolat/m3u8dl"
	"github.com/alanbriolat/m3u8dl/internal/boltdb"
	"github.com/alanbriolat/m3u8dl/internal/session"
	"github.com/alanbriolat/m3u8dl/internal/sqlitedb"
)

var errNoHistory = errors.New("no history file configured, use --history or M3U8DL_HISTORY")

type historyDatabase interface {
	session.Database
	Close() error
}

type nilHistory struct {
	session.NilDatabase
}

func (nilHistory) Close() error {
	return nil
}

// openHistory opens the run history store named by the config, picking the backend from the file extension.
func openHistory(cfg m3u8dl.Config, logger *zap.Logger) (historyDatabase, error) {
	switch cfg.HistoryBackend() {
	case m3u8dl.HistorySQLite:
		return sqlitedb.New(cfg.History, logger)
	case m3u8dl.HistoryBolt:
		return boltdb.New(cfg.History)
	default:
		return nilHistory{}, nil
	}
}

func historyCommand(ctx context.Context, cfg *m3u8dl.Config) *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "show previous runs, newest first",
		Action: func(c *cli.Context) error {
			return withHistory(ctx, *cfg, func(db historyDatabase) error {
				runs, err := db.ListRuns()
				if err != nil {
					return err
				}
				return printRuns(os.Stdout, runs, time.Now())
			})
		},
		Subcommands: []*cli.Command{
			{
				Name:      "delete",
				Usage:     "forget the runs with the given IDs",
				ArgsUsage: "ID...",
				Action: func(c *cli.Context) error {
					if c.NArg() == 0 {
						return errors.New("expected at least one run ID")
					}
					return withHistory(ctx, *cfg, func(db historyDatabase) error {
						return deleteRuns(db, c.Args().Slice())
					})
				},
			},
		},
	}
}

// deleteRuns removes each run in turn, stopping at the first ID that is unknown or cannot be removed.
func deleteRuns(db session.Database, ids []string) error {
	for _, id := range ids {
		if err := db.DeleteRun(session.RunID(id)); err != nil {
			if errors.Is(err, session.ErrRunNotFound) {
				return err
			}
			return fmt.Errorf("failed to delete run %s: %w", id, err)
		}
		zap.S().Infof("Deleted run %s", id)
	}
	return nil
}

func withHistory(ctx context.Context, cfg m3u8dl.Config, f func(historyDatabase) error) error {
	if cfg.HistoryBackend() == m3u8dl.HistoryNone {
		return errNoHistory
	}
	db, err := openHistory(cfg, m3u8dl.Logger(ctx))
	if err != nil {
		return err
	}
	defer db.Close()
	return f(db)
}

func printRuns(w io.Writer, runs []session.RunRecord, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tSTATUS\tSEGMENTS\tFAILED\tSIZE\tDURATION\tOUTPUT\tURL")
	for _, run := range runs {
		duration := "-"
		if !run.FinishedAt.IsZero() {
			duration = run.Duration().Round(time.Second).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%d\t%s\t%s\t%s\t%s\n",
			run.ID,
			humanize.RelTime(run.StartedAt, now, "ago", "from now"),
			run.Status,
			run.Downloaded, run.Chunks,
			run.Failed,
			humanize.Bytes(uint64(run.Bytes)),
			duration,
			run.Output,
			run.URL,
		)
	}
	return tw.Flush()
}
