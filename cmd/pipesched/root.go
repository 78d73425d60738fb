package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"pipesched/internal/config"
	"pipesched/internal/scheduler"
	"pipesched/internal/storage"
	logx "pipesched/pkg/logx"
)

var (
	cfgPath string
	logLvl  string
)

var rootCmd = &cobra.Command{
	Use:   "pipesched",
	Short: "Cron scheduler for report pipeline jobs",
	Long: `pipesched runs report programs on cron schedules, records every
execution in SQLite and exposes status, history and abort over HTTP.

Management commands work directly on the database, so they can be used
while the server is running.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./pipesched.yaml", "path to config file (yaml or json)")
	rootCmd.PersistentFlags().StringVar(&logLvl, "log-level", "warn", "log level for management commands")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(programCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(abortCmd)
	rootCmd.AddCommand(cronCmd)
}

// session is what management commands work against: the store plus a
// scheduler that is never started.
type session struct {
	cfg   *config.Config
	store *storage.Store
	sched *scheduler.Scheduler
}

func openSession(ctx context.Context) (*session, error) {
	cfg, err := config.NewManager(cfgPath).Load(true)
	if err != nil {
		return nil, err
	}
	res, err := cfg.Resolve()
	if err != nil {
		return nil, errors.Wrap(err, "config")
	}
	log := logx.NewConsole(logLvl)
	st, err := storage.Open(ctx, storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: res.BusyTimeout,
		MaxRetries:  res.RetryMaxRetries,
		RetryBase:   res.RetryBase,
	}, log.With(logx.String("comp", "storage")), storage.WithLocation(res.Timezone))
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(st, nil, scheduler.Config{
		Timezone:     cfg.Scheduler.Timezone,
		HistoryLimit: cfg.Scheduler.HistoryLimit,
	}, log.With(logx.String("comp", "scheduler")), nil)
	return &session{cfg: cfg, store: st, sched: sched}, nil
}

func (s *session) Close() { _ = s.store.Close() }

// withSession opens a session for the duration of fn.
func withSession(fn func(ctx context.Context, s *session, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()
		return fn(ctx, s, args)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
