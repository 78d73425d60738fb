package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"pipesched/internal/storage"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Manage scheduled jobs",
}

var jobIn struct {
	program  string
	cron     string
	disabled bool
	enabled  bool
	all      bool
}

var jobAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create a job bound to a program",
	Long: `Create a job. A malformed cron expression is accepted but the job never
fires (its next run stays empty) until the expression is fixed.`,
	Args: cobra.ExactArgs(1),
	RunE: withSession(func(ctx context.Context, s *session, args []string) error {
		p, err := lookupProgram(ctx, s.store, jobIn.program)
		if err != nil {
			return err
		}
		j, err := s.store.CreateJob(ctx, storage.JobInput{
			Name:           args[0],
			ProgramID:      p.ID,
			CronExpression: jobIn.cron,
			Enabled:        !jobIn.disabled,
		})
		if err != nil {
			return err
		}
		fmt.Printf("job %q created (id %d), next run %s\n", j.Name, j.ID, formatNext(j.NextRunTime, s.sched.Location()))
		return nil
	}),
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	Args:  cobra.NoArgs,
	RunE: withSession(func(ctx context.Context, s *session, _ []string) error {
		list, err := s.store.ListJobs(ctx, !jobIn.all)
		if err != nil {
			return err
		}
		loc := s.sched.Location()
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tPROGRAM\tCRON\tENABLED\tLAST RUN\tNEXT RUN")
		for _, j := range list {
			fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%t\t%s\t%s\n",
				j.ID, j.Name, j.ProgramID, j.CronExpression, j.Enabled,
				formatNext(j.LastRunTime, loc), formatNext(j.NextRunTime, loc))
		}
		return tw.Flush()
	}),
}

var jobShowCmd = &cobra.Command{
	Use:   "show <id|name>",
	Short: "Show a job",
	Args:  cobra.ExactArgs(1),
	RunE: withSession(func(ctx context.Context, s *session, args []string) error {
		j, err := lookupJob(ctx, s.store, args[0])
		if err != nil {
			return err
		}
		return printJSON(j)
	}),
}

var jobUpdateCmd = &cobra.Command{
	Use:   "update <id|name>",
	Short: "Change a job's program, cron expression or enabled flag",
	Args:  cobra.ExactArgs(1),
	RunE: withSession(func(ctx context.Context, s *session, args []string) error {
		j, err := lookupJob(ctx, s.store, args[0])
		if err != nil {
			return err
		}
		in := storage.JobInput{Name: j.Name, ProgramID: j.ProgramID, CronExpression: j.CronExpression, Enabled: j.Enabled}
		if jobIn.program != "" {
			p, err := lookupProgram(ctx, s.store, jobIn.program)
			if err != nil {
				return err
			}
			in.ProgramID = p.ID
		}
		if jobIn.cron != "" {
			in.CronExpression = jobIn.cron
		}
		switch {
		case jobIn.enabled:
			in.Enabled = true
		case jobIn.disabled:
			in.Enabled = false
		}
		out, err := s.store.UpdateJob(ctx, j.ID, in)
		if err != nil {
			return err
		}
		fmt.Printf("job %q updated, next run %s\n", out.Name, formatNext(out.NextRunTime, s.sched.Location()))
		return nil
	}),
}

func setEnabledCmd(use string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id|name>",
		Short: use + " a job",
		Args:  cobra.ExactArgs(1),
		RunE: withSession(func(ctx context.Context, s *session, args []string) error {
			j, err := lookupJob(ctx, s.store, args[0])
			if err != nil {
				return err
			}
			if _, err := s.store.SetJobEnabled(ctx, j.ID, enabled); err != nil {
				return err
			}
			fmt.Printf("job %q %sd\n", j.Name, use)
			return nil
		}),
	}
}

var jobRemoveCmd = &cobra.Command{
	Use:     "rm <id|name>",
	Aliases: []string{"remove"},
	Short:   "Delete a job and its execution history",
	Args:    cobra.ExactArgs(1),
	RunE: withSession(func(ctx context.Context, s *session, args []string) error {
		j, err := lookupJob(ctx, s.store, args[0])
		if err != nil {
			return err
		}
		if err := s.store.DeleteJob(ctx, j.ID); err != nil {
			return err
		}
		fmt.Printf("job %q deleted\n", j.Name)
		return nil
	}),
}

func init() {
	jobAddCmd.Flags().StringVarP(&jobIn.program, "program", "p", "", "program id or name")
	jobAddCmd.Flags().StringVar(&jobIn.cron, "cron", "", `five-field cron expression, e.g. "0 9 * * 1-5"`)
	jobAddCmd.Flags().BoolVar(&jobIn.disabled, "disabled", false, "create the job disabled")
	_ = jobAddCmd.MarkFlagRequired("program")
	_ = jobAddCmd.MarkFlagRequired("cron")

	jobUpdateCmd.Flags().StringVarP(&jobIn.program, "program", "p", "", "program id or name")
	jobUpdateCmd.Flags().StringVar(&jobIn.cron, "cron", "", "five-field cron expression")
	jobUpdateCmd.Flags().BoolVar(&jobIn.enabled, "enable", false, "enable the job")
	jobUpdateCmd.Flags().BoolVar(&jobIn.disabled, "disable", false, "disable the job")
	jobUpdateCmd.MarkFlagsMutuallyExclusive("enable", "disable")

	jobListCmd.Flags().BoolVarP(&jobIn.all, "all", "a", false, "include disabled jobs")

	jobCmd.AddCommand(jobAddCmd, jobListCmd, jobShowCmd, jobUpdateCmd,
		setEnabledCmd("enable", true), setEnabledCmd("disable", false), jobRemoveCmd)
}

func lookupJob(ctx context.Context, st *storage.Store, ref string) (storage.Job, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return st.GetJob(ctx, id)
	}
	return st.GetJobByName(ctx, ref)
}

func formatNext(t *time.Time, loc *time.Location) string {
	if t == nil {
		return "-"
	}
	return t.In(loc).Format("2006-01-02 15:04 MST")
}
