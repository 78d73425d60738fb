package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"pipesched/internal/storage"
)

var (
	historyLimit int
	asJSON       bool
)

var statusCmd = &cobra.Command{
	Use:   "status <job>",
	Short: "Show the latest execution of a job",
	Args:  cobra.ExactArgs(1),
	RunE: withSession(func(ctx context.Context, s *session, args []string) error {
		j, err := lookupJob(ctx, s.store, args[0])
		if err != nil {
			return err
		}
		st, err := s.sched.Status(ctx, j.ID)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(st)
		}
		fmt.Printf("job:       %s (id %d)\n", st.JobName, st.JobID)
		fmt.Printf("status:    %s\n", st.Status)
		if st.ExecutionID == "" {
			return nil
		}
		loc := s.sched.Location()
		fmt.Printf("execution: %s\n", st.ExecutionID)
		fmt.Printf("started:   %s\n", formatNext(st.StartTime, loc))
		fmt.Printf("ended:     %s\n", formatNext(st.EndTime, loc))
		fmt.Printf("duration:  %s\n", time.Duration(st.Duration*float64(time.Second)).Round(time.Millisecond))
		if st.Error != "" {
			fmt.Printf("error:     %s\n", st.Error)
		}
		if st.Output != "" {
			fmt.Printf("output:\n%s\n", st.Output)
		}
		return nil
	}),
}

var historyCmd = &cobra.Command{
	Use:   "history <job>",
	Short: "List recent executions of a job, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: withSession(func(ctx context.Context, s *session, args []string) error {
		j, err := lookupJob(ctx, s.store, args[0])
		if err != nil {
			return err
		}
		list, err := s.sched.History(ctx, j.ID, historyLimit)
		if err != nil {
			return err
		}
		if asJSON {
			if list == nil {
				list = []storage.Execution{}
			}
			return printJSON(list)
		}
		loc := s.sched.Location()
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "EXECUTION\tSTATUS\tSTARTED\tDURATION\tERROR")
		for _, e := range list {
			start := e.StartTime
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				e.ID, e.Status, formatNext(&start, loc), e.Duration().Round(time.Millisecond), firstLine(e.Error))
		}
		return tw.Flush()
	}),
}

var abortCmd = &cobra.Command{
	Use:   "abort <execution-id>",
	Short: "Abort a running execution",
	Long: `Mark a running execution aborted. A server owning the run notices on
its next abort check and kills the process.`,
	Args: cobra.ExactArgs(1),
	RunE: withSession(func(ctx context.Context, s *session, args []string) error {
		e, err := s.sched.Abort(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("execution %s aborted\n", e.ID)
		return nil
	}),
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "number of executions (default from config)")
	for _, c := range []*cobra.Command{statusCmd, historyCmd} {
		c.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
