package main

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"pipesched/internal/config"
	"pipesched/internal/cronexpr"
)

var (
	cronCount    int
	cronMonthDay int
)

var cronCmd = &cobra.Command{
	Use:   "cron",
	Short: "Cron expression helpers",
}

var cronNextCmd = &cobra.Command{
	Use:   "next <expression>",
	Short: "Print the next fire times of an expression in the scheduler timezone",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		loc, err := schedulerLocation()
		if err != nil {
			return err
		}
		times, err := cronexpr.NextFireTimes(args[0], time.Now().In(loc), cronCount)
		if err != nil {
			return err
		}
		for _, t := range times {
			fmt.Println(t.Format("Mon 2006-01-02 15:04 MST"))
		}
		return nil
	},
}

var cronFreqCmd = &cobra.Command{
	Use:   "freq <daily|weekly|monthly> <HH:MM> [weekday]",
	Short: "Build an expression from a named frequency",
	Example: `  pipesched cron freq daily 07:30
  pipesched cron freq weekly 18:00 fri
  pipesched cron freq monthly 06:00 --day 1`,
	Args: cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		hour, minute, err := cronexpr.ParseClock(args[1])
		if err != nil {
			return err
		}
		f := cronexpr.Frequency{Kind: cronexpr.Kind(args[0]), Hour: hour, Minute: minute, MonthDay: cronMonthDay}
		if f.Kind == cronexpr.Weekly {
			if len(args) < 3 {
				return errors.New("weekly needs a weekday")
			}
			if f.Weekday, err = cronexpr.ParseWeekday(args[2]); err != nil {
				return err
			}
		}
		expr, err := f.Expression()
		if err != nil {
			return err
		}
		fmt.Println(expr)
		return nil
	},
}

var cronDescribeCmd = &cobra.Command{
	Use:   "describe <expression>",
	Short: "Show the named frequency an expression corresponds to",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := cronexpr.ParseFrequency(args[0])
		if err != nil {
			return err
		}
		switch f.Kind {
		case cronexpr.Weekly:
			fmt.Printf("weekly on %s at %02d:%02d\n", f.Weekday, f.Hour, f.Minute)
		case cronexpr.Monthly:
			fmt.Printf("monthly on day %d at %02d:%02d\n", f.MonthDay, f.Hour, f.Minute)
		default:
			fmt.Printf("daily at %02d:%02d\n", f.Hour, f.Minute)
		}
		return nil
	},
}

func init() {
	cronNextCmd.Flags().IntVarP(&cronCount, "count", "n", 5, "number of fire times")
	cronFreqCmd.Flags().IntVar(&cronMonthDay, "day", 1, "day of month for monthly")
	cronCmd.AddCommand(cronNextCmd, cronFreqCmd, cronDescribeCmd)
}

func schedulerLocation() (*time.Location, error) {
	cfg, err := config.NewManager(cfgPath).Load(true)
	if err != nil {
		return nil, err
	}
	res, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}
	return res.Timezone, nil
}
