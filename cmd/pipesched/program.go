package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"pipesched/internal/storage"
)

var programCmd = &cobra.Command{
	Use:   "program",
	Short: "Manage report programs",
}

var progIn struct {
	storage.Program
	extra []string
}

var programAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create a program",
	Args:  cobra.ExactArgs(1),
	RunE: withSession(func(ctx context.Context, s *session, args []string) error {
		p := progIn.Program
		p.Name = args[0]
		extra, err := parseExtra(progIn.extra)
		if err != nil {
			return err
		}
		p.Extra = extra
		out, err := s.store.CreateProgram(ctx, p)
		if err != nil {
			return err
		}
		fmt.Printf("program %q created (id %d)\n", out.Name, out.ID)
		return nil
	}),
}

var programListCmd = &cobra.Command{
	Use:   "list",
	Short: "List programs",
	Args:  cobra.NoArgs,
	RunE: withSession(func(ctx context.Context, s *session, _ []string) error {
		list, err := s.store.ListPrograms(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tREPORT\tOUTPUT\tMETHOD")
		for _, p := range list {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", p.ID, p.Name, p.ReportName, outputLabel(p), p.Method)
		}
		return tw.Flush()
	}),
}

var programShowCmd = &cobra.Command{
	Use:   "show <id|name>",
	Short: "Show a program",
	Args:  cobra.ExactArgs(1),
	RunE: withSession(func(ctx context.Context, s *session, args []string) error {
		p, err := lookupProgram(ctx, s.store, args[0])
		if err != nil {
			return err
		}
		return printJSON(p)
	}),
}

var programRemoveCmd = &cobra.Command{
	Use:     "rm <id|name>",
	Aliases: []string{"remove"},
	Short:   "Delete a program (fails while jobs reference it)",
	Args:    cobra.ExactArgs(1),
	RunE: withSession(func(ctx context.Context, s *session, args []string) error {
		p, err := lookupProgram(ctx, s.store, args[0])
		if err != nil {
			return err
		}
		if err := s.store.DeleteProgram(ctx, p.ID); err != nil {
			return err
		}
		fmt.Printf("program %q deleted\n", p.Name)
		return nil
	}),
}

func init() {
	f := programAddCmd.Flags()
	f.StringVar(&progIn.WorkspaceID, "workspace", "", "workspace id")
	f.StringVar(&progIn.ReportName, "report", "", "report name")
	f.StringVar(&progIn.DatasetID, "dataset", "", "dataset id")
	f.StringVar(&progIn.Method, "method", "", "export method")
	f.StringVar(&progIn.OutputName, "output-name", "", "output file name")
	f.StringVar(&progIn.OutputType, "output-type", "", "output type, e.g. xlsx")
	f.StringVar(&progIn.SharepointSite, "sharepoint-site", "", "SharePoint site")
	f.StringVar(&progIn.SharepointPath, "sharepoint-path", "", "SharePoint folder")
	f.StringVar(&progIn.FileLocation, "file-location", "", "local output folder")
	f.StringVar(&progIn.Description, "description", "", "free text")
	f.StringArrayVar(&progIn.extra, "param", nil, "extra parameter key=value (repeatable)")

	programCmd.AddCommand(programAddCmd, programListCmd, programShowCmd, programRemoveCmd)
}

func parseExtra(kvs []string) (map[string]string, error) {
	if len(kvs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, errors.Newf("invalid --param %q (use key=value)", kv)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}

func outputLabel(p storage.Program) string {
	switch {
	case p.OutputName != "" && p.OutputType != "":
		return p.OutputName + "." + p.OutputType
	case p.OutputName != "":
		return p.OutputName
	default:
		return p.OutputType
	}
}

// lookupProgram resolves a numeric id first, then a name.
func lookupProgram(ctx context.Context, st *storage.Store, ref string) (storage.Program, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return st.GetProgram(ctx, id)
	}
	return st.GetProgramByName(ctx, ref)
}
