package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"fabricgate.org/internal/registry"
)

var descriptorCmd = &cobra.Command{
	Use:   "descriptor",
	Short: "Inspect API descriptors",
}

var descriptorCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Load descriptors the way the server does and report operations, conflicts and rejects",
	RunE: func(cmd *cobra.Command, args []string) error {
		files, err := cmd.Flags().GetStringArray("file")
		if err != nil {
			return err
		}
		showOps, err := cmd.Flags().GetBool("operations")
		if err != nil {
			return err
		}

		var sources []registry.Source
		if len(files) > 0 {
			for _, f := range files {
				ns, path, ok := strings.Cut(f, "=")
				if !ok || ns == "" || path == "" {
					return fmt.Errorf("--file %q: expected namespace=path", f)
				}
				sources = append(sources, registry.Source{Namespace: ns, Path: path})
			}
		} else {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			sources = cfg.Sources()
		}
		if len(sources) == 0 {
			return errors.New("no descriptors configured; pass --file namespace=path")
		}

		docs, readErr := registry.ReadSources(sources)
		if readErr != nil {
			fmt.Fprintln(os.Stderr, color.RedString("read: %v", readErr))
		}
		reg := registry.New()
		report, loadErr := reg.Load(docs)

		red := color.New(color.FgRed).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		bold := color.New(color.Bold).SprintFunc()

		if showOps {
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"Tool", "Method", "Path", "Mode"})
			for _, op := range reg.Snapshot().Operations() {
				mode := "read"
				if !op.ReadOnly() {
					mode = yellow("write")
				}
				t.AppendRow(table.Row{op.Name, op.Method, op.FullPath(), mode})
			}
			t.SetStyle(table.StyleLight)
			t.Render()
		}

		for _, rej := range report.Rejected {
			fmt.Printf("%s %s: %s\n", red("rejected"), rej.Source, rej.Err)
		}
		for _, c := range report.Conflicts {
			fmt.Printf("%s %s (%s) already registered from %s\n", yellow("conflict"), c.Name, c.Source, c.Existing)
		}
		fmt.Printf("%s %d documents, %d operations, %d conflicts, %d rejected\n", bold("summary"),
			report.Documents, report.Operations, len(report.Conflicts), len(report.Rejected))

		if loadErr != nil {
			return loadErr
		}
		if readErr != nil || len(report.Rejected) > 0 {
			return errors.New("descriptor check failed")
		}
		return nil
	},
}

func init() {
	descriptorCheckCmd.Flags().StringArrayP("file", "f", nil, "Descriptor as namespace=path (repeatable); defaults to the configured descriptors")
	descriptorCheckCmd.Flags().Bool("operations", false, "List every registered operation")
	descriptorCmd.AddCommand(descriptorCheckCmd)
	rootCmd.AddCommand(descriptorCmd)
}
