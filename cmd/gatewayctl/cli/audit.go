package cli

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"fabricgate.org/internal/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the audit trail",
}

func auditFilterFromFlags(cmd *cobra.Command) (audit.Filter, error) {
	flags := cmd.Flags()
	var f audit.Filter
	var err error
	if f.PrincipalID, err = flags.GetString("principal"); err != nil {
		return f, err
	}
	if f.Operation, err = flags.GetString("operation"); err != nil {
		return f, err
	}
	if f.ClusterID, err = flags.GetString("cluster"); err != nil {
		return f, err
	}
	outcome, err := flags.GetString("outcome")
	if err != nil {
		return f, err
	}
	f.Outcome = audit.Outcome(outcome)
	since, err := flags.GetDuration("since")
	if err != nil {
		return f, err
	}
	if since > 0 {
		ts := time.Now().UTC().Add(-since)
		f.Since = &ts
	}
	if f.Limit, err = flags.GetInt("limit"); err != nil {
		return f, err
	}
	return f.Normalize(), nil
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Show recent audit records",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := auditFilterFromFlags(cmd)
		if err != nil {
			return err
		}
		asCSV, err := cmd.Flags().GetBool("csv")
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		records, err := store.QueryAudit(cmd.Context(), f)
		if err != nil {
			return err
		}
		if asCSV {
			return audit.WriteCSV(cmd.OutOrStdout(), records)
		}

		green := color.New(color.FgGreen).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Time", "User", "Operation", "Cluster", "Outcome", "Status", "Reason", "ms"})
		for _, r := range records {
			outcome := string(r.Outcome)
			switch r.Outcome {
			case audit.OutcomeAllowed:
				outcome = green(outcome)
			case audit.OutcomeDenied:
				outcome = red(outcome)
			default:
				outcome = yellow(outcome)
			}
			status := "-"
			if r.StatusCode != nil {
				status = strconv.Itoa(*r.StatusCode)
			}
			cluster := r.ClusterName
			if cluster == "" {
				cluster = r.ClusterID
			}
			t.AppendRow(table.Row{r.At.Local().Format(time.RFC3339), r.Username, r.Operation, cluster,
				outcome, status, truncate(r.Reason+r.Error, 40), r.DurationMS})
		}
		t.SetStyle(table.StyleLight)
		t.Render()
		return nil
	},
}

var auditStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarise audit records",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := auditFilterFromFlags(cmd)
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		s, err := store.AuditStats(cmd.Context(), f)
		if err != nil {
			return err
		}
		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendRows([]table.Row{
			{"total", s.Total},
			{"successful", s.Success},
			{"denied", s.Denied},
			{"failed", s.Errors},
			{"success rate", fmt.Sprintf("%.1f%%", s.SuccessRate*100)},
		})
		for method, n := range s.ByMethod {
			t.AppendRow(table.Row{"method " + method, n})
		}
		for status, n := range s.ByStatus {
			t.AppendRow(table.Row{"status " + status, n})
		}
		t.SetStyle(table.StyleLight)
		t.Render()
		return nil
	},
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func init() {
	for _, c := range []*cobra.Command{auditQueryCmd, auditStatsCmd} {
		c.Flags().String("principal", "", "Filter by principal id")
		c.Flags().String("operation", "", "Filter by operation name")
		c.Flags().String("cluster", "", "Filter by cluster id")
		c.Flags().String("outcome", "", "Filter by outcome (allowed, denied, upstream_error)")
		c.Flags().Duration("since", 24*time.Hour, "Only records newer than this (0 for all)")
		c.Flags().IntP("limit", "n", 25, "Maximum number of records")
		auditCmd.AddCommand(c)
	}
	auditQueryCmd.Flags().Bool("csv", false, "Write CSV instead of a table")
	rootCmd.AddCommand(auditCmd)
}
