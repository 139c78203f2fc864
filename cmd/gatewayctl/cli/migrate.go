package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"fabricgate.org/internal/migrate"
	"fabricgate.org/ops/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply, roll back or inspect the database schema",
}

func withMigrator(fn func(cmd *cobra.Command, m *migrate.Manager) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		return fn(cmd, migrate.NewManager(store.DB(), migrations.FS, migrations.SQLDir, migrations.SeedsDir))
	}
}

func printApplied(verb string, files []string) {
	if len(files) == 0 {
		fmt.Println(color.New(color.Faint).Sprint("nothing to do"))
		return
	}
	green := color.New(color.FgGreen).SprintFunc()
	for _, f := range files {
		fmt.Printf("%s %s\n", green(verb), f)
	}
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE: withMigrator(func(cmd *cobra.Command, m *migrate.Manager) error {
		applied, err := m.Up(cmd.Context())
		if err != nil {
			return err
		}
		printApplied("applied", applied)
		return nil
	}),
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	RunE: withMigrator(func(cmd *cobra.Command, m *migrate.Manager) error {
		name, err := m.Down(cmd.Context())
		if errors.Is(err, migrate.ErrNothingApplied) {
			printApplied("", nil)
			return nil
		}
		if err != nil {
			return err
		}
		printApplied("rolled back", []string{name})
		return nil
	}),
}

var migrateSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load default roles and policy",
	RunE: withMigrator(func(cmd *cobra.Command, m *migrate.Manager) error {
		seeded, err := m.Seed(cmd.Context())
		if err != nil {
			return err
		}
		printApplied("seeded", seeded)
		return nil
	}),
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List applied and pending migrations",
	RunE: withMigrator(func(cmd *cobra.Command, m *migrate.Manager) error {
		st, err := m.Status(cmd.Context())
		if err != nil {
			return err
		}
		green := color.New(color.FgGreen).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Migration", "State"})
		for _, name := range st.Applied {
			t.AppendRow(table.Row{name, green("applied")})
		}
		for _, name := range st.Pending {
			t.AppendRow(table.Row{name, yellow("pending")})
		}
		t.SetStyle(table.StyleLight)
		t.Render()
		return nil
	}),
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateSeedCmd, migrateStatusCmd)
	rootCmd.AddCommand(migrateCmd)
}
