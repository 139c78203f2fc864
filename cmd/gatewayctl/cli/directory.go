package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"fabricgate.org/internal/directory"
)

var directoryCmd = &cobra.Command{
	Use:   "directory",
	Short: "Run directory operations outside the server",
}

var directorySyncCmd = &cobra.Command{
	Use:   "sync <config-id>",
	Short: "Synchronise principals from a directory now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		v, err := openVault(cfg)
		if err != nil {
			return err
		}

		var opts []directory.EngineOption
		if cfg.RedisAddr != "" {
			rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
			defer rdb.Close()
			opts = append(opts, directory.WithLocker(directory.NewRedisLocker(rdb)))
		}
		engine, err := directory.NewEngine(store, store, v, opts...)
		if err != nil {
			return err
		}

		res, err := engine.Sync(cmd.Context(), args[0])
		if err != nil && !errors.Is(err, directory.ErrSyncInProgress) {
			return err
		}
		if res.AlreadyRunning {
			fmt.Println(color.YellowString("a sync for %s is already running", args[0]))
			return nil
		}

		status := color.GreenString(res.Status)
		if res.Status != directory.StatusSuccess {
			status = color.RedString(res.Status)
		}
		fmt.Printf("%s created=%d updated=%d unchanged=%d skipped=%d\n",
			status, res.Created, res.Updated, res.Unchanged, res.Skipped)
		if len(res.Errors) > 0 {
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"DN", "Error"})
			for _, e := range res.Errors {
				t.AppendRow(table.Row{e.DN, e.Error})
			}
			t.SetStyle(table.StyleLight)
			t.Render()
		}
		return res.Err()
	},
}

func init() {
	directoryCmd.AddCommand(directorySyncCmd)
	rootCmd.AddCommand(directoryCmd)
}
