package cmd

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/subgate/subgate/internal/ledger"
	"github.com/subgate/subgate/internal/logging"
)

var ledgerLimit int

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect and replay the failure ledger",
}

var ledgerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List failed tasks, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := opContext()
		defer cancel()

		pool, err := connect(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		entries, err := ledger.NewPGStore(pool).List(ctx, ledgerLimit)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTASK\tNAME\tWHEN\tERROR")
		for _, e := range entries {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
				e.ID, e.TaskID, e.Name, e.When.Format("2006-01-02 15:04:05"), e.Exc)
		}
		return w.Flush()
	},
}

var ledgerReplayCmd = &cobra.Command{
	Use:   "replay <id>",
	Short: "Resubmit a failed task and remove its ledger entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("bad ledger id %q", args[0])
		}

		ctx, cancel := opContext()
		defer cancel()

		pool, err := connect(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		pub, err := publisher()
		if err != nil {
			return err
		}
		defer pub.Stop()

		led := ledger.New(ledger.NewPGStore(pool), pub, logging.New("subctl"))
		if err := led.Replay(ctx, id); err != nil {
			return err
		}
		fmt.Printf("ledger entry %d replayed\n", id)
		return nil
	},
}

var ledgerDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Drop a ledger entry without rerunning it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("bad ledger id %q", args[0])
		}

		ctx, cancel := opContext()
		defer cancel()

		pool, err := connect(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := ledger.NewPGStore(pool).Delete(ctx, id); err != nil {
			return err
		}
		fmt.Printf("ledger entry %d deleted\n", id)
		return nil
	},
}

func init() {
	ledgerListCmd.Flags().IntVar(&ledgerLimit, "limit", 50, "maximum entries to list")
	ledgerCmd.AddCommand(ledgerListCmd, ledgerReplayCmd, ledgerDeleteCmd)
	rootCmd.AddCommand(ledgerCmd)
}
