package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/subgate/subgate/internal/subscriber"
)

var userCmd = &cobra.Command{
	Use:   "user <email-or-token>",
	Short: "Look up a subscriber by email or token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := opContext()
		defer cancel()

		pool, err := connect(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		store := subscriber.NewPGStore(pool)
		var sub *subscriber.Subscriber
		if strings.Contains(args[0], "@") {
			sub, err = store.LookupByEmail(ctx, args[0])
		} else {
			sub, err = store.LookupByToken(ctx, args[0])
		}
		if err != nil {
			return err
		}
		if sub == nil {
			return fmt.Errorf("no subscriber for %q", args[0])
		}
		fmt.Printf("email:   %s\ntoken:   %s\ncreated: %s\n",
			sub.Email, sub.Token, sub.CreatedAt.Format("2006-01-02 15:04:05"))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(userCmd)
}
