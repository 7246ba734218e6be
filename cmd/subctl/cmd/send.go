package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/subgate/subgate/internal/language"
	"github.com/subgate/subgate/internal/subscriber"
	"github.com/subgate/subgate/internal/task"
)

var sendFormat string

var sendCmd = &cobra.Command{
	Use:   "send <message-id> <email-or-token>",
	Short: "Queue a one-off triggered message to a subscriber",
	Args:  cobra.ExactArgs(2),
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
		if strings.Contains(args[1], "@") {
			sub, err = store.LookupByEmail(ctx, args[1])
		} else {
			sub, err = store.LookupByToken(ctx, args[1])
		}
		if err != nil {
			return err
		}
		if sub == nil {
			return fmt.Errorf("no subscriber for %q", args[1])
		}

		pub, err := publisher()
		if err != nil {
			return err
		}
		defer pub.Stop()

		t, err := task.New(task.NameSendMessage, task.SendMessagePayload{
			MessageID: args[0],
			Email:     sub.Email,
			Token:     sub.Token,
			Format:    language.NormalizeFormat(sendFormat),
		})
		if err != nil {
			return err
		}
		if err := pub.Publish(ctx, t); err != nil {
			return err
		}
		fmt.Printf("queued %s for %s\n", args[0], sub.Email)
		return nil
	},
}

func init() {
	sendCmd.Flags().StringVar(&sendFormat, "format", "html", "message format (html or text)")
	rootCmd.AddCommand(sendCmd)
}
