package main

import (
	"context"
	"fmt"
	"time"

	fieldtalk "github.com/agrimsg/fieldtalk"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <ticket-number> <message>",
	Short: "Send a message to a ticket's customer",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		number, body := args[0], args[1]
		client := getClient()
		store := openStore()
		defer store.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		detail, err := client.GetTicket(ctx, number)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if err := cacheTicketDetail(store, detail); err != nil {
			return fmt.Errorf("failed to cache ticket: %w", err)
		}

		sender := fieldtalk.NewSender(client, store)
		tl := fieldtalk.NewTimeline(detail.ID)

		confirmed, err := sender.Send(ctx, tl, detail.ID, detail.CustomerID, body)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		fmt.Printf("Sent to ticket %s (message %d)\n", detail.Number, confirmed.ID)
		return nil
	},
}
