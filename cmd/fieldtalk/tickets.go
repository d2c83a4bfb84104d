package main

import (
	"context"
	"fmt"
	"time"

	fieldtalk "github.com/agrimsg/fieldtalk"
	"github.com/spf13/cobra"
)

var ticketsShowLimit int

func init() {
	rootCmd.AddCommand(ticketsCmd)
	ticketsCmd.AddCommand(ticketsListCmd)
	ticketsCmd.AddCommand(ticketsShowCmd)
	ticketsCmd.AddCommand(ticketsCloseCmd)

	ticketsShowCmd.Flags().IntVar(&ticketsShowLimit, "limit", 20, "number of recent messages to print")
}

var ticketsCmd = &cobra.Command{
	Use:   "tickets",
	Short: "Browse support tickets",
}

var ticketsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the agent's tickets",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		tickets, err := client.ListTickets(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if len(tickets) == 0 {
			fmt.Println("No tickets.")
			return nil
		}

		for _, t := range tickets {
			fmt.Printf("%-12s %-10s opened %s\n", t.Number, t.Status(), t.CreatedAt.Local().Format("2006-01-02 15:04"))
		}
		return nil
	},
}

var ticketsShowCmd = &cobra.Command{
	Use:   "show <ticket-number>",
	Short: "Show a ticket's details and recent messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		store := openStore()
		defer store.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		detail, err := client.GetTicket(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if err := cacheTicketDetail(store, detail); err != nil {
			return fmt.Errorf("failed to cache ticket: %w", err)
		}

		fmt.Printf("Ticket:   %s (%s)\n", detail.Number, detail.Status())
		if detail.Customer != nil {
			fmt.Printf("Customer: %s  %s\n", detail.Customer.Name, detail.Customer.Phone)
		}
		if detail.Resolver != nil && detail.ResolvedAt != nil {
			fmt.Printf("Resolved: by %s at %s\n", detail.Resolver.Name, detail.ResolvedAt.Local().Format("2006-01-02 15:04"))
		}

		backfill := fieldtalk.NewBackfill(client, store)
		if _, err := backfill.SyncNewer(ctx, detail.ID, detail.CustomerID); err != nil {
			return fmt.Errorf("failed to sync messages: %w", err)
		}
		page, err := backfill.LoadInitial(detail.ID, detail.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to read cache: %w", err)
		}

		msgs := page.Messages
		if len(msgs) > ticketsShowLimit {
			msgs = msgs[len(msgs)-ticketsShowLimit:]
		}
		fmt.Println()
		for _, m := range msgs {
			printMessage(m)
		}
		return nil
	},
}

var ticketsCloseCmd = &cobra.Command{
	Use:   "close <ticket-number>",
	Short: "Resolve a ticket",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		store := openStore()
		defer store.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		detail, err := client.GetTicket(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if detail.Status() == fieldtalk.TicketResolved {
			fmt.Printf("Ticket %s is already resolved.\n", detail.Number)
			return nil
		}

		closed, err := client.CloseTicket(ctx, detail.ID)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if err := store.UpsertTicket(closed); err != nil {
			return fmt.Errorf("failed to cache ticket: %w", err)
		}

		fmt.Printf("Ticket %s resolved.\n", closed.Number)
		return nil
	},
}

func printMessage(m *fieldtalk.Message) {
	label := "customer"
	switch m.Source {
	case fieldtalk.SourceAgent:
		label = "agent"
	case fieldtalk.SourceSuggestion:
		label = "suggested"
	}
	fmt.Printf("[%s] %-9s %s\n", m.CreatedAt.Local().Format("15:04"), label, m.Body)
}
