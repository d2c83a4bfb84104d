package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	fieldtalk "github.com/agrimsg/fieldtalk"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch <ticket-number>",
	Short: "Follow a ticket's conversation live",
	Long:  "Subscribe to a ticket and print messages, delivery updates, and AI suggestions as they arrive. Press Ctrl-C to stop.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		client := getClient()
		store := openStore()
		defer store.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		detail, err := client.GetTicket(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if err := cacheTicketDetail(store, detail); err != nil {
			return fmt.Errorf("failed to cache ticket: %w", err)
		}

		backfill := fieldtalk.NewBackfill(client, store)
		router := fieldtalk.NewRouter(store)
		conn := fieldtalk.NewConn(client, router, &fieldtalk.ConnConfig{
			Token:         cfg.Default.Token,
			AutoReconnect: true,
		})

		conn.OnStateChange(func(s fieldtalk.ConnState) {
			fmt.Printf("-- connection: %s\n", s)
		})
		conn.OnCatchUp(func(ticketID, customerID int64) {
			if n, err := backfill.SyncNewer(context.Background(), ticketID, customerID); err == nil && n > 0 {
				fmt.Printf("-- caught up on %d missed message(s)\n", n)
			}
		})

		tl := fieldtalk.NewTimeline(detail.ID)
		if err := conn.Subscribe(ctx, detail.ID, detail.CustomerID, tl); err != nil {
			return fmt.Errorf("subscribe failed: %w", err)
		}

		// Print the cached history before going live.
		if _, err := backfill.SyncNewer(ctx, detail.ID, detail.CustomerID); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: initial sync failed: %v\n", err)
		}
		page, err := backfill.LoadInitial(detail.ID, detail.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to read cache: %w", err)
		}
		seen := make(map[string]fieldtalk.DeliveryStatus)
		for _, m := range page.Messages {
			printMessage(m)
			seen[m.SID] = m.Status
			tl.Apply(m)
		}

		if err := conn.Connect(ctx); err != nil {
			return fmt.Errorf("connect failed: %w", err)
		}
		defer conn.Disconnect()

		fmt.Printf("Watching ticket %s. Press Ctrl-C to stop.\n", detail.Number)

		lastSuggestion := ""
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nStopped.")
				return nil
			case <-ticker.C:
				for _, m := range tl.Messages() {
					m := m
					prev, ok := seen[m.SID]
					if !ok {
						printMessage(&m)
					} else if prev != m.Status {
						fmt.Printf("-- message %d is now %s\n", m.ID, m.Status)
					}
					seen[m.SID] = m.Status
				}
				if s := tl.Suggestion(); s != "" && s != lastSuggestion {
					fmt.Printf("** suggested reply: %s\n", s)
				}
				lastSuggestion = tl.Suggestion()
			}
		}
	},
}
