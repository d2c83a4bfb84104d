package main

import (
	"fmt"
	"os"
	"path/filepath"

	fieldtalk "github.com/agrimsg/fieldtalk"
)

// getClient creates an API client from the stored configuration.
func getClient() *fieldtalk.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'fieldtalk config set default.token <token>' first.")
		os.Exit(1)
	}

	var opts []fieldtalk.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, fieldtalk.WithBaseURL(cfg.Default.BaseURL))
	}

	return fieldtalk.NewClient(cfg.Default.Token, opts...)
}

// openStore opens the local message cache at the configured path, defaulting
// to ~/.fieldtalk/cache.db.
func openStore() *fieldtalk.SQLiteStore {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	path := cfg.Cache.Path
	if path == "" {
		dir, err := configDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to locate cache: %v\n", err)
			os.Exit(1)
		}
		path = filepath.Join(dir, "cache.db")
	}

	store, err := fieldtalk.NewSQLiteStore(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open cache at %s: %v\n", path, err)
		os.Exit(1)
	}
	return store
}

// cacheTicketDetail mirrors a fetched ticket and its participants into the
// local cache.
func cacheTicketDetail(store fieldtalk.Store, detail *fieldtalk.TicketDetail) error {
	if err := store.UpsertTicket(&detail.Ticket); err != nil {
		return err
	}
	if detail.Customer != nil {
		if err := store.PutCustomer(detail.Customer); err != nil {
			return err
		}
	}
	if detail.Resolver != nil {
		if err := store.PutAgent(detail.Resolver); err != nil {
			return err
		}
	}
	return nil
}
