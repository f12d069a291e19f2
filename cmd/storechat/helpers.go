package main

import (
	"fmt"
	"log"
	"os"

	storechat "github.com/lenguyet-ha/storechat-go"
)

// getClient creates a REST client from the stored credentials.
func getClient() (*storechat.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'storechat login <token>' first.")
		os.Exit(1)
	}

	var opts []storechat.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, storechat.WithBaseURL(cfg.Default.BaseURL))
	}
	opts = append(opts, storechat.WithUnauthorizedHandler(func() {
		fmt.Fprintln(os.Stderr, "Session expired. Run 'storechat login <token>' again.")
	}))

	return storechat.NewClient(cfg.Auth.Token, opts...), cfg
}

// getConn creates a real-time connection manager from the stored config.
func getConn(cfg *Config, verbose bool) *storechat.Conn {
	baseURL := cfg.Default.BaseURL
	if baseURL == "" {
		baseURL = storechat.DefaultBaseURL
	}
	var opts []storechat.ConnOption
	if verbose {
		opts = append(opts, storechat.WithConnLogger(log.New(os.Stderr, "", log.LstdFlags)))
	}
	return storechat.NewConn(baseURL, opts...)
}

// self returns the stored identity snapshot.
func self(cfg *Config) storechat.UserSnapshot {
	if cfg.Auth.UserID == 0 {
		fmt.Fprintln(os.Stderr, "No user identity. Run 'storechat login <token> --user-id <id>' first.")
		os.Exit(1)
	}
	return storechat.UserSnapshot{ID: cfg.Auth.UserID, Name: cfg.Auth.UserName}
}

// readFlag formats a read-receipt marker for a message list.
func readFlag(read bool) string {
	if read {
		return "✓✓"
	}
	return "✓"
}
