package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	loginUserID   int64
	loginUserName string
	loginBaseURL  string
)

func init() {
	loginCmd.Flags().Int64Var(&loginUserID, "user-id", 0, "Your user id on the storefront")
	loginCmd.Flags().StringVar(&loginUserName, "user-name", "", "Your display name")
	loginCmd.Flags().StringVar(&loginBaseURL, "base-url", "", "API origin (optional)")
	rootCmd.AddCommand(loginCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <token>",
	Short: "Store messaging credentials",
	Long:  "Store the bearer token (and your identity) in ~/.storechat/config.toml.\nThe token comes from the storefront's normal sign-in flow.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = args[0]
		if loginUserID != 0 {
			cfg.Auth.UserID = loginUserID
		}
		if loginUserName != "" {
			cfg.Auth.UserName = loginUserName
		}
		if loginBaseURL != "" {
			cfg.Default.BaseURL = loginBaseURL
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Println("Credentials stored.")
		if cfg.Auth.UserID != 0 {
			fmt.Printf("  User ID: %d\n", cfg.Auth.UserID)
		}
		return nil
	},
}
