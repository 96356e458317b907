package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"github.com/arcward/guildhall/guildhall"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"strings"
	"syscall"
)

// passwordReader is a function type for reading passwords. It's really only
// here to make testing easier.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and create an admin account",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			return errors.New("database type not set (must be one of: sqlite, postgres, mysql)")
		}
		if cfg.Database == "" {
			return errors.New(
				"database not set (must be a valid connection string or sqlite file path)",
			)
		}
		// Run database migrations
		db, err := guildhall.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			return fmt.Errorf("error creating database: %w", err)
		}
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			defer sqlDB.Close()
		}

		out := cmd.OutOrStdout()

		var admins int64
		err = db.WithContext(ctx).
			Model(&guildhall.Account{}).
			Where("admin = ?", true).
			Count(&admins).Error
		if err != nil {
			return fmt.Errorf("error checking for admin accounts: %w", err)
		}
		if admins > 0 {
			fmt.Fprintln(out, "An admin account already exists.")
			fmt.Fprintln(
				out,
				"Initialization complete. You can now start the server with the 'run' subcommand.",
			)
			return nil
		}

		fmt.Fprintln(out, "No admin account exists. Let's create one.")

		reader := bufio.NewReader(cmd.InOrStdin())

		// Prompt for username
		fmt.Fprint(out, "Enter admin username: ")
		username, _ := reader.ReadString('\n')
		username = strings.TrimSpace(username)

		// Prompt for password
		var password string

		readPassword := customPasswordReader
		if readPassword == nil {
			readPassword = func() ([]byte, error) {
				return term.ReadPassword(int(syscall.Stdin))
			}
		}
		for {
			fmt.Fprint(out, "Enter admin password: ")
			passwordBytes, readErr := readPassword()
			if readErr != nil {
				return fmt.Errorf("error reading password: %w", readErr)
			}
			password = string(passwordBytes)
			fmt.Fprintln(out)

			fmt.Fprint(out, "Confirm admin password: ")
			confirmPasswordBytes, readErr := readPassword()
			if readErr != nil {
				return fmt.Errorf("error reading password: %w", readErr)
			}
			fmt.Fprintln(out)

			if password == string(confirmPasswordBytes) {
				break
			}
			fmt.Fprintln(out, "Passwords do not match. Please try again.")
		}

		auth := guildhall.NewAuthService(
			guildhall.NewDatabase(db, nil, cfg.DatabaseType != "sqlite"),
			cfg.API.Secret,
			cfg.API.SessionMaxAge,
		)
		if _, err = auth.CreateAccount(ctx, username, password, true); err != nil {
			return err
		}

		fmt.Fprintln(out, "Admin account created successfully.")
		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the server with the 'run' subcommand.",
		)
		return nil
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(initCmd)
}
