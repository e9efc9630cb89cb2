package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"todosync/internal/credentials"
)

// newCredentialsCmd creates the 'credentials' subcommand for credential management
func newCredentialsCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	credentialsCmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage provider credentials",
		Long:  "Store, retrieve, and manage provider passwords and tokens in the system keyring.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	credentialsCmd.AddCommand(newCredentialsSetCmd(stdout, cfg))
	credentialsCmd.AddCommand(newCredentialsGetCmd(stdout, cfg))
	credentialsCmd.AddCommand(newCredentialsDeleteCmd(stdout, cfg))
	credentialsCmd.AddCommand(newCredentialsListCmd(stdout, cfg))

	return credentialsCmd
}

// newCredentialsHandler builds the handler, reading passwords without echo on a terminal
func newCredentialsHandler(cfg *Config, stdout io.Writer) *credentials.CLIHandler {
	stdin := stdinOf(cfg)
	handler := credentials.NewCLIHandler(newSecrets(cfg), stdin, stdout)
	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		handler.WithPasswordReader(func(provider, username string) (string, error) {
			_, _ = fmt.Fprintf(stdout, "Enter password for %s (user: %s): ", provider, username)
			secret, err := term.ReadPassword(int(f.Fd()))
			_, _ = fmt.Fprintln(stdout)
			if err != nil {
				return "", err
			}
			return strings.TrimSpace(string(secret)), nil
		})
	}
	return handler
}

// newCredentialsSetCmd creates the 'credentials set' subcommand
func newCredentialsSetCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "set [provider] [username]",
		Short: "Store credentials in system keyring",
		Long:  "Store a provider password or token securely in the system keyring (macOS Keychain, Windows Credential Manager, or Linux Secret Service).",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newCredentialsHandler(cfg, stdout).Set(context.Background(), args[0], args[1])
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newCredentialsGetCmd creates the 'credentials get' subcommand
func newCredentialsGetCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "get [provider] [username]",
		Short: "Retrieve credentials and show source",
		Long:  "Look up credentials through the priority chain (keyring > environment) and display the source.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOutput, _ := cmd.Flags().GetBool("json")
			return newCredentialsHandler(cfg, stdout).Get(context.Background(), args[0], args[1], jsonOutput)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newCredentialsDeleteCmd creates the 'credentials delete' subcommand
func newCredentialsDeleteCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "delete [provider] [username]",
		Short: "Remove credentials from system keyring",
		Long:  "Remove stored credentials from the system keyring. Environment variables are not affected.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newCredentialsHandler(cfg, stdout).Delete(context.Background(), args[0], args[1])
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newCredentialsListCmd creates the 'credentials list' subcommand
func newCredentialsListCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured providers with credential status",
		Long:  "Show every provider under sync.providers and whether credentials are available for it.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOutput, _ := cmd.Flags().GetBool("json")
			appCfg, err := loadConfig(cfg)
			if err != nil {
				return err
			}

			var accounts []credentials.Account
			for _, name := range appCfg.ProviderNames() {
				accounts = append(accounts, credentials.Account{Provider: name, Username: appCfg.ProviderUsername(name)})
			}
			return newCredentialsHandler(cfg, stdout).List(context.Background(), accounts, jsonOutput)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}
