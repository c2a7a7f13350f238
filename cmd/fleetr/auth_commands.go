package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loykin/fleetr/internal/auth"
)

func createLoginCommand(flags *GlobalFlags) *cobra.Command {
	var clientID, secret string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Exchange client credentials for a token and save the session",
		Long: `Log in to the orchestrator API with client credentials. The secret is read
from --client-secret, then FLEETR_CLIENT_SECRET, then the first line of stdin.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if clientID == "" {
				return errors.New("--client-id is required")
			}
			if secret == "" {
				secret = os.Getenv("FLEETR_CLIENT_SECRET")
			}
			if secret == "" {
				var err error
				if secret, err = readLine(cmd.InOrStdin()); err != nil {
					return fmt.Errorf("read secret: %w", err)
				}
			}
			c, err := newAPIClient(&GlobalFlags{
				APIUrl:     flags.APIUrl,
				APITimeout: flags.APITimeout,
				CAFile:     flags.CAFile,
				Insecure:   flags.Insecure,
			})
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd, flags, 0)
			defer cancel()
			tok, err := c.Login(ctx, clientID, secret)
			if err != nil {
				return fmt.Errorf("login failed: %w", err)
			}
			sm := NewSessionManager()
			if err := sm.SaveSession(&Session{
				Token:     tok.Value,
				TokenType: tok.Type,
				ExpiresAt: tok.ExpiresAt,
				ClientID:  clientID,
				ServerURL: flags.APIUrl,
			}); err != nil {
				return fmt.Errorf("save session: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s (session saved to %s)\n", clientID, sm.GetSessionPath())
			return nil
		},
	}
	cmd.Flags().StringVar(&clientID, "client-id", "", "API client id")
	cmd.Flags().StringVar(&secret, "client-secret", "", "API client secret")
	return cmd
}

func createLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the saved session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := NewSessionManager().ClearSession(); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "logged out")
			return nil
		},
	}
}

func createHashSecretCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-secret [secret]",
		Short: "Print the bcrypt hash of a client secret for auth.clients",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var secret string
			if len(args) == 1 {
				secret = args[0]
			} else {
				var err error
				if secret, err = readLine(cmd.InOrStdin()); err != nil {
					return err
				}
			}
			if secret == "" {
				return errors.New("empty secret")
			}
			h, err := auth.HashSecret(secret)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), h)
			return nil
		},
	}
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
