package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/webeng/identity-portal/internal/client/portal"
)

type options struct {
	baseURL  string
	email    string
	password string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:          "portalctl",
		Short:        "Interact with an identity portal instance",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.baseURL, "base-url", "http://localhost:8080", "portal base URL")
	cmd.PersistentFlags().StringVar(&opts.email, "email", "", "account email")
	cmd.PersistentFlags().StringVar(&opts.password, "password", os.Getenv("PORTAL_PASSWORD"), "account password (or PORTAL_PASSWORD)")
	cmd.AddCommand(newRegisterCommand(opts))
	cmd.AddCommand(newLoginCommand(opts))
	cmd.AddCommand(newWhoamiCommand(opts))
	cmd.AddCommand(newWatchCommand(opts))
	return cmd
}

func newRegisterCommand(opts *options) *cobra.Command {
	var displayName, userName, phone string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and print the issued session",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := portal.New(opts.baseURL)
			if err != nil {
				return err
			}
			session, err := client.Register(signalContext(), portal.RegisterParams{
				DisplayName: displayName,
				UserName:    userName,
				Email:       opts.email,
				PhoneNumber: phone,
				Password:    opts.password,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, session)
		},
	}
	cmd.Flags().StringVar(&displayName, "display-name", "", "display name")
	cmd.Flags().StringVar(&userName, "username", "", "unique username")
	cmd.Flags().StringVar(&phone, "phone", "", "optional phone number")
	return cmd
}

func newLoginCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Authenticate and print the issued session",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := portal.New(opts.baseURL)
			if err != nil {
				return err
			}
			session, err := client.Login(signalContext(), opts.email, opts.password)
			if err != nil {
				return err
			}
			return printJSON(cmd, session)
		},
	}
}

func newWhoamiCommand(opts *options) *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the account behind an access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := portal.New(opts.baseURL)
			if err != nil {
				return err
			}
			ctx := signalContext()
			if token == "" {
				session, err := client.Login(ctx, opts.email, opts.password)
				if err != nil {
					return err
				}
				token = session.Token
			}
			session, err := client.CurrentUser(ctx, token)
			if err != nil {
				return err
			}
			return printJSON(cmd, session)
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "access token (defaults to logging in first)")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func signalContext() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	return ctx
}
