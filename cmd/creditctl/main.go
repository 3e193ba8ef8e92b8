package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarkoPoloResearchLab/resumeledger/internal/creditclient"
	"github.com/MarkoPoloResearchLab/resumeledger/internal/poller"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	flagBaseURL       = "base-url"
	flagAccountID     = "account-id"
	flagAccountHeader = "account-header"
	flagCookieName    = "cookie-name"
	flagSessionCookie = "session-cookie"
	flagVerbose       = "verbose"
	flagSessionID     = "session-id"
	flagBefore        = "before"
	flagInterval      = "interval"
	flagMaxAttempts   = "max-attempts"
	envPrefix         = "CREDITCTL"
)

type clientOptions struct {
	BaseURL       string
	AccountID     string
	AccountHeader string
	CookieName    string
	SessionCookie string
	Verbose       bool
}

func main() {
	rootCmd := newRootCommand()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "creditctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	options := &clientOptions{}
	cmd := &cobra.Command{
		Use:           "creditctl",
		Short:         "Client for the creditd HTTP API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadOptions(cmd, options)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(flagBaseURL, "http://localhost:8080", "creditd base URL")
	flags.String(flagAccountID, "", "account id sent in the account header")
	flags.String(flagAccountHeader, "Account-ID", "account header name")
	flags.String(flagCookieName, "app_session", "session cookie name")
	flags.String(flagSessionCookie, "", "session cookie value (session auth mode)")
	flags.Bool(flagVerbose, false, "log poll attempts")

	cmd.AddCommand(newBalanceCommand(options), newVerifySessionCommand(options), newAwaitCreditCommand(options))
	return cmd
}

func loadOptions(cmd *cobra.Command, options *clientOptions) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var bindErr error
	cmd.Root().PersistentFlags().VisitAll(func(flag *pflag.Flag) {
		if bindErr == nil {
			bindErr = v.BindPFlag(flag.Name, flag)
		}
	})
	if bindErr != nil {
		return bindErr
	}
	options.BaseURL = strings.TrimSpace(v.GetString(flagBaseURL))
	options.AccountID = strings.TrimSpace(v.GetString(flagAccountID))
	options.AccountHeader = strings.TrimSpace(v.GetString(flagAccountHeader))
	options.CookieName = strings.TrimSpace(v.GetString(flagCookieName))
	options.SessionCookie = strings.TrimSpace(v.GetString(flagSessionCookie))
	options.Verbose = v.GetBool(flagVerbose)
	return nil
}

func (options *clientOptions) client() (*creditclient.Client, error) {
	return creditclient.New(creditclient.Config{
		BaseURL:       options.BaseURL,
		AccountID:     options.AccountID,
		AccountHeader: options.AccountHeader,
		CookieName:    options.CookieName,
		SessionCookie: options.SessionCookie,
	})
}

func (options *clientOptions) logger() *zap.Logger {
	if !options.Verbose {
		return zap.NewNop()
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func newBalanceCommand(options *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Print the account balance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := options.client()
			if err != nil {
				return err
			}
			balance, err := client.Balance(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "balance: %d\n", balance)
			return nil
		},
	}
}

func newVerifySessionCommand(options *clientOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify-session",
		Short: "Verify a payment session and credit it if paid",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, _ := cmd.Flags().GetString(flagSessionID)
			if strings.TrimSpace(sessionID) == "" {
				return fmt.Errorf("%s is required", flagSessionID)
			}
			client, err := options.client()
			if err != nil {
				return err
			}
			result, err := client.VerifySession(cmd.Context(), sessionID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "paid: %t credited: %t balance: %d\n", result.Paid, result.Credited, result.Balance)
			return nil
		},
	}
	cmd.Flags().String(flagSessionID, "", "payment session id")
	return cmd
}

func newAwaitCreditCommand(options *clientOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "await-credit",
		Short: "Wait after a checkout redirect until the balance increases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := options.client()
			if err != nil {
				return err
			}
			logger := options.logger()
			defer func() { _ = logger.Sync() }()
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			before, _ := cmd.Flags().GetInt64(flagBefore)
			if !cmd.Flags().Changed(flagBefore) {
				if before, err = client.Balance(ctx); err != nil {
					return err
				}
			}

			sessionID, _ := cmd.Flags().GetString(flagSessionID)
			if strings.TrimSpace(sessionID) != "" {
				result, verifyErr := client.VerifySession(ctx, sessionID)
				switch {
				case verifyErr != nil:
					logger.Warn("verify session failed, falling back to polling", zap.Error(verifyErr))
				case result.Balance > before:
					fmt.Fprintf(out, "%s, balance: %d\n", poller.MessageCredited, result.Balance)
					return nil
				}
			}

			interval, _ := cmd.Flags().GetDuration(flagInterval)
			maxAttempts, _ := cmd.Flags().GetInt(flagMaxAttempts)
			balancePoller, err := poller.New(poller.BalanceReaderFunc(client.Balance), poller.Config{
				Interval:    interval,
				MaxAttempts: maxAttempts,
				Logger:      logger,
			})
			if err != nil {
				return err
			}
			outcome := balancePoller.Run(ctx, before)
			fmt.Fprintf(out, "%s, balance: %d\n", outcome.Message(), outcome.Balance)
			return nil
		},
	}
	cmd.Flags().String(flagSessionID, "", "payment session id to verify before polling")
	cmd.Flags().Int64(flagBefore, 0, "balance before checkout (defaults to the current balance)")
	cmd.Flags().Duration(flagInterval, poller.DefaultInterval, "poll interval")
	cmd.Flags().Int(flagMaxAttempts, poller.DefaultMaxAttempts, "poll attempts before giving up")
	return cmd
}

