package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"teletherapy/internal/auth"
	"teletherapy/internal/client"
)

var Version = "dev"

type globalOptions struct {
	apiURL    string
	token     string
	devUser   string
	jwtSecret string
	logLevel  string
}

func main() {
	_ = godotenv.Load()

	opts := &globalOptions{}
	rootCmd := &cobra.Command{
		Use:           "mpesa-pay",
		Short:         "Book therapy sessions and pay for them with M-Pesa",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.apiURL, "api", envOr("TELETHERAPY_API_URL", "http://localhost:8080"), "API base URL")
	rootCmd.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("TELETHERAPY_TOKEN"), "Supabase access token")
	rootCmd.PersistentFlags().StringVar(&opts.devUser, "dev-user", "", "sign a local token for this user id with SUPABASE_JWT_SECRET")
	rootCmd.PersistentFlags().StringVar(&opts.jwtSecret, "jwt-secret", os.Getenv("SUPABASE_JWT_SECRET"), "secret used with --dev-user")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level")

	rootCmd.AddCommand(bookCmd(opts))
	rootCmd.AddCommand(payCmd(opts))
	rootCmd.AddCommand(statusCmd(opts))
	rootCmd.AddCommand(historyCmd(opts))
	rootCmd.AddCommand(therapistCmd(opts))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func (o *globalOptions) client() (*client.Client, error) {
	token := o.token
	if o.devUser != "" {
		if o.jwtSecret == "" {
			return nil, errors.New("--dev-user needs --jwt-secret or SUPABASE_JWT_SECRET")
		}
		signed, err := auth.NewVerifier(o.jwtSecret).Sign(o.devUser, time.Hour)
		if err != nil {
			return nil, fmt.Errorf("sign dev token: %w", err)
		}
		token = signed
	}
	if token == "" {
		return nil, errors.New("no credentials: pass --token or --dev-user")
	}
	return client.New(o.apiURL, token, nil), nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
