package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"teletherapy/internal/client"
	"teletherapy/internal/logging"
	"teletherapy/internal/payment"
)

func payCmd(opts *globalOptions) *cobra.Command {
	var (
		phone    string
		amount   int64
		interval time.Duration
		attempts int
		retries  int
	)
	cmd := &cobra.Command{
		Use:   "pay BOOKING_ID",
		Short: "Pay for a booking and wait for the M-Pesa confirmation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := opts.client()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			checkout := client.NewCheckout(api, api, client.CheckoutConfig{
				BookingID: args[0],
				Amount:    amount,
				Poll:      payment.PollerConfig{Interval: interval, MaxAttempts: attempts},
				OnChange:  func(v client.View) { render(out, v) },
			}, logging.New(cmd.ErrOrStderr(), opts.logLevel, "text"))

			for {
				view, err := checkout.Submit(cmd.Context(), phone)
				if err != nil && (view.State != client.StateFailed || cmd.Context().Err() != nil) {
					return err
				}
				if view.State != client.StateFailed || retries == 0 {
					break
				}
				retries--
				if err := checkout.Retry(); err != nil {
					return err
				}
				fmt.Fprintln(out, "Trying again with a new payment...")
			}
			if v := checkout.View(); v.State == client.StateFailed {
				return fmt.Errorf("payment failed: %s", v.Reason)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&phone, "phone", "", "M-Pesa phone number (07XXXXXXXX or 2547XXXXXXXX)")
	cmd.Flags().Int64Var(&amount, "amount", 0, "amount in KES, defaults to the booking price")
	cmd.Flags().DurationVar(&interval, "interval", 10*time.Second, "status check interval")
	cmd.Flags().IntVar(&attempts, "attempts", 30, "status checks before giving up")
	cmd.Flags().IntVar(&retries, "retries", 0, "new payment attempts after a failure")
	_ = cmd.MarkFlagRequired("phone")
	return cmd
}

func render(w io.Writer, v client.View) {
	switch v.State {
	case client.StateIdle:
		fmt.Fprintln(w, "Ready to pay.")
	case client.StateSubmitting:
		fmt.Fprintf(w, "[attempt %d] Sending payment request...\n", v.Attempt)
	case client.StateAwaitingPIN:
		fmt.Fprintf(w, "[attempt %d] Check your phone and enter your M-Pesa PIN (payment %s).\n", v.Attempt, v.PaymentID)
	case client.StateSucceeded:
		fmt.Fprintf(w, "Payment successful. Receipt: %s\n", v.Receipt)
	case client.StateFailed:
		fmt.Fprintf(w, "Payment failed: %s\n", v.Reason)
		if v.Retriable {
			fmt.Fprintln(w, "The outcome is not final yet; check again later with `mpesa-pay status`.")
		}
	}
}
