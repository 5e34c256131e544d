package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"teletherapy/internal/client"
)

func statusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status PAYMENT_ID",
		Short: "Show one payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := opts.client()
			if err != nil {
				return err
			}
			p, err := api.GetPayment(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printPayment(cmd.OutOrStdout(), p)
			return nil
		},
	}
}

func historyCmd(opts *globalOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List your payments, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := opts.client()
			if err != nil {
				return err
			}
			payments, err := api.ListPayments(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(payments) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No payments yet.")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CREATED\tPAYMENT\tAMOUNT\tSTATUS\tRECEIPT")
			for _, p := range payments {
				fmt.Fprintf(tw, "%s\t%s\tKES %d\t%s\t%s\n", p.CreatedAt.Local().Format(time.DateTime), p.ID, p.Amount, p.Status, deref(p.MpesaReceipt))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum payments to list")
	return cmd
}

func printPayment(w io.Writer, p *client.Payment) {
	fmt.Fprintf(w, "Payment %s\n", p.ID)
	fmt.Fprintf(w, "  Booking:  %s\n", p.BookingID)
	fmt.Fprintf(w, "  Amount:   KES %d\n", p.Amount)
	fmt.Fprintf(w, "  Phone:    %s\n", p.Phone)
	fmt.Fprintf(w, "  Status:   %s\n", p.Status)
	if p.MpesaReceipt != nil {
		fmt.Fprintf(w, "  Receipt:  %s\n", *p.MpesaReceipt)
	}
	if p.ResultDesc != nil {
		fmt.Fprintf(w, "  Result:   %s\n", *p.ResultDesc)
	}
	if p.TransactionDate != nil {
		fmt.Fprintf(w, "  Paid at:  %s\n", p.TransactionDate.Local().Format(time.RFC1123))
	}
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
