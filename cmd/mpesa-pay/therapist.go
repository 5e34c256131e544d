package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"teletherapy/internal/client"
)

func therapistCmd(opts *globalOptions) *cobra.Command {
	var listing client.TherapistListing
	cmd := &cobra.Command{
		Use:   "therapist",
		Short: "Publish or update your own therapist listing",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := opts.client()
			if err != nil {
				return err
			}
			th, err := api.RegisterTherapist(cmd.Context(), listing)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Listing %s saved: %s, KES %d/hour\n", th.ID, th.FullName, th.HourlyRate)
			if !th.Verified {
				fmt.Fprintln(out, "Verification: pending review by the clinic")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listing.FullName, "name", "", "name shown to patients")
	cmd.Flags().StringVar(&listing.Phone, "phone", "", "contact phone")
	cmd.Flags().Int64Var(&listing.HourlyRate, "rate", 0, "hourly rate in KES")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("rate")
	return cmd
}
