package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"teletherapy/internal/client"
)

func bookCmd(opts *globalOptions) *cobra.Command {
	var (
		therapistID string
		at          string
		duration    int
		sessionType string
		notes       string
	)
	cmd := &cobra.Command{
		Use:   "book",
		Short: "Book a session with a therapist",
		RunE: func(cmd *cobra.Command, args []string) error {
			scheduled, err := time.Parse(time.RFC3339, at)
			if err != nil {
				return fmt.Errorf("--at must be RFC3339, e.g. 2025-01-31T15:00:00+03:00: %w", err)
			}
			api, err := opts.client()
			if err != nil {
				return err
			}
			appt, err := api.CreateAppointment(cmd.Context(), client.AppointmentRequest{
				TherapistID:     therapistID,
				ScheduledAt:     scheduled,
				DurationMinutes: duration,
				SessionType:     sessionType,
				Notes:           notes,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Booked %s\n", appt.ID)
			fmt.Fprintf(out, "  When:     %s (%d min, %s)\n", appt.ScheduledAt.Local().Format(time.RFC1123), appt.DurationMinutes, appt.SessionType)
			fmt.Fprintf(out, "  Amount:   KES %d\n", appt.Amount)
			fmt.Fprintf(out, "  Status:   %s\n", appt.Status)
			fmt.Fprintf(out, "\nPay with: mpesa-pay pay %s --phone 07XXXXXXXX\n", appt.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&therapistID, "therapist", "", "therapist id")
	cmd.Flags().StringVar(&at, "at", "", "session start (RFC3339)")
	cmd.Flags().IntVar(&duration, "duration", 60, "session length in minutes")
	cmd.Flags().StringVar(&sessionType, "type", "chat", "session type: chat, video or audio")
	cmd.Flags().StringVar(&notes, "notes", "", "notes for the therapist")
	_ = cmd.MarkFlagRequired("therapist")
	_ = cmd.MarkFlagRequired("at")
	return cmd
}
