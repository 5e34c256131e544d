package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"teletherapy/internal/repo"
)

var (
	ErrInvalidRequest    = errors.New("invalid booking request")
	ErrNotFound          = errors.New("booking not found")
	ErrForbidden         = errors.New("not a participant of this booking")
	ErrInvalidTransition = errors.New("invalid booking transition")
)

// Session types offered by therapists.
const (
	SessionChat  = "chat"
	SessionVideo = "video"
	SessionAudio = "audio"
)

const (
	defaultDuration = 60
	minDuration     = 15
	maxDuration     = 240
)

// Request is a patient's booking form.
type Request struct {
	TherapistID     string
	ScheduledAt     time.Time
	DurationMinutes int
	SessionType     string
	Notes           string
}

// Service manages the appointment lifecycle.
type Service struct {
	repo   repo.Repository
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs the booking service.
func NewService(store repo.Repository, logger *slog.Logger) *Service {
	return &Service{
		repo:   store,
		logger: logger.With("component", "booking"),
		now:    time.Now,
	}
}

// Price returns the session price in whole shillings, rounded up.
func Price(hourlyRate int64, durationMinutes int) int64 {
	total := hourlyRate * int64(durationMinutes)
	return (total + 59) / 60
}

// Create books a pending session with a therapist. Payment confirms it.
func (s *Service) Create(ctx context.Context, patientID string, req Request) (*repo.Appointment, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, fmt.Errorf("%w: patient is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.TherapistID) == "" {
		return nil, fmt.Errorf("%w: therapist_id is required", ErrInvalidRequest)
	}
	if req.ScheduledAt.IsZero() {
		return nil, fmt.Errorf("%w: scheduled_at is required", ErrInvalidRequest)
	}
	if req.ScheduledAt.Before(s.now()) {
		return nil, fmt.Errorf("%w: scheduled_at is in the past", ErrInvalidRequest)
	}

	duration := req.DurationMinutes
	if duration == 0 {
		duration = defaultDuration
	}
	if duration < minDuration || duration > maxDuration {
		return nil, fmt.Errorf("%w: duration must be between %d and %d minutes", ErrInvalidRequest, minDuration, maxDuration)
	}

	sessionType := strings.ToLower(strings.TrimSpace(req.SessionType))
	switch sessionType {
	case "":
		sessionType = SessionChat
	case SessionChat, SessionVideo, SessionAudio:
	default:
		return nil, fmt.Errorf("%w: unknown session type %q", ErrInvalidRequest, req.SessionType)
	}

	therapist, err := s.repo.GetTherapist(ctx, req.TherapistID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%w: therapist %s", ErrNotFound, req.TherapistID)
		}
		return nil, fmt.Errorf("load therapist: %w", err)
	}
	if therapist.UserID != nil && *therapist.UserID == patientID {
		return nil, fmt.Errorf("%w: cannot book yourself", ErrInvalidRequest)
	}

	var notes *string
	if n := strings.TrimSpace(req.Notes); n != "" {
		notes = &n
	}
	appt, err := s.repo.InsertAppointment(ctx, repo.Appointment{
		PatientID:       patientID,
		TherapistID:     therapist.ID,
		ScheduledAt:     req.ScheduledAt,
		DurationMinutes: duration,
		SessionType:     sessionType,
		Notes:           notes,
		Amount:          Price(therapist.HourlyRate, duration),
	})
	if err != nil {
		return nil, fmt.Errorf("create appointment: %w", err)
	}
	s.logger.Info("appointment booked",
		"appointment_id", appt.ID,
		"therapist_id", therapist.ID,
		"duration", duration,
		"amount", appt.Amount,
	)
	return appt, nil
}

// Get returns an appointment visible to userID (its patient or therapist).
func (s *Service) Get(ctx context.Context, id, userID string) (*repo.Appointment, error) {
	appt, err := s.repo.GetAppointment(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	if !participant(appt, userID) {
		return nil, fmt.Errorf("%w: %s", ErrForbidden, id)
	}
	return appt, nil
}

// Start moves a confirmed appointment into the session room.
func (s *Service) Start(ctx context.Context, id, userID string) (*repo.Appointment, error) {
	return s.transition(ctx, id, userID, []string{repo.AppointmentConfirmed}, repo.AppointmentInProgress, nil)
}

// Complete ends a running session. Without notes, the elapsed session time is recorded.
func (s *Service) Complete(ctx context.Context, id, userID, notes string) (*repo.Appointment, error) {
	appt, err := s.Get(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(notes) == "" && appt.Status == repo.AppointmentInProgress {
		minutes := int(s.now().Sub(appt.UpdatedAt).Round(time.Minute) / time.Minute)
		notes = fmt.Sprintf("Session completed. Duration: %d minutes", max(minutes, 0))
	}
	var n *string
	if notes = strings.TrimSpace(notes); notes != "" {
		n = &notes
	}
	return s.transition(ctx, id, userID, []string{repo.AppointmentInProgress}, repo.AppointmentCompleted, n)
}

// Cancel calls off a session that has not started.
func (s *Service) Cancel(ctx context.Context, id, userID string) (*repo.Appointment, error) {
	return s.transition(ctx, id, userID, []string{repo.AppointmentPending, repo.AppointmentConfirmed}, repo.AppointmentCancelled, nil)
}

func (s *Service) transition(ctx context.Context, id, userID string, from []string, to string, notes *string) (*repo.Appointment, error) {
	if _, err := s.Get(ctx, id, userID); err != nil {
		return nil, err
	}
	if err := s.repo.TransitionAppointment(ctx, id, from, to, notes); err != nil {
		switch {
		case errors.Is(err, repo.ErrStatusConflict):
			return nil, fmt.Errorf("%w: %w", ErrInvalidTransition, err)
		case errors.Is(err, repo.ErrNotFound):
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("update appointment: %w", err)
	}
	s.logger.Info("appointment updated", "appointment_id", id, "status", to, "user_id", userID)
	return s.repo.GetAppointment(ctx, id)
}

func participant(appt *repo.Appointment, userID string) bool {
	if userID == "" {
		return false
	}
	if appt.PatientID == userID {
		return true
	}
	return appt.TherapistUserID != nil && *appt.TherapistUserID == userID
}
