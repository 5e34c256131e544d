package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"teletherapy/internal/repo"
)

const maxHourlyRate = 100_000

// Listing is the profile a therapist publishes to be bookable.
type Listing struct {
	FullName   string
	Phone      string
	HourlyRate int64
}

// RegisterTherapist creates or updates the caller's own listing. Verification is
// granted outside the service and survives profile edits.
func (s *Service) RegisterTherapist(ctx context.Context, userID string, l Listing) (*repo.Therapist, error) {
	name := strings.TrimSpace(l.FullName)
	if name == "" {
		return nil, fmt.Errorf("%w: full_name is required", ErrInvalidRequest)
	}
	if l.HourlyRate <= 0 || l.HourlyRate > maxHourlyRate {
		return nil, fmt.Errorf("%w: hourly_rate must be between 1 and %d", ErrInvalidRequest, maxHourlyRate)
	}

	t := repo.Therapist{UserID: &userID, FullName: name, HourlyRate: l.HourlyRate}
	if phone := strings.TrimSpace(l.Phone); phone != "" {
		t.Phone = &phone
	}

	existing, err := s.repo.GetTherapistByUserID(ctx, userID)
	switch {
	case err == nil:
		t.ID, t.Verified = existing.ID, existing.Verified
	case !errors.Is(err, repo.ErrNotFound):
		return nil, fmt.Errorf("load listing: %w", err)
	}

	saved, err := s.repo.UpsertTherapist(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("save listing: %w", err)
	}
	s.logger.Info("therapist listing saved", "therapist_id", saved.ID, "hourly_rate", saved.HourlyRate, "new", existing == nil)
	return saved, nil
}

// Therapist returns a bookable listing.
func (s *Service) Therapist(ctx context.Context, id string) (*repo.Therapist, error) {
	t, err := s.repo.GetTherapist(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%w: therapist %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("load therapist: %w", err)
	}
	return t, nil
}
