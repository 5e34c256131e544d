package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	if err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.TherapistID,
		&a.TherapistUserID,
		&a.ScheduledAt,
		&a.DurationMinutes,
		&a.Status,
		&a.SessionType,
		&a.Notes,
		&a.Amount,
		&a.CreatedAt,
		&a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &a, nil
}

// InsertAppointment stores a new pending appointment.
func (r *PostgresRepository) InsertAppointment(ctx context.Context, appt Appointment) (*Appointment, error) {
	const q = `
WITH inserted AS (
    INSERT INTO appointments (patient_id, therapist_id, scheduled_at, duration, status, session_type, notes, amount)
    VALUES ($1, $2, $3, $4, 'pending', $5, $6, $7)
    RETURNING *
)
SELECT i.id, i.patient_id, i.therapist_id, t.user_id, i.scheduled_at, i.duration, i.status, i.session_type,
       i.notes, i.amount, i.created_at, i.updated_at
FROM inserted i
LEFT JOIN therapists t ON t.id = i.therapist_id;
`
	a, err := scanAppointment(r.pool.QueryRow(ctx, q,
		appt.PatientID,
		appt.TherapistID,
		appt.ScheduledAt,
		appt.DurationMinutes,
		appt.SessionType,
		appt.Notes,
		appt.Amount,
	))
	if err != nil {
		return nil, pgErr("insert appointment", err)
	}
	return a, nil
}

// GetAppointment retrieves an appointment together with the therapist's user id.
func (r *PostgresRepository) GetAppointment(ctx context.Context, id string) (*Appointment, error) {
	const q = `
SELECT a.id, a.patient_id, a.therapist_id, t.user_id, a.scheduled_at, a.duration, a.status, a.session_type,
       a.notes, a.amount, a.created_at, a.updated_at
FROM appointments a
LEFT JOIN therapists t ON t.id = a.therapist_id
WHERE a.id = $1
LIMIT 1;
`
	a, err := scanAppointment(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		return nil, pgErr("get appointment", err)
	}
	return a, nil
}

// TransitionAppointment moves an appointment to status `to` when it currently holds one of `from`.
// Notes replace the stored notes only when non-nil.
func (r *PostgresRepository) TransitionAppointment(ctx context.Context, id string, from []string, to string, notes *string) error {
	const q = `
UPDATE appointments
SET status = $2,
    notes = COALESCE($4, notes),
    updated_at = NOW()
WHERE id = $1 AND status = ANY($3);
`
	ct, err := r.pool.Exec(ctx, q, id, to, from, notes)
	if err != nil {
		return pgErr("transition appointment", err)
	}
	if ct.RowsAffected() == 0 {
		var status string
		if err := r.pool.QueryRow(ctx, `SELECT status FROM appointments WHERE id = $1;`, id).Scan(&status); err != nil {
			return pgErr("transition appointment", err)
		}
		return fmt.Errorf("appointment %s is %s, cannot become %s: %w", id, status, to, ErrStatusConflict)
	}
	return nil
}

// ConfirmAppointment marks a pending appointment confirmed. It reports whether a row changed;
// confirming an already confirmed appointment is a no-op.
func (r *PostgresRepository) ConfirmAppointment(ctx context.Context, id string) (bool, error) {
	const q = `
UPDATE appointments
SET status = 'confirmed', updated_at = NOW()
WHERE id = $1 AND status = 'pending';
`
	ct, err := r.pool.Exec(ctx, q, id)
	if err != nil {
		return false, pgErr("confirm appointment", err)
	}
	if ct.RowsAffected() > 0 {
		return true, nil
	}
	var status string
	if err := r.pool.QueryRow(ctx, `SELECT status FROM appointments WHERE id = $1;`, id).Scan(&status); err != nil {
		return false, pgErr("confirm appointment", err)
	}
	if status == AppointmentPending || status == AppointmentConfirmed {
		return false, nil
	}
	return false, fmt.Errorf("appointment %s is %s: %w", id, status, ErrStatusConflict)
}
