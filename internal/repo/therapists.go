package repo

import (
	"context"
)

// UpsertTherapist creates or refreshes a therapist listing. A zero ID inserts a new row.
func (r *PostgresRepository) UpsertTherapist(ctx context.Context, t Therapist) (*Therapist, error) {
	const q = `
INSERT INTO therapists (id, user_id, full_name, phone, hourly_rate, is_verified, updated_at)
VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, NOW())
ON CONFLICT (id) DO UPDATE SET
    user_id = COALESCE(EXCLUDED.user_id, therapists.user_id),
    full_name = EXCLUDED.full_name,
    phone = COALESCE(EXCLUDED.phone, therapists.phone),
    hourly_rate = EXCLUDED.hourly_rate,
    is_verified = EXCLUDED.is_verified,
    updated_at = NOW()
RETURNING id, user_id, full_name, phone, hourly_rate, is_verified, created_at, updated_at;
`
	var out Therapist
	err := r.pool.QueryRow(ctx, q, t.ID, t.UserID, t.FullName, t.Phone, t.HourlyRate, t.Verified).
		Scan(&out.ID, &out.UserID, &out.FullName, &out.Phone, &out.HourlyRate, &out.Verified, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return nil, pgErr("upsert therapist", err)
	}
	return &out, nil
}

// GetTherapistByUserID returns the listing owned by an auth user.
func (r *PostgresRepository) GetTherapistByUserID(ctx context.Context, userID string) (*Therapist, error) {
	const q = `
SELECT id, user_id, full_name, phone, hourly_rate, is_verified, created_at, updated_at
FROM therapists
WHERE user_id = $1
LIMIT 1;
`
	var t Therapist
	err := r.pool.QueryRow(ctx, q, userID).
		Scan(&t.ID, &t.UserID, &t.FullName, &t.Phone, &t.HourlyRate, &t.Verified, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, pgErr("get therapist by user", err)
	}
	return &t, nil
}

// GetTherapist returns a therapist by id.
func (r *PostgresRepository) GetTherapist(ctx context.Context, id string) (*Therapist, error) {
	const q = `
SELECT id, user_id, full_name, phone, hourly_rate, is_verified, created_at, updated_at
FROM therapists
WHERE id = $1
LIMIT 1;
`
	var t Therapist
	err := r.pool.QueryRow(ctx, q, id).
		Scan(&t.ID, &t.UserID, &t.FullName, &t.Phone, &t.HourlyRate, &t.Verified, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, pgErr("get therapist", err)
	}
	return &t, nil
}
