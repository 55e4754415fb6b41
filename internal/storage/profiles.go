package storage

import (
	"context"
	"fmt"

	"github.com/xserver-network/xserverd/internal/models"
)

// SaveReservation upserts the winning reservation for a name
func (db *DB) SaveReservation(ctx context.Context, r *models.ProfileReservation) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO profile_reservations (name_key, name, key_address, height, signature, origin, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (name_key) DO UPDATE SET
		 name = EXCLUDED.name, key_address = EXCLUDED.key_address, height = EXCLUDED.height,
		 signature = EXCLUDED.signature, origin = EXCLUDED.origin, received_at = EXCLUDED.received_at`,
		r.Key(), r.Name, r.KeyAddress, int64(r.Height), r.Signature, r.Origin, r.ReceivedAt)
	if err != nil {
		return fmt.Errorf("failed to save reservation: %w", err)
	}
	return nil
}

// DeleteReservation removes the reservation for a name key
func (db *DB) DeleteReservation(ctx context.Context, nameKey string) error {
	_, err := db.Pool.Exec(ctx, "DELETE FROM profile_reservations WHERE name_key = $1", nameKey)
	if err != nil {
		return fmt.Errorf("failed to delete reservation: %w", err)
	}
	return nil
}

// LoadReservations returns every stored reservation
func (db *DB) LoadReservations(ctx context.Context) ([]models.ProfileReservation, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT name, key_address, height, signature, origin, received_at
		 FROM profile_reservations ORDER BY height, name_key`)
	if err != nil {
		return nil, fmt.Errorf("failed to load reservations: %w", err)
	}
	defer rows.Close()

	var out []models.ProfileReservation
	for rows.Next() {
		var (
			r      models.ProfileReservation
			height int64
		)
		if err := rows.Scan(&r.Name, &r.KeyAddress, &height, &r.Signature, &r.Origin, &r.ReceivedAt); err != nil {
			return nil, err
		}
		r.Height = uint64(height)
		out = append(out, r)
	}
	return out, rows.Err()
}
