package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/xserver-network/xserverd/internal/fixed"
	"github.com/xserver-network/xserverd/internal/models"
)

// SavePriceLock upserts a price lock
func (db *DB) SavePriceLock(ctx context.Context, p *models.PriceLock) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO price_locks (id, pair_id, currency, request_amount, unit_price, pay_amount, destination_address,
		 issuer_key_address, status, payment_reference, created_at, expires_at, paid_at, settled_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (id) DO UPDATE SET
		 request_amount = EXCLUDED.request_amount, unit_price = EXCLUDED.unit_price,
		 pay_amount = EXCLUDED.pay_amount, destination_address = EXCLUDED.destination_address,
		 status = EXCLUDED.status, payment_reference = EXCLUDED.payment_reference,
		 expires_at = EXCLUDED.expires_at, paid_at = EXCLUDED.paid_at, settled_at = EXCLUDED.settled_at`,
		p.ID, p.PairID, p.Currency, p.RequestAmount.Units(), p.UnitPrice.Units(), p.PayAmount.Units(),
		p.DestinationAddress, p.IssuerKeyAddress, string(p.Status), p.PaymentReference,
		p.CreatedAt, p.ExpiresAt, p.PaidAt, p.SettledAt)
	if err != nil {
		return fmt.Errorf("failed to save price lock: %w", err)
	}
	return nil
}

// DeletePriceLock removes a price lock
func (db *DB) DeletePriceLock(ctx context.Context, id uuid.UUID) error {
	_, err := db.Pool.Exec(ctx, "DELETE FROM price_locks WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete price lock: %w", err)
	}
	return nil
}

// LoadPriceLocks returns every stored price lock
func (db *DB) LoadPriceLocks(ctx context.Context) ([]models.PriceLock, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT id, pair_id, currency, request_amount, unit_price, pay_amount, destination_address,
		 issuer_key_address, status, payment_reference, created_at, expires_at, paid_at, settled_at
		 FROM price_locks`)
	if err != nil {
		return nil, fmt.Errorf("failed to load price locks: %w", err)
	}
	defer rows.Close()

	var out []models.PriceLock
	for rows.Next() {
		var (
			p                  models.PriceLock
			request, unit, pay int64
			status             string
		)
		err := rows.Scan(&p.ID, &p.PairID, &p.Currency, &request, &unit, &pay, &p.DestinationAddress,
			&p.IssuerKeyAddress, &status, &p.PaymentReference, &p.CreatedAt, &p.ExpiresAt, &p.PaidAt, &p.SettledAt)
		if err != nil {
			return nil, err
		}
		p.RequestAmount = fixed.FromUnits(request)
		p.UnitPrice = fixed.FromUnits(unit)
		p.PayAmount = fixed.FromUnits(pay)
		p.Status = models.PriceLockStatus(status)
		out = append(out, p)
	}
	return out, rows.Err()
}
