package services

import (
	"context"

	"github.com/google/uuid"
	"github.com/xserver-network/xserverd/internal/models"
)

// RegistryStore persists registry entries. storage.DB implements it; a
// nil store keeps the registry in memory only.
type RegistryStore interface {
	SaveServer(ctx context.Context, node *models.ServerNode) error
	DeleteServer(ctx context.Context, keyAddress string) error
	LoadServers(ctx context.Context) ([]models.ServerNode, error)
}

// ReservationStore persists the winning reservation per name.
type ReservationStore interface {
	SaveReservation(ctx context.Context, r *models.ProfileReservation) error
	DeleteReservation(ctx context.Context, nameKey string) error
	LoadReservations(ctx context.Context) ([]models.ProfileReservation, error)
}

// PriceLockStore persists price locks.
type PriceLockStore interface {
	SavePriceLock(ctx context.Context, p *models.PriceLock) error
	DeletePriceLock(ctx context.Context, id uuid.UUID) error
	LoadPriceLocks(ctx context.Context) ([]models.PriceLock, error)
}

// Pinner reports whether a registry entry is still referenced and must
// not be pruned.
type Pinner interface {
	References(keyAddress string) bool
}

// Publisher receives the reservation messages the ledger fans out.
// peersync.Outbox implements it.
type Publisher interface {
	PublishReservation(r models.ProfileReservation)
	PublishLost(notice models.LostNotice)
}

type nopPublisher struct{}

func (nopPublisher) PublishReservation(models.ProfileReservation) {}
func (nopPublisher) PublishLost(models.LostNotice)                {}

// MergeObserver counts reservation merge outcomes. *stats.Stats
// implements it.
type MergeObserver interface {
	ObserveMerge(source, result string)
}

// LockObserver counts price-lock transitions. *stats.Stats implements it.
type LockObserver interface {
	ObservePriceLock(status string)
}

type nopObserver struct{}

func (nopObserver) ObserveMerge(string, string) {}
func (nopObserver) ObservePriceLock(string)     {}
