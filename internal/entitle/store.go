// Package entitle synchronizes resolved purchase state with the remote
// entitlement store and derives the feature-access matrix consumed by the
// rest of the app.
package entitle

import (
	"context"
	"time"

	"github.com/courtside-app/entitlements/internal/models"
)

// Record is the upsert payload, keyed by user identity on the remote side.
type Record struct {
	UserID         string    `json:"userId"`
	Tier           string    `json:"tier"`
	ProductID      string    `json:"productId"`
	Receipt        string    `json:"receipt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	IdempotencyKey string    `json:"idempotencyKey"`
}

// RemoteStore is the contract the synchronizer needs from the backend's
// entitlement store. Upsert must be idempotent: repeating a call with the
// same record leaves the remote state unchanged and returns no error.
type RemoteStore interface {
	UpsertEntitlement(ctx context.Context, rec Record) error
	FetchComplimentary(ctx context.Context, userID string) ([]models.ComplimentaryEntitlement, error)
}
