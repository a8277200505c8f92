// Package repo: collaborator stores. Content pieces and connected accounts
// are written by other subsystems (content pipeline, OAuth connect flows);
// the publishing engine reads them at schedule and dispatch time. Upsert
// helpers exist so deployments can sync snapshots into the local database.
package repo

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-publish-backend/internal/domain"
)

// GetContentPiece returns the rendered content piece by ID, or ErrNotFound.
func GetContentPiece(ctx context.Context, db *gorm.DB, id string) (*domain.ContentPiece, error) {
	var cp domain.ContentPiece
	if err := db.WithContext(ctx).First(&cp, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &cp, nil
}

// UpsertContentPiece writes a content piece snapshot, replacing any previous
// rendering under the same ID.
func UpsertContentPiece(ctx context.Context, db *gorm.DB, cp *domain.ContentPiece) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(cp).Error
}

// GetConnectedAccount returns the connected account by ID, or ErrNotFound.
// Tenant ownership is checked by the caller against the returned TenantID.
func GetConnectedAccount(ctx context.Context, db *gorm.DB, id string) (*domain.ConnectedAccount, error) {
	var acc domain.ConnectedAccount
	if err := db.WithContext(ctx).First(&acc, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &acc, nil
}

// UpsertConnectedAccount writes a connected-account snapshot. Re-upserting an
// account with Valid=false is how authorization revocations propagate.
func UpsertConnectedAccount(ctx context.Context, db *gorm.DB, acc *domain.ConnectedAccount) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(acc).Error
}
