package repository

import (
	"context"
	"errors"
	"time"

	"github.com/webeng/identity-portal/internal/domain"
	"github.com/webeng/identity-portal/internal/observability"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrRefreshTokenNotFound = errors.New("refresh token not found")

// RetentionWindow keeps inactive tokens around after expiry so a replayed old
// value still trips reuse detection instead of looking unknown.
const RetentionWindow = 30 * 24 * time.Hour

type RefreshTokenRepository interface {
	Append(t *domain.RefreshToken) error
	FindByHash(hash string) (*domain.RefreshToken, error)
	ListActiveByUserID(userID uint) ([]domain.RefreshToken, error)
	// Rotate atomically revokes the active token behind oldHash and appends
	// next in one transaction. Exactly one of two racing calls can win; the
	// loser gets ErrRefreshTokenNotFound because the row is no longer active.
	Rotate(oldHash string, next *domain.RefreshToken) (*domain.RefreshToken, error)
	RevokeByHash(hash, reason string) (bool, error)
	RevokeAllActiveForUser(userID uint, reason string) (int64, error)
	Prune(userID uint, now time.Time) (int64, error)
}

type GormRefreshTokenRepository struct{ db *gorm.DB }

func NewRefreshTokenRepository(db *gorm.DB) RefreshTokenRepository {
	return &GormRefreshTokenRepository{db: db}
}

func (r *GormRefreshTokenRepository) Append(t *domain.RefreshToken) error {
	err := r.db.Create(t).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "refresh_token", "append", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "refresh_token", "append", "success")
	return nil
}

func (r *GormRefreshTokenRepository) FindByHash(hash string) (*domain.RefreshToken, error) {
	var t domain.RefreshToken
	err := r.db.Where("token_hash = ?", hash).First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(context.Background(), "refresh_token", "find_by_hash", "not_found")
			return nil, ErrRefreshTokenNotFound
		}
		observability.RecordRepositoryOperation(context.Background(), "refresh_token", "find_by_hash", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(context.Background(), "refresh_token", "find_by_hash", "success")
	return &t, nil
}

func (r *GormRefreshTokenRepository) ListActiveByUserID(userID uint) ([]domain.RefreshToken, error) {
	var tokens []domain.RefreshToken
	err := r.db.Where("user_id = ? AND revoked_at IS NULL AND expires_at > ?", userID, time.Now()).
		Order("created_at").
		Find(&tokens).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "refresh_token", "list_active_by_user_id", "error")
		return tokens, err
	}
	observability.RecordRepositoryOperation(context.Background(), "refresh_token", "list_active_by_user_id", "success")
	return tokens, nil
}

func (r *GormRefreshTokenRepository) Rotate(oldHash string, next *domain.RefreshToken) (*domain.RefreshToken, error) {
	var rotated *domain.RefreshToken
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var old domain.RefreshToken
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("token_hash = ? AND revoked_at IS NULL AND expires_at > ?", oldHash, time.Now()).
			First(&old).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRefreshTokenNotFound
			}
			return err
		}
		if err := tx.Create(next).Error; err != nil {
			return err
		}
		now := time.Now().UTC()
		reason := domain.RevokeReasonRotated
		if err := tx.Model(&domain.RefreshToken{}).
			Where("id = ?", old.ID).
			Updates(map[string]any{"revoked_at": now, "revoked_reason": reason, "superseded_by": next.ID}).Error; err != nil {
			return err
		}
		old.RevokedAt = &now
		old.RevokedReason = &reason
		old.SupersededBy = &next.ID
		rotated = &old
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrRefreshTokenNotFound) {
			observability.RecordRepositoryOperation(context.Background(), "refresh_token", "rotate", "not_found")
		} else {
			observability.RecordRepositoryOperation(context.Background(), "refresh_token", "rotate", "error")
		}
		return nil, err
	}
	observability.RecordRepositoryOperation(context.Background(), "refresh_token", "rotate", "success")
	return rotated, nil
}

func (r *GormRefreshTokenRepository) RevokeByHash(hash, reason string) (bool, error) {
	now := time.Now().UTC()
	res := r.db.Model(&domain.RefreshToken{}).
		Where("token_hash = ? AND revoked_at IS NULL", hash).
		Updates(map[string]any{"revoked_at": now, "revoked_reason": reason})
	if res.Error != nil {
		observability.RecordRepositoryOperation(context.Background(), "refresh_token", "revoke_by_hash", "error")
		return false, res.Error
	}
	observability.RecordRepositoryOperation(context.Background(), "refresh_token", "revoke_by_hash", "success")
	return res.RowsAffected > 0, nil
}

func (r *GormRefreshTokenRepository) RevokeAllActiveForUser(userID uint, reason string) (int64, error) {
	now := time.Now().UTC()
	res := r.db.Model(&domain.RefreshToken{}).
		Where("user_id = ? AND revoked_at IS NULL AND expires_at > ?", userID, now).
		Updates(map[string]any{"revoked_at": now, "revoked_reason": reason})
	if res.Error != nil {
		observability.RecordRepositoryOperation(context.Background(), "refresh_token", "revoke_all_active_for_user", "error")
		return res.RowsAffected, res.Error
	}
	observability.RecordRepositoryOperation(context.Background(), "refresh_token", "revoke_all_active_for_user", "success")
	return res.RowsAffected, nil
}

// Prune removes tokens whose expiry is more than the retention window in the
// past. Such tokens are necessarily inactive; revoked tokens with a future
// expiry are kept as reuse-detection evidence.
func (r *GormRefreshTokenRepository) Prune(userID uint, now time.Time) (int64, error) {
	cutoff := now.Add(-RetentionWindow)
	res := r.db.Where("user_id = ? AND expires_at < ?", userID, cutoff).Delete(&domain.RefreshToken{})
	if res.Error != nil {
		observability.RecordRepositoryOperation(context.Background(), "refresh_token", "prune", "error")
		return res.RowsAffected, res.Error
	}
	observability.RecordRepositoryOperation(context.Background(), "refresh_token", "prune", "success")
	return res.RowsAffected, nil
}
