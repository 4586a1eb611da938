package credential

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// ErrNoCredential means the user has no active key for the provider.
var ErrNoCredential = errors.New("credential: no active key")

type Repo struct {
	db     *gorm.DB
	sealer Sealer
}

func NewRepo(db *gorm.DB, sealer Sealer) *Repo {
	if sealer == nil {
		sealer = Base64Sealer{}
	}
	return &Repo{db: db, sealer: sealer}
}

func normalizeProvider(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}

// GetActiveKey reads the store on every call; keys may rotate between requests.
func (r *Repo) GetActiveKey(ctx context.Context, userID uint64, provider string) (string, error) {
	var c Credential
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND provider = ? AND active = ?", userID, normalizeProvider(provider), true).
		Order("id DESC").
		First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNoCredential
		}
		return "", err
	}
	key, err := r.sealer.Open(c.Secret)
	if err != nil {
		return "", fmt.Errorf("credential %d: %w", c.ID, err)
	}
	return key, nil
}

// Upsert overwrites the active key for (user, provider) or creates one.
func (r *Repo) Upsert(ctx context.Context, userID uint64, provider, secret string) (*Credential, error) {
	provider = normalizeProvider(provider)
	secret = strings.TrimSpace(secret)
	if provider == "" || secret == "" {
		return nil, errors.New("credential: provider and key are required")
	}
	sealed, err := r.sealer.Seal(secret)
	if err != nil {
		return nil, err
	}

	var out Credential
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Credential
		err := tx.Where("user_id = ? AND provider = ? AND active = ?", userID, provider, true).
			Order("id DESC").
			First(&existing).Error
		switch {
		case err == nil:
			existing.Secret = sealed
			existing.Hint = hint(secret)
			existing.UpdatedAt = time.Now()
			if err := tx.Save(&existing).Error; err != nil {
				return err
			}
			out = existing
			return nil
		case errors.Is(err, gorm.ErrRecordNotFound):
			out = Credential{
				UserID:   userID,
				Provider: provider,
				Secret:   sealed,
				Hint:     hint(secret),
				Active:   true,
			}
			return tx.Create(&out).Error
		default:
			return err
		}
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *Repo) ListActive(ctx context.Context, userID uint64) ([]Credential, error) {
	var out []Credential
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND active = ?", userID, true).
		Order("provider ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Deactivate soft deletes a key. Foreign ids report gorm.ErrRecordNotFound.
func (r *Repo) Deactivate(ctx context.Context, userID, id uint64) error {
	res := r.db.WithContext(ctx).Model(&Credential{}).
		Where("id = ? AND user_id = ?", id, userID).
		Update("active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
