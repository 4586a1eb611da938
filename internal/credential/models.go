package credential

import "time"

// Credential is one user's secret for one provider. At most one row per
// (user, provider) is active.
type Credential struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    uint64    `gorm:"not null;index:idx_cred_user_provider,priority:1" json:"-"`
	Provider  string    `gorm:"type:varchar(50);not null;index:idx_cred_user_provider,priority:2" json:"provider"`
	Secret    string    `gorm:"type:varchar(500);not null" json:"-"`
	Hint      string    `gorm:"type:varchar(32)" json:"key_hint"`
	Active    bool      `gorm:"not null;default:true;index" json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Credential) TableName() string { return "provider_credentials" }

// hint masks a key down to a recognizable prefix and suffix.
func hint(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:3] + "…" + secret[len(secret)-4:]
}
