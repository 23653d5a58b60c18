package models

import "github.com/google/uuid"

type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
)

type AccountStatus string

const (
	AccountActive  AccountStatus = "active"
	AccountRevoked AccountStatus = "revoked"
)

// Account records one credential grant from an external provider.
// (Provider, ProviderSubject) is unique system-wide; ownership never
// moves to a different user once set. Rows are never hard-deleted -
// uninstalls flip Status to revoked and a later relink reactivates.
type Account struct {
	Base
	UserID          uuid.UUID     `gorm:"type:uuid;index;not null" json:"user_id"`
	Provider        Provider      `gorm:"uniqueIndex:idx_provider_subject;not null" json:"provider"`
	ProviderSubject string        `gorm:"uniqueIndex:idx_provider_subject;not null" json:"provider_subject"`
	Email           string        `gorm:"not null" json:"email"`
	Status          AccountStatus `gorm:"default:'active'" json:"status"`

	// Relationships
	User *User `gorm:"foreignKey:UserID" json:"-"`
}

func (Account) TableName() string {
	return "accounts"
}
