package models

import (
	"time"

	"github.com/google/uuid"
)

type User struct {
	Base
	Email          string    `gorm:"uniqueIndex;not null" json:"email"`
	DisplayName    string    `json:"display_name"`
	OrganizationID uuid.UUID `gorm:"type:uuid;index" json:"organization_id"`

	// Set by the onboarding worker once the account's first sync
	// bootstrap has run.
	OnboardedAt *time.Time `json:"onboarded_at,omitempty"`

	// Relationships
	Organization *Organization `gorm:"foreignKey:OrganizationID" json:"organization,omitempty"`
	Accounts     []Account     `gorm:"foreignKey:UserID" json:"-"`
}

func (User) TableName() string {
	return "users"
}
