package models

import "github.com/google/uuid"

type InstallationStatus string

const (
	InstallationActive   InstallationStatus = "active"
	InstallationInactive InstallationStatus = "inactive"
)

// OrgInstallation is a Workspace admin's Marketplace install for a whole
// domain. OrgID starts null and is backfilled exactly once by the first
// member to activate; the unique customer id plus the compare-and-swap in
// the activation path guarantee at most one Organization per installation.
type OrgInstallation struct {
	Base
	GoogleCustomerID string             `gorm:"uniqueIndex;not null" json:"google_customer_id"`
	OrgID            *uuid.UUID         `gorm:"type:uuid;index" json:"org_id"`
	AdminEmail       string             `gorm:"not null" json:"admin_email"`
	AdminGoogleSub   string             `json:"admin_google_sub"`
	ScopesGranted    string             `json:"scopes_granted"`
	Status           InstallationStatus `gorm:"default:'active'" json:"status"`

	// Relationships
	Organization *Organization `gorm:"foreignKey:OrgID" json:"-"`
}

func (OrgInstallation) TableName() string {
	return "org_installations"
}
