package models

type UninstallEventType string

const (
	UninstallIndividual   UninstallEventType = "individual"
	UninstallOrganization UninstallEventType = "organization"
)

// UninstallAudit is the append-only trail of processed uninstall
// webhooks. Writes are best-effort: a failed insert is logged and the
// webhook is still acknowledged.
type UninstallAudit struct {
	Base
	EventType          UninstallEventType `gorm:"not null;index" json:"event_type"`
	IdentitySub        string             `json:"identity_sub,omitempty"`
	IdentityCustomerID string             `json:"identity_customer_id,omitempty"`
	IdentityEmail      string             `json:"identity_email,omitempty"`

	// AccountResults is the JSON-serialized list of per-account
	// cleanup outcomes.
	AccountResults string `gorm:"type:text" json:"account_results"`
}

func (UninstallAudit) TableName() string {
	return "uninstall_audit_log"
}
