package models

type Organization struct {
	Base
	Name string `gorm:"not null;index" json:"name"`

	// Relationships
	Users []User `gorm:"foreignKey:OrganizationID" json:"-"`
}

func (Organization) TableName() string {
	return "organizations"
}
