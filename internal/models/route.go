package models

import (
	"time"

	"gorm.io/gorm"
)

// Route is one recording run. Its segments live in <root>/<name>--<idx>.
type Route struct {
	ID        ULID      `gorm:"primarykey;type:varchar(26)" json:"id"`
	Name      string    `gorm:"uniqueIndex;size:128;not null" json:"name"`
	Root      string    `gorm:"size:1024;not null" json:"root"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Segments []Segment `gorm:"foreignKey:RouteID;constraint:OnDelete:CASCADE" json:"segments,omitempty"`
}

// BeforeCreate assigns an id.
func (r *Route) BeforeCreate(*gorm.DB) error {
	if r.ID.IsZero() {
		r.ID = NewULID()
	}
	return nil
}
