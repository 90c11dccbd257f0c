package models

import (
	"time"

	"gorm.io/gorm"
)

// Segment records one segment directory written by the encoder.
type Segment struct {
	ID          ULID       `gorm:"primarykey;type:varchar(26)" json:"id"`
	RouteID     ULID       `gorm:"type:varchar(26);index;not null" json:"route_id"`
	Index       int        `gorm:"column:segment_index;not null" json:"index"`
	Path        string     `gorm:"uniqueIndex;size:512;not null" json:"path"`
	DataFile    string     `gorm:"size:1024" json:"data_file"`
	OpenedAt    time.Time  `gorm:"index" json:"opened_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	Frames      int        `json:"frames"`
	Bytes       int64      `json:"bytes"`
	HeaderBytes int        `json:"header_bytes"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// BeforeCreate assigns an id.
func (s *Segment) BeforeCreate(*gorm.DB) error {
	if s.ID.IsZero() {
		s.ID = NewULID()
	}
	return nil
}

// Open reports whether the segment has not been closed yet.
func (s *Segment) Open() bool {
	return s.ClosedAt == nil
}

// Duration is the time between open and close, or zero while open.
func (s *Segment) Duration() time.Duration {
	if s.ClosedAt == nil {
		return 0
	}
	return s.ClosedAt.Sub(s.OpenedAt)
}
