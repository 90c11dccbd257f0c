package migrations

import (
	"github.com/jmylchreest/encoderd/internal/models"
	"gorm.io/gorm"
)

// AllMigrations returns the catalog schema history in order.
//   - 001: routes and segments tables
//   - 002: index segments by route and position
func AllMigrations() []Migration {
	return []Migration{
		migration001Schema(),
		migration002SegmentPosition(),
	}
}

func migration001Schema() Migration {
	return Migration{
		Version:     "001",
		Description: "Create routes and segments tables",
		Up: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&models.Route{}, &models.Segment{})
		},
		Down: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&models.Segment{}, &models.Route{})
		},
	}
}

const segmentPositionIndex = "idx_segments_route_position"

func migration002SegmentPosition() Migration {
	return Migration{
		Version:     "002",
		Description: "Index segments by route and position",
		Up: func(tx *gorm.DB) error {
			return tx.Exec("CREATE INDEX IF NOT EXISTS " + segmentPositionIndex +
				" ON segments (route_id, segment_index)").Error
		},
		Down: func(tx *gorm.DB) error {
			return tx.Migrator().DropIndex(&models.Segment{}, segmentPositionIndex)
		},
	}
}
