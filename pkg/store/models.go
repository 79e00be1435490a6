package store

import (
	"time"

	"gorm.io/datatypes"
)

// SnapshotModel is one persisted state tree. Name holds the snapshot key.
type SnapshotModel struct {
	Name      string         `gorm:"primaryKey;size:191"`
	Payload   datatypes.JSON `gorm:"not null"`
	UpdatedAt time.Time      `gorm:"not null"`
}
