package indexer

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EventRecord is a committed ledger event as persisted by the indexer.
type EventRecord struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Sequence   uint64    `gorm:"uniqueIndex;not null"`
	Type       string    `gorm:"index;not null"`
	Module     string    `gorm:"index;not null"`
	Subject    string    `gorm:"index"`
	Attributes string    `gorm:"type:text;not null"`
	RecordedAt time.Time `gorm:"index"`
}

// AutoMigrate creates or updates the indexer tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&EventRecord{}, &IdempotencyRecord{})
}

// IdempotencyRecord stores the response of a mutation submitted with an
// Idempotency-Key header. Keys are scoped to the authenticated caller.
type IdempotencyRecord struct {
	Caller    string `gorm:"primaryKey;size:128"`
	Key       string `gorm:"primaryKey;size:128"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}
