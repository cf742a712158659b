package archive

import (
	"context"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// streamEvent is the events table row.
type streamEvent struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement"`
	ReceivedAt time.Time `gorm:"index;not null"`
	Type       string    `gorm:"size:64;not null"`
	Topic      string    `gorm:"size:64;index"`
	Payload    []byte    `gorm:"type:jsonb"`
}

func (streamEvent) TableName() string { return "events" }

// PgSink batch-inserts events into postgres.
type PgSink struct {
	db *gorm.DB
}

// NewPgSink opens the connection pool and migrates the events table.
func NewPgSink(dsn string) (*PgSink, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&streamEvent{}); err != nil {
		return nil, err
	}
	return &PgSink{db: db}, nil
}

func (s *PgSink) Write(ctx context.Context, batch []Event) error {
	if len(batch) == 0 {
		return nil
	}
	rows := make([]streamEvent, 0, len(batch))
	for _, e := range batch {
		rows = append(rows, streamEvent{
			ReceivedAt: e.ReceivedAt,
			Type:       e.Type,
			Topic:      e.Topic,
			Payload:    []byte(e.Payload),
		})
	}
	return s.db.WithContext(ctx).Create(&rows).Error
}

// Close releases the underlying connection pool.
func (s *PgSink) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
