package repository

import (
	"time"

	"taskorch/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormConfig is shared by every dialector so timestamps are always stored in UTC.
func GormConfig() *gorm.Config {
	return &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
		Logger:  logger.Default.LogMode(logger.Warn),
	}
}

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.Task{},
		&model.OutboxEvent{},
		&model.DeadLetterEntry{},
		&model.DispatchLock{},
	)
}
