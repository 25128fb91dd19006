package db

import (
	"gorm.io/gorm"

	"github.com/lumenbio/biograph-backend/internal/domain/snapshot"
)

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		&snapshot.GraphSnapshot{},
	)
}

func (s *PostgresService) AutoMigrateAll() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.log.Info("Auto migrating postgres tables...")
	if err := AutoMigrateAll(s.db); err != nil {
		s.log.Error("Auto migration failed", "error", err)
		return err
	}
	return nil
}
