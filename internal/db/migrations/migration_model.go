package migrations

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Migration is the record of an applied schema change
type Migration struct {
	ID        uint      `gorm:"primaryKey"`
	Name      string    `gorm:"uniqueIndex;not null"`
	AppliedAt time.Time `gorm:"not null"`
}

// MigrationManager applies named schema changes at most once per database
type MigrationManager struct {
	db *gorm.DB
}

func NewMigrationManager(db *gorm.DB) *MigrationManager {
	return &MigrationManager{db: db}
}

func (m *MigrationManager) EnsureMigrationTable() error {
	return m.db.AutoMigrate(&Migration{})
}

func (m *MigrationManager) HasMigration(name string) bool {
	var count int64
	err := m.db.Model(&Migration{}).Where("name = ?", name).Count(&count).Error
	return err == nil && count > 0
}

// RunMigration applies fn and records name in the same transaction, skipping
// migrations that are already recorded.
func (m *MigrationManager) RunMigration(name string, fn func(*gorm.DB) error) error {
	err := m.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Migration{}).Where("name = ?", name).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check migration status: %w", err)
		}
		if count > 0 {
			log.Debugf("Migration %s has already been applied, skipping", name)
			return nil
		}

		log.Debugf("Running migration: %s", name)
		if err := fn(tx); err != nil {
			return err
		}
		return tx.Create(&Migration{Name: name, AppliedAt: time.Now()}).Error
	})
	if err != nil {
		return fmt.Errorf("failed to run migration %s: %w", name, err)
	}
	return nil
}
