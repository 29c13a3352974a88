package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goatnetwork/goat-mixer/internal/db/migrations"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Storage is the parameterized query interface the orchestration core consumes.
type Storage interface {
	Query(ctx context.Context, dest interface{}, sql string, args ...interface{}) error
	Exec(ctx context.Context, sql string, args ...interface{}) (int64, error)
	Ping(ctx context.Context) error
}

type DatabaseManager struct {
	mixerDb        *gorm.DB
	distributionDb *gorm.DB
}

var _ Storage = (*DatabaseManager)(nil)

func NewDatabaseManager(dbDir string) (*DatabaseManager, error) {
	dm := &DatabaseManager{}
	if err := dm.initDB(dbDir); err != nil {
		return nil, err
	}
	return dm, nil
}

func openSqlite(path string) (*gorm.DB, error) {
	return gorm.Open(sqlite.Open(path+"?_journal_mode=WAL&_busy_timeout=5000"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
}

func (dm *DatabaseManager) initDB(dbDir string) error {
	if err := os.MkdirAll(dbDir, os.ModePerm); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	mixerPath := filepath.Join(dbDir, "mixer.db")
	mixerDb, err := openSqlite(mixerPath)
	if err != nil {
		return fmt.Errorf("failed to connect to mixer database: %w", err)
	}
	dm.mixerDb = mixerDb
	log.Debugf("Mixer database connected successfully, path: %s", mixerPath)

	distributionPath := filepath.Join(dbDir, "distribution.db")
	distributionDb, err := openSqlite(distributionPath)
	if err != nil {
		return fmt.Errorf("failed to connect to distribution database: %w", err)
	}
	dm.distributionDb = distributionDb
	log.Debugf("Distribution database connected successfully, path: %s", distributionPath)

	if err := dm.autoMigrate(); err != nil {
		return err
	}
	log.Debugf("Database migration completed successfully")
	return nil
}

func (dm *DatabaseManager) autoMigrate() error {
	if err := dm.mixerDb.AutoMigrate(&MixRequest{}, &PoolState{}, &PoolTransaction{}); err != nil {
		return fmt.Errorf("failed to migrate mixer database: %w", err)
	}
	if err := dm.distributionDb.AutoMigrate(&ScheduledDistribution{}); err != nil {
		return fmt.Errorf("failed to migrate distribution database: %w", err)
	}

	mm := migrations.NewMigrationManager(dm.mixerDb)
	if err := mm.EnsureMigrationTable(); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	if err := mm.RunMigration("20250301_add_mix_request_match_index", migrations.AddMixRequestMatchIndex); err != nil {
		return err
	}
	return nil
}

func (dm *DatabaseManager) GetMixerDB() *gorm.DB {
	return dm.mixerDb
}

func (dm *DatabaseManager) GetDistributionDB() *gorm.DB {
	return dm.distributionDb
}

// Query runs a read statement against the mixer database and scans the rows into dest.
func (dm *DatabaseManager) Query(ctx context.Context, dest interface{}, sql string, args ...interface{}) error {
	return dm.mixerDb.WithContext(ctx).Raw(sql, args...).Scan(dest).Error
}

// Exec runs a write statement against the mixer database.
func (dm *DatabaseManager) Exec(ctx context.Context, sql string, args ...interface{}) (int64, error) {
	res := dm.mixerDb.WithContext(ctx).Exec(sql, args...)
	return res.RowsAffected, res.Error
}

func (dm *DatabaseManager) Ping(ctx context.Context) error {
	for _, g := range []*gorm.DB{dm.mixerDb, dm.distributionDb} {
		sqlDb, err := g.DB()
		if err != nil {
			return err
		}
		if err := sqlDb.PingContext(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (dm *DatabaseManager) Close() error {
	var errs []error
	for _, g := range []*gorm.DB{dm.mixerDb, dm.distributionDb} {
		if g == nil {
			continue
		}
		sqlDb, err := g.DB()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		errs = append(errs, sqlDb.Close())
	}
	return errors.Join(errs...)
}
