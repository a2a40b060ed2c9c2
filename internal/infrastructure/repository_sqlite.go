package infrastructure

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/yourusername/convertmaster-go/internal/domain"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// SQLiteJobRepository implements JobRepository using SQLite
type SQLiteJobRepository struct {
	db *gorm.DB
}

// NewSQLiteJobRepository creates a new SQLite repository
func NewSQLiteJobRepository(dbPath string) (*SQLiteJobRepository, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(&domain.JobSummary{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &SQLiteJobRepository{db: db}, nil
}

// Save inserts or updates a job summary
func (r *SQLiteJobRepository) Save(summary *domain.JobSummary) error {
	return r.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(summary).Error
}

// Delete deletes job summaries by ID
func (r *SQLiteJobRepository) Delete(ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.Where("id IN ?", ids).Delete(&domain.JobSummary{}).Error
}

// FindAll finds job summaries matching the filter ordered by submission
func (r *SQLiteJobRepository) FindAll(filter domain.JobFilter) ([]*domain.JobSummary, error) {
	var summaries []*domain.JobSummary
	query := r.db.Model(&domain.JobSummary{})

	if len(filter.States) > 0 {
		query = query.Where("state IN ?", filter.States)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	err := query.Order("seq ASC").Find(&summaries).Error
	return summaries, err
}

// Close closes the database connection
func (r *SQLiteJobRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
