package db

import (
	"log"

	"github.com/glebarez/sqlite"
	"github.com/pysugar/strava-poster-hub/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDB initializes the SQLite database connection and runs migrations.
func InitDB(dbPath string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&models.Credential{}); err != nil {
		return nil, err
	}

	log.Printf("📦 Database ready at %s", dbPath)
	return db, nil
}
