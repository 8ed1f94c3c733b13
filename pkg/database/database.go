package database

import (
	"snapfuzz/config"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// NewDBConnection returns nil when DATABASE_URL is unset; objectives are then only
// written to disk.
func NewDBConnection(appConfig *config.AppConfig, logger *zap.Logger) *gorm.DB {
	connectionString := appConfig.DatabaseURL
	if connectionString == "" {
		logger.Debug("no database configured")
		return nil
	}
	db, err := gorm.Open(postgres.Open(connectionString), &gorm.Config{})
	if err != nil {
		logger.Fatal("failed to connect database", zap.Error(err))
	}
	if err := db.AutoMigrate(&Objective{}); err != nil {
		logger.Fatal("failed to migrate objectives table", zap.Error(err))
	}
	logger.Debug("connected to database")
	return db
}
