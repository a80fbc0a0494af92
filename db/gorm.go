package db

import (
	"fmt"
	"time"

	"worshiproom/config"
	"worshiproom/logger"
	"worshiproom/model"

	"github.com/go-sql-driver/mysql"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// GormDB is the process-wide database handle.
var GormDB *gorm.DB

// DSN builds the MySQL connection string for cfg.
func DSN(cfg *config.Config) string {
	mc := mysql.NewConfig()
	mc.User = cfg.DBUser
	mc.Passwd = cfg.DBPassword
	mc.Net = "tcp"
	mc.Addr = fmt.Sprintf("%s:%s", cfg.DBHost, cfg.DBPort)
	mc.DBName = cfg.DBName
	mc.ParseTime = true
	mc.Loc = time.UTC
	mc.Params = map[string]string{"charset": "utf8mb4"}
	return mc.FormatDSN()
}

// ConnectGormDB opens the MySQL database through GORM and configures the pool.
func ConnectGormDB(cfg *config.Config) (*gorm.DB, error) {
	level := gormlogger.Warn
	if cfg.DBLogSQL {
		level = gormlogger.Info
	}

	db, err := gorm.Open(gormmysql.Open(DSN(cfg)), &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(level),
		DisableForeignKeyConstraintWhenMigrating: true,
		NowFunc:                                  func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database with GORM: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	GormDB = db
	logger.Info("connected to database",
		logger.String("host", cfg.DBHost),
		logger.String("database", cfg.DBName))
	return db, nil
}

// CloseGormDB closes the process-wide handle.
func CloseGormDB() error {
	if GormDB == nil {
		return nil
	}
	sqlDB, err := GormDB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// AutoMigrate creates or updates the room engine tables.
func AutoMigrate(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("GORM database not initialized")
	}
	if err := db.AutoMigrate(model.AllModels()...); err != nil {
		return fmt.Errorf("failed to auto migrate models: %w", err)
	}
	logger.Info("models migrated", logger.Int("tables", len(model.AllModels())))
	return nil
}
