package database

import (
	"fmt"
	"time"

	"taskpay/internal/config"
	"taskpay/internal/model"
	"taskpay/pkg/logger"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var DB *gorm.DB

// InitMySQL 初始化 MySQL 连接
func InitMySQL(cfg *config.MySQLConfig) *gorm.DB {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Database,
	)

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		logger.Fatal("连接 MySQL 失败: " + err.Error())
	}

	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("获取底层 DB 失败: " + err.Error())
	}

	// 连接池配置
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	// 自动迁移表结构
	err = db.AutoMigrate(
		&model.Account{},
		&model.PayoutRecord{},
		&model.OutboxMessage{},
	)
	if err != nil {
		logger.Fatal("自动迁移表结构失败: " + err.Error())
	}

	DB = db
	logger.Info("MySQL 连接成功")
	return db
}
