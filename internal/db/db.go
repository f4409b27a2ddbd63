// Package db opens the gorm connection every other package is handed,
// mirroring cmd/worker/main.go's db.Connect(cfg.DBDSN) call site.
package db

import (
	"log"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Connect opens a MySQL connection via gorm and runs AutoMigrate for the
// tables this core owns. On failure it exits the process via
// log.Fatalf, matching the teacher's
// db.Connect call sites, which are always unwrapped at process startup
// where there is nothing sensible to do but fail fast.
func Connect(dsn string, models ...any) *gorm.DB {
	gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		log.Fatalf("db: connect: %v", err)
	}

	if len(models) > 0 {
		if err := gdb.AutoMigrate(models...); err != nil {
			log.Fatalf("db: automigrate: %v", err)
		}
	}
	return gdb
}
