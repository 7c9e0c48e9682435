package testutil

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/synaptica-ai/patient-matching/pkg/common/logger"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

var dbCounter atomic.Int64

// SQLite opens a private in-memory database for one test. The pool is pinned to
// a single connection so the memory database outlives individual queries.
func SQLite(tb testing.TB) *gorm.DB {
	tb.Helper()
	logger.Discard()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(tb.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, dbCounter.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		tb.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		tb.Fatalf("sqlite handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	tb.Cleanup(func() {
		_ = sqlDB.Close()
	})
	return db
}
