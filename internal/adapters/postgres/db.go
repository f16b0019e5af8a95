package postgres

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/viralforge/mesh/cqrs-pipeline/internal/domain"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const (
	defaultMaxConns = 8
	pingTimeout     = 3 * time.Second
)

// Connect opens a pooled gorm handle and waits for the server to answer.
// Connection failures wrap domain.ErrStorageUnavailable.
func Connect(ctx context.Context, databaseURL string, maxConns int32) (*gorm.DB, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("%w: postgres url is required", domain.ErrInvalidInput)
	}
	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{
		PrepareStmt:    true,
		TranslateError: true,
		Logger:         logger.Discard,
	})
	if err != nil {
		return nil, unavailable("open postgres", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, unavailable("postgres pool", err)
	}
	conns := int(maxConns)
	if conns <= 0 {
		conns = defaultMaxConns
	}
	sqlDB.SetMaxOpenConns(conns)
	sqlDB.SetMaxIdleConns(conns)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, unavailable("ping postgres", err)
	}
	return db, nil
}

// RunMigrations executes every embedded migration in name order. Each file is
// written to be re-runnable. Files hold several statements, so they bypass the
// prepared statement pool.
func RunMigrations(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("gorm sql db: %w", err)
	}
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		raw, readErr := migrationFS.ReadFile("migrations/" + name)
		if readErr != nil {
			return fmt.Errorf("read migration %s: %w", name, readErr)
		}
		if _, execErr := sqlDB.ExecContext(ctx, string(raw)); execErr != nil {
			return fmt.Errorf("exec migration %s: %w", name, execErr)
		}
	}
	return nil
}
