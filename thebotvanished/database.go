package thebotvanished

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
	}
)

// ConfigDocument is a DB model holding one namespace's document as JSON.
type ConfigDocument struct {
	Name      string `gorm:"primaryKey" json:"name"`
	Data      string `gorm:"type:text;not null" json:"data"`
	UpdatedAt int64  `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

func (ConfigDocument) TableName() string {
	return "config_documents"
}

// CreateDB opens the database and migrates the config document table.
func CreateDB(
	ctx context.Context,
	databaseType string,
	database string,
	handler slog.Handler,
	slowThreshold time.Duration,
) (*gorm.DB, error) {
	if handler == nil {
		handler = newLogHandler(defaultLogWriter, slog.LevelWarn)
	}
	dbLogger := slog.New(handler).With(loggerNameKey, "database")
	dbLogger.InfoContext(
		ctx,
		"initializing database",
		"database_type", databaseType,
	)

	db, err := getDB(databaseType, database, newGORMLogger(handler, slowThreshold))
	if err != nil {
		return nil, err
	}

	if err = db.WithContext(ctx).AutoMigrate(&ConfigDocument{}); err != nil {
		dbLogger.ErrorContext(ctx, "error migrating database", tint.Err(err))
		return nil, err
	}
	return db, nil
}

// getDB returns a GORM connection for databaseType, which must be
// 'sqlite' or 'postgres'.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: gormLogger}
	switch databaseType {
	case dbTypeSQLite:
		if dir := filepath.Dir(database); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("error creating database directory: %w", err)
			}
		}
		db, err := gorm.Open(sqlite.Open(database), cfg)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		for _, pragma := range sqliteExecPragma {
			if err = db.Exec(pragma).Error; err != nil {
				return nil, fmt.Errorf("error executing %q: %w", pragma, err)
			}
		}
		return db, nil
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), cfg)
	default:
		return nil, fmt.Errorf("invalid database type: %q", databaseType)
	}
}

// DBBackend stores a document as a single row in the config_documents
// table, keyed by name. Each save replaces the row in a transaction.
type DBBackend struct {
	db     *gorm.DB
	name   string
	logger *slog.Logger

	// guards writes of this document
	mu sync.Mutex
}

func NewDBBackend(db *gorm.DB, name string, logger *slog.Logger) *DBBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &DBBackend{
		db:     db,
		name:   name,
		logger: logger.With(loggerNameKey, "db_backend", "document", name),
	}
}

func (b *DBBackend) String() string {
	return "db:" + b.name
}

func (b *DBBackend) Load(ctx context.Context) (map[string]any, error) {
	var row ConfigDocument
	err := b.db.WithContext(ctx).Where("name = ?", b.name).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		b.logger.InfoContext(ctx, "no stored document found, creating one")
		doc := map[string]any{}
		if err = b.Save(ctx, doc); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrConfigLoad, b.name, err)
		}
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConfigLoad, b.name, err)
	}
	return decodeDocument(b.String(), []byte(row.Data))
}

func (b *DBBackend) Save(ctx context.Context, doc map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, err := encodeDocument(doc, true)
	if err != nil {
		return err
	}
	return b.db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			return tx.Save(&ConfigDocument{Name: b.name, Data: string(data)}).Error
		},
	)
}
