package kvstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("kvstore.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("kvstore.empty_database_url")
	errSQLiteEmptyPath     = errors.New("kvstore.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("kvstore.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("kvstore.unsupported_no_scheme")
)

// DatabaseStore persists records in a SQL table using GORM.
type DatabaseStore struct {
	db          *gorm.DB
	driverLabel string
}

type entryRecord struct {
	EntryKey    string `gorm:"column:entry_key;primaryKey"`
	EntryValue  string `gorm:"column:entry_value;not null"`
	UpdatedUnix int64  `gorm:"column:updated_unix;not null"`
}

func (entryRecord) TableName() string {
	return "session_entries"
}

// NewDatabaseStore constructs a GORM-backed store and migrates its table.
func NewDatabaseStore(ctx context.Context, databaseURL string) (*DatabaseStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("kvstore.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("kvstore.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&entryRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("kvstore.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseStore{
		db:          gormDB,
		driverLabel: driverLabel,
	}, nil
}

// Driver exposes the selected database driver label.
func (store *DatabaseStore) Driver() string {
	return store.driverLabel
}

// Get loads a record by key.
func (store *DatabaseStore) Get(ctx context.Context, key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("kvstore.get.%s: %w", store.driverLabel, ErrEmptyKey)
	}
	var record entryRecord
	err := store.db.WithContext(ctx).Where("entry_key = ?", key).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("kvstore.get.%s: %w", store.driverLabel, ErrNotFound)
		}
		return "", fmt.Errorf("kvstore.get.%s: %w", store.driverLabel, err)
	}
	return record.EntryValue, nil
}

// Set upserts a record.
func (store *DatabaseStore) Set(ctx context.Context, key string, value string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("kvstore.set.%s: %w", store.driverLabel, ErrEmptyKey)
	}
	record := entryRecord{
		EntryKey:    key,
		EntryValue:  value,
		UpdatedUnix: time.Now().UTC().Unix(),
	}
	err := store.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entry_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"entry_value", "updated_unix"}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("kvstore.set.%s: %w", store.driverLabel, err)
	}
	return nil
}

// Remove deletes a record; missing records are ignored.
func (store *DatabaseStore) Remove(ctx context.Context, key string) error {
	err := store.db.WithContext(ctx).Where("entry_key = ?", key).Delete(&entryRecord{}).Error
	if err != nil {
		return fmt.Errorf("kvstore.remove.%s: %w", store.driverLabel, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (store *DatabaseStore) Close() error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return fmt.Errorf("kvstore.close.%s: %w", store.driverLabel, err)
	}
	return sqlDB.Close()
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("kvstore.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("kvstore.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("kvstore.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("kvstore.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
