package grcbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"

	// defaultSupportResetHistory is how many resets the history
	// endpoint returns when no limit is given
	defaultSupportResetHistory = 25
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout = 30 * time.Second
)

// ModelUnixTime is an embeddable model with creation and update
// timestamps, stored as unix milliseconds.
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// RulesMessageRef remembers which message holds a given rules page,
// so the reconciler can edit it in place after a restart.
type RulesMessageRef struct {
	ModelUintID
	ModelUnixTime
	ChannelID string `gorm:"uniqueIndex:idx_rules_channel_page;not null" json:"channel_id"`
	Page      int    `gorm:"uniqueIndex:idx_rules_channel_page;not null" json:"page"`
	MessageID string `gorm:"not null" json:"message_id"`
}

// SupportReset is a record of one support channel reset
type SupportReset struct {
	ModelUintID
	ModelUnixTime
	ChannelID       string `gorm:"index" json:"channel_id"`
	Trigger         string `json:"trigger"`
	StartedAt       int64  `json:"started_at"`
	FinishedAt      int64  `json:"finished_at"`
	Passes          int    `json:"passes"`
	BulkBatches     int    `json:"bulk_batches"`
	BulkDeleted     int    `json:"bulk_deleted"`
	SingleDeleted   int    `json:"single_deleted"`
	SingleFailed    int    `json:"single_failed"`
	Stuck           bool   `json:"stuck"`
	PostedMessageID string `json:"posted_message_id"`
	Error           string `json:"error,omitempty"`
}

func (r SupportReset) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("channel_id", r.ChannelID),
		slog.String("trigger", r.Trigger),
		slog.Int("passes", r.Passes),
		slog.Int("bulk_deleted", r.BulkDeleted),
		slog.Int("single_deleted", r.SingleDeleted),
		slog.Int("single_failed", r.SingleFailed),
		slog.Bool("stuck", r.Stuck),
		slog.String("posted_message_id", r.PostedMessageID),
	)
}

// DBI is the persistence used by the reconciler, the support resetter
// and the admin API.
type DBI interface {
	// RulesMessageRefs returns the stored message ID for each rules page
	// of the given channel, keyed by page index
	RulesMessageRefs(ctx context.Context, channelID string) (map[int]string, error)

	// SaveRulesMessageRef creates or updates the message ID stored for
	// the given channel and page
	SaveRulesMessageRef(ctx context.Context, channelID string, page int, messageID string) error

	// ListRulesMessageRefs returns every stored rules page reference
	ListRulesMessageRefs(ctx context.Context) ([]RulesMessageRef, error)

	// RecordSupportReset saves the outcome of a support channel reset
	RecordSupportReset(ctx context.Context, r *SupportReset) error

	// ListSupportResets returns the most recent resets, newest first
	ListSupportResets(ctx context.Context, limit int) ([]SupportReset, error)
}

// database implements DBI with gorm. Writes are serialized unless
// concurrent writes are enabled, since sqlite only allows one writer.
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

// NewDatabase wraps the given gorm connection. enableConcurrentWrites
// should only be set for postgres.
func NewDatabase(db *gorm.DB, log *slog.Logger, enableConcurrentWrites bool) DBI {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) lock() {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
	}
}

func (d *database) unlock() {
	if !d.enableConcurrentWrites {
		d.mu.Unlock()
	}
}

func (d *database) RulesMessageRefs(
	ctx context.Context,
	channelID string,
) (map[int]string, error) {
	var refs []RulesMessageRef
	if err := d.db.WithContext(ctx).Where(
		"channel_id = ?",
		channelID,
	).Find(&refs).Error; err != nil {
		return nil, fmt.Errorf("error loading rules message refs: %w", err)
	}
	rv := make(map[int]string, len(refs))
	for _, ref := range refs {
		rv[ref.Page] = ref.MessageID
	}
	return rv, nil
}

func (d *database) SaveRulesMessageRef(
	ctx context.Context,
	channelID string,
	page int,
	messageID string,
) error {
	d.lock()
	defer d.unlock()

	ref := RulesMessageRef{
		ChannelID: channelID,
		Page:      page,
		MessageID: messageID,
	}
	err := d.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns: []clause.Column{{Name: "channel_id"}, {Name: "page"}},
			DoUpdates: clause.AssignmentColumns(
				[]string{"message_id", "updated_at"},
			),
		},
	).Create(&ref).Error
	if err != nil {
		return fmt.Errorf("error saving rules message ref: %w", err)
	}
	d.logger.InfoContext(
		ctx,
		"saved rules message ref",
		"channel_id", channelID,
		"page", page,
		"message_id", messageID,
	)
	return nil
}

func (d *database) ListRulesMessageRefs(ctx context.Context) ([]RulesMessageRef, error) {
	var refs []RulesMessageRef
	err := d.db.WithContext(ctx).Order("channel_id, page").Find(&refs).Error
	return refs, err
}

func (d *database) RecordSupportReset(ctx context.Context, r *SupportReset) error {
	d.lock()
	defer d.unlock()
	if err := d.db.WithContext(ctx).Create(r).Error; err != nil {
		return fmt.Errorf("error recording support reset: %w", err)
	}
	return nil
}

func (d *database) ListSupportResets(ctx context.Context, limit int) ([]SupportReset, error) {
	if limit <= 0 {
		limit = defaultSupportResetHistory
	}
	var resets []SupportReset
	err := d.db.WithContext(ctx).Order("id desc").Limit(limit).Find(&resets).Error
	return resets, err
}

// CreateDB opens the database, applies the sqlite connection settings
// and migrates the bot's tables.
func CreateDB(
	ctx context.Context,
	databaseType string,
	database string,
	logHandler slog.Handler,
	slowThreshold time.Duration,
) (*gorm.DB, error) {
	if logHandler == nil {
		logHandler = newLogHandler(DefaultDatabaseLogLevel)
	}
	gormLogger := newGORMLogger(logHandler, slowThreshold)
	dbLogger := slog.New(logHandler).With(loggerNameKey, "database")

	dbLogger.InfoContext(
		ctx,
		"Initializing database",
		"database_type", databaseType,
		"database", database,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, fmt.Errorf("error opening database: %w", err)
	}

	if databaseType == dbTypeSQLite {
		sqlDB, dbErr := db.DB()
		if dbErr != nil {
			return db, fmt.Errorf("error getting database connection: %w", dbErr)
		}
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		pragmaErrors := make([]error, 0, len(sqliteExecPragma))
		for _, p := range sqliteExecPragma {
			pragmaErrors = append(pragmaErrors, db.WithContext(ctx).Exec(p).Error)
		}
		if pragmaErr := errors.Join(pragmaErrors...); pragmaErr != nil {
			return db, pragmaErr
		}
	}

	dbLogger.DebugContext(ctx, "migrating database...")
	if err = db.WithContext(ctx).AutoMigrate(
		&RulesMessageRef{},
		&SupportReset{},
	); err != nil {
		return db, fmt.Errorf("error migrating database: %w", err)
	}
	return db, nil
}

// getDB initializes and returns a GORM database connection based on the
// specified database type.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(sqlite.Open(database), cfg)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), cfg)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}
