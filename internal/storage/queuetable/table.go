// Package queuetable implements the remote sync_queue table on gorm.
package queuetable

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/habitkit/offlinesync/pkg/errors"
	"github.com/habitkit/offlinesync/pkg/types"
)

// Config selects the database holding the queue table.
type Config struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string `yaml:"driver"`
	// DSN is the postgres connection string or the sqlite file path.
	DSN string `yaml:"dsn"`
	// UserID scopes every query to one user's rows when set.
	UserID string `yaml:"user_id"`
	// LogSQL enables gorm's statement logging.
	LogSQL bool `yaml:"log_sql"`
}

type itemModel struct {
	ID         string     `gorm:"primaryKey"`
	UserID     string     `gorm:"index:idx_sync_queue_user"`
	EntityID   string     `gorm:"index:idx_sync_queue_entity;not null"`
	EntityType string     `gorm:"not null"`
	Action     string     `gorm:"not null"`
	Data       string     `gorm:"type:text"`
	Priority   int        `gorm:"default:0"`
	RetryCount int        `gorm:"default:0"`
	CreatedAt  time.Time  `gorm:"index:idx_sync_queue_created;not null"`
	SyncedAt   *time.Time `gorm:"index:idx_sync_queue_synced"`
	FailedAt   *time.Time
	LastError  string
}

func (itemModel) TableName() string {
	return "sync_queue"
}

// Table is the gorm-backed sync queue.
type Table struct {
	db     *gorm.DB
	userID string
}

// Open connects to the configured database and migrates the table.
func Open(ctx context.Context, cfg Config) (*Table, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite", "":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = ":memory:"
		}
		if dsn != ":memory:" {
			dsn = fmt.Sprintf("file:%s?_journal_mode=WAL", dsn)
		}
		dialector = sqlite.Open(dsn)
	default:
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "unsupported queue table driver").
			WithComponent("queuetable").
			WithContext("driver", cfg.Driver)
	}

	level := logger.Silent
	if cfg.LogSQL {
		level = logger.Info
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(level),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeConnectionFailed, "failed to open queue table database", err).
			WithComponent("queuetable")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeConnectionFailed, "failed to get sql.DB instance", err).
			WithComponent("queuetable")
	}
	if cfg.Driver == "sqlite" || cfg.Driver == "" {
		// One connection keeps an in-memory database alive and serialises writers.
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	} else {
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetMaxIdleConns(5)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)

	t := New(db, cfg.UserID)
	if err := t.InitSchema(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return t, nil
}

// New wraps an existing connection.
func New(db *gorm.DB, userID string) *Table {
	return &Table{db: db, userID: userID}
}

// InitSchema creates or migrates the sync_queue table.
func (t *Table) InitSchema(ctx context.Context) error {
	if err := t.db.WithContext(ctx).AutoMigrate(&itemModel{}); err != nil {
		return wrap("migrate", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (t *Table) Close() error {
	sqlDB, err := t.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (t *Table) scoped(ctx context.Context) *gorm.DB {
	q := t.db.WithContext(ctx).Model(&itemModel{})
	if t.userID != "" {
		q = q.Where("user_id = ?", t.userID)
	}
	return q
}

func (t *Table) pending(ctx context.Context) *gorm.DB {
	return t.scoped(ctx).Where("synced_at IS NULL AND failed_at IS NULL")
}

// Insert stores item under a new ID.
func (t *Table) Insert(ctx context.Context, item types.SyncQueueItem) (types.SyncQueueItem, error) {
	item.ID = uuid.NewString()
	item.LocalID = ""
	if item.UserID == "" {
		item.UserID = t.userID
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	m := toModel(item)
	if err := t.db.WithContext(ctx).Create(&m).Error; err != nil {
		return types.SyncQueueItem{}, wrap("insert", err)
	}
	return fromModel(m), nil
}

// Pending returns unsynced, unfailed items oldest first.
func (t *Table) Pending(ctx context.Context, limit int) ([]types.SyncQueueItem, error) {
	var rows []itemModel
	q := t.pending(ctx).Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, wrap("pending", err)
	}
	items := make([]types.SyncQueueItem, len(rows))
	for i, r := range rows {
		items[i] = fromModel(r)
	}
	return items, nil
}

// Count returns the number of pending items.
func (t *Table) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := t.pending(ctx).Count(&n).Error; err != nil {
		return 0, wrap("count", err)
	}
	return n, nil
}

// MarkSynced stamps synced_at on the given rows.
func (t *Table) MarkSynced(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	err := t.scoped(ctx).Where("id IN ?", ids).Update("synced_at", at.UTC()).Error
	if err != nil {
		return wrap("mark_synced", err)
	}
	return nil
}

// MarkFailed stamps failed_at and the reason on one row.
func (t *Table) MarkFailed(ctx context.Context, id, reason string, at time.Time) error {
	err := t.scoped(ctx).Where("id = ?", id).Updates(map[string]interface{}{
		"failed_at":  at.UTC(),
		"last_error": reason,
	}).Error
	if err != nil {
		return wrap("mark_failed", err)
	}
	return nil
}

// Failed returns rows that were given up on, newest first.
func (t *Table) Failed(ctx context.Context, limit int) ([]types.SyncQueueItem, error) {
	var rows []itemModel
	q := t.scoped(ctx).Where("failed_at IS NOT NULL").Order("failed_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, wrap("failed", err)
	}
	items := make([]types.SyncQueueItem, len(rows))
	for i, r := range rows {
		items[i] = fromModel(r)
	}
	return items, nil
}

func wrap(op string, err error) error {
	return errors.Wrap(errors.ErrCodeQueueTable, "sync queue table "+op+" failed", err).
		WithComponent("queuetable").
		WithOperation(op)
}

func toModel(it types.SyncQueueItem) itemModel {
	return itemModel{
		ID:         it.ID,
		UserID:     it.UserID,
		EntityID:   it.EntityID,
		EntityType: it.EntityType,
		Action:     string(it.Action),
		Data:       string(it.Data),
		Priority:   it.Priority,
		RetryCount: it.RetryCount,
		CreatedAt:  it.CreatedAt.UTC(),
		SyncedAt:   it.SyncedAt,
		LastError:  it.LastError,
	}
}

func fromModel(m itemModel) types.SyncQueueItem {
	it := types.SyncQueueItem{
		ID:         m.ID,
		UserID:     m.UserID,
		EntityID:   m.EntityID,
		EntityType: m.EntityType,
		Action:     types.Action(m.Action),
		Priority:   m.Priority,
		RetryCount: m.RetryCount,
		CreatedAt:  m.CreatedAt,
		SyncedAt:   m.SyncedAt,
		LastError:  m.LastError,
	}
	if m.Data != "" {
		it.Data = []byte(m.Data)
	}
	return it
}
