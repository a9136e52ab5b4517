// Package catalog keeps a SQLite history of capture sessions.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/cjeanneret/multicap/internal/debug"
	"github.com/cjeanneret/multicap/internal/logic/capture"
)

// ErrNotFound is returned when no session matches.
var ErrNotFound = errors.New("session not found")

// SessionRecord is one finished session.
type SessionRecord struct {
	ID          uint           `gorm:"primaryKey" json:"-"`
	SessionID   string         `gorm:"uniqueIndex;size:36" json:"id"`
	Started     time.Time      `gorm:"index" json:"started"`
	Finished    time.Time      `json:"finished"`
	TriggerMode string         `gorm:"size:16" json:"trigger_mode"`
	Result      string         `gorm:"size:16" json:"result"`
	Cancelled   bool           `json:"cancelled"`
	OutputDir   string         `json:"output_dir"`
	Requested   int            `json:"requested"`
	Captured    int            `json:"captured"`
	Persisted   int            `json:"persisted"`
	Dropped     int            `json:"dropped"`
	Skipped     int            `json:"skipped"`
	Error       string         `json:"error,omitempty"`
	Devices     []DeviceRecord `gorm:"foreignKey:SessionRecordID;constraint:OnDelete:CASCADE" json:"devices"`
}

// DeviceRecord is one camera's result within a session.
type DeviceRecord struct {
	ID              uint    `gorm:"primaryKey" json:"-"`
	SessionRecordID uint    `gorm:"index" json:"-"`
	DeviceIndex     int     `json:"index"`
	Serial          string  `gorm:"size:64" json:"serial"`
	Requested       int     `json:"requested"`
	Captured        int     `json:"captured"`
	Skipped         int     `json:"skipped"`
	Persisted       int     `json:"persisted"`
	Dropped         int     `json:"dropped"`
	StartSkewUs     int64   `json:"start_skew_us"`
	FrameRate       float64 `json:"frame_rate"`
	Error           string  `json:"error,omitempty"`
}

// Catalog stores session summaries.
type Catalog struct {
	db *gorm.DB
}

// Open opens (and migrates) the catalog at path. ":memory:" is accepted.
func Open(path string) (*Catalog, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open session catalog: %w", err)
	}
	// One connection: SQLite has a single writer and ":memory:" is per connection.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to open session catalog: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&SessionRecord{}, &DeviceRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate session catalog: %w", err)
	}
	debug.Verbose("Catalog: opened %s", path)
	return &Catalog{db: db}, nil
}

// Close releases the database.
func (c *Catalog) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// FromSummary converts a session summary into a record.
func FromSummary(sum *capture.Summary, outputDir string) *SessionRecord {
	t := sum.Totals()
	rec := &SessionRecord{
		SessionID:   sum.ID.String(),
		Started:     sum.Started,
		Finished:    sum.Finished,
		TriggerMode: string(sum.TriggerMode),
		Result:      sum.Result(),
		Cancelled:   sum.Cancelled,
		OutputDir:   outputDir,
		Requested:   t.Requested,
		Captured:    t.Captured,
		Persisted:   t.Persisted,
		Dropped:     t.Dropped,
		Skipped:     t.Skipped,
		Error:       errString(sum.Err),
	}
	for _, d := range sum.Devices {
		rec.Devices = append(rec.Devices, DeviceRecord{
			DeviceIndex: d.Index,
			Serial:      d.Serial,
			Requested:   d.Requested,
			Captured:    d.Captured,
			Skipped:     d.Skipped,
			Persisted:   d.Persisted,
			Dropped:     d.Dropped,
			StartSkewUs: d.StartSkew.Microseconds(),
			FrameRate:   d.FrameRate,
			Error:       errString(d.Err),
		})
	}
	return rec
}

// Record stores a finished session with its devices.
func (c *Catalog) Record(ctx context.Context, sum *capture.Summary, outputDir string) (*SessionRecord, error) {
	rec := FromSummary(sum, outputDir)
	if err := c.db.WithContext(ctx).Create(rec).Error; err != nil {
		return nil, fmt.Errorf("record session %s: %w", rec.SessionID, err)
	}
	return rec, nil
}

// Recent returns the latest sessions, newest first.
func (c *Catalog) Recent(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var recs []SessionRecord
	err := c.db.WithContext(ctx).
		Preload("Devices", func(db *gorm.DB) *gorm.DB { return db.Order("device_index") }).
		Order("started DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return recs, nil
}

// Get returns the session with the given id.
func (c *Catalog) Get(ctx context.Context, sessionID string) (*SessionRecord, error) {
	var rec SessionRecord
	err := c.db.WithContext(ctx).
		Preload("Devices", func(db *gorm.DB) *gorm.DB { return db.Order("device_index") }).
		Where("session_id = ?", sessionID).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	return &rec, nil
}
