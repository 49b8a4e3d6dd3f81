package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/rivalwatch/internal/models"
	"github.com/rivalwatch/internal/storage"
)

// markerBatch keeps IN clauses under SQLite's bound-variable limit
const markerBatch = 500

// Repository implements storage.Repository using SQLite
type Repository struct {
	db *gorm.DB
}

// New creates a new SQLite repository
func New(dsn string) (*Repository, error) {
	inMemory := strings.Contains(dsn, ":memory:")

	if !inMemory {
		dir := filepath.Dir(dsn)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
		}
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// every pooled connection would get its own empty in-memory database
	if inMemory {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	return &Repository{db: db}, nil
}

// Migrate runs database migrations
func (r *Repository) Migrate() error {
	return r.db.AutoMigrate(
		&models.CachedMonitor{},
		&models.CachedSnapshot{},
		&models.ReadMarker{},
		&models.Setting{},
		&models.SessionToken{},
	)
}

// Close closes the database connection
func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Monitor cache

func (r *Repository) SaveMonitors(ctx context.Context, monitors []models.Monitor) error {
	rows := make([]models.CachedMonitor, 0, len(monitors))
	for i, m := range monitors {
		payload, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("failed to encode monitor %s: %w", m.ID, err)
		}
		rows = append(rows, models.CachedMonitor{ID: m.ID, Position: i, Payload: payload})
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.CachedMonitor{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
}

func (r *Repository) ListMonitors(ctx context.Context) ([]models.Monitor, error) {
	var rows []models.CachedMonitor
	if err := r.db.WithContext(ctx).Order("position ASC").Find(&rows).Error; err != nil {
		return nil, err
	}

	monitors := make([]models.Monitor, 0, len(rows))
	for _, row := range rows {
		var m models.Monitor
		if err := json.Unmarshal(row.Payload, &m); err != nil {
			return nil, fmt.Errorf("failed to decode monitor %s: %w", row.ID, err)
		}
		monitors = append(monitors, m)
	}
	return monitors, nil
}

func (r *Repository) DeleteMonitor(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).Delete(&models.CachedMonitor{}).Error; err != nil {
			return err
		}
		return tx.Where("monitor_id = ?", id).Delete(&models.CachedSnapshot{}).Error
	})
}

// Working copy operations

func (r *Repository) SaveSnapshot(ctx context.Context, w *models.WorkingCopy) error {
	payload, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	row := models.CachedSnapshot{MonitorID: w.MonitorID, TaskID: w.TaskID, Payload: payload}
	return r.db.WithContext(ctx).Save(&row).Error
}

func (r *Repository) GetSnapshot(ctx context.Context, monitorID string) (*models.WorkingCopy, error) {
	var row models.CachedSnapshot
	if err := r.db.WithContext(ctx).Where("monitor_id = ?", monitorID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return decodeSnapshot(row)
}

func (r *Repository) ListSnapshots(ctx context.Context) ([]*models.WorkingCopy, error) {
	var rows []models.CachedSnapshot
	if err := r.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]*models.WorkingCopy, 0, len(rows))
	for _, row := range rows {
		w, err := decodeSnapshot(row)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

func decodeSnapshot(row models.CachedSnapshot) (*models.WorkingCopy, error) {
	var w models.WorkingCopy
	if err := json.Unmarshal(row.Payload, &w); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %s: %w", row.MonitorID, err)
	}
	return &w, nil
}

// Read marker ledger

func (r *Repository) SaveReadMarkers(ctx context.Context, markers map[string]time.Time) error {
	if len(markers) == 0 {
		return nil
	}

	ids := make([]string, 0, len(markers))
	for id := range markers {
		ids = append(ids, id)
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for start := 0; start < len(ids); start += markerBatch {
			batch := ids[start:min(start+markerBatch, len(ids))]

			var existing []models.ReadMarker
			if err := tx.Where("change_id IN ?", batch).Find(&existing).Error; err != nil {
				return err
			}
			known := make(map[string]time.Time, len(existing))
			for _, m := range existing {
				known[m.ChangeID] = m.ReadAt
			}

			var upserts []models.ReadMarker
			for _, id := range batch {
				at := markers[id].UTC()
				if prev, ok := known[id]; ok && !at.After(prev) {
					continue
				}
				upserts = append(upserts, models.ReadMarker{ChangeID: id, ReadAt: at})
			}
			if len(upserts) == 0 {
				continue
			}

			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "change_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"read_at"}),
			}).Create(&upserts).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Repository) GetReadMarkers(ctx context.Context) (map[string]time.Time, error) {
	var rows []models.ReadMarker
	if err := r.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make(map[string]time.Time, len(rows))
	for _, row := range rows {
		out[row.ChangeID] = row.ReadAt.UTC()
	}
	return out, nil
}

// Session settings

func (r *Repository) SetSetting(ctx context.Context, key, value string) error {
	return r.db.WithContext(ctx).Save(&models.Setting{Key: key, Value: value}).Error
}

func (r *Repository) GetSetting(ctx context.Context, key string) (string, error) {
	var s models.Setting
	if err := r.db.WithContext(ctx).Where(&models.Setting{Key: key}).First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", err
	}
	return s.Value, nil
}

// Session token operations

func (r *Repository) SaveToken(ctx context.Context, token *models.SessionToken) error {
	// Upsert - update if exists, create if not
	var existing models.SessionToken
	if err := r.db.WithContext(ctx).Where("provider = ?", token.Provider).First(&existing).Error; err == nil {
		token.ID = existing.ID
		token.CreatedAt = existing.CreatedAt
	}
	return r.db.WithContext(ctx).Save(token).Error
}

func (r *Repository) GetToken(ctx context.Context, provider string) (*models.SessionToken, error) {
	var token models.SessionToken
	if err := r.db.WithContext(ctx).Where("provider = ?", provider).First(&token).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return &token, nil
}

func (r *Repository) DeleteToken(ctx context.Context, provider string) error {
	return r.db.WithContext(ctx).Where("provider = ?", provider).Delete(&models.SessionToken{}).Error
}

var _ storage.Repository = (*Repository)(nil)
