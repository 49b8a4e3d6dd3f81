package storage

import (
	"context"
	"errors"
	"time"

	"github.com/rivalwatch/internal/models"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("record not found")

// Setting keys
const (
	SettingCurrentMonitor = "current_monitor"
	SettingHasAccess      = "has_access"
)

// TokenProvider is the provider name the backend session token is stored under
const TokenProvider = "rivalwatch"

// Repository defines the local working store. It caches what the client last
// knew between processes; the backend stays authoritative.
type Repository interface {
	// Monitor cache
	SaveMonitors(ctx context.Context, monitors []models.Monitor) error
	ListMonitors(ctx context.Context) ([]models.Monitor, error)
	DeleteMonitor(ctx context.Context, id string) error

	// Working copy operations
	SaveSnapshot(ctx context.Context, w *models.WorkingCopy) error
	GetSnapshot(ctx context.Context, monitorID string) (*models.WorkingCopy, error)
	ListSnapshots(ctx context.Context) ([]*models.WorkingCopy, error)

	// Read marker ledger. Saving never moves a marker backwards.
	SaveReadMarkers(ctx context.Context, markers map[string]time.Time) error
	GetReadMarkers(ctx context.Context) (map[string]time.Time, error)

	// Session settings
	SetSetting(ctx context.Context, key, value string) error
	GetSetting(ctx context.Context, key string) (string, error)

	// Session token operations
	SaveToken(ctx context.Context, token *models.SessionToken) error
	GetToken(ctx context.Context, provider string) (*models.SessionToken, error)
	DeleteToken(ctx context.Context, provider string) error

	// Maintenance
	Close() error
	Migrate() error
}
