package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// Document is an opaque JSON value stored as-is
type Document json.RawMessage

func (d Document) Value() (driver.Value, error) {
	if len(d) == 0 {
		return nil, nil
	}
	return string(d), nil
}

func (d *Document) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*d = nil
	case []byte:
		*d = append(Document(nil), v...)
	case string:
		*d = Document(v)
	default:
		return fmt.Errorf("unsupported document type %T", value)
	}
	return nil
}

func (d Document) MarshalJSON() ([]byte, error) {
	if len(d) == 0 {
		return []byte("null"), nil
	}
	return []byte(d), nil
}

func (d *Document) UnmarshalJSON(data []byte) error {
	*d = append((*d)[:0], data...)
	return nil
}

// CachedMonitor is the local copy of a monitor record
type CachedMonitor struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	Position  int       `gorm:"index" json:"position"`
	Payload   Document  `gorm:"type:text;not null" json:"payload"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// CachedSnapshot is the last reconciled working copy of a monitor
type CachedSnapshot struct {
	MonitorID string    `gorm:"primaryKey" json:"monitor_id"`
	TaskID    string    `gorm:"index" json:"task_id"`
	Payload   Document  `gorm:"type:text;not null" json:"payload"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// ReadMarker records when a change was marked read; markers only move forward
type ReadMarker struct {
	ChangeID string    `gorm:"primaryKey" json:"change_id"`
	ReadAt   time.Time `gorm:"not null" json:"read_at"`
}

// Setting is a key/value session setting such as the current monitor
type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// SessionToken stores the bearer token for the analysis backend
type SessionToken struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	Provider    string     `gorm:"uniqueIndex;not null" json:"provider"`
	AccessToken string     `gorm:"type:text;not null" json:"access_token"`
	TokenType   string     `gorm:"default:'Bearer'" json:"token_type"`
	ExpiresAt   *time.Time `json:"expires_at"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsExpired returns true if the token carries an expiry in the past
func (t *SessionToken) IsExpired() bool {
	return t.ExpiresAt != nil && time.Now().After(*t.ExpiresAt)
}

// ToOAuth2Token converts to golang.org/x/oauth2.Token
func (t *SessionToken) ToOAuth2Token() *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken: t.AccessToken,
		TokenType:   t.TokenType,
	}
	if t.ExpiresAt != nil {
		tok.Expiry = *t.ExpiresAt
	}
	return tok
}
