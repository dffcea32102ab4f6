// Package model defines the core domain models used throughout the application.
package model

import (
	"fmt"
	"time"
)

// ConnectionStatus is the lifecycle state of a bank connection.
type ConnectionStatus string

// Connection status constants.
const (
	ConnectionConnecting  ConnectionStatus = "connecting"
	ConnectionConnected   ConnectionStatus = "connected"
	ConnectionPendingAuth ConnectionStatus = "pending_auth"
	ConnectionExpired     ConnectionStatus = "expired"
	ConnectionError       ConnectionStatus = "error"
)

// Valid reports whether s is one of the known statuses.
func (s ConnectionStatus) Valid() bool {
	switch s {
	case ConnectionConnecting, ConnectionConnected, ConnectionPendingAuth, ConnectionExpired, ConnectionError:
		return true
	}
	return false
}

// ParseConnectionStatus converts a provider or storage value into a ConnectionStatus.
func ParseConnectionStatus(s string) (ConnectionStatus, error) {
	status := ConnectionStatus(s)
	if !status.Valid() {
		return "", fmt.Errorf("unknown connection status %q", s)
	}
	return status, nil
}

// ConnectionMetadata holds the optional provider-specific fields of a connection.
type ConnectionMetadata struct {
	ItemID         string `json:"item_id,omitempty"`
	ExternalUserID string `json:"external_user_id,omitempty"`
	SyncCursor     string `json:"sync_cursor,omitempty"`
	WebhookID      string `json:"webhook_id,omitempty"`
	RedirectURL    string `json:"redirect_url,omitempty"`
	LastError      string `json:"last_error,omitempty"`
	ErrorCode      string `json:"error_code,omitempty"`
}

// Connection is a user's link to one bank through one provider.
type Connection struct {
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ConsentExpiresAt *time.Time
	LastSyncAt       *time.Time
	ID               string
	UserID           string
	ProviderID       string
	BankID           string
	BankName         string
	Status           ConnectionStatus
	AccessToken      string
	RefreshToken     string
	ConsentID        string
	CredentialID     string
	Metadata         ConnectionMetadata
}

// ConsentExpired reports whether the consent window has closed at now.
func (c *Connection) ConsentExpired(now time.Time) bool {
	return c.ConsentExpiresAt != nil && !now.Before(*c.ConsentExpiresAt)
}

// CanTransitionTo reports whether the connection may move to next.
// Expired connections can only come back through a fresh authentication.
func (c *Connection) CanTransitionTo(next ConnectionStatus) bool {
	if !next.Valid() {
		return false
	}
	if c.Status == next {
		return true
	}
	switch c.Status {
	case ConnectionExpired:
		return next == ConnectionPendingAuth || next == ConnectionConnecting || next == ConnectionConnected
	default:
		return true
	}
}

// ClearTokens drops token material once consent has lapsed.
func (c *Connection) ClearTokens() {
	c.AccessToken = ""
	c.RefreshToken = ""
}
