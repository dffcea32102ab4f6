package model

import "time"

// EncryptedCredential holds provider credentials that are never stored as plaintext.
type EncryptedCredential struct {
	CreatedAt  time.Time
	ExpiresAt  *time.Time
	ID         string
	UserID     string
	ProviderID string
	Ciphertext string
	KeyID      string
	Algorithm  string
}

// Expired reports whether the credential may no longer be decrypted.
func (c *EncryptedCredential) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// AuditEntry records one cryptographic operation. It never carries plaintext.
type AuditEntry struct {
	Time      time.Time
	Operation string
	KeyID     string
	Context   string
	UserID    string
	Error     string
	Success   bool
}
