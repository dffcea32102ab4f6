// Package encryption protects credentials and tokens at rest and signs webhook payloads.
package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Veraticus/bankfeed/internal/common"
	"github.com/Veraticus/bankfeed/internal/model"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// Algorithm is the tag stored with every credential.
	Algorithm = "AES-256-GCM"

	masterIterations  = 100_000
	contextIterations = 10_000
	keyLength         = 32
	nonceSize         = 12
	minSecretLength   = 16

	// DefaultKeyCacheSize bounds the derived keys kept in memory. Every Encrypt mints a new
	// key id, so an unbounded cache would grow with each credential written.
	DefaultKeyCacheSize = 1024
)

// masterSalt is fixed per application so the same secret always yields the same master key.
var masterSalt = []byte("bankfeed/master-key/v1")

var (
	// ErrMalformedToken is returned for strings not in keyId:nonce:ciphertext form.
	ErrMalformedToken = errors.New("malformed encrypted token")
	// ErrDecryptionFailed is returned when authentication of the ciphertext fails.
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrClosed is returned after Close has been called.
	ErrClosed = errors.New("encryption service closed")
)

type cacheKey struct {
	keyID   string
	context string
}

// Service derives per-context keys from one master key.
type Service struct {
	audit     AuditSink
	now       func() time.Time
	logger    *slog.Logger
	cache     *lru.Cache[cacheKey, []byte]
	masterKey []byte
	cacheSize int
	mu        sync.RWMutex
}

// Option configures a Service.
type Option func(*Service)

// WithAuditSink replaces the default slog audit sink.
func WithAuditSink(sink AuditSink) Option {
	return func(s *Service) {
		if sink != nil {
			s.audit = sink
		}
	}
}

// WithClock overrides the time source used for credential expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithKeyCacheSize bounds the derived-key cache. Non-positive sizes keep the default.
func WithKeyCacheSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.cacheSize = n
		}
	}
}

// New derives the master key from secret. A missing or short secret is a configuration error.
func New(secret []byte, opts ...Option) (*Service, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: encryption secret is required", common.ErrMissingConfig)
	}
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("%w: encryption secret must be at least %d bytes", common.ErrInvalidConfig, minSecretLength)
	}

	logger := slog.Default().With("component", "encryption")
	s := &Service{
		masterKey: pbkdf2.Key(secret, masterSalt, masterIterations, keyLength, sha256.New),
		cacheSize: DefaultKeyCacheSize,
		now:       time.Now,
		logger:    logger,
		audit:     NewLogAuditSink(logger),
	}
	for _, opt := range opts {
		opt(s)
	}
	cache, err := lru.New[cacheKey, []byte](s.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create key cache: %w", err)
	}
	s.cache = cache
	return s, nil
}

// Close zeroes the master key and every cached derived key.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range s.cache.Keys() {
		if key, ok := s.cache.Peek(k); ok {
			clear(key)
		}
	}
	s.cache.Purge()
	clear(s.masterKey)
	s.masterKey = nil
	return nil
}

func (s *Service) deriveKey(keyID, purpose string) ([]byte, error) {
	ck := cacheKey{keyID: keyID, context: purpose}

	// The read lock is held through derivation so Close cannot zero the master key under it.
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.masterKey == nil {
		return nil, ErrClosed
	}
	if key, ok := s.cache.Get(ck); ok {
		return key, nil
	}

	salt := sha256.Sum256([]byte(keyID + purpose))
	key := pbkdf2.Key(s.masterKey, salt[:], contextIterations, keyLength, sha256.New)
	// Evicted keys are not zeroed: a caller may still hold them.
	s.cache.Add(ck, key)
	return key, nil
}

func seal(key, plaintext, aad []byte) (nonce, ciphertext []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nonce, gcm.Seal(nil, nonce, plaintext, aad), nil
}

func open(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != nonceSize {
		return nil, ErrMalformedToken
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Encrypt seals plaintext under a fresh key id for the named context.
// The result has the form keyId:nonce:ciphertext with base64 parts.
func (s *Service) Encrypt(ctx context.Context, plaintext, purpose string) (string, error) {
	keyID := uuid.NewString()
	token, err := s.encryptString(keyID, plaintext, purpose)
	s.record(ctx, "encrypt", keyID, purpose, "", err)
	return token, err
}

func (s *Service) encryptString(keyID, plaintext, purpose string) (string, error) {
	key, err := s.deriveKey(keyID, purpose)
	if err != nil {
		return "", err
	}
	nonce, ciphertext, err := seal(key, []byte(plaintext), []byte(purpose))
	if err != nil {
		return "", err
	}
	return strings.Join([]string{
		keyID,
		base64.StdEncoding.EncodeToString(nonce),
		base64.StdEncoding.EncodeToString(ciphertext),
	}, ":"), nil
}

// Decrypt reverses Encrypt. Decrypting with a different context fails.
func (s *Service) Decrypt(ctx context.Context, token, purpose string) (string, error) {
	parts := strings.Split(token, ":")
	if len(parts) != 3 || parts[0] == "" {
		s.record(ctx, "decrypt", "", purpose, "", ErrMalformedToken)
		return "", ErrMalformedToken
	}
	keyID := parts[0]

	plaintext, err := s.decryptParts(keyID, parts[1], parts[2], purpose)
	s.record(ctx, "decrypt", keyID, purpose, "", err)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (s *Service) decryptParts(keyID, nonceB64, ciphertextB64, purpose string) ([]byte, error) {
	nonce, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil {
		return nil, fmt.Errorf("%w: nonce: %w", ErrMalformedToken, err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext: %w", ErrMalformedToken, err)
	}
	key, err := s.deriveKey(keyID, purpose)
	if err != nil {
		return nil, err
	}
	return open(key, nonce, ciphertext, []byte(purpose))
}

func credentialContext(userID, providerID string) string {
	return "credential:" + userID + ":" + providerID
}

// EncryptCredential serializes v as JSON and seals it for the user and provider.
// The stored ciphertext is base64(nonce || sealed).
func (s *Service) EncryptCredential(ctx context.Context, userID, providerID string, v any, expiresAt *time.Time) (*model.EncryptedCredential, error) {
	purpose := credentialContext(userID, providerID)
	keyID := uuid.NewString()

	cred, err := func() (*model.EncryptedCredential, error) {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal credential: %w", err)
		}
		key, err := s.deriveKey(keyID, purpose)
		if err != nil {
			return nil, err
		}
		nonce, ciphertext, err := seal(key, raw, []byte(purpose))
		clear(raw)
		if err != nil {
			return nil, err
		}
		return &model.EncryptedCredential{
			ID:         uuid.NewString(),
			UserID:     userID,
			ProviderID: providerID,
			Ciphertext: base64.StdEncoding.EncodeToString(append(nonce, ciphertext...)),
			KeyID:      keyID,
			Algorithm:  Algorithm,
			ExpiresAt:  expiresAt,
			CreatedAt:  s.now(),
		}, nil
	}()

	s.record(ctx, "encrypt_credential", keyID, purpose, userID, err)
	return cred, err
}

// DecryptCredential opens cred into out. Expired credentials are refused.
func (s *Service) DecryptCredential(ctx context.Context, cred *model.EncryptedCredential, out any) error {
	if cred == nil {
		return common.NewValidationError("credential", "is required")
	}
	purpose := credentialContext(cred.UserID, cred.ProviderID)

	err := func() error {
		if cred.Expired(s.now()) {
			return common.ErrCredentialExpired
		}
		if cred.Algorithm != "" && cred.Algorithm != Algorithm {
			return fmt.Errorf("%w: unsupported algorithm %q", ErrDecryptionFailed, cred.Algorithm)
		}
		blob, err := base64.StdEncoding.DecodeString(cred.Ciphertext)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrMalformedToken, err)
		}
		if len(blob) < nonceSize {
			return ErrMalformedToken
		}
		key, err := s.deriveKey(cred.KeyID, purpose)
		if err != nil {
			return err
		}
		plaintext, err := open(key, blob[:nonceSize], blob[nonceSize:], []byte(purpose))
		if err != nil {
			return err
		}
		defer clear(plaintext)
		if err := json.Unmarshal(plaintext, out); err != nil {
			return fmt.Errorf("%w: invalid credential payload", ErrDecryptionFailed)
		}
		return nil
	}()

	s.record(ctx, "decrypt_credential", cred.KeyID, purpose, cred.UserID, err)
	return err
}

func (s *Service) record(ctx context.Context, op, keyID, purpose, userID string, err error) {
	entry := model.AuditEntry{
		Time:      s.now(),
		Operation: op,
		KeyID:     keyID,
		Context:   purpose,
		UserID:    userID,
		Success:   err == nil,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if auditErr := s.audit.RecordAudit(ctx, entry); auditErr != nil {
		s.logger.Warn("Failed to write audit entry", "operation", op, "error", auditErr)
	}
}
