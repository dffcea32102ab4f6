// Package secrets resolves the master secret used by the encryption service.
package secrets

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Veraticus/bankfeed/internal/common"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// Source returns the raw master secret.
type Source interface {
	MasterSecret(ctx context.Context) ([]byte, error)
}

// StaticSource returns a fixed secret, usually read from configuration or the environment.
type StaticSource struct {
	Name   string
	Secret string
}

// MasterSecret implements Source.
func (s StaticSource) MasterSecret(_ context.Context) ([]byte, error) {
	if strings.TrimSpace(s.Secret) == "" {
		name := s.Name
		if name == "" {
			name = "encryption.secret"
		}
		return nil, fmt.Errorf("%w: %s is not set", common.ErrMissingConfig, name)
	}
	return decode(s.Secret), nil
}

// SecretsManagerAPI is the subset of the Secrets Manager client used here.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsManagerSource reads the master secret from AWS Secrets Manager.
type SecretsManagerSource struct {
	client   SecretsManagerAPI
	logger   *slog.Logger
	secretID string
}

// NewSecretsManagerSource wraps an existing client.
func NewSecretsManagerSource(client SecretsManagerAPI, secretID string) *SecretsManagerSource {
	return &SecretsManagerSource{
		client:   client,
		secretID: secretID,
		logger:   slog.Default().With("component", "secrets"),
	}
}

// NewSecretsManagerSourceFromEnv builds a client from the default AWS credential chain.
func NewSecretsManagerSourceFromEnv(ctx context.Context, region, secretID string) (*SecretsManagerSource, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewSecretsManagerSource(secretsmanager.NewFromConfig(cfg), secretID), nil
}

// MasterSecret implements Source.
func (s *SecretsManagerSource) MasterSecret(ctx context.Context) ([]byte, error) {
	if s.secretID == "" {
		return nil, fmt.Errorf("%w: encryption.aws_secret_id is not set", common.ErrMissingConfig)
	}

	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(s.secretID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get secret %s: %w", s.secretID, err)
	}

	if out.SecretString != nil && *out.SecretString != "" {
		s.logger.Debug("Loaded master secret", "secret_id", s.secretID)
		return decode(*out.SecretString), nil
	}
	if len(out.SecretBinary) > 0 {
		s.logger.Debug("Loaded binary master secret", "secret_id", s.secretID)
		return out.SecretBinary, nil
	}
	return nil, fmt.Errorf("%w: secret %s is empty", common.ErrMissingConfig, s.secretID)
}

// decode accepts "base64:" prefixed values and returns everything else verbatim.
func decode(secret string) []byte {
	secret = strings.TrimSpace(secret)
	if rest, ok := strings.CutPrefix(secret, "base64:"); ok {
		if raw, err := base64.StdEncoding.DecodeString(rest); err == nil {
			return raw
		}
	}
	return []byte(secret)
}

var (
	_ Source = StaticSource{}
	_ Source = (*SecretsManagerSource)(nil)
)
