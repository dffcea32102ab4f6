package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/Veraticus/bankfeed/internal/common"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSecretsManager struct {
	out   *secretsmanager.GetSecretValueOutput
	err   error
	calls []string
}

func (f *fakeSecretsManager) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.calls = append(f.calls, aws.ToString(in.SecretId))
	return f.out, f.err
}

func TestStaticSource(t *testing.T) {
	tests := []struct {
		wantErr error
		name    string
		secret  string
		want    []byte
	}{
		{name: "plain", secret: "a-long-master-secret", want: []byte("a-long-master-secret")},
		{name: "base64", secret: "base64:aGVsbG8=", want: []byte("hello")},
		{name: "bad base64 kept verbatim", secret: "base64:***", want: []byte("base64:***")},
		{name: "empty", secret: "   ", wantErr: common.ErrMissingConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := StaticSource{Secret: tt.secret}.MasterSecret(context.Background())
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSecretsManagerSource(t *testing.T) {
	t.Run("string secret", func(t *testing.T) {
		fake := &fakeSecretsManager{out: &secretsmanager.GetSecretValueOutput{SecretString: aws.String("from-aws-secret")}}
		src := NewSecretsManagerSource(fake, "bankfeed/master")

		got, err := src.MasterSecret(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []byte("from-aws-secret"), got)
		assert.Equal(t, []string{"bankfeed/master"}, fake.calls)
	})

	t.Run("binary secret", func(t *testing.T) {
		fake := &fakeSecretsManager{out: &secretsmanager.GetSecretValueOutput{SecretBinary: []byte{1, 2, 3}}}
		got, err := NewSecretsManagerSource(fake, "id").MasterSecret(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []byte{1, 2, 3}, got)
	})

	t.Run("empty secret", func(t *testing.T) {
		fake := &fakeSecretsManager{out: &secretsmanager.GetSecretValueOutput{}}
		_, err := NewSecretsManagerSource(fake, "id").MasterSecret(context.Background())
		require.ErrorIs(t, err, common.ErrMissingConfig)
	})

	t.Run("missing id", func(t *testing.T) {
		fake := &fakeSecretsManager{}
		_, err := NewSecretsManagerSource(fake, "").MasterSecret(context.Background())
		require.ErrorIs(t, err, common.ErrMissingConfig)
		assert.Empty(t, fake.calls)
	})

	t.Run("client error", func(t *testing.T) {
		boom := errors.New("access denied")
		fake := &fakeSecretsManager{err: boom}
		_, err := NewSecretsManagerSource(fake, "id").MasterSecret(context.Background())
		require.ErrorIs(t, err, boom)
	})
}
