package cloud

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/duffcloud/vminit/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSecretsStore(t *testing.T, handler http.HandlerFunc) *SecretsStore {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	t.Setenv("EASYTO_ACCESS_KEY_ID", "AKIDEXAMPLE")
	t.Setenv("EASYTO_SECRET_ACCESS_KEY", "secret")

	s := newSigner(NewEnvCredentialProvider(), "us-east-1", log.Discard())
	return newSecretsStore(s, srv.URL)
}

func TestGetSecretStringPayload(t *testing.T) {
	store := newTestSecretsStore(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secretsmanager.GetSecretValue", r.Header.Get("X-Amz-Target"))
		w.Write([]byte(`{"SecretString":"s3cr3t"}`))
	})

	val, err := store.GetSecret(context.Background(), "prod/db/password")
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", string(val))
}

func TestGetSecretBinaryPayloadIsDecoded(t *testing.T) {
	store := newTestSecretsStore(t, func(w http.ResponseWriter, r *http.Request) {
		// base64 of "raw-bytes"
		w.Write([]byte(`{"SecretBinary":"cmF3LWJ5dGVz"}`))
	})

	val, err := store.GetSecret(context.Background(), "prod/cert")
	require.NoError(t, err)
	assert.Equal(t, "raw-bytes", string(val))
}
