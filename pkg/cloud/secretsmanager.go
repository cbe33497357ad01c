package cloud

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"

	"github.com/duffcloud/vminit/pkg/ezerrors"
)

// SecretsStore is the secrets-store (Secrets Manager) client of spec.md
// §4.B. Like ParameterStore, it speaks the service's JSON protocol directly.
type SecretsStore struct {
	signer   *signer
	endpoint string
}

func newSecretsStore(s *signer, endpoint string) *SecretsStore {
	return &SecretsStore{signer: s, endpoint: endpoint}
}

// GetSecret fetches a secret's value. String-form secrets are returned
// as-is; binary-form secrets are base64-decoded, per spec.md §4.B.
func (s *SecretsStore) GetSecret(ctx context.Context, name string) ([]byte, error) {
	reqBody, err := json.Marshal(map[string]string{"SecretId": name})
	if err != nil {
		return nil, ezerrors.Config("secrets", name, "encoding request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/", bytes.NewReader(reqBody))
	if err != nil {
		return nil, ezerrors.Cloud("secrets", ezerrors.CloudTransport, name, "building request", err)
	}
	req.Header.Set("Content-Type", "application/x-amz-json-1.1")
	req.Header.Set("X-Amz-Target", "secretsmanager.GetSecretValue")

	resp, err := s.signer.do(ctx, "secretsmanager", "secrets:get", req, reqBody)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ezerrors.Cloud("secrets", ezerrors.CloudTransport, name, "reading response", err)
	}

	var parsed struct {
		SecretString string `json:"SecretString"`
		SecretBinary string `json:"SecretBinary"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, ezerrors.Cloud("secrets", ezerrors.CloudService, name, "parsing response", err)
	}

	if parsed.SecretString != "" {
		return []byte(parsed.SecretString), nil
	}
	if parsed.SecretBinary != "" {
		decoded, err := base64.StdEncoding.DecodeString(parsed.SecretBinary)
		if err != nil {
			return nil, ezerrors.Cloud("secrets", ezerrors.CloudService, name, "decoding binary secret", err)
		}
		return decoded, nil
	}
	return nil, nil
}
