package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/duffcloud/vminit/pkg/ezerrors"
)

// ParameterStore is the parameter-store (SSM) client of spec.md §4.B. It
// speaks the AWS JSON 1.1 protocol directly (X-Amz-Target + JSON body)
// rather than depending on the generated SSM SDK package.
type ParameterStore struct {
	signer   *signer
	endpoint string
}

func newParameterStore(s *signer, endpoint string) *ParameterStore {
	return &ParameterStore{signer: s, endpoint: endpoint}
}

// Parameter is a single named value.
type Parameter struct {
	Name  string
	Value string
	Type  string
}

func (p *ParameterStore) call(ctx context.Context, target string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return ezerrors.Config("parameters", "", "encoding request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/", bytes.NewReader(body))
	if err != nil {
		return ezerrors.Cloud("parameters", ezerrors.CloudTransport, "", "building request", err)
	}
	req.Header.Set("Content-Type", "application/x-amz-json-1.1")
	req.Header.Set("X-Amz-Target", "AmazonSSM."+target)

	resp, err := p.signer.do(ctx, "ssm", "parameters:"+target, req, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return ezerrors.Cloud("parameters", ezerrors.CloudTransport, "", "reading response", err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return ezerrors.Cloud("parameters", ezerrors.CloudService, "", "parsing response", err)
	}
	return nil
}

// GetParameter fetches a single parameter, optionally decrypting SecureString
// values.
func (p *ParameterStore) GetParameter(ctx context.Context, name string, decrypt bool) (Parameter, error) {
	var resp struct {
		Parameter struct {
			Name  string `json:"Name"`
			Value string `json:"Value"`
			Type  string `json:"Type"`
		} `json:"Parameter"`
	}

	err := p.call(ctx, "GetParameter", map[string]interface{}{
		"Name":           name,
		"WithDecryption": decrypt,
	}, &resp)
	if err != nil {
		return Parameter{}, err
	}
	return Parameter{Name: resp.Parameter.Name, Value: resp.Parameter.Value, Type: resp.Parameter.Type}, nil
}

// GetParametersByPath fetches every parameter under path, decrypting
// SecureString values when requested and following NextToken pagination.
func (p *ParameterStore) GetParametersByPath(ctx context.Context, path string, decrypt, recursive bool) ([]Parameter, error) {
	var out []Parameter
	nextToken := ""

	for {
		reqBody := map[string]interface{}{
			"Path":           path,
			"WithDecryption": decrypt,
			"Recursive":      recursive,
		}
		if nextToken != "" {
			reqBody["NextToken"] = nextToken
		}

		var resp struct {
			Parameters []struct {
				Name  string `json:"Name"`
				Value string `json:"Value"`
				Type  string `json:"Type"`
			} `json:"Parameters"`
			NextToken string `json:"NextToken"`
		}
		if err := p.call(ctx, "GetParametersByPath", reqBody, &resp); err != nil {
			return nil, err
		}
		for _, param := range resp.Parameters {
			out = append(out, Parameter{Name: param.Name, Value: param.Value, Type: param.Type})
		}

		if resp.NextToken == "" {
			break
		}
		nextToken = resp.NextToken
	}

	return out, nil
}

// RelativeName strips a parameter's path prefix, the way volume
// materialization names the file it writes for each parameter
// (mount-path/<name-relative-to-path>, spec.md §4.F).
func RelativeName(fullName, path string) string {
	rel := strings.TrimPrefix(fullName, path)
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" {
		return fullName
	}
	return rel
}
