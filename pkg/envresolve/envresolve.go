// Package envresolve builds the final process environment from an
// ImageConfig, user-data env bindings and env-from sources, then expands
// $(VAR) references, per spec.md §4.G.
package envresolve

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/duffcloud/vminit/pkg/cloud"
	"github.com/duffcloud/vminit/pkg/ezerrors"
	"github.com/duffcloud/vminit/pkg/spec"
)

// binding is one ordered name=value pair. A plain map loses declaration
// order, which the JSON-object env-from case needs to preserve.
type binding struct {
	name  string
	value string
}

// Build constructs the final environment as an ordered slice of "NAME=value"
// strings. seed is the already-merged ImageConfig+user-data env (spec.Merge's
// RuntimeSpec.Env, phases 1-2 of spec.md §4.G); Build resolves envFrom
// (phase 3) and appends it, then performs the single left-to-right $(VAR)
// expansion pass.
func Build(ctx context.Context, seed []spec.EnvVar, envFrom []spec.EnvFromSource, facade *cloud.Facade) ([]string, error) {
	order := make([]string, 0, len(seed))
	values := make(map[string]string, len(seed))

	for _, e := range seed {
		if _, exists := values[e.Name]; !exists {
			order = append(order, e.Name)
		}
		values[e.Name] = e.Value
	}

	for _, source := range envFrom {
		bindings, err := resolveSource(ctx, source, facade)
		if err != nil {
			if isOptional(source) && ezerrors.NotFound(err) {
				continue
			}
			return nil, err
		}
		for _, b := range bindings {
			if _, exists := values[b.name]; !exists {
				order = append(order, b.name)
			}
			values[b.name] = b.value
		}
	}

	expanded := expand(order, values)

	out := make([]string, 0, len(order))
	for _, name := range order {
		out = append(out, name+"="+expanded[name])
	}
	return out, nil
}

func isOptional(source spec.EnvFromSource) bool {
	switch {
	case source.SSM != nil:
		return source.SSM.Optional
	case source.SecretsManager != nil:
		return source.SecretsManager.Optional
	case source.S3 != nil:
		return source.S3.Optional
	default:
		return false
	}
}

func resolveSource(ctx context.Context, source spec.EnvFromSource, facade *cloud.Facade) ([]binding, error) {
	switch {
	case source.SSM != nil:
		return resolveSSM(ctx, source.SSM, facade)
	case source.SecretsManager != nil:
		return resolveSecretsManager(ctx, source.SecretsManager, facade)
	case source.S3 != nil:
		return resolveS3(ctx, source.S3, facade)
	default:
		return nil, nil
	}
}

func resolveSSM(ctx context.Context, s *spec.SSMEnvFrom, facade *cloud.Facade) ([]binding, error) {
	param, err := facade.ParameterStore().GetParameter(ctx, s.Path, true)
	if err != nil {
		return nil, err
	}
	return payloadToBindings(s.Name, s.Path, param.Value)
}

func resolveSecretsManager(ctx context.Context, s *spec.SecretsManagerEnvFrom, facade *cloud.Facade) ([]binding, error) {
	payload, err := facade.SecretsStore().GetSecret(ctx, s.Name)
	if err != nil {
		return nil, err
	}
	name := s.NameAs
	return payloadToBindings(name, s.Name, string(payload))
}

func resolveS3(ctx context.Context, s *spec.S3EnvFrom, facade *cloud.Facade) ([]binding, error) {
	payload, err := facade.ObjectStore().GetObject(ctx, s.Bucket, s.Key)
	if err != nil {
		return nil, err
	}
	return payloadToBindings(s.Name, s.Bucket+"/"+s.Key, string(payload))
}

// payloadToBindings implements spec.md §4.G's "if name is present, append
// one binding name=<payload>; else parse the payload as a JSON object and
// append each member in insertion order." resource names the bucket/key,
// parameter path, or secret name the payload came from, for the error
// message spec.md §8 scenario 5 requires on a malformed payload.
func payloadToBindings(name, resource, payload string) ([]binding, error) {
	if name != "" {
		return []binding{{name: name, value: payload}}, nil
	}

	var asMap map[string]string
	if err := json.Unmarshal([]byte(payload), &asMap); err != nil {
		return nil, ezerrors.Config("envresolve", resource, "env-from payload has no name and is not valid JSON: expected a JSON object of string values", err)
	}

	var ordered []string
	if err := jsonKeyOrder([]byte(payload), resource, &ordered); err != nil {
		return nil, err
	}

	bindings := make([]binding, 0, len(ordered))
	for _, key := range ordered {
		bindings = append(bindings, binding{name: key, value: asMap[key]})
	}
	return bindings, nil
}

// jsonKeyOrder recovers a JSON object's member order, which
// encoding/json's map decoding discards.
func jsonKeyOrder(raw []byte, resource string, out *[]string) error {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return ezerrors.Config("envresolve", resource, "env-from payload has no name and is not valid JSON: expected a JSON object", nil)
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := keyTok.(string)
		*out = append(*out, key)
		var discard json.RawMessage
		if err := dec.Decode(&discard); err != nil {
			return err
		}
	}
	return nil
}

// expand performs the single left-to-right, non-recursive $(NAME)
// substitution pass, honoring the $$( escape for a literal "$(".
func expand(order []string, values map[string]string) map[string]string {
	out := make(map[string]string, len(values))
	for _, name := range order {
		out[name] = expandOne(values[name], values)
	}
	return out
}

func expandOne(value string, values map[string]string) string {
	var b strings.Builder
	i := 0
	for i < len(value) {
		if strings.HasPrefix(value[i:], "$$(") {
			b.WriteString("$(")
			i += 3
			continue
		}
		if strings.HasPrefix(value[i:], "$(") {
			end := strings.IndexByte(value[i+2:], ')')
			if end >= 0 {
				name := value[i+2 : i+2+end]
				if v, ok := values[name]; ok {
					b.WriteString(v)
				} else {
					b.WriteString(value[i : i+2+end+1])
				}
				i += 2 + end + 1
				continue
			}
		}
		b.WriteByte(value[i])
		i++
	}
	return b.String()
}
