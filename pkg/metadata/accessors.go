package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/duffcloud/vminit/pkg/utils"
)

// IdentityDocument is the subset of the instance identity document this
// binary needs.
type IdentityDocument struct {
	InstanceID       string `json:"instanceId"`
	Region           string `json:"region"`
	AvailabilityZone string `json:"availabilityZone"`
}

// NetworkInterface describes one link as reported by the metadata service.
type NetworkInterface struct {
	MAC     string
	Primary bool
}

// IAMCredentials mirrors the JSON shape returned by
// iam/security-credentials/<role>.
type IAMCredentials struct {
	AccessKeyID     string `json:"AccessKeyId"`
	SecretAccessKey string `json:"SecretAccessKey"`
	Token           string `json:"Token"`
	Expiration      string `json:"Expiration"`
}

// Token exposes the current (possibly freshly fetched) session token, for
// callers that need to attach it to requests issued outside this client
// (there are none today, but the accessor is part of the documented
// contract in spec.md §4.A).
func (c *Client) Token(ctx context.Context) (string, error) {
	return c.ensureToken(ctx)
}

// IdentityDocumentAccessor fetches and parses the instance identity
// document. There is no real AWS path named exactly this; it is assembled
// from instance-id/placement/region, which is how a minimal client avoids
// depending on the (larger, nested) dynamic/instance-identity/document blob.
func (c *Client) IdentityDocument(ctx context.Context) (*IdentityDocument, error) {
	instanceID, err := c.get(ctx, "/latest/meta-data/instance-id")
	if err != nil {
		return nil, fmt.Errorf("fetching instance-id: %w", err)
	}
	az, err := c.get(ctx, "/latest/meta-data/placement/availability-zone")
	if err != nil {
		return nil, fmt.Errorf("fetching availability-zone: %w", err)
	}
	zone := string(az)
	region := zone
	if len(zone) > 0 {
		region = zone[:len(zone)-1]
	}
	return &IdentityDocument{
		InstanceID:       string(instanceID),
		Region:           region,
		AvailabilityZone: zone,
	}, nil
}

// NetworkInterfaces lists the MAC addresses of the instance's attached
// interfaces, per spec.md §4.A/§6.
func (c *Client) NetworkInterfaces(ctx context.Context) ([]NetworkInterface, error) {
	body, err := c.get(ctx, "/latest/meta-data/network/interfaces/macs/")
	if err != nil {
		return nil, fmt.Errorf("listing network interfaces: %w", err)
	}
	var ifaces []NetworkInterface
	for _, mac := range strings.Split(strings.TrimSpace(string(body)), "\n") {
		mac = strings.TrimSuffix(strings.TrimSpace(mac), "/")
		if mac == "" {
			continue
		}
		ifaces = append(ifaces, NetworkInterface{MAC: mac, Primary: len(ifaces) == 0})
	}
	return ifaces, nil
}

// UserData fetches the raw user-data document. A missing document (404) is
// reported as (nil, nil), per spec.md §4.A.
func (c *Client) UserData(ctx context.Context) ([]byte, error) {
	body, err := c.get(ctx, "/latest/user-data")
	if errors.Is(err, ErrAbsent) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching user-data: %w", err)
	}
	return body, nil
}

// IAMRole returns the name of the attached instance profile's role, or
// ("", nil) if none is attached, per spec.md §4.A ("absence of an instance
// profile is not an error unless a cloud call is actually required").
func (c *Client) IAMRole(ctx context.Context) (string, error) {
	body, err := c.get(ctx, "/latest/meta-data/iam/security-credentials/")
	if errors.Is(err, ErrAbsent) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("fetching iam role: %w", err)
	}
	role := strings.TrimSpace(string(body))
	role = strings.Split(role, "\n")[0]
	return role, nil
}

// IAMCredentialsFor fetches temporary credentials for the named role.
func (c *Client) IAMCredentialsFor(ctx context.Context, role string) (*IAMCredentials, error) {
	body, err := c.get(ctx, "/latest/meta-data/iam/security-credentials/"+role)
	if err != nil {
		return nil, fmt.Errorf("fetching credentials for role %s: %w", role, err)
	}
	var creds IAMCredentials
	if err := json.Unmarshal(body, &creds); err != nil {
		return nil, fmt.Errorf("parsing credentials for role %s: %w", role, err)
	}
	return &creds, nil
}

// SpotTermination polls the spot instance-action endpoint. A 404 (no
// pending action) is reported as ("", nil).
func (c *Client) SpotTermination(ctx context.Context) (string, error) {
	body, err := c.get(ctx, "/latest/meta-data/spot/instance-action")
	if errors.Is(err, ErrAbsent) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("polling spot termination: %w", err)
	}
	return string(body), nil
}

// PublicKeys lists the SSH public keys supplied at launch, keyed by their
// metadata-service index/name.
func (c *Client) PublicKeys(ctx context.Context) ([]string, error) {
	body, err := c.get(ctx, "/latest/meta-data/public-keys/")
	if errors.Is(err, ErrAbsent) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing public keys: %w", err)
	}

	var keys []string
	for _, line := range utils.SplitLines(string(body)) {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		idx := strings.SplitN(line, "=", 2)[0]
		keyBody, err := c.get(ctx, "/latest/meta-data/public-keys/"+idx+"/openssh-key")
		if err != nil {
			continue
		}
		keys = append(keys, strings.TrimSpace(string(keyBody)))
	}
	return keys, nil
}
