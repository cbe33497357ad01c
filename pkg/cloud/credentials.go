package cloud

import (
	"context"
	"fmt"
	"os"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/duffcloud/vminit/pkg/ezerrors"
	"github.com/duffcloud/vminit/pkg/metadata"
	"github.com/sasha-s/go-deadlock"
)

// Credentials is the minimal credential shape spec.md §3 calls for.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Expiry          time.Time
}

func (c Credentials) toAWS() awssdk.Credentials {
	return awssdk.Credentials{
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: c.SecretAccessKey,
		SessionToken:    c.SessionToken,
		CanExpire:       !c.Expiry.IsZero(),
		Expires:         c.Expiry,
	}
}

// refreshFloor is the minimum age a credential set must reach before an
// auth error is allowed to trigger a refresh, per spec.md §3 ("refreshed if
// an API call returns an auth error and the current credentials are older
// than a fixed floor").
const refreshFloor = 5 * time.Minute

// CredentialProvider is the trait-like capability spec.md §4.B and §9
// describe: `{fetch() -> Credentials, mark-stale()}`.
type CredentialProvider interface {
	Fetch(ctx context.Context) (Credentials, error)
	MarkStale()
}

// IMDSCredentialProvider lazily fetches role credentials from the instance
// metadata service on first use, and again whenever MarkStale has been
// called and the cached credentials are older than refreshFloor.
type IMDSCredentialProvider struct {
	mu     deadlock.Mutex
	client *metadata.Client
	role   string

	cached    Credentials
	fetchedAt time.Time
	stale     bool
}

func NewIMDSCredentialProvider(client *metadata.Client) *IMDSCredentialProvider {
	return &IMDSCredentialProvider{client: client}
}

func (p *IMDSCredentialProvider) Fetch(ctx context.Context) (Credentials, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached.AccessKeyID != "" && !p.needsRefresh() {
		return p.cached, nil
	}

	if p.role == "" {
		role, err := p.client.IAMRole(ctx)
		if err != nil {
			return Credentials{}, ezerrors.Cloud("credentials", ezerrors.CloudAuth, "", "fetching iam role", err)
		}
		if role == "" {
			return Credentials{}, ezerrors.Cloud("credentials", ezerrors.CloudAuth, "", "no instance profile attached", nil)
		}
		p.role = role
	}

	raw, err := p.client.IAMCredentialsFor(ctx, p.role)
	if err != nil {
		return Credentials{}, ezerrors.Cloud("credentials", ezerrors.CloudAuth, p.role, "fetching role credentials", err)
	}

	expiry, _ := time.Parse(time.RFC3339, raw.Expiration)
	p.cached = Credentials{
		AccessKeyID:     raw.AccessKeyID,
		SecretAccessKey: raw.SecretAccessKey,
		SessionToken:    raw.Token,
		Expiry:          expiry,
	}
	p.fetchedAt = time.Now()
	p.stale = false
	return p.cached, nil
}

func (p *IMDSCredentialProvider) needsRefresh() bool {
	if p.stale && time.Since(p.fetchedAt) > refreshFloor {
		return true
	}
	if !p.cached.Expiry.IsZero() && time.Now().After(p.cached.Expiry.Add(-refreshFloor)) {
		return true
	}
	return false
}

func (p *IMDSCredentialProvider) MarkStale() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stale = true
}

// EnvCredentialProvider reads static credentials from the process
// environment, supplementing the IMDS-only path for local and integration
// testing (SPEC_FULL.md §4.B).
type EnvCredentialProvider struct {
	mu     deadlock.Mutex
	cached *Credentials
}

func NewEnvCredentialProvider() *EnvCredentialProvider {
	return &EnvCredentialProvider{}
}

func (p *EnvCredentialProvider) Fetch(ctx context.Context) (Credentials, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached != nil {
		return *p.cached, nil
	}
	accessKey := os.Getenv("EASYTO_ACCESS_KEY_ID")
	secretKey := os.Getenv("EASYTO_SECRET_ACCESS_KEY")
	if accessKey == "" || secretKey == "" {
		return Credentials{}, ezerrors.Cloud("credentials", ezerrors.CloudAuth, "", "EASYTO_ACCESS_KEY_ID/EASYTO_SECRET_ACCESS_KEY not set", nil)
	}
	creds := Credentials{
		AccessKeyID:     accessKey,
		SecretAccessKey: secretKey,
		SessionToken:    os.Getenv("EASYTO_SESSION_TOKEN"),
	}
	p.cached = &creds
	return creds, nil
}

func (p *EnvCredentialProvider) MarkStale() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = nil
}

var _ fmt.Stringer = Credentials{}

func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{AccessKeyID: %s, expires: %s}", c.AccessKeyID, c.Expiry)
}
