package cloud

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/duffcloud/vminit/pkg/ezerrors"
	"github.com/sirupsen/logrus"
)

// signedRequestTimeout bounds a single signed HTTP call, per spec.md §5
// ("Every cloud call has a per-call timeout").
const signedRequestTimeout = 10 * time.Second

// maxTotalRetryTime bounds the jittered-backoff retry loop for throttled and
// transport errors, per spec.md §4.B.
const maxTotalRetryTime = 30 * time.Second

// signer issues SigV4-signed HTTP requests for one Facade client, with its
// own http.Client and the credential provider it was built with (the Facade
// passes the same provider to every signer). It intentionally does not wrap
// a generated SDK client:
// each caller builds the minimal request its operation needs (spec.md's
// non-goal "does not re-implement the cloud provider SDK at protocol
// depth").
type signer struct {
	http    *http.Client
	creds   CredentialProvider
	signer  *v4.Signer
	region  string
	log     *logrus.Entry
}

func newSigner(creds CredentialProvider, region string, log *logrus.Entry) *signer {
	return &signer{
		http:   &http.Client{Timeout: signedRequestTimeout},
		creds:  creds,
		signer: v4.NewSigner(),
		region: region,
		log:    log,
	}
}

// do signs req for the given AWS service and issues it, retrying throttled
// and transport failures with jittered backoff up to maxTotalRetryTime, per
// spec.md §4.B.
func (s *signer) do(ctx context.Context, service, stage string, req *http.Request, body []byte) (*http.Response, error) {
	deadline := time.Now().Add(maxTotalRetryTime)
	attempt := 0

	for {
		attempt++
		resp, err := s.signAndSend(ctx, service, req, body)
		if err == nil {
			return resp, nil
		}

		if !ezerrors.Retryable(err) || time.Now().After(deadline) {
			return nil, err
		}

		backoff := time.Duration(100*attempt) * time.Millisecond
		jitter := time.Duration(rand.Int63n(int64(backoff)))
		s.log.WithError(err).WithField("stage", stage).Debug("retrying cloud call")

		select {
		case <-ctx.Done():
			return nil, ezerrors.Cloud(stage, ezerrors.CloudTransport, "", "context canceled during retry", ctx.Err())
		case <-time.After(backoff + jitter):
		}
	}
}

func (s *signer) signAndSend(ctx context.Context, service string, req *http.Request, body []byte) (*http.Response, error) {
	creds, err := s.creds.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	hash := sha256.Sum256(body)
	payloadHash := hex.EncodeToString(hash[:])

	if len(body) > 0 {
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.ContentLength = int64(len(body))
	}

	if err := s.signer.SignHTTP(ctx, creds.toAWS(), req, payloadHash, service, s.region, time.Now()); err != nil {
		return nil, ezerrors.Cloud(service, ezerrors.CloudAuth, "", "signing request", err)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, ezerrors.Cloud(service, ezerrors.CloudTransport, req.URL.Path, "sending request", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp, nil
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, ezerrors.Cloud(service, ezerrors.CloudNotFound, req.URL.Path, "not found", nil)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		s.creds.MarkStale()
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, ezerrors.Cloud(service, ezerrors.CloudAuth, req.URL.Path, fmt.Sprintf("auth error: %s", string(body)), nil)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 509:
		resp.Body.Close()
		return nil, ezerrors.Cloud(service, ezerrors.CloudThrottled, req.URL.Path, "throttled", nil)
	case resp.StatusCode >= 500:
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, ezerrors.Cloud(service, ezerrors.CloudTransport, req.URL.Path, fmt.Sprintf("service error: %s", string(body)), nil)
	default:
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, ezerrors.Cloud(service, ezerrors.CloudService, req.URL.Path, fmt.Sprintf("status %d: %s", resp.StatusCode, string(body)), nil)
	}
}
