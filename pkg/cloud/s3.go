package cloud

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/duffcloud/vminit/pkg/ezerrors"
	"github.com/google/uuid"
)

// objectDownloadConcurrency bounds the fan-out used by GetPrefix, per
// spec.md §5 ("small fan-outs are permitted... with a bounded concurrency").
const objectDownloadConcurrency = 4

// ObjectStore is the object-store (S3) client of spec.md §4.B.
type ObjectStore struct {
	signer *signer
	region string

	// endpointOverride replaces the virtual-hosted-style endpoint when set,
	// for pointing the client at an httptest.Server in tests.
	endpointOverride string
}

func newObjectStore(s *signer, region string) *ObjectStore {
	return &ObjectStore{signer: s, region: region}
}

func (o *ObjectStore) bucketEndpoint(bucket string) string {
	if o.endpointOverride != "" {
		return o.endpointOverride
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", bucket, o.region)
}

// ObjectInfo is one listed object.
type ObjectInfo struct {
	Key  string
	Size int64
}

// GetObject downloads a single object's body.
func (o *ObjectStore) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.bucketEndpoint(bucket)+"/"+strings.TrimPrefix(key, "/"), nil)
	if err != nil {
		return nil, ezerrors.Cloud("object-store", ezerrors.CloudTransport, bucket+"/"+key, "building GetObject request", err)
	}

	resp, err := o.signer.do(ctx, "s3", "object-store:get", req, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ezerrors.Cloud("object-store", ezerrors.CloudTransport, bucket+"/"+key, "reading GetObject response", err)
	}
	return body, nil
}

type s3ListBucketResult struct {
	XMLName    xml.Name `xml:"ListBucketResult"`
	Contents   []struct {
		Key  string `xml:"Key"`
		Size int64  `xml:"Size"`
	} `xml:"Contents"`
	IsTruncated   bool   `xml:"IsTruncated"`
	NextContinue  string `xml:"NextContinuationToken"`
}

// ListObjects lists every object under prefix, handling pagination.
func (o *ObjectStore) ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	continuationToken := ""

	for {
		q := url.Values{}
		q.Set("list-type", "2")
		q.Set("prefix", prefix)
		if continuationToken != "" {
			q.Set("continuation-token", continuationToken)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.bucketEndpoint(bucket)+"/?"+q.Encode(), nil)
		if err != nil {
			return nil, ezerrors.Cloud("object-store", ezerrors.CloudTransport, bucket+"/"+prefix, "building ListObjects request", err)
		}

		resp, err := o.signer.do(ctx, "s3", "object-store:list", req, nil)
		if err != nil {
			return nil, err
		}
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, ezerrors.Cloud("object-store", ezerrors.CloudTransport, bucket+"/"+prefix, "reading ListObjects response", readErr)
		}

		var parsed s3ListBucketResult
		if err := xml.Unmarshal(body, &parsed); err != nil {
			return nil, ezerrors.Cloud("object-store", ezerrors.CloudService, bucket+"/"+prefix, "parsing ListObjects response", err)
		}
		for _, c := range parsed.Contents {
			out = append(out, ObjectInfo{Key: c.Key, Size: c.Size})
		}

		if !parsed.IsTruncated {
			break
		}
		continuationToken = parsed.NextContinue
	}

	return out, nil
}

// GetPrefix downloads every object under prefix into destDir, preserving
// the path suffix relative to prefix, with objectDownloadConcurrency
// parallel downloads. Each file is written atomically: a sibling temp path
// is renamed into place once fully written.
func (o *ObjectStore) GetPrefix(ctx context.Context, bucket, prefix, destDir string) error {
	objects, err := o.ListObjects(ctx, bucket, prefix)
	if err != nil {
		return err
	}

	sem := make(chan struct{}, objectDownloadConcurrency)
	var wg sync.WaitGroup
	errCh := make(chan error, len(objects))

	for _, obj := range objects {
		obj := obj
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			body, err := o.GetObject(ctx, bucket, obj.Key)
			if err != nil {
				errCh <- fmt.Errorf("downloading %s: %w", obj.Key, err)
				return
			}

			rel := strings.TrimPrefix(obj.Key, prefix)
			dest := filepath.Join(destDir, rel)
			if err := writeFileAtomically(dest, body, 0o644); err != nil {
				errCh <- fmt.Errorf("writing %s: %w", dest, err)
			}
		}()
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		return ezerrors.Storage("object-store", bucket+"/"+prefix, "downloading prefix", err)
	}
	return nil
}

// writeFileAtomically writes data to a sibling temp file (suffixed with a
// uuid to avoid collisions between concurrent downloads in the same
// directory) then renames it into place.
func writeFileAtomically(dest string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	tmp := dest + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return err
	}
	return os.Rename(tmp, dest)
}
