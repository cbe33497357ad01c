package cloud

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/duffcloud/vminit/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestObjectStore(t *testing.T, handler http.HandlerFunc) *ObjectStore {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	t.Setenv("EASYTO_ACCESS_KEY_ID", "AKIDEXAMPLE")
	t.Setenv("EASYTO_SECRET_ACCESS_KEY", "secret")

	s := newSigner(NewEnvCredentialProvider(), "us-east-1", log.Discard())
	o := newObjectStore(s, "us-east-1")
	o.endpointOverride = srv.URL
	return o
}

func TestGetPrefixWritesFilesAtomicallyUnderDestDir(t *testing.T) {
	listed := false

	store := newTestObjectStore(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Query().Get("list-type") == "2" && !listed:
			listed = true
			w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult>
  <Contents><Key>config/a.txt</Key><Size>3</Size></Contents>
  <Contents><Key>config/b.txt</Key><Size>3</Size></Contents>
  <IsTruncated>false</IsTruncated>
</ListBucketResult>`))
		default:
			key := r.URL.Path
			fmt.Fprintf(w, "data-%s", filepath.Base(key))
		}
	})

	destDir := t.TempDir()
	err := store.GetPrefix(context.Background(), "mybucket", "config/", destDir)
	require.NoError(t, err)

	a, err := os.ReadFile(filepath.Join(destDir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "data-a.txt", string(a))

	b, err := os.ReadFile(filepath.Join(destDir, "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "data-b.txt", string(b))
}

func TestListObjectsFollowsPagination(t *testing.T) {
	calls := 0
	store := newTestObjectStore(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult>
  <Contents><Key>config/a.txt</Key><Size>1</Size></Contents>
  <IsTruncated>true</IsTruncated>
  <NextContinuationToken>tok-2</NextContinuationToken>
</ListBucketResult>`))
			return
		}
		assert.Equal(t, "tok-2", r.URL.Query().Get("continuation-token"))
		w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult>
  <Contents><Key>config/b.txt</Key><Size>1</Size></Contents>
  <IsTruncated>false</IsTruncated>
</ListBucketResult>`))
	})

	objects, err := store.ListObjects(context.Background(), "mybucket", "config/")
	require.NoError(t, err)
	require.Len(t, objects, 2)
	assert.Equal(t, "config/a.txt", objects[0].Key)
	assert.Equal(t, "config/b.txt", objects[1].Key)
	assert.Equal(t, 2, calls)
}
