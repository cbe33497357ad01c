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

func newTestBlockStore(t *testing.T, handler http.HandlerFunc) *BlockStore {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	t.Setenv("EASYTO_ACCESS_KEY_ID", "AKIDEXAMPLE")
	t.Setenv("EASYTO_SECRET_ACCESS_KEY", "secret")

	s := newSigner(NewEnvCredentialProvider(), "us-east-1", log.Discard())
	return newBlockStore(s, srv.URL, log.Discard())
}

const describeVolumesAlreadyAttachedXML = `<?xml version="1.0" encoding="UTF-8"?>
<DescribeVolumesResponse>
  <volumeSet>
    <item>
      <volumeId>vol-0001</volumeId>
      <status>in-use</status>
      <availabilityZone>us-east-1a</availabilityZone>
      <attachmentSet>
        <item>
          <volumeId>vol-0001</volumeId>
          <instanceId>i-abc</instanceId>
          <device>/dev/xvdf</device>
          <status>attached</status>
        </item>
      </attachmentSet>
    </item>
  </volumeSet>
</DescribeVolumesResponse>`

func TestEnsureAttachedIdempotentNoSecondAttachCall(t *testing.T) {
	attachCalls := 0
	bs := newTestBlockStore(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		switch r.Form.Get("Action") {
		case "DescribeVolumes":
			w.Write([]byte(describeVolumesAlreadyAttachedXML))
		case "AttachVolume":
			attachCalls++
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})

	for i := 0; i < 2; i++ {
		att, err := bs.EnsureAttached(context.Background(), map[string]string{"Name": "data"}, "us-east-1a", "i-abc", "/dev/xvdf")
		require.NoError(t, err)
		assert.Equal(t, "vol-0001", att.VolumeID)
		assert.Equal(t, "attached", att.State)
	}
	assert.Equal(t, 0, attachCalls, "already-attached volume must not trigger a second AttachVolume call")
}

const describeVolumesAvailableXML = `<?xml version="1.0" encoding="UTF-8"?>
<DescribeVolumesResponse>
  <volumeSet>
    <item>
      <volumeId>vol-0002</volumeId>
      <status>available</status>
      <availabilityZone>us-east-1a</availabilityZone>
    </item>
  </volumeSet>
</DescribeVolumesResponse>`

const attachVolumeXML = `<?xml version="1.0" encoding="UTF-8"?>
<AttachVolumeResponse>
  <volumeId>vol-0002</volumeId>
  <instanceId>i-xyz</instanceId>
  <device>/dev/xvdg</device>
  <status>attaching</status>
</AttachVolumeResponse>`

const describeVolumesAttachedXML = `<?xml version="1.0" encoding="UTF-8"?>
<DescribeVolumesResponse>
  <volumeSet>
    <item>
      <volumeId>vol-0002</volumeId>
      <status>in-use</status>
      <availabilityZone>us-east-1a</availabilityZone>
      <attachmentSet>
        <item>
          <volumeId>vol-0002</volumeId>
          <instanceId>i-xyz</instanceId>
          <device>/dev/xvdg</device>
          <status>attached</status>
        </item>
      </attachmentSet>
    </item>
  </volumeSet>
</DescribeVolumesResponse>`

func TestEnsureAttachedAttachesAvailableVolumeThenPolls(t *testing.T) {
	describeCalls := 0
	attachCalls := 0
	bs := newTestBlockStore(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		switch r.Form.Get("Action") {
		case "DescribeVolumes":
			describeCalls++
			if describeCalls == 1 {
				w.Write([]byte(describeVolumesAvailableXML))
			} else {
				w.Write([]byte(describeVolumesAttachedXML))
			}
		case "AttachVolume":
			attachCalls++
			w.Write([]byte(attachVolumeXML))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})

	att, err := bs.EnsureAttached(context.Background(), map[string]string{"Name": "data"}, "us-east-1a", "i-xyz", "/dev/xvdg")
	require.NoError(t, err)
	assert.Equal(t, "vol-0002", att.VolumeID)
	assert.Equal(t, "attached", att.State)
	assert.Equal(t, 1, attachCalls)
}
