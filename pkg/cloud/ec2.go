package cloud

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/duffcloud/vminit/pkg/ezerrors"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

const ec2APIVersion = "2016-11-15"

// BlockStore is the block-store (EC2 volumes) client of spec.md §4.B.
type BlockStore struct {
	signer   *signer
	endpoint string
	log      *logrus.Entry
}

func newBlockStore(s *signer, endpoint string, log *logrus.Entry) *BlockStore {
	return &BlockStore{signer: s, endpoint: endpoint, log: log}
}

// VolumeAttachment is one volume->instance attachment, as reported by
// DescribeVolumes or returned by AttachVolume.
type VolumeAttachment struct {
	VolumeID   string
	InstanceID string
	Device     string
	State      string // attaching, attached, detaching, detached
}

// VolumeDescription is a single described volume.
type VolumeDescription struct {
	VolumeID         string
	State            string // creating, available, in-use, deleting, deleted, error
	AvailabilityZone string
	Attachments      []VolumeAttachment
}

type ec2DescribeVolumesResponse struct {
	XMLName xml.Name            `xml:"DescribeVolumesResponse"`
	VolumeSet struct {
		Items []ec2Volume `xml:"item"`
	} `xml:"volumeSet"`
}

type ec2Volume struct {
	VolumeID         string `xml:"volumeId"`
	Status           string `xml:"status"`
	AvailabilityZone string `xml:"availabilityZone"`
	AttachmentSet    struct {
		Items []ec2Attachment `xml:"item"`
	} `xml:"attachmentSet"`
}

type ec2Attachment struct {
	VolumeID   string `xml:"volumeId"`
	InstanceID string `xml:"instanceId"`
	Device     string `xml:"device"`
	Status     string `xml:"status"`
}

type ec2AttachVolumeResponse struct {
	XMLName    xml.Name `xml:"AttachVolumeResponse"`
	VolumeID   string   `xml:"volumeId"`
	InstanceID string   `xml:"instanceId"`
	Device     string   `xml:"device"`
	Status     string   `xml:"status"`
}

// DescribeVolumes lists volumes matching the given EC2-style filter set
// (filter name -> values).
func (b *BlockStore) DescribeVolumes(ctx context.Context, filters map[string][]string) ([]VolumeDescription, error) {
	form := url.Values{}
	form.Set("Action", "DescribeVolumes")
	form.Set("Version", ec2APIVersion)

	names := lo.Keys(filters)
	sort.Strings(names)
	for i, name := range names {
		form.Set(fmt.Sprintf("Filter.%d.Name", i+1), name)
		for j, value := range filters[name] {
			form.Set(fmt.Sprintf("Filter.%d.Value.%d", i+1, j+1), value)
		}
	}

	body := []byte(form.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint+"/", strings.NewReader(string(body)))
	if err != nil {
		return nil, ezerrors.Cloud("volumes", ezerrors.CloudTransport, "", "building DescribeVolumes request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.signer.do(ctx, "ec2", "volumes:describe", req, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ezerrors.Cloud("volumes", ezerrors.CloudTransport, "", "reading DescribeVolumes response", err)
	}

	var parsed ec2DescribeVolumesResponse
	if err := xml.Unmarshal(respBody, &parsed); err != nil {
		return nil, ezerrors.Cloud("volumes", ezerrors.CloudService, "", "parsing DescribeVolumes response", err)
	}

	volumes := make([]VolumeDescription, 0, len(parsed.VolumeSet.Items))
	for _, v := range parsed.VolumeSet.Items {
		vd := VolumeDescription{
			VolumeID:         v.VolumeID,
			State:            v.Status,
			AvailabilityZone: v.AvailabilityZone,
		}
		for _, a := range v.AttachmentSet.Items {
			vd.Attachments = append(vd.Attachments, VolumeAttachment{
				VolumeID:   a.VolumeID,
				InstanceID: a.InstanceID,
				Device:     a.Device,
				State:      a.Status,
			})
		}
		volumes = append(volumes, vd)
	}

	// Tie-break: lowest volume-id lexicographically (spec.md §4.B).
	sort.Slice(volumes, func(i, j int) bool { return volumes[i].VolumeID < volumes[j].VolumeID })
	return volumes, nil
}

// AttachVolume attaches volumeID to instanceID at device, returning the
// resulting attachment state.
func (b *BlockStore) AttachVolume(ctx context.Context, volumeID, instanceID, device string) (VolumeAttachment, error) {
	form := url.Values{}
	form.Set("Action", "AttachVolume")
	form.Set("Version", ec2APIVersion)
	form.Set("VolumeId", volumeID)
	form.Set("InstanceId", instanceID)
	form.Set("Device", device)

	body := []byte(form.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint+"/", strings.NewReader(string(body)))
	if err != nil {
		return VolumeAttachment{}, ezerrors.Cloud("volumes", ezerrors.CloudTransport, volumeID, "building AttachVolume request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.signer.do(ctx, "ec2", "volumes:attach", req, body)
	if err != nil {
		return VolumeAttachment{}, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return VolumeAttachment{}, ezerrors.Cloud("volumes", ezerrors.CloudTransport, volumeID, "reading AttachVolume response", err)
	}

	var parsed ec2AttachVolumeResponse
	if err := xml.Unmarshal(respBody, &parsed); err != nil {
		return VolumeAttachment{}, ezerrors.Cloud("volumes", ezerrors.CloudService, volumeID, "parsing AttachVolume response", err)
	}

	return VolumeAttachment{
		VolumeID:   parsed.VolumeID,
		InstanceID: parsed.InstanceID,
		Device:     parsed.Device,
		State:      parsed.Status,
	}, nil
}

// EnsureAttached implements spec.md §4.B's idempotent attach algorithm:
// filter by tags (and, if az is non-empty, availability zone), select the
// first matching volume that is already attached to this instance at this
// device or is available, attach if needed, then poll until attached or
// deadline elapses.
func (b *BlockStore) EnsureAttached(ctx context.Context, tagFilters map[string]string, az, instanceID, device string) (VolumeAttachment, error) {
	filters := map[string][]string{}
	for k, v := range tagFilters {
		filters["tag:"+k] = []string{v}
	}
	if az != "" {
		filters["availability-zone"] = []string{az}
	}

	volumes, err := b.DescribeVolumes(ctx, filters)
	if err != nil {
		return VolumeAttachment{}, err
	}
	if len(volumes) == 0 {
		return VolumeAttachment{}, ezerrors.Storage("volumes", fmt.Sprintf("%v", tagFilters), "no volume matched the given tag filters", nil)
	}

	selected, ok := lo.Find(volumes, func(v VolumeDescription) bool {
		if v.State == "available" {
			return true
		}
		if v.State == "in-use" {
			_, attachedHere := lo.Find(v.Attachments, func(a VolumeAttachment) bool {
				return a.InstanceID == instanceID && a.Device == device
			})
			return attachedHere
		}
		return false
	})
	if !ok {
		return VolumeAttachment{}, ezerrors.Storage("volumes", fmt.Sprintf("%v", tagFilters), "no matching volume is available or already attached to this instance", nil)
	}

	existing, alreadyAttached := lo.Find(selected.Attachments, func(a VolumeAttachment) bool {
		return a.InstanceID == instanceID && a.Device == device && a.State == "attached"
	})
	if alreadyAttached {
		return existing, nil
	}

	if selected.State == "available" {
		if _, err := b.AttachVolume(ctx, selected.VolumeID, instanceID, device); err != nil {
			return VolumeAttachment{}, err
		}
	}

	return b.pollAttached(ctx, selected.VolumeID, instanceID, device)
}

func (b *BlockStore) pollAttached(ctx context.Context, volumeID, instanceID, device string) (VolumeAttachment, error) {
	deadline := time.Now().Add(2 * time.Minute)
	for {
		volumes, err := b.DescribeVolumes(ctx, map[string][]string{"volume-id": {volumeID}})
		if err != nil {
			return VolumeAttachment{}, err
		}
		if len(volumes) == 1 {
			att, found := lo.Find(volumes[0].Attachments, func(a VolumeAttachment) bool {
				return a.InstanceID == instanceID && a.Device == device
			})
			if found && att.State == "attached" {
				return att, nil
			}
		}
		if time.Now().After(deadline) {
			return VolumeAttachment{}, ezerrors.Storage("volumes", volumeID, "timed out waiting for volume to attach", nil)
		}
		select {
		case <-ctx.Done():
			return VolumeAttachment{}, ezerrors.Storage("volumes", volumeID, "context canceled waiting for volume to attach", ctx.Err())
		case <-time.After(2 * time.Second):
		}
	}
}
