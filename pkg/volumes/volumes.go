// Package volumes realizes the declared volumes of a boot's user-data:
// attaching and mounting EBS block devices, and materializing object-store,
// parameter-store and secrets-store volumes as files.
package volumes

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/duffcloud/vminit/pkg/cloud"
	"github.com/duffcloud/vminit/pkg/ezerrors"
	"github.com/duffcloud/vminit/pkg/spec"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Realize materializes every declared volume in order, per spec.md §4.F.
// optional sources that resolve to not-found are logged as a warning and
// skipped rather than treated as fatal.
func Realize(ctx context.Context, volumes []spec.Volume, facade *cloud.Facade, az, instanceID string, log *logrus.Entry) error {
	for _, v := range volumes {
		var err error
		switch {
		case v.EBS != nil:
			err = realizeEBS(ctx, v.EBS, facade, az, instanceID)
		case v.S3 != nil:
			err = realizeS3(ctx, v.S3, facade)
		case v.SSM != nil:
			err = realizeSSM(ctx, v.SSM, facade)
		case v.SecretsManager != nil:
			err = realizeSecretsManager(ctx, v.SecretsManager, facade)
		default:
			continue
		}

		if err == nil {
			continue
		}
		if optionalSource(v) && ezerrors.NotFound(err) {
			log.WithField("mount-path", v.MountPath()).Warn("optional volume source not found, skipping")
			continue
		}
		return err
	}
	return nil
}

func optionalSource(v spec.Volume) bool {
	switch {
	case v.S3 != nil:
		return v.S3.Optional
	case v.SSM != nil:
		return v.SSM.Optional
	case v.SecretsManager != nil:
		return v.SecretsManager.Optional
	default:
		return false
	}
}

func realizeEBS(ctx context.Context, vol *spec.EBSVolume, facade *cloud.Facade, az, instanceID string) error {
	att, err := facade.BlockStore().EnsureAttached(ctx, vol.TagFilters, az, instanceID, vol.Device)
	if err != nil {
		return err
	}

	devicePath, err := resolveBlockDevice(vol.Device)
	if err != nil {
		return ezerrors.Storage("volumes:ebs", att.VolumeID, "resolving attached block device", err)
	}

	if alreadyMounted(devicePath, vol.MountPath) {
		return nil
	}

	if vol.MakeFS {
		hasFS, err := hasFilesystemSignature(devicePath)
		if err != nil {
			return ezerrors.Storage("volumes:ebs", att.VolumeID, "probing filesystem signature", err)
		}
		if !hasFS {
			if err := formatDevice(devicePath, vol.FSType); err != nil {
				return ezerrors.Storage("volumes:ebs", att.VolumeID, "formatting device", err)
			}
		}
	}

	if err := os.MkdirAll(vol.MountPath, 0o755); err != nil {
		return ezerrors.Storage("volumes:ebs", att.VolumeID, "creating mount point", err)
	}

	if err := mountDevice(devicePath, vol.MountPath, vol.FSType, vol.MountOptions); err != nil {
		return ezerrors.Storage("volumes:ebs", att.VolumeID, "mounting device", err)
	}
	return nil
}

// resolveBlockDevice walks the block-device namespace looking for the
// cloud-assigned device name, falling back to the NVMe vendor-identify
// page when the device has been renamed to an nvme namespace device.
func resolveBlockDevice(cloudDevice string) (string, error) {
	base := filepath.Base(cloudDevice)
	direct := "/dev/" + base
	if _, err := os.Stat(direct); err == nil {
		return direct, nil
	}

	entries, err := os.ReadDir("/dev")
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "nvme") || strings.Contains(e.Name(), "p") {
			continue
		}
		devicePath := "/dev/" + e.Name()
		name, err := identifyDeviceName(devicePath)
		if err != nil {
			continue
		}
		if name == base || strings.HasSuffix(name, base) {
			return devicePath, nil
		}
	}
	return "", fmt.Errorf("no block device found matching %s", cloudDevice)
}

func alreadyMounted(devicePath, mountPath string) bool {
	return isMountedAccordingTo("/proc/mounts", devicePath, mountPath)
}

func isMountedAccordingTo(mountsFile, devicePath, mountPath string) bool {
	data, err := os.ReadFile(mountsFile)
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		if fields[0] == devicePath && fields[1] == mountPath {
			return true
		}
	}
	return false
}

func hasFilesystemSignature(devicePath string) (bool, error) {
	out, err := exec.Command("blkid", "-o", "value", "-s", "TYPE", devicePath).Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 2 {
			return false, nil // blkid exits 2 when no signature was found
		}
		return false, err
	}
	return len(strings.TrimSpace(string(out))) > 0, nil
}

func formatDevice(devicePath, fstype string) error {
	formatter := "mkfs." + fstype
	return exec.Command(formatter, devicePath).Run()
}

func mountDevice(devicePath, mountPath, fstype, options string) error {
	args := []string{devicePath, mountPath}
	if fstype != "" {
		args = append([]string{"-t", fstype}, args...)
	}
	if options != "" {
		args = append(args, "-o", options)
	}
	return exec.Command("mount", args...).Run()
}

func realizeS3(ctx context.Context, vol *spec.S3Volume, facade *cloud.Facade) error {
	store := facade.ObjectStore()
	if strings.HasSuffix(vol.KeyOrPrefix, "/") {
		if err := os.MkdirAll(vol.MountPath, 0o755); err != nil {
			return ezerrors.Storage("volumes:s3", vol.Bucket+"/"+vol.KeyOrPrefix, "creating mount dir", err)
		}
		return store.GetPrefix(ctx, vol.Bucket, vol.KeyOrPrefix, vol.MountPath)
	}

	body, err := store.GetObject(ctx, vol.Bucket, vol.KeyOrPrefix)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(vol.MountPath), 0o755); err != nil {
		return ezerrors.Storage("volumes:s3", vol.Bucket+"/"+vol.KeyOrPrefix, "creating parent dir", err)
	}
	tmp := vol.MountPath + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, vol.MountPath)
}

func realizeSSM(ctx context.Context, vol *spec.SSMVolume, facade *cloud.Facade) error {
	params, err := facade.ParameterStore().GetParametersByPath(ctx, vol.Path, true, true)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(vol.MountPath, 0o755); err != nil {
		return ezerrors.Storage("volumes:ssm", vol.Path, "creating mount dir", err)
	}
	for _, p := range params {
		name := cloud.RelativeName(p.Name, vol.Path)
		dest := filepath.Join(vol.MountPath, name)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return ezerrors.Storage("volumes:ssm", p.Name, "creating parameter file directory", err)
		}
		if err := os.WriteFile(dest, []byte(p.Value), 0o400); err != nil {
			return ezerrors.Storage("volumes:ssm", p.Name, "writing parameter file", err)
		}
	}
	return nil
}

func realizeSecretsManager(ctx context.Context, vol *spec.SecretsManagerVolume, facade *cloud.Facade) error {
	payload, err := facade.SecretsStore().GetSecret(ctx, vol.Name)
	if err != nil {
		return err
	}

	var asObject map[string]string
	if json.Unmarshal(payload, &asObject) == nil && len(asObject) > 0 {
		if err := os.MkdirAll(vol.MountPath, 0o755); err != nil {
			return ezerrors.Storage("volumes:secrets-manager", vol.Name, "creating mount dir", err)
		}
		for member, value := range asObject {
			dest := filepath.Join(vol.MountPath, member)
			if err := os.WriteFile(dest, []byte(value), 0o400); err != nil {
				return ezerrors.Storage("volumes:secrets-manager", vol.Name, "writing secret member file", err)
			}
		}
		return nil
	}

	parts := strings.Split(vol.Name, "/")
	fileName := parts[len(parts)-1]
	if err := os.MkdirAll(vol.MountPath, 0o755); err != nil {
		return ezerrors.Storage("volumes:secrets-manager", vol.Name, "creating mount dir", err)
	}
	return os.WriteFile(filepath.Join(vol.MountPath, fileName), payload, 0o400)
}
