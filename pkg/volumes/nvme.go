package volumes

import (
	"fmt"
	"os"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// nvmeAdminIdentify is the NVMe admin Identify opcode.
const nvmeAdminIdentify = 0x06

// nvmeIoctlAdminCmd is NVME_IOCTL_ADMIN_CMD, a fixed ioctl number on Linux
// (_IOWR('N', 0x41, struct nvme_passthru_cmd)).
const nvmeIoctlAdminCmd = 0xC0484E41

// nvmeControllerIdentifyLen is the fixed 4096-byte Identify Controller
// response size.
const nvmeControllerIdentifyLen = 4096

// nvmeVendorDeviceNameOffset is where EC2 Nitro controllers stash the
// original device name hint (e.g. "xvdf") inside the vendor-specific region
// of the Identify Controller response.
const nvmeVendorDeviceNameOffset = 3072

// nvmePassthruCmd mirrors the Linux kernel's struct nvme_passthru_cmd.
type nvmePassthruCmd struct {
	Opcode      uint8
	Flags       uint8
	Rsvd1       uint16
	Nsid        uint32
	Cdw2        uint32
	Cdw3        uint32
	Metadata    uint64
	Addr        uint64
	MetadataLen uint32
	DataLen     uint32
	Cdw10       uint32
	Cdw11       uint32
	Cdw12       uint32
	Cdw13       uint32
	Cdw14       uint32
	Cdw15       uint32
	TimeoutMS   uint32
	Result      uint32
}

// identifyDeviceName issues the NVMe admin Identify Controller command
// against devicePath and extracts the vendor-specific original device name
// hint, the fallback used when the cloud-assigned device name (e.g.
// "/dev/xvdf") no longer exists under /dev because the kernel renamed it
// to an nvme namespace device (spec.md §4.F).
func identifyDeviceName(devicePath string) (string, error) {
	f, err := os.OpenFile(devicePath, os.O_RDONLY, 0)
	if err != nil {
		return "", err
	}
	defer f.Close()

	data := make([]byte, nvmeControllerIdentifyLen)
	cmd := nvmePassthruCmd{
		Opcode:   nvmeAdminIdentify,
		Nsid:     0,
		Addr:     uint64(uintptr(unsafe.Pointer(&data[0]))),
		DataLen:  nvmeControllerIdentifyLen,
		Cdw10:    1, // CNS=1: identify controller
		TimeoutMS: 5000,
	}

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), uintptr(nvmeIoctlAdminCmd), uintptr(unsafe.Pointer(&cmd))); errno != 0 {
		return "", fmt.Errorf("nvme identify ioctl on %s: %w", devicePath, errno)
	}

	name := string(data[nvmeVendorDeviceNameOffset : nvmeVendorDeviceNameOffset+32])
	return strings.TrimRight(name, "\x00 "), nil
}
