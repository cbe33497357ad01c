// Package fsinit brings up the pseudo-filesystems, kernel modules and
// sysctls every boot needs before any volume or workload can be realized,
// and creates the easyto directory skeleton.
package fsinit

import (
	"os"
	"os/exec"
	"path/filepath"

	"github.com/duffcloud/vminit/pkg/ezerrors"
	"github.com/moby/sys/mount"
	"github.com/sirupsen/logrus"
)

// EasytoPrivateDir is the fixed private run directory mounted as its own
// tmpfs, used for state this binary owns exclusively (lease files, service
// bookkeeping).
const EasytoPrivateDir = "/.easyto/run"

// mountPoint is one pseudo-filesystem mount performed, in order, by Bringup.
type mountPoint struct {
	target string
	source string
	fstype string
	data   string
}

// mounts is the fixed, ordered mount table of spec.md §4.E.
var mounts = []mountPoint{
	{target: "/proc", source: "proc", fstype: "proc", data: "nodev,nosuid,hidepid=2"},
	{target: "/sys", source: "sysfs", fstype: "sysfs", data: "nodev,nosuid,noexec"},
	{target: "/dev", source: "devtmpfs", fstype: "devtmpfs", data: "mode=0755"},
	{target: "/dev/pts", source: "devpts", fstype: "devpts", data: "gid=5,mode=620,ptmxmode=666"},
	{target: "/dev/shm", source: "tmpfs", fstype: "tmpfs", data: "mode=1777"},
	{target: "/run", source: "tmpfs", fstype: "tmpfs", data: "mode=0755"},
	{target: EasytoPrivateDir, source: "tmpfs", fstype: "tmpfs", data: "mode=0700"},
}

// kernelModules is the fixed best-effort module list of spec.md §4.E.
// Missing modules are common on minimal kernels and are not fatal.
var kernelModules = []string{
	"overlay",
	"br_netfilter",
	"nf_conntrack",
	"xt_conntrack",
	"ip_tables",
	"ext4",
	"xfs",
}

// sysctls is the fixed sysctl set applied after mounts, per spec.md §4.E.
var sysctls = map[string]string{
	"net.ipv4.ip_forward":          "1",
	"net.ipv4.conf.all.forwarding": "1",
	"net.ipv6.conf.all.forwarding": "1",
	"kernel.panic":                 "10",
	"kernel.panic_on_oops":         "1",
	"vm.swappiness":                "0",
}

// skeletonDirs is the easyto on-disk layout, created if absent.
var skeletonDirs = []string{
	"/.easyto/bin",
	"/.easyto/etc/ssh",
	"/.easyto/run",
	"/.easyto/volumes",
}

// Bringup mounts the pseudo-filesystems, loads kernel modules (best-effort),
// applies sysctls, and creates the easyto directory skeleton. Order matches
// spec.md §4.E exactly: modules and sysctls depend on /proc and /sys being
// mounted first.
func Bringup(log *logrus.Entry) error {
	for _, m := range mounts {
		if err := os.MkdirAll(m.target, 0o755); err != nil {
			return ezerrors.Storage("fsinit", m.target, "creating mount point", err)
		}
		if err := mount.Mount(m.source, m.target, m.fstype, m.data); err != nil {
			return ezerrors.Storage("fsinit", m.target, "mounting", err)
		}
	}

	for _, mod := range kernelModules {
		if err := loadModule(mod); err != nil {
			log.WithError(err).WithField("module", mod).Debug("kernel module unavailable, skipping")
		}
	}

	for key, value := range sysctls {
		if err := applySysctl(key, value); err != nil {
			log.WithError(err).WithField("sysctl", key).Debug("sysctl unavailable, skipping")
		}
	}

	for _, dir := range skeletonDirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return ezerrors.Storage("fsinit", dir, "creating skeleton dir", err)
		}
	}

	return nil
}

func loadModule(name string) error {
	return exec.Command("modprobe", name).Run()
}

func applySysctl(key, value string) error {
	path := sysctlPath(key)
	return os.WriteFile(path, []byte(value), 0o644)
}

func sysctlPath(key string) string {
	return filepath.Join("/proc/sys", filepath.FromSlash(dotsToSlashes(key)))
}

func dotsToSlashes(key string) string {
	out := make([]byte, len(key))
	for i := 0; i < len(key); i++ {
		if key[i] == '.' {
			out[i] = '/'
		} else {
			out[i] = key[i]
		}
	}
	return string(out)
}
