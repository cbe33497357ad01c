// Package boot implements the boot orchestrator of spec.md §4.J: it
// sequences every other component from metadata discovery through handoff
// to the supervisor, and is the only package that knows the full order.
package boot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/duffcloud/vminit/pkg/cloud"
	"github.com/duffcloud/vminit/pkg/envresolve"
	"github.com/duffcloud/vminit/pkg/ezerrors"
	"github.com/duffcloud/vminit/pkg/fsinit"
	"github.com/duffcloud/vminit/pkg/initscript"
	"github.com/duffcloud/vminit/pkg/log"
	"github.com/duffcloud/vminit/pkg/metadata"
	"github.com/duffcloud/vminit/pkg/network"
	"github.com/duffcloud/vminit/pkg/spec"
	"github.com/duffcloud/vminit/pkg/supervisor"
	"github.com/duffcloud/vminit/pkg/volumes"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Exit codes, per spec.md §6. Only meaningful in non-PID-1 test runs; under
// PID 1 a nonzero return panics the kernel since init died.
const (
	ExitSuccess  = 0
	ExitConfig   = 1
	ExitBootStep = 2
)

const (
	networkLeaseName   = "network-lease.json"
	spotPollInterval   = 5 * time.Second
	authorizedKeysFile = "authorized_keys"
	sshdServiceName    = "sshd"
)

// servicesDir and authorizedKeysDir are mutable (rather than const) so tests
// can point them at a temp directory instead of the real /.easyto tree.
var (
	servicesDir       = "/.easyto/services"
	authorizedKeysDir = "/.easyto/etc/ssh"
)

// Options configures a single Run. MetadataAddr, when non-empty, overrides
// the metadata service's default link-local address (the
// "vminit.metadata-addr=" kernel-cmdline token, per spec.md §6).
type Options struct {
	MetadataAddr string
	Version      string
	Commit       string
	BuildDate    string
}

// OptionsFromCmdline reads /proc/cmdline and applies the
// "vminit.metadata-addr=" override on top of the given base Options.
func OptionsFromCmdline(opts Options) Options {
	data, err := os.ReadFile("/proc/cmdline")
	if err != nil {
		return opts
	}
	for _, token := range strings.Fields(string(data)) {
		name, value, ok := strings.Cut(token, "=")
		if ok && name == "vminit.metadata-addr" {
			opts.MetadataAddr = value
		}
	}
	return opts
}

// Run executes the full boot sequence and returns a process exit code. It
// never returns at all in replace mode on success (the process image is
// gone), and never returns in supervisor mode except on shutdown.
func Run(opts Options) int {
	logger := log.NewLogger(opts.Version, opts.Commit, opts.BuildDate)
	ctx := context.Background()

	if err := fsinit.Bringup(logger); err != nil {
		return fatal(logger, "fsinit", err, ExitBootStep)
	}

	metaClient := metadata.New(opts.MetadataAddr, logger)

	ic, err := spec.LoadImageConfig(spec.DefaultImageConfigPath)
	if err != nil {
		return fatal(logger, "config", ezerrors.Config("boot", "", "loading image config", err), ExitConfig)
	}

	rawUserData, err := metaClient.UserData(ctx)
	if err != nil {
		return fatal(logger, "metadata", err, ExitBootStep)
	}

	ud, err := spec.Parse(rawUserData)
	if err != nil {
		return fatal(logger, "config", ezerrors.Config("boot", "", "parsing user-data", err), ExitConfig)
	}

	rs, err := spec.Merge(ic, ud, "", "")
	if err != nil {
		return fatal(logger, "config", ezerrors.Config("boot", "", "merging runtime spec", err), ExitConfig)
	}
	log.SetDebug(logger, rs.Debug)

	ifaces, err := metaClient.NetworkInterfaces(ctx)
	if err != nil {
		return fatal(logger, "network", err, ExitBootStep)
	}
	leaseFilePath := filepath.Join(fsinit.EasytoPrivateDir, networkLeaseName)
	if _, err := network.Bringup(ctx, ifaces, leaseFilePath, "", logger); err != nil {
		return fatal(logger, "network", err, ExitBootStep)
	}

	idDoc, err := metaClient.IdentityDocument(ctx)
	if err != nil {
		return fatal(logger, "cloud", err, ExitBootStep)
	}
	facade := cloud.New(selectCredentialProvider(metaClient), idDoc.Region, logger, rs.Debug)

	if err := volumes.Realize(ctx, rs.Volumes, facade, idDoc.AvailabilityZone, idDoc.InstanceID, logger); err != nil {
		return fatal(logger, "volumes", err, ExitBootStep)
	}

	if err := installAuthorizedKeys(ctx, metaClient, rs.DisableServices, logger); err != nil {
		logger.WithError(err).Warn("failed to install ssh authorized keys")
	}

	env, err := envresolve.Build(ctx, rs.Env, rs.EnvFrom, facade)
	if err != nil {
		return fatal(logger, "envresolve", err, ExitBootStep)
	}

	if err := initscript.Run(ctx, rs.InitScripts, env, rs.WorkingDir, logger); err != nil {
		return fatal(logger, "initscript", err, ExitBootStep)
	}

	workload := supervisor.ProcessSpec{
		Name:       "workload",
		Command:    append(append([]string{}, rs.Command...), rs.Args...),
		Env:        env,
		WorkingDir: rs.WorkingDir,
		Identity:   toSupervisorIdentity(rs.Identity),
	}

	if rs.ReplaceInit {
		if err := supervisor.Replace(workload); err != nil {
			return fatal(logger, "supervisor", err, ExitBootStep)
		}
		return ExitSuccess // unreachable on success
	}

	services, err := discoverServices(rs.DisableServices)
	if err != nil {
		return fatal(logger, "supervisor", err, ExitBootStep)
	}

	sup := supervisor.New(rs.ShutdownGracePeriod, ebsMountPaths(rs.Volumes), rebootOnShutdown(logger), rs.Debug, logger)

	spotCtx, cancelSpot := context.WithCancel(ctx)
	defer cancelSpot()
	go pollSpotTermination(spotCtx, metaClient, logger)

	if err := sup.Run(ctx, workload, services); err != nil {
		return fatal(logger, "supervisor", err, ExitBootStep)
	}
	return ExitSuccess
}

func fatal(logger *logrus.Entry, stage string, err error, code int) int {
	logger.WithError(ezerrors.Wrap(err)).WithField("stage", stage).Error("fatal boot error")
	return code
}

func selectCredentialProvider(c *metadata.Client) cloud.CredentialProvider {
	if os.Getenv("EASYTO_ACCESS_KEY_ID") != "" {
		return cloud.NewEnvCredentialProvider()
	}
	return cloud.NewIMDSCredentialProvider(c)
}

func toSupervisorIdentity(id spec.Identity) supervisor.Identity {
	groups := make([]uint32, len(id.SupplementalGIDs))
	for i, g := range id.SupplementalGIDs {
		groups[i] = uint32(g)
	}
	return supervisor.Identity{UID: uint32(id.UID), GID: uint32(id.GID), Groups: groups}
}

// ebsMountPaths returns the mount targets the supervisor must unmount in
// reverse on shutdown. Only ebs volumes are real mounts; s3/ssm/secrets
// volumes materialize plain files and have nothing to unmount.
func ebsMountPaths(vols []spec.Volume) []string {
	var out []string
	for _, v := range vols {
		if v.EBS != nil {
			out = append(out, v.EBS.MountPath)
		}
	}
	return out
}

func rebootOnShutdown(logger *logrus.Entry) func() error {
	return func() error {
		logger.Info("shutdown complete, issuing poweroff")
		if err := unix.Reboot(unix.LINUX_REBOOT_CMD_POWER_OFF); err != nil {
			return ezerrors.Shutdown("boot", "reboot syscall failed", err)
		}
		return nil
	}
}

// pollSpotTermination implements SPEC_FULL.md §5: it polls the spot
// instance-action endpoint and, on a termination notice, raises SIGTERM on
// this process so the supervisor's existing signal path drives shutdown.
func pollSpotTermination(ctx context.Context, client *metadata.Client, logger *logrus.Entry) {
	ticker := time.NewTicker(spotPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			action, err := client.SpotTermination(ctx)
			if err != nil {
				logger.WithError(err).Debug("spot termination poll failed")
				continue
			}
			if action == "" {
				continue
			}
			logger.WithField("action", action).Warn("spot termination notice received, shutting down")
			_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
			return
		}
	}
}

// installAuthorizedKeys implements SPEC_FULL.md §5's unwired
// public-keys accessor: it writes every launch-time SSH key to the sshd
// service's authorized_keys file, replacing any previous contents, when an
// sshd service descriptor exists and hasn't been disabled. Absence of either
// is not an error.
func installAuthorizedKeys(ctx context.Context, client *metadata.Client, disabled map[string]bool, logger *logrus.Entry) error {
	if disabled[sshdServiceName] {
		return nil
	}
	if _, err := os.Stat(filepath.Join(servicesDir, sshdServiceName+".json")); err != nil {
		return nil
	}

	keys, err := client.PublicKeys(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	if err := os.MkdirAll(authorizedKeysDir, 0o755); err != nil {
		return err
	}
	logger.WithField("count", len(keys)).Info("installing ssh authorized keys")
	data := strings.Join(keys, "\n") + "\n"
	return os.WriteFile(filepath.Join(authorizedKeysDir, authorizedKeysFile), []byte(data), 0o600)
}

// serviceDescriptor is the JSON shape of one file under servicesDir, per
// spec.md §4.I's "Service" glossary entry.
type serviceDescriptor struct {
	Name             string   `json:"name"`
	Path             string   `json:"path"`
	Args             []string `json:"args,omitempty"`
	User             string   `json:"user,omitempty"`
	Env              []string `json:"env,omitempty"`
	RestartPolicy    string   `json:"restart_policy"`
	EnabledByDefault bool     `json:"enabled_by_default"`
}

// discoverServices reads every descriptor under servicesDir, filters out
// disabled and not-enabled-by-default entries, and resolves each service's
// identity, per spec.md §4.I step 1.
func discoverServices(disabled map[string]bool) ([]supervisor.ProcessSpec, error) {
	entries, err := os.ReadDir(servicesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, ezerrors.Supervisor("boot", "reading services directory", err)
	}

	var specs []supervisor.ProcessSpec
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(servicesDir, e.Name()))
		if err != nil {
			return nil, ezerrors.Supervisor("boot", fmt.Sprintf("reading service descriptor %s", e.Name()), err)
		}
		var desc serviceDescriptor
		if err := json.Unmarshal(data, &desc); err != nil {
			return nil, ezerrors.Config("boot", e.Name(), "parsing service descriptor", err)
		}
		if !desc.EnabledByDefault || disabled[desc.Name] {
			continue
		}

		identity, err := spec.ResolveIdentity(desc.User, "", "")
		if err != nil {
			return nil, ezerrors.Config("boot", desc.Name, "resolving service identity", err)
		}

		restart := supervisor.RestartNever
		if desc.RestartPolicy == "on-failure" {
			restart = supervisor.RestartOnFailure
		}

		specs = append(specs, supervisor.ProcessSpec{
			Name:     desc.Name,
			Command:  append([]string{desc.Path}, desc.Args...),
			Env:      desc.Env,
			Identity: toSupervisorIdentity(identity),
			Restart:  restart,
		})
	}
	return specs, nil
}
