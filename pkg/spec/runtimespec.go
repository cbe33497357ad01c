package spec

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/duffcloud/vminit/pkg/utils"
)

// Identity is the resolved user/group to run the workload (or a service) as.
type Identity struct {
	UID              int
	GID              int
	SupplementalGIDs []int
}

// RuntimeSpec is the merged workload description produced by Merge. Its
// invariants (spec.md §3): Command is non-empty, and ReplaceInit implies no
// auxiliary services remain enabled (this holds because pkg/boot neither
// discovers nor starts services when ReplaceInit is set; Merge itself does
// not check it, since service discovery is not part of this package).
type RuntimeSpec struct {
	Command             []string
	Args                []string
	WorkingDir           string
	Identity             Identity
	Env                  []EnvVar
	EnvFrom              []EnvFromSource
	Volumes              []Volume
	InitScripts          []string
	DisableServices      map[string]bool
	ShutdownGracePeriod  time.Duration
	ReplaceInit          bool
	ReadonlyRootFS       bool
	Sysctls              map[string]string
	Debug                bool
}

var envNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

const defaultShutdownGracePeriod = 10 * time.Second

// Merge applies the merge rules of spec.md §3 to produce a validated
// RuntimeSpec. passwdPath/groupPath are the on-disk databases used to
// resolve symbolic user/group names; pass "" to use the system defaults
// (/etc/passwd, /etc/group).
func Merge(ic *ImageConfig, ud *UserData, passwdPath, groupPath string) (*RuntimeSpec, error) {
	rs := &RuntimeSpec{
		DisableServices: map[string]bool{},
		Sysctls:         map[string]string{},
	}

	// command/args: user-data overrides ImageConfig wholesale when present,
	// else ImageConfig's Entrypoint+Cmd apply. A user-data command with no
	// args alongside a populated ImageConfig.Cmd is disallowed (spec.md §9
	// Open Questions: the strict interpretation is chosen deliberately).
	if len(ud.Command) > 0 {
		if len(ud.Args) == 0 && len(ic.Config.Cmd) > 0 {
			return nil, fmt.Errorf("user-data sets command without args while image config has a non-empty Cmd; this combination is disallowed")
		}
		rs.Command = append([]string{}, ud.Command...)
		rs.Args = append([]string{}, ud.Args...)
	} else {
		rs.Command = append([]string{}, ic.Config.Entrypoint...)
		rs.Args = append([]string{}, ic.Config.Cmd...)
		rs.Args = append(rs.Args, ud.Args...)
	}
	if len(rs.Command) == 0 {
		return nil, fmt.Errorf("merged runtime spec has an empty command")
	}

	// working directory: scalar field, user-data wins if present.
	rs.WorkingDir = ic.Config.WorkingDir
	if ud.WorkingDir != "" {
		rs.WorkingDir = ud.WorkingDir
	}
	if rs.WorkingDir == "" {
		rs.WorkingDir = "/"
	}

	// user identity: scalar field, user-data wins if present.
	userSpec := ic.Config.User
	if ud.User != "" {
		userSpec = ud.User
	}
	identity, err := ResolveIdentity(userSpec, passwdPath, groupPath)
	if err != nil {
		return nil, fmt.Errorf("resolving user identity %q: %w", userSpec, err)
	}
	rs.Identity = identity

	// env: list field, ImageConfig seeds then user-data appends (env-from is
	// resolved later, by pkg/envresolve, since it requires cloud calls).
	for _, kv := range ic.Config.Env {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		rs.Env = append(rs.Env, EnvVar{Name: name, Value: value})
	}
	rs.Env = append(rs.Env, ud.Env...)
	for _, e := range rs.Env {
		if !envNamePattern.MatchString(e.Name) {
			return nil, fmt.Errorf("invalid environment binding name %q", e.Name)
		}
	}

	rs.EnvFrom = ud.EnvFrom
	rs.Volumes = ud.Volumes
	for _, v := range rs.Volumes {
		mp := v.MountPath()
		if !utils.IsAbsPath(mp) {
			return nil, fmt.Errorf("volume mount-path %q must be absolute", mp)
		}
		if isPseudoMount(mp) {
			return nil, fmt.Errorf("volume mount-path %q aliases a pseudo-filesystem mount", mp)
		}
	}

	rs.InitScripts = ud.InitScripts
	for _, name := range ud.DisableServices {
		rs.DisableServices[name] = true
	}

	rs.ShutdownGracePeriod = defaultShutdownGracePeriod
	if ud.ShutdownGracePeriod != "" {
		d, err := time.ParseDuration(ud.ShutdownGracePeriod)
		if err != nil {
			return nil, fmt.Errorf("invalid shutdown-grace-period %q: %w", ud.ShutdownGracePeriod, err)
		}
		rs.ShutdownGracePeriod = d
	}

	rs.ReplaceInit = ud.ReplaceInit
	rs.ReadonlyRootFS = ud.Security.ReadonlyRootFS
	rs.Debug = ud.Debug
	for k, v := range ud.Sysctls {
		rs.Sysctls[k] = v
	}

	return rs, nil
}

var pseudoMounts = []string{"/proc", "/sys", "/dev", "/dev/pts", "/dev/shm", "/run"}

func isPseudoMount(path string) bool {
	for _, p := range pseudoMounts {
		if path == p {
			return true
		}
	}
	return false
}

// ResolveIdentity parses a "uid[:gid[,supp,...]]" or "user[:group]" spec.
// Numeric ids are used as-is; symbolic names are resolved against the
// passwd/group databases, and a missing name is a fatal ConfigError per
// spec.md §4.C. Exported for reuse by service discovery, which resolves an
// identity per descriptor outside of a RuntimeSpec merge.
func ResolveIdentity(spec, passwdPath, groupPath string) (Identity, error) {
	if spec == "" {
		return Identity{}, nil
	}

	userPart, groupPart, _ := strings.Cut(spec, ":")

	uid, err := strconv.Atoi(userPart)
	if err != nil {
		uid, err = lookupUID(userPart, passwdPath)
		if err != nil {
			return Identity{}, err
		}
	}

	gid := uid
	var supplemental []int
	if groupPart != "" {
		groupFields := strings.Split(groupPart, ",")

		gid, err = strconv.Atoi(groupFields[0])
		if err != nil {
			gid, err = lookupGID(groupFields[0], groupPath)
			if err != nil {
				return Identity{}, err
			}
		}

		for _, field := range groupFields[1:] {
			supp, err := strconv.Atoi(field)
			if err != nil {
				supp, err = lookupGID(field, groupPath)
				if err != nil {
					return Identity{}, err
				}
			}
			supplemental = append(supplemental, supp)
		}
	}

	return Identity{UID: uid, GID: gid, SupplementalGIDs: supplemental}, nil
}

func defaultPath(override, fallback string) string {
	if override != "" {
		return override
	}
	return fallback
}

func lookupUID(name, passwdPath string) (int, error) {
	f, err := os.Open(defaultPath(passwdPath, "/etc/passwd"))
	if err != nil {
		return 0, fmt.Errorf("opening passwd database: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), ":")
		if len(fields) >= 3 && fields[0] == name {
			return strconv.Atoi(fields[2])
		}
	}
	return 0, fmt.Errorf("user %q not found in passwd database", name)
}

func lookupGID(name, groupPath string) (int, error) {
	f, err := os.Open(defaultPath(groupPath, "/etc/group"))
	if err != nil {
		return 0, fmt.Errorf("opening group database: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), ":")
		if len(fields) >= 3 && fields[0] == name {
			return strconv.Atoi(fields[2])
		}
	}
	return 0, fmt.Errorf("group %q not found in group database", name)
}
