package spec

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jesseduffield/yaml"
)

// UserData is the YAML document fetched from the metadata service
// (spec.md §3, §6). A missing document is equivalent to an empty one and is
// not an error: pkg/metadata reports a 404 as a nil document, and Parse
// turns an empty or nil document into a zero-value UserData.
type UserData struct {
	Command              []string          `yaml:"command,omitempty"`
	Args                 []string          `yaml:"args,omitempty"`
	Env                  []EnvVar          `yaml:"env,omitempty"`
	EnvFrom              []EnvFromSource   `yaml:"env-from,omitempty"`
	Volumes              []Volume          `yaml:"volumes,omitempty"`
	InitScripts          []string          `yaml:"init-scripts,omitempty"`
	DisableServices      []string          `yaml:"disable-services,omitempty"`
	ReplaceInit          bool              `yaml:"replace-init,omitempty"`
	ShutdownGracePeriod  string            `yaml:"shutdown-grace-period,omitempty"`
	Security             SecurityConfig    `yaml:"security,omitempty"`
	Debug                bool              `yaml:"debug,omitempty"`
	Sysctls              map[string]string `yaml:"sysctls,omitempty"`
	WorkingDir           string            `yaml:"working-dir,omitempty"`
	User                 string            `yaml:"user,omitempty"`
}

// EnvVar is a single {name, value} binding, ordered as declared.
type EnvVar struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// SecurityConfig holds the boot-time security knobs recognized in spec.md §6.
type SecurityConfig struct {
	ReadonlyRootFS bool `yaml:"readonly-root-fs,omitempty"`
}

// recognizedTopLevelKeys backs Parse's unknown-key rejection (spec.md §4.C).
var recognizedTopLevelKeys = map[string]bool{
	"command": true, "args": true, "env": true, "env-from": true,
	"volumes": true, "init-scripts": true, "disable-services": true,
	"replace-init": true, "shutdown-grace-period": true, "security": true,
	"debug": true, "sysctls": true, "working-dir": true, "user": true,
}

// Parse decodes a user-data YAML document, rejecting unknown top-level keys.
// An empty/nil document yields a zero-value UserData and no error.
func Parse(raw []byte) (*UserData, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return &UserData{}, nil
	}

	var asMap yaml.MapSlice
	if err := yaml.Unmarshal(raw, &asMap); err != nil {
		return nil, fmt.Errorf("user-data is not valid YAML: %w", err)
	}

	var unknown []string
	for _, item := range asMap {
		key, ok := item.Key.(string)
		if !ok || !recognizedTopLevelKeys[key] {
			unknown = append(unknown, fmt.Sprint(item.Key))
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("user-data has unknown key(s): %s", strings.Join(unknown, ", "))
	}

	var ud UserData
	if err := yaml.Unmarshal(raw, &ud); err != nil {
		return nil, fmt.Errorf("user-data does not match the expected schema: %w", err)
	}
	return &ud, nil
}

// EnvFromSource is the tagged-variant env-from declaration (spec.md §3).
// Exactly one of SSM, SecretsManager or S3 must be set; UnmarshalYAML
// enforces that.
type EnvFromSource struct {
	SSM            *SSMEnvFrom            `yaml:"ssm,omitempty"`
	SecretsManager *SecretsManagerEnvFrom `yaml:"secrets-manager,omitempty"`
	S3             *S3EnvFrom             `yaml:"s3,omitempty"`
}

type SSMEnvFrom struct {
	Path     string `yaml:"path"`
	Name     string `yaml:"name,omitempty"`
	Optional bool   `yaml:"optional,omitempty"`
}

type SecretsManagerEnvFrom struct {
	Name     string `yaml:"name"`
	NameAs   string `yaml:"name-as,omitempty"`
	Optional bool   `yaml:"optional,omitempty"`
}

type S3EnvFrom struct {
	Bucket   string `yaml:"bucket"`
	Key      string `yaml:"key"`
	Name     string `yaml:"name,omitempty"`
	Optional bool   `yaml:"optional,omitempty"`
}

func (e EnvFromSource) variantCount() int {
	n := 0
	if e.SSM != nil {
		n++
	}
	if e.SecretsManager != nil {
		n++
	}
	if e.S3 != nil {
		n++
	}
	return n
}

// UnmarshalYAML decodes one of the three tagged variants and rejects
// documents that declare zero or more than one.
func (e *EnvFromSource) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type plain EnvFromSource
	var p plain
	if err := unmarshal(&p); err != nil {
		return err
	}
	*e = EnvFromSource(p)
	if n := e.variantCount(); n != 1 {
		return fmt.Errorf("env-from entry must set exactly one of ssm, secrets-manager, s3 (got %d)", n)
	}
	return nil
}

// Volume is the tagged-variant volume declaration (spec.md §3).
type Volume struct {
	EBS            *EBSVolume            `yaml:"ebs,omitempty"`
	S3             *S3Volume             `yaml:"s3,omitempty"`
	SSM            *SSMVolume            `yaml:"ssm,omitempty"`
	SecretsManager *SecretsManagerVolume `yaml:"secrets-manager,omitempty"`
}

type EBSVolume struct {
	Device        string            `yaml:"device"`
	FSType        string            `yaml:"fstype"`
	MountPath     string            `yaml:"mount-path"`
	MakeFS        bool              `yaml:"make-fs,omitempty"`
	TagFilters    map[string]string `yaml:"tag-filters"`
	MountOptions  string            `yaml:"mount-options,omitempty"`
}

type S3Volume struct {
	Bucket      string `yaml:"bucket"`
	KeyOrPrefix string `yaml:"key-or-prefix"`
	MountPath   string `yaml:"mount-path"`
	Optional    bool   `yaml:"optional,omitempty"`
}

type SSMVolume struct {
	Path      string `yaml:"path"`
	MountPath string `yaml:"mount-path"`
	Optional  bool   `yaml:"optional,omitempty"`
}

type SecretsManagerVolume struct {
	Name      string `yaml:"name"`
	MountPath string `yaml:"mount-path"`
	Optional  bool   `yaml:"optional,omitempty"`
}

// MountPath returns the configured mount-path regardless of variant, used by
// the merge-time absolute-path validation.
func (v Volume) MountPath() string {
	switch {
	case v.EBS != nil:
		return v.EBS.MountPath
	case v.S3 != nil:
		return v.S3.MountPath
	case v.SSM != nil:
		return v.SSM.MountPath
	case v.SecretsManager != nil:
		return v.SecretsManager.MountPath
	default:
		return ""
	}
}

func (v Volume) variantCount() int {
	n := 0
	if v.EBS != nil {
		n++
	}
	if v.S3 != nil {
		n++
	}
	if v.SSM != nil {
		n++
	}
	if v.SecretsManager != nil {
		n++
	}
	return n
}

func (v *Volume) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type plain Volume
	var p plain
	if err := unmarshal(&p); err != nil {
		return err
	}
	*v = Volume(p)
	if n := v.variantCount(); n != 1 {
		return fmt.Errorf("volume entry must set exactly one of ebs, s3, ssm, secrets-manager (got %d)", n)
	}
	return nil
}
