package spec

import (
	"encoding/json"
	"fmt"
	"os"
)

// ImageConfig is the container image's declared defaults, ingested from the
// on-disk manifest at DefaultImageConfigPath. Field names mirror the image
// builder's JSON output (spec.md §3).
type ImageConfig struct {
	Config struct {
		Cmd        []string `json:"Cmd"`
		Entrypoint []string `json:"Entrypoint"`
		Env        []string `json:"Env"`
		User       string   `json:"User"`
		WorkingDir string   `json:"WorkingDir"`
	} `json:"config"`
}

// DefaultImageConfigPath is the fixed manifest location per spec.md §6.
const DefaultImageConfigPath = "/.easyto/metadata.json"

// LoadImageConfig reads and parses the image-config manifest at path.
func LoadImageConfig(path string) (*ImageConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading image config %s: %w", path, err)
	}
	var ic ImageConfig
	if err := json.Unmarshal(b, &ic); err != nil {
		return nil, fmt.Errorf("parsing image config %s: %w", path, err)
	}
	return &ic, nil
}
