package config

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/schaermu/patchkit/internal/fsutil"
)

const defaultHeader = `# patchkit configuration
#
# Every key can be overridden with a PATCHKIT_ environment variable, e.g.
# PATCHKIT_INSTALL_ROOT or PATCHKIT_FETCH_S3_REGION.
`

// Encode renders cfg as YAML
func Encode(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(defaultHeader)
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteDefault writes the default configuration to path. An existing file is
// only replaced when force is set.
func WriteDefault(path string, force bool) error {
	if !force && fsutil.Exists(path) {
		return fmt.Errorf("config file %s already exists", path)
	}
	data, err := Encode(Default())
	if err != nil {
		return err
	}
	if err := fsutil.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
