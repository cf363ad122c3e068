// Package config loads and validates the orchestrator configuration.
// The file is parsed once at process start and read-only afterwards.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultPath is the configuration file read when --config is not given.
	DefaultPath = "/etc/borg-offsite-backup.conf"

	// DefaultKeyFile is the archive key exported to the archive tool when
	// key_file is not configured.
	DefaultKeyFile = "/etc/borg-offsite-backup.key"

	// DefaultCompression is the compression spec passed to the archive tool.
	DefaultCompression = "auto,zstd"
)

// Target selects a dataset tree to back up. In the configuration it is
// either a bare dataset name or a mapping {name, recursive?, glob?};
// recursive and glob are mutually exclusive.
type Target struct {
	Name      string
	Recursive bool
	Glob      bool
}

// UnmarshalYAML accepts both the bare-string and the mapping form.
func (t *Target) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var name string
		if err := value.Decode(&name); err != nil {
			return err
		}
		t.Name = name
		return nil
	case yaml.MappingNode:
		var raw struct {
			Name      string `yaml:"name"`
			Recursive bool   `yaml:"recursive"`
			Glob      bool   `yaml:"glob"`
		}
		if err := value.Decode(&raw); err != nil {
			return err
		}
		t.Name = raw.Name
		t.Recursive = raw.Recursive
		t.Glob = raw.Glob
		return nil
	default:
		return fmt.Errorf("line %d: dataset target must be a name or a {name, recursive, glob} mapping", value.Line)
	}
}

// Config is the parsed configuration file.
type Config struct {
	// Remote repository coordinates: user@server:path.
	BackupPath   string `yaml:"backup_path"`
	BackupServer string `yaml:"backup_server"`
	BackupUser   string `yaml:"backup_user"`

	// Name of the VM that relays traffic to the backup server. Empty
	// means the server is reachable directly.
	BridgeVM string `yaml:"bridge_vm"`

	// Compression spec handed to the archive tool.
	Compression string `yaml:"compression"`

	// Retention policy applied by the post-run prune.
	KeepDaily   int `yaml:"keep_daily"`
	KeepWeekly  int `yaml:"keep_weekly"`
	KeepMonthly int `yaml:"keep_monthly"`

	// Dataset trees snapshotted and cloned for the run.
	Datasets []Target `yaml:"datasets_to_backup"`

	// Plain filesystems bind-mounted into the staging root.
	Filesystems []string `yaml:"filesystems_to_backup"`

	// Glob patterns written verbatim, one per line, into the exclude
	// file consumed by the archive tool.
	ExcludePatterns []string `yaml:"exclude_patterns"`

	// Key material exported to the archive tool for non-interactive use.
	KeyFile string `yaml:"key_file"`
}

func defaultConfig() *Config {
	return &Config{
		Compression: DefaultCompression,
		KeepDaily:   7,
		KeepWeekly:  4,
		KeepMonthly: 12,
		KeyFile:     DefaultKeyFile,
	}
}

// Load reads, parses and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read configuration: %w", err)
	}

	cfg := defaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("cannot parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the invariants the rest of the run relies on.
func (c *Config) Validate() error {
	for _, field := range []struct {
		name  string
		value string
	}{
		{"backup_path", c.BackupPath},
		{"backup_server", c.BackupServer},
		{"backup_user", c.BackupUser},
	} {
		if field.value == "" {
			return fmt.Errorf("missing required field %s", field.name)
		}
	}

	if len(c.Datasets) == 0 && len(c.Filesystems) == 0 {
		return errors.New("nothing to back up: datasets_to_backup and filesystems_to_backup are both empty")
	}

	for i, target := range c.Datasets {
		if target.Name == "" {
			return fmt.Errorf("datasets_to_backup entry %d has no name", i+1)
		}
		if target.Recursive && target.Glob {
			return fmt.Errorf("dataset target %q: recursive and glob are mutually exclusive", target.Name)
		}
	}

	for _, path := range c.Filesystems {
		if !filepath.IsAbs(path) {
			return fmt.Errorf("filesystem path %q is not absolute", path)
		}
	}

	if c.KeepDaily < 0 || c.KeepWeekly < 0 || c.KeepMonthly < 0 {
		return errors.New("retention counts must not be negative")
	}

	return nil
}
