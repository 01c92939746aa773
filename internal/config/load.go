package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// ConfigFileName is the name of the Loom configuration file.
const ConfigFileName = "loom.toml"

// Load resolves the effective configuration. An explicit path must exist;
// otherwise ./loom.toml is used when present, and pure defaults when not.
// Values absent from the file keep their defaults, and relative project
// paths are resolved against the config file's directory.
func Load(explicitPath string) (*Config, error) {
	path := explicitPath
	if path == "" {
		if _, err := os.Stat(ConfigFileName); err == nil {
			path = ConfigFileName
		} else {
			return NewDefaults(), nil
		}
	}

	cfg := NewDefaults()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: loading %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config: %s: unknown keys: %v", path, undecoded)
	}

	base, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("config: resolving %s: %w", path, err)
	}
	cfg.resolvePaths(base)
	return cfg, nil
}

// resolvePaths makes every project directory absolute relative to base.
func (c *Config) resolvePaths(base string) {
	resolve := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
	resolve(&c.Project.WorkflowsDir)
	resolve(&c.Project.DataDir)
	resolve(&c.Project.AgentsDir)
	resolve(&c.Project.HandoffsDir)
	resolve(&c.Project.LogDir)
}

// EventLogPath returns the event journal database path.
func (c *Config) EventLogPath() string {
	return filepath.Join(c.Project.DataDir, "workflow_events.db")
}

// StatePath returns the state repository database path.
func (c *Config) StatePath() string {
	return filepath.Join(c.Project.DataDir, "workflow_state.db")
}

// RegistryPath returns the handoff registry database path.
func (c *Config) RegistryPath() string {
	return filepath.Join(c.Project.DataDir, "handoff_registry.db")
}

// DLQPath returns the dead-letter queue directory.
func (c *Config) DLQPath() string {
	return filepath.Join(c.Project.DataDir, "dead_letter_queue")
}
