package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// ToolConfigFileName is the name of the tool-level configuration file.
const ToolConfigFileName = "agentpipe.toml"

// ToolConfig is the tool-level configuration mapping to agentpipe.toml. It
// holds machine- and repository-level settings that individual pipeline
// definitions inherit.
type ToolConfig struct {
	Project ProjectConfig  `toml:"project"`
	Git     GitToolConfig  `toml:"git"`
	Runtime RuntimeDefault `toml:"runtime"`
}

// ProjectConfig maps to the [project] section.
type ProjectConfig struct {
	Name         string `toml:"name"`
	PipelinesDir string `toml:"pipelines_dir"`
	AgentsDir    string `toml:"agents_dir"`
	StateDir     string `toml:"state_dir"`
	LogDir       string `toml:"log_dir"`
}

// GitToolConfig maps to the [git] section.
type GitToolConfig struct {
	AuthorName  string `toml:"author_name"`
	AuthorEmail string `toml:"author_email"`
	Remote      string `toml:"remote"`
	BaseBranch  string `toml:"base_branch"`
}

// RuntimeDefault maps to the [runtime] section and supplies the registry
// default when a pipeline does not name a runtime.
type RuntimeDefault struct {
	Type  string `toml:"type"`
	Model string `toml:"model"`
}

// DefaultToolConfig returns the configuration used when no agentpipe.toml
// exists.
func DefaultToolConfig() *ToolConfig {
	return &ToolConfig{
		Project: ProjectConfig{
			PipelinesDir: filepath.Join(".agentpipe", "pipelines"),
			AgentsDir:    filepath.Join(".agentpipe", "agents"),
			StateDir:     filepath.Join(".agentpipe", "state"),
			LogDir:       filepath.Join(".agentpipe", "logs"),
		},
		Git: GitToolConfig{
			Remote:     "origin",
			BaseBranch: DefaultBaseBranch,
		},
		Runtime: RuntimeDefault{
			Type: DefaultRuntimeType,
		},
	}
}

// FindToolConfig walks up from startDir to locate agentpipe.toml. Returns the
// absolute path, or an empty string when no file exists up to the filesystem
// root.
func FindToolConfig(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("config: resolving path: %w", err)
	}
	for {
		candidate := filepath.Join(dir, ToolConfigFileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}

// LoadToolConfig parses the TOML file at path and overlays it onto the
// defaults. The returned metadata exposes MetaData.Undecoded for unknown-key
// warnings.
func LoadToolConfig(path string) (*ToolConfig, toml.MetaData, error) {
	cfg := DefaultToolConfig()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, md, fmt.Errorf("config: loading %s: %w", path, err)
	}
	return cfg, md, nil
}

// LoadToolConfigOrDefault resolves the tool config for startDir: the nearest
// agentpipe.toml when present, the defaults otherwise. Unknown keys are
// reported as warnings through the returned issues slice.
func LoadToolConfigOrDefault(startDir string) (*ToolConfig, []Issue, error) {
	path, err := FindToolConfig(startDir)
	if err != nil {
		return nil, nil, err
	}
	if path == "" {
		return DefaultToolConfig(), nil, nil
	}

	cfg, md, err := LoadToolConfig(path)
	if err != nil {
		return nil, nil, err
	}

	var issues []Issue
	for _, key := range md.Undecoded() {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Field:    key.String(),
			Message:  "unknown configuration key",
		})
	}
	return cfg, issues, nil
}
