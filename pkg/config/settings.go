package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/helper"
	"github.com/openfroyo/converge/pkg/runner"
	"github.com/openfroyo/converge/pkg/telemetry"
)

// DefaultSettingsPath is read when no settings file is given and it exists.
const DefaultSettingsPath = "/etc/froyo/converge.yaml"

// Settings tune the engine and the agent around it.
type Settings struct {
	// CommandTimeout bounds every native tool invocation.
	CommandTimeout time.Duration `yaml:"command_timeout" validate:"gt=0"`

	Helper HelperSettings `yaml:"helper"`

	// Providers overrides platform detection per kind, e.g.
	// {package: apt}. A declaration's own provider wins.
	Providers map[engine.Kind]string `yaml:"providers" validate:"dive,keys,oneof=package group service,endkeys,required"`

	// Batch allows one command for many packages.
	Batch bool `yaml:"batch"`

	// InProcessCompare compares versions without asking the package
	// manager.
	InProcessCompare bool `yaml:"in_process_compare"`

	Database DatabaseSettings `yaml:"database"`

	// SSH converges a remote host instead of the local one.
	SSH *runner.SSHConfig `yaml:"ssh,omitempty"`

	Telemetry telemetry.Config `yaml:"telemetry"`
}

// HelperSettings configure the package query helper process.
type HelperSettings struct {
	Command        []string      `yaml:"command" validate:"min=1,dive,required"`
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gt=0"`
	MaxAttempts    int           `yaml:"max_attempts" validate:"gte=1"`

	// Upload is a local helper binary copied over SFTP to SSH hosts that
	// do not have one. InstallPath is where it is installed.
	Upload      string `yaml:"upload" validate:"omitempty,file"`
	InstallPath string `yaml:"install_path" validate:"omitempty,startswith=/"`
}

// DatabaseSettings configure the report store.
type DatabaseSettings struct {
	// Path is the SQLite file. Empty disables report persistence.
	Path string `yaml:"path"`

	// Retention drops runs older than this at startup. Zero keeps
	// everything.
	Retention time.Duration `yaml:"retention" validate:"gte=0"`
}

// DefaultSettings returns the settings used when no file is given.
func DefaultSettings() *Settings {
	return &Settings{
		CommandTimeout: 10 * time.Minute,
		Helper: HelperSettings{
			Command:        []string{"froyo-pkghelper"},
			RequestTimeout: helper.DefaultRequestTimeout,
			MaxAttempts:    helper.DefaultMaxAttempts,
		},
		Providers: map[engine.Kind]string{},
		Batch:     true,
		Database: DatabaseSettings{
			Path:      "/var/lib/froyo/converge.db",
			Retention: 30 * 24 * time.Hour,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// LoadSettings reads a YAML settings file over the defaults. An empty path
// returns the defaults, or DefaultSettingsPath if it exists.
func LoadSettings(path string) (*Settings, error) {
	s := DefaultSettings()
	if path == "" {
		if _, err := os.Stat(DefaultSettingsPath); err != nil {
			return s, nil
		}
		path = DefaultSettingsPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse settings %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings %s: %w", path, err)
	}
	return s, nil
}

// Validate checks the settings.
func (s *Settings) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		return err
	}
	if s.SSH != nil {
		if err := s.SSH.Validate(); err != nil {
			return fmt.Errorf("ssh: %w", err)
		}
	}
	return s.Telemetry.Validate()
}

// ProviderSettings returns what provider factories need.
func (s *Settings) ProviderSettings() engine.ProviderSettings {
	return engine.ProviderSettings{
		HelperCommand:        s.Helper.Command,
		HelperRequestTimeout: s.Helper.RequestTimeout,
		HelperMaxAttempts:    s.Helper.MaxAttempts,
		HelperUpload:         s.Helper.Upload,
		HelperInstallPath:    s.Helper.InstallPath,
		Batch:                s.Batch,
		InProcessCompare:     s.InProcessCompare,
	}
}

// ProviderFor returns the provider override for a declaration: its own,
// then the settings', then none.
func (s *Settings) ProviderFor(d Declaration) string {
	if d.Provider != "" {
		return d.Provider
	}
	return s.Providers[d.Kind]
}
