package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrNoCommand is returned when no application command is configured.
var ErrNoCommand = errors.New("no command to supervise")

// SettingsFileName is the project-local settings file.
const SettingsFileName = ".devmon.yaml"

// StateDirName holds per-project runtime files (journal, key, run state).
const StateDirName = ".devmon"

// ResolveSettings configures startup argument resolution.
type ResolveSettings struct {
	Extensions []string `yaml:"extensions"`
	Index      []string `yaml:"index"`
}

// Settings represents configuration loaded from the settings file.
// Field names match snake_case YAML keys.
type Settings struct {
	Command        []string        `yaml:"command"`
	ExitSignal     int             `yaml:"exit_signal"`
	LogLevel       string          `yaml:"log_level"`
	Build          string          `yaml:"build"`
	Patterns       []string        `yaml:"patterns"`
	Policies       []string        `yaml:"policies"`
	Debounce       time.Duration   `yaml:"debounce"`
	NotifyUncaught bool            `yaml:"notify_uncaught"`
	Journal        *bool           `yaml:"journal"`
	Resolve        ResolveSettings `yaml:"resolve"`
}

// DefaultSettings returns settings with every default filled in.
func DefaultSettings() Settings {
	journal := true
	return Settings{
		ExitSignal: DefaultExitSignal,
		LogLevel:   string(LogInfo),
		Policies:   []string{"go", "web"},
		Debounce:   200 * time.Millisecond,
		Journal:    &journal,
	}
}

// JournalEnabled reports whether the lifecycle journal is on.
func (s Settings) JournalEnabled() bool {
	return s.Journal == nil || *s.Journal
}

// Validate checks settings before the supervisor starts.
func (s Settings) Validate() error {
	if len(s.Command) == 0 || s.Command[0] == "" {
		return ErrNoCommand
	}
	if s.ExitSignal < 1 || s.ExitSignal > 255 {
		return fmt.Errorf("exit_signal must be between 1 and 255, got %d", s.ExitSignal)
	}
	if s.Debounce < 0 {
		return fmt.Errorf("debounce must not be negative, got %s", s.Debounce)
	}
	return nil
}

// UserConfigDir returns ~/.config/devmon/ on all platforms.
func UserConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "devmon"), nil
}

// LoadSettings loads settings for the project in dir.
// Lookup order (first found wins):
// 1) explicit path, when non-empty (must exist)
// 2) <dir>/.devmon.yaml
// 3) ~/.config/devmon/config.yaml
// Missing files leave the defaults in place. Values present in the file
// override defaults; zero values do not.
func LoadSettings(dir, explicit string) (Settings, error) {
	s := DefaultSettings()

	if explicit != "" {
		return s, mergeSettingsFile(&s, explicit)
	}

	candidates := []string{filepath.Join(dir, SettingsFileName)}
	if userDir, err := UserConfigDir(); err == nil {
		candidates = append(candidates, filepath.Join(userDir, "config.yaml"))
	}

	for _, path := range candidates {
		err := mergeSettingsFile(&s, path)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return s, err
		}
	}
	return s, nil
}

func mergeSettingsFile(s *Settings, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var file Settings
	if err := yaml.Unmarshal(b, &file); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if len(file.Command) > 0 {
		s.Command = file.Command
	}
	if file.ExitSignal != 0 {
		s.ExitSignal = file.ExitSignal
	}
	if file.LogLevel != "" {
		s.LogLevel = file.LogLevel
	}
	if file.Build != "" {
		s.Build = file.Build
	}
	if len(file.Patterns) > 0 {
		s.Patterns = file.Patterns
	}
	if len(file.Policies) > 0 {
		s.Policies = file.Policies
	}
	if file.Debounce != 0 {
		s.Debounce = file.Debounce
	}
	if file.NotifyUncaught {
		s.NotifyUncaught = true
	}
	if file.Journal != nil {
		s.Journal = file.Journal
	}
	if len(file.Resolve.Extensions) > 0 {
		s.Resolve.Extensions = file.Resolve.Extensions
	}
	if len(file.Resolve.Index) > 0 {
		s.Resolve.Index = file.Resolve.Index
	}
	return nil
}
