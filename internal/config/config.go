// Package config loads the devreload project file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/eshe-huli/devreload/internal/hub"
)

// DefaultPath is the project file looked up when --config is not given.
const DefaultPath = "devreload.yaml"

// Duration is a time.Duration written as "1s" in YAML.
type Duration time.Duration

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// Source is one watched group of files. Outputs are the files or directories
// its command writes; they are fingerprinted into the build history.
type Source struct {
	Name    string   `yaml:"name"`
	Roots   []string `yaml:"roots"`
	Command string   `yaml:"command"`
	Event   string   `yaml:"event,omitempty"`
	Outputs []string `yaml:"outputs,omitempty"`
}

// Test configures the test watcher.
type Test struct {
	Roots   []string `yaml:"roots"`
	Command string   `yaml:"command"`
}

// Config is the devreload project configuration.
type Config struct {
	Port         int      `yaml:"port"`
	Dir          string   `yaml:"dir"`
	Index        string   `yaml:"index"`
	InjectClient bool     `yaml:"inject_client"`
	StylesDir    string   `yaml:"styles_dir"`
	ScriptsDir   string   `yaml:"scripts_dir"`
	Cooldown     Duration `yaml:"cooldown"`
	Ignore       []string `yaml:"ignore,omitempty"`
	History      string   `yaml:"history"`
	Sources      []Source `yaml:"sources"`
	Test         Test     `yaml:"test"`
}

// Default returns the layout of an Elm + SCSS project.
func Default() *Config {
	return &Config{
		Port:         3765,
		Dir:          ".",
		Index:        "index.html",
		InjectClient: true,
		StylesDir:    filepath.Join("public", "styles"),
		ScriptsDir:   filepath.Join("public", "scripts"),
		Cooldown:     Duration(time.Second),
		History:      filepath.Join(".devreload", "history.db"),
		Sources: []Source{
			{Name: "elm", Roots: []string{"src"}, Command: "npm run elm-make", Event: hub.EventReloadBrowser, Outputs: []string{filepath.Join("public", "scripts")}},
			{Name: "scss", Roots: []string{filepath.Join("public", "scss")}, Command: "npm run compile-sass", Event: hub.EventReloadCSS, Outputs: []string{filepath.Join("public", "styles")}},
		},
		Test: Test{
			Roots:   []string{"tests", "src"},
			Command: "npm test",
		},
	}
}

// Load reads path on top of the defaults. A missing file yields the defaults
// unless required is set.
func Load(path string, required bool) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) && !required {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	// A relative project dir is relative to the config file.
	if !filepath.IsAbs(cfg.Dir) {
		cfg.Dir = filepath.Join(filepath.Dir(path), cfg.Dir)
	}
	return cfg, nil
}

// Write saves cfg to path. An existing file is kept unless force is set.
func Write(path string, cfg *Config, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// Path resolves p against the project dir.
func (c *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Dir, p)
}

// Paths resolves every entry of ps against the project dir.
func (c *Config) Paths(ps []string) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, c.Path(p))
	}
	return out
}

// Validate checks the settings that would otherwise fail at runtime.
// Watch roots and the index file are checked when they are opened.
func (c *Config) Validate() error {
	var problems []string

	if c.Port <= 0 || c.Port > 65535 {
		problems = append(problems, fmt.Sprintf("port %d out of range", c.Port))
	}
	if c.Cooldown <= 0 {
		problems = append(problems, "cooldown must be positive")
	}
	if c.Index == "" {
		problems = append(problems, "index must be set")
	}
	if len(c.Sources) == 0 {
		problems = append(problems, "at least one source is required")
	}

	seen := make(map[string]bool)
	for i, s := range c.Sources {
		label := s.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i+1)
			problems = append(problems, fmt.Sprintf("source %s has no name", label))
		}
		if seen[s.Name] {
			problems = append(problems, fmt.Sprintf("duplicate source %s", label))
		}
		seen[s.Name] = true
		if len(s.Roots) == 0 {
			problems = append(problems, fmt.Sprintf("source %s has no roots", label))
		}
		if strings.TrimSpace(s.Command) == "" {
			problems = append(problems, fmt.Sprintf("source %s has no command", label))
		}
		if s.Event != "" && !hub.Known(s.Event) {
			problems = append(problems, fmt.Sprintf("source %s: unknown event %q (want %s or %s)",
				label, s.Event, hub.EventReloadBrowser, hub.EventReloadCSS))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ValidateTest checks the test watcher settings.
func (c *Config) ValidateTest() error {
	if len(c.Test.Roots) == 0 {
		return fmt.Errorf("invalid config: test has no roots")
	}
	if strings.TrimSpace(c.Test.Command) == "" {
		return fmt.Errorf("invalid config: test has no command")
	}
	if c.Cooldown <= 0 {
		return fmt.Errorf("invalid config: cooldown must be positive")
	}
	return nil
}
