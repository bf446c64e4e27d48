package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	QueueModeQueue = "queue"

	AuthModeOAuth = "oauth"

	// RunnerEcho runs an agent in-process without any external tool.
	RunnerEcho = "echo"

	DefaultAbortTrigger   = "/abort"
	DefaultResetTrigger   = "/new"
	DefaultInterruptGrace = 10 * time.Second
	DefaultPort           = 8420
)

// Agent is the static identity of a chat agent. Immutable after Load.
type Agent struct {
	ID        string `yaml:"id" json:"id"`
	Name      string `yaml:"name" json:"name"`
	Model     string `yaml:"model,omitempty" json:"model,omitempty"`
	AuthMode  string `yaml:"auth_mode,omitempty" json:"authMode,omitempty"`   // "oauth" or "api_key"
	QueueMode string `yaml:"queue_mode,omitempty" json:"queueMode,omitempty"` // "queue" serializes per session
	Runner    string `yaml:"runner,omitempty" json:"runner,omitempty"`        // "echo" or a CLI name
	Role      string `yaml:"role,omitempty" json:"role,omitempty"`            // consulted by the default-agent policy
	Active    *bool  `yaml:"active,omitempty" json:"active,omitempty"`
}

// IsActive reports whether the agent accepts messages. Agents are active
// unless explicitly disabled.
func (a Agent) IsActive() bool {
	return a.Active == nil || *a.Active
}

// Serializes reports whether runs for one session must be ordered.
func (a Agent) Serializes() bool {
	return a.QueueMode == "" || a.QueueMode == QueueModeQueue
}

// Project is one working tree subagents can run against.
type Project struct {
	ID     string `yaml:"id" json:"id"`
	Name   string `yaml:"name,omitempty" json:"name,omitempty"`
	Path   string `yaml:"path" json:"path"`
	Status string `yaml:"status,omitempty" json:"status,omitempty"` // e.g. "shaping", "building"
}

// CLIConfig overrides how one external agent CLI is launched.
type CLIConfig struct {
	Command string            `yaml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	PTY     bool              `yaml:"pty,omitempty"` // run attached to a pseudo-terminal
}

// Config is the hub configuration stored in ~/.agenthub/config.yaml.
type Config struct {
	Host           string               `yaml:"host,omitempty"`
	Port           int                  `yaml:"port,omitempty"`
	DataDir        string               `yaml:"data_dir,omitempty"`
	AbortTrigger   string               `yaml:"abort_trigger,omitempty"`
	ResetTrigger   string               `yaml:"reset_trigger,omitempty"`
	InterruptGrace time.Duration        `yaml:"interrupt_grace,omitempty"`
	// AuthToken, when set, is required as a bearer token on every request.
	AuthToken      string               `yaml:"auth_token,omitempty"`
	Agents         []Agent              `yaml:"agents,omitempty"`
	Projects       []Project            `yaml:"projects,omitempty"`
	CLIs           map[string]CLIConfig `yaml:"clis,omitempty"`
	// DefaultAgentPolicy replaces the built-in rego module used to pick a
	// project's default agent.
	DefaultAgentPolicy string `yaml:"default_agent_policy,omitempty"`
}

// Dir returns the hub directory (~/.agenthub), creating it if needed.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	dir := filepath.Join(home, ".agenthub")
	os.MkdirAll(dir, 0755)
	return dir
}

// DefaultPath returns ~/.agenthub/config.yaml.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

// Load reads the config at path (DefaultPath when empty). A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg as YAML to path (DefaultPath when empty).
func Save(path string, cfg *Config) error {
	if path == "" {
		path = DefaultPath()
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.DataDir == "" {
		c.DataDir = filepath.Join(Dir(), "data")
	}
	if c.AbortTrigger == "" {
		c.AbortTrigger = DefaultAbortTrigger
	}
	if c.ResetTrigger == "" {
		c.ResetTrigger = DefaultResetTrigger
	}
	if c.InterruptGrace <= 0 {
		c.InterruptGrace = DefaultInterruptGrace
	}
	if len(c.Agents) == 0 {
		c.Agents = []Agent{{ID: "main", Name: "Main", Runner: RunnerEcho, QueueMode: QueueModeQueue}}
	}
	for i := range c.Agents {
		if c.Agents[i].QueueMode == "" {
			c.Agents[i].QueueMode = QueueModeQueue
		}
		if c.Agents[i].Runner == "" {
			c.Agents[i].Runner = RunnerEcho
		}
		if c.Agents[i].Name == "" {
			c.Agents[i].Name = c.Agents[i].ID
		}
	}
	for i := range c.Projects {
		if c.Projects[i].Name == "" {
			c.Projects[i].Name = c.Projects[i].ID
		}
	}
}

// Validate checks ids are present and unique.
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for _, a := range c.Agents {
		id := strings.TrimSpace(a.ID)
		if id == "" {
			return errors.New("agent with empty id")
		}
		if seen[id] {
			return fmt.Errorf("duplicate agent id %q", id)
		}
		seen[id] = true
	}
	seen = make(map[string]bool)
	for _, p := range c.Projects {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return errors.New("project with empty id")
		}
		if p.Path == "" {
			return fmt.Errorf("project %q has no path", id)
		}
		if seen[id] {
			return fmt.Errorf("duplicate project id %q", id)
		}
		seen[id] = true
	}
	return nil
}

// Agent returns the agent with the given id.
func (c *Config) Agent(id string) (Agent, bool) {
	for _, a := range c.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return Agent{}, false
}

// ActiveAgents returns the agents that accept messages, in config order.
func (c *Config) ActiveAgents() []Agent {
	var out []Agent
	for _, a := range c.Agents {
		if a.IsActive() {
			out = append(out, a)
		}
	}
	return out
}

// Project returns the project with the given id.
func (c *Config) Project(id string) (Project, bool) {
	for _, p := range c.Projects {
		if p.ID == id {
			return p, true
		}
	}
	return Project{}, false
}

// CLI returns the launch override for a CLI name.
func (c *Config) CLI(name string) CLIConfig {
	if c.CLIs == nil {
		return CLIConfig{}
	}
	return c.CLIs[name]
}
