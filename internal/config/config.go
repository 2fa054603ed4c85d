package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models launchonomy.yml.
type Config struct {
	Mission struct {
		MaxIterations          int     `yaml:"max_iterations"`
		LoopWindow             int     `yaml:"loop_window"`
		MaxConsecutiveFailures int     `yaml:"max_consecutive_failures"`
		SuccessRevenue         float64 `yaml:"success_revenue"`
	} `yaml:"mission"`
	Roster struct {
		Members      []RosterMember `yaml:"members"`
		TieBreakRole string         `yaml:"tie_break_role"`
	} `yaml:"roster"`
	Workflow struct {
		Sequence []string `yaml:"sequence"`
	} `yaml:"workflow"`
	Guardrail struct {
		MaxCostRatio float64 `yaml:"max_cost_ratio"`
		Epsilon      float64 `yaml:"epsilon"`
	} `yaml:"guardrail"`
	Participants struct {
		AskTimeoutSeconds int    `yaml:"ask_timeout_seconds"`
		AskRetries        int    `yaml:"ask_retries"`
		Model             string `yaml:"model"`
	} `yaml:"participants"`
	Provision struct {
		AllowPatterns []string `yaml:"allow_patterns"`
		DenyPatterns  []string `yaml:"deny_patterns"`
	} `yaml:"provision"`
	Server struct {
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"server"`
}

// RosterMember is one founding decision participant.
type RosterMember struct {
	Name string `yaml:"name"`
	Role string `yaml:"role"`
}

// AskTimeout returns the per-voter/per-query timeout.
func (c *Config) AskTimeout() time.Duration {
	if c.Participants.AskTimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.Participants.AskTimeoutSeconds) * time.Second
}

// RosterNames returns the configured roster member names in order.
func (c *Config) RosterNames() []string {
	names := make([]string, 0, len(c.Roster.Members))
	for _, m := range c.Roster.Members {
		names = append(names, m.Name)
	}
	return names
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create with launchonomy config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Mission.MaxIterations <= 0 {
		return fmt.Errorf("config.mission.max_iterations must be positive")
	}
	if c.Mission.LoopWindow < 2 {
		return fmt.Errorf("config.mission.loop_window must be at least 2")
	}
	if len(c.Roster.Members) == 0 {
		return fmt.Errorf("config.roster.members is required")
	}
	seen := map[string]bool{}
	for _, m := range c.Roster.Members {
		if m.Name == "" {
			return fmt.Errorf("config.roster.members contains empty name")
		}
		if seen[m.Name] {
			return fmt.Errorf("duplicate roster member %s", m.Name)
		}
		seen[m.Name] = true
	}
	if c.Roster.TieBreakRole == "" {
		return fmt.Errorf("config.roster.tie_break_role is required")
	}
	if !seen[c.Roster.TieBreakRole] {
		return fmt.Errorf("tie_break_role %s is not a roster member", c.Roster.TieBreakRole)
	}
	if len(c.Workflow.Sequence) == 0 {
		return fmt.Errorf("config.workflow.sequence is required")
	}
	for _, s := range c.Workflow.Sequence {
		if s == "" {
			return fmt.Errorf("config.workflow.sequence contains empty step name")
		}
	}
	if c.Guardrail.MaxCostRatio <= 0 {
		return fmt.Errorf("config.guardrail.max_cost_ratio must be positive")
	}
	if c.Guardrail.Epsilon <= 0 {
		return fmt.Errorf("config.guardrail.epsilon must be positive")
	}
	if len(c.Provision.AllowPatterns) == 0 {
		return fmt.Errorf("config.provision.allow_patterns is required")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "launchonomy.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `mission:
  max_iterations: 25
  loop_window: 3
  max_consecutive_failures: 3
  success_revenue: 1000.0

roster:
  members:
    - name: CEO-Agent
      role: "Chief executive: owns the mission objective and strategic focus"
    - name: CRO-Agent
      role: "Chief revenue officer: owns acquisition and monetization"
    - name: CTO-Agent
      role: "Chief technology officer: owns product and deployment"
    - name: CFO-Agent
      role: "Chief financial officer: owns budget and the cost guardrail"
  tie_break_role: CEO-Agent

workflow:
  sequence: [scan, deploy, campaign, analytics, finance, growth]

guardrail:
  max_cost_ratio: 0.20
  epsilon: 0.01

participants:
  ask_timeout_seconds: 60
  ask_retries: 1
  model: gpt-4o-mini

provision:
  allow_patterns:
    - spreadsheet
    - calendar
    - email
    - notification
    - webhook
    - storage
    - analytics
    - tracking
    - crm
    - campaign
    - content
    - seo
    - dashboard
    - reporting
    - hosting
    - domain
    - template
  deny_patterns:
    - credential
    - secret
    - password
    - payment_processor
    - banking
    - deploy_key

server:
  jwt_secret: ""
  allow_legacy_actor_header: false
`
