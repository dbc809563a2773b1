// Package config loads the YAML configuration file: logging, the state
// directory, and one block per connected account with its access policy.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/jholhewres/rocketclaw/pkg/rocketclaw/access"
)

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// AccountConfig is one chat-server account the bridge connects.
type AccountConfig struct {
	Name      string `yaml:"name"`
	URL       string `yaml:"url"`
	UserID    string `yaml:"userId"`
	AuthToken string `yaml:"authToken"`
	Username  string `yaml:"username"`
	// TypingDelay is how long a reply must take before the typing
	// indicator starts.
	TypingDelay access.Duration     `yaml:"typingDelay"`
	Policy      access.PolicyConfig `yaml:"policy"`
}

// AgentConfig points at the external agent runtime executable.
type AgentConfig struct {
	Command string          `yaml:"command"`
	Args    []string        `yaml:"args"`
	Timeout access.Duration `yaml:"timeout"`
}

// Config is the root of the configuration file.
type Config struct {
	Logging  LoggingConfig   `yaml:"logging"`
	StateDir string          `yaml:"stateDir"`
	Agent    AgentConfig     `yaml:"agent"`
	Accounts []AccountConfig `yaml:"accounts"`
}

// Load reads and parses the configuration at path. Values like authToken
// support ${VAR} environment expansion so secrets can live in the
// environment or a .env file. Account validation is left to the caller so a
// broken account does not take the others down.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.StateDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.StateDir = filepath.Join(home, ".rocketclaw", "state")
		} else {
			c.StateDir = "state"
		}
	}
	c.Agent.Command = os.ExpandEnv(c.Agent.Command)
	for i := range c.Accounts {
		a := &c.Accounts[i]
		a.URL = os.ExpandEnv(a.URL)
		a.UserID = os.ExpandEnv(a.UserID)
		a.AuthToken = os.ExpandEnv(a.AuthToken)
		a.Username = os.ExpandEnv(a.Username)
		a.Policy.ApplyDefaults()
	}
}

// AccountStateDir returns the per-account state directory.
func (c *Config) AccountStateDir(account string) string {
	return filepath.Join(c.StateDir, account)
}

var dmPolicies = map[access.DMPolicy]bool{
	access.DMPolicyOpen:          true,
	access.DMPolicyDisabled:      true,
	access.DMPolicyAllowlist:     true,
	access.DMPolicyPairing:       true,
	access.DMPolicyOwnerApproval: true,
}

var groupPolicies = map[access.GroupPolicy]bool{
	access.GroupPolicyOpen:          true,
	access.GroupPolicyDisabled:      true,
	access.GroupPolicyAllowlist:     true,
	access.GroupPolicyOwnerApproval: true,
}

// Validate checks a single account block. Errors are scoped to this account.
func (a *AccountConfig) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("account without a name")
	}
	if a.URL == "" {
		return fmt.Errorf("account %s: url is required", a.Name)
	}
	u, err := url.Parse(a.URL)
	if err != nil {
		return fmt.Errorf("account %s: invalid url: %w", a.Name, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("account %s: url scheme must be ws or wss, got %q", a.Name, u.Scheme)
	}
	if a.UserID == "" {
		return fmt.Errorf("account %s: userId is required", a.Name)
	}
	if a.AuthToken == "" {
		return fmt.Errorf("account %s: authToken is required", a.Name)
	}
	if !dmPolicies[a.Policy.DMPolicy] {
		return fmt.Errorf("account %s: unknown dmPolicy %q", a.Name, a.Policy.DMPolicy)
	}
	if !groupPolicies[a.Policy.GroupPolicy] {
		return fmt.Errorf("account %s: unknown groupPolicy %q", a.Name, a.Policy.GroupPolicy)
	}
	if a.Policy.DMPolicy == access.DMPolicyOwnerApproval || a.Policy.GroupPolicy == access.GroupPolicyOwnerApproval {
		if !a.Policy.OwnerApproval.Enabled {
			return fmt.Errorf("account %s: owner-approval policy requires ownerApproval.enabled: true", a.Name)
		}
		if len(a.Policy.OwnerApproval.Approvers) == 0 {
			return fmt.Errorf("account %s: owner-approval policy requires ownerApproval.approvers", a.Name)
		}
	}
	for roomID, rc := range a.Policy.Rooms {
		if rc.ReplyMode != "" && rc.ReplyMode != "room" && rc.ReplyMode != "thread" {
			return fmt.Errorf("account %s: room %s: unknown replyMode %q", a.Name, roomID, rc.ReplyMode)
		}
		switch rc.ResponseMode {
		case "", access.ResponseAlways, access.ResponseMentionOnly:
		default:
			return fmt.Errorf("account %s: room %s: unknown responseMode %q", a.Name, roomID, rc.ResponseMode)
		}
	}
	return nil
}
