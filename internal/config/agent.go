package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// AgentConfig holds durable per-host settings persisted in
// ~/.bridgeagent/agent.yaml: the things that don't change per process
// restart the way environment variables do.
type AgentConfig struct {
	Label          string      `yaml:"label,omitempty"`
	AllowedShells  []string    `yaml:"allowed_shells,omitempty"`
	ICEServers     []ICEServer `yaml:"ice_servers,omitempty"`
	IdleTimeout    string      `yaml:"idle_timeout,omitempty"`    // browser idle shutdown, e.g. "10m"
	OrphanTTL      string      `yaml:"orphan_ttl,omitempty"`      // PTY orphan TTL, e.g. "5m"
	BrowserProfile string      `yaml:"browser_profile,omitempty"` // override for ~/.bridgeagent/browser-profiles
	Paths          PathList    `yaml:"paths,omitempty"`
}

// ICEServer is a STUN/TURN server configuration for WebRTC peer
// connections.
type ICEServer struct {
	URLs       []string `yaml:"urls" json:"urls"`
	Username   string   `yaml:"username,omitempty" json:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty" json:"credential,omitempty"`
}

// PathEntry is one registered project directory.
type PathEntry struct {
	Path string `yaml:"path" json:"path"`
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
}

// PathList supports mixed YAML formats in a single sequence: plain
// strings ("~/repos/foo") and mappings ({path: ..., name: ...}).
type PathList []PathEntry

// UnmarshalYAML handles both scalar strings and mapping nodes in a YAML sequence.
func (pl *PathList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.SequenceNode {
		return &yaml.TypeError{Errors: []string{"expected sequence"}}
	}
	var result PathList
	for _, item := range value.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			result = append(result, PathEntry{Path: item.Value})
		case yaml.MappingNode:
			var entry PathEntry
			if err := item.Decode(&entry); err != nil {
				return err
			}
			result = append(result, entry)
		}
	}
	*pl = result
	return nil
}

// MarshalYAML serializes PathList: unnamed entries become plain strings.
func (pl PathList) MarshalYAML() (any, error) {
	var nodes []*yaml.Node
	for _, e := range pl {
		if e.Name == "" {
			nodes = append(nodes, &yaml.Node{Kind: yaml.ScalarNode, Value: e.Path})
		} else {
			var n yaml.Node
			if err := n.Encode(e); err != nil {
				return nil, err
			}
			nodes = append(nodes, &n)
		}
	}
	return &yaml.Node{Kind: yaml.SequenceNode, Content: nodes}, nil
}

// DefaultICEServers is the spec's default STUN configuration, used
// when agent.yaml has none configured.
var DefaultICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

// LoadAgentConfig reads agent.yaml from dir. A missing file yields a
// zero-value config with DefaultICEServers filled in, not an error.
func LoadAgentConfig(dir string) (*AgentConfig, error) {
	cfg := &AgentConfig{}
	path := filepath.Join(dir, "agent.yaml")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ICEServers = DefaultICEServers
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = DefaultICEServers
	}
	return cfg, nil
}

// SaveAgentConfig writes agent.yaml to dir.
func SaveAgentConfig(dir string, cfg *AgentConfig) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "agent.yaml"), data, 0o644)
}
