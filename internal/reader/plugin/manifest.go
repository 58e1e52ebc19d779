package plugin

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	supportedProtocol = 1
	manifestFilename  = "manifest.yaml"

	// DefaultTimeout applies when a manifest leaves timeout empty.
	DefaultTimeout = 30 * time.Second
)

// Method is one capability exported by a plugin.
type Method struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
}

// Methods accepts either a string list (methods: [read_temp, read_hum])
// or a list of objects with name and description.
type Methods []Method

func (m *Methods) UnmarshalYAML(n *yaml.Node) error {
	if n == nil {
		*m = nil
		return nil
	}
	if n.Kind != yaml.SequenceNode {
		return fmt.Errorf("methods must be a sequence")
	}

	out := make([]Method, 0, len(n.Content))
	for _, item := range n.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			out = append(out, Method{Name: strings.TrimSpace(item.Value)})
		case yaml.MappingNode:
			var tmp Method
			if err := item.Decode(&tmp); err != nil {
				return fmt.Errorf("invalid method object: %w", err)
			}
			tmp.Name = strings.TrimSpace(tmp.Name)
			out = append(out, tmp)
		default:
			return fmt.Errorf("invalid method entry (must be string or object)")
		}
	}

	*m = out
	return nil
}

// Manifest is the on-disk manifest.yaml of a plugin.
type Manifest struct {
	Name        string  `yaml:"name"`
	Version     string  `yaml:"version"`
	Protocol    int     `yaml:"protocol,omitempty"`
	Entrypoint  string  `yaml:"entrypoint"`
	Description string  `yaml:"description,omitempty"`
	Methods     Methods `yaml:"methods"`
	Timeout     string  `yaml:"timeout,omitempty"`
}

// Plugin is a discovered and validated plugin.
type Plugin struct {
	Name        string
	Path        string // absolute plugin directory
	Entrypoint  string // absolute path to the executable
	Version     string
	Description string
	Methods     Methods
	Timeout     time.Duration
}

// MethodNames returns method names in manifest order.
func (p *Plugin) MethodNames() []string {
	out := make([]string, 0, len(p.Methods))
	for _, m := range p.Methods {
		out = append(out, m.Name)
	}
	return out
}

func validateManifest(m *Manifest) error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if m.Protocol != 0 && m.Protocol != supportedProtocol {
		return fmt.Errorf("unsupported protocol version %d (supported: %d)", m.Protocol, supportedProtocol)
	}
	if m.Entrypoint == "" {
		return fmt.Errorf("entrypoint is required")
	}
	if strings.Contains(m.Entrypoint, "..") {
		return fmt.Errorf("entrypoint contains path traversal: %s", m.Entrypoint)
	}
	if len(m.Methods) == 0 {
		return fmt.Errorf("at least one method must be declared")
	}

	seen := make(map[string]struct{}, len(m.Methods))
	for _, method := range m.Methods {
		if method.Name == "" {
			return fmt.Errorf("method name is required")
		}
		key := strings.ToLower(method.Name)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("method %q declared twice", method.Name)
		}
		seen[key] = struct{}{}
	}

	if _, err := parseTimeout(m.Timeout); err != nil {
		return err
	}
	return nil
}

func parseTimeout(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultTimeout, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("timeout must be positive, got %s", s)
	}
	return d, nil
}
