package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// serverEntry is one value of a servers file.
type serverEntry struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	URL     string            `yaml:"url"`
}

// LoadServerFile reads a JSON server map:
//
//	{"weather": {"command": "uvx", "args": ["mcp-weather"], "env": {}}}
//
// A top-level "mcpServers" object is unwrapped. An "http_servers" key is
// ignored since only subprocess servers are supported. Server order in
// the file is preserved.
func LoadServerFile(path string) ([]ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read servers file: %w", err)
	}

	// JSON is valid YAML; decoding to a node keeps key order.
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse servers file %s: %w", path, err)
	}
	if len(doc.Content) == 0 {
		return nil, nil
	}

	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("servers file %s: top level must be an object", path)
	}
	if inner := mappingValue(root, "mcpServers"); inner != nil {
		root = inner
	}

	var servers []ServerConfig
	for i := 0; i+1 < len(root.Content); i += 2 {
		name := root.Content[i].Value
		if name == "http_servers" {
			continue
		}

		var e serverEntry
		if err := root.Content[i+1].Decode(&e); err != nil {
			return nil, fmt.Errorf("servers file %s: server %q: %w", path, name, err)
		}
		if e.Command == "" && e.URL != "" {
			return nil, fmt.Errorf("servers file %s: server %q: only subprocess servers are supported", path, name)
		}
		servers = append(servers, ServerConfig{
			Name:    name,
			Command: e.Command,
			Args:    e.Args,
			Env:     e.Env,
		})
	}
	return servers, nil
}

func mappingValue(n *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key && n.Content[i+1].Kind == yaml.MappingNode {
			return n.Content[i+1]
		}
	}
	return nil
}
