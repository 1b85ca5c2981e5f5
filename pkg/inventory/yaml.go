package inventory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// vaultTag marks an encrypted scalar in YAML inventories and vars files.
const vaultTag = "!vault"

// YAMLSource reads the group/hosts/children YAML layout:
//
//	webservers:
//	  vars: {http_port: 80}
//	  hosts:
//	    web[01:02]:
//	    web03: {froyo_host: 10.0.0.3}
//	  children:
//	    canary:
//
// host_vars/ and group_vars/ directories next to the file are read too.
// JSON files use the same layout.
type YAMLSource struct {
	path   string
	logger zerolog.Logger
}

// NewYAMLSource creates a YAML file source.
func NewYAMLSource(path string, logger zerolog.Logger) *YAMLSource {
	return &YAMLSource{path: path, logger: logger}
}

// Name implements Source.
func (s *YAMLSource) Name() string {
	return s.path
}

// Load implements Source.
func (s *YAMLSource) Load(_ context.Context) (*Data, error) {
	content, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}

	data, err := ParseYAML(content, s.logger)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}

	abs, err := filepath.Abs(s.path)
	if err != nil {
		abs = s.path
	}
	data.Origin = abs

	if err := loadVarsDirs(filepath.Dir(s.path), data); err != nil {
		return nil, err
	}
	return data, nil
}

// ParseYAML parses inventory content, preserving declaration order.
func ParseYAML(content []byte, logger zerolog.Logger) (*Data, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, err
	}

	data := &Data{}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return data, nil
	}

	root := doc.Content[0]
	if isNull(root) {
		return data, nil
	}
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: inventory root must be a mapping of groups", root.Line)
	}

	for i := 0; i+1 < len(root.Content); i += 2 {
		gd, err := parseGroupNode(root.Content[i].Value, root.Content[i+1], logger)
		if err != nil {
			return nil, err
		}
		data.Groups = append(data.Groups, gd)
	}
	return data, nil
}

func parseGroupNode(name string, n *yaml.Node, logger zerolog.Logger) (*GroupData, error) {
	gd := &GroupData{Name: name}
	if isNull(n) {
		return gd, nil
	}
	if n.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: group %q must be a mapping", n.Line, name)
	}

	for i := 0; i+1 < len(n.Content); i += 2 {
		key, val := n.Content[i].Value, n.Content[i+1]
		switch key {
		case "vars":
			vars, err := nodeVars(val)
			if err != nil {
				return nil, fmt.Errorf("group %q vars: %w", name, err)
			}
			gd.Vars = vars
		case "hosts":
			hosts, err := parseHostsNode(name, val)
			if err != nil {
				return nil, err
			}
			gd.Hosts = hosts
		case "children":
			if isNull(val) {
				continue
			}
			if val.Kind != yaml.MappingNode {
				return nil, fmt.Errorf("line %d: children of group %q must be a mapping", val.Line, name)
			}
			for j := 0; j+1 < len(val.Content); j += 2 {
				child, err := parseGroupNode(val.Content[j].Value, val.Content[j+1], logger)
				if err != nil {
					return nil, err
				}
				gd.Children = append(gd.Children, child)
			}
		default:
			logger.Warn().
				Str("group", name).
				Str("key", key).
				Int("line", n.Content[i].Line).
				Msg("skipping unexpected key in inventory group")
		}
	}
	return gd, nil
}

func parseHostsNode(group string, n *yaml.Node) ([]HostData, error) {
	if isNull(n) {
		return nil, nil
	}
	if n.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: hosts of group %q must be a mapping", n.Line, group)
	}

	hosts := make([]HostData, 0, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		vars, err := nodeVars(n.Content[i+1])
		if err != nil {
			return nil, fmt.Errorf("host %q in group %q: %w", n.Content[i].Value, group, err)
		}
		hosts = append(hosts, HostData{Name: n.Content[i].Value, Vars: vars})
	}
	return hosts, nil
}

// nodeVars converts a mapping node to Vars. A null node yields nil.
func nodeVars(n *yaml.Node) (Vars, error) {
	if isNull(n) {
		return nil, nil
	}
	if n.Kind == yaml.AliasNode {
		return nodeVars(n.Alias)
	}
	if n.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: expected a mapping of variables", n.Line)
	}
	v, err := nodeValue(n)
	if err != nil {
		return nil, err
	}
	return Vars(v.(map[string]interface{})), nil
}

// nodeValue converts a node to plain Go values. Scalars tagged !vault become
// Encrypted; merge keys (<<) are honoured.
func nodeValue(n *yaml.Node) (interface{}, error) {
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return nil, nil
		}
		return nodeValue(n.Content[0])
	case yaml.AliasNode:
		return nodeValue(n.Alias)
	case yaml.ScalarNode:
		if n.Tag == vaultTag {
			return Encrypted(strings.TrimSpace(n.Value)), nil
		}
		if strings.HasPrefix(n.Tag, "!") && !strings.HasPrefix(n.Tag, "!!") {
			return n.Value, nil
		}
		var v interface{}
		if err := n.Decode(&v); err != nil {
			return nil, fmt.Errorf("line %d: %w", n.Line, err)
		}
		if s, ok := v.(string); ok && isEnvelope(s) {
			return Encrypted(strings.TrimSpace(s)), nil
		}
		return v, nil
	case yaml.SequenceNode:
		out := make([]interface{}, 0, len(n.Content))
		for _, item := range n.Content {
			v, err := nodeValue(item)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case yaml.MappingNode:
		out := make(map[string]interface{}, len(n.Content)/2)
		var merged []map[string]interface{}
		for i := 0; i+1 < len(n.Content); i += 2 {
			key, val := n.Content[i], n.Content[i+1]
			if key.Value == "<<" && key.Tag == "!!merge" {
				m, err := mergeSources(val)
				if err != nil {
					return nil, err
				}
				merged = append(merged, m...)
				continue
			}
			v, err := nodeValue(val)
			if err != nil {
				return nil, err
			}
			out[key.Value] = v
		}
		for _, m := range merged {
			for k, v := range m {
				if _, ok := out[k]; !ok {
					out[k] = v
				}
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("line %d: unsupported YAML node", n.Line)
	}
}

func mergeSources(n *yaml.Node) ([]map[string]interface{}, error) {
	nodes := []*yaml.Node{n}
	if n.Kind == yaml.SequenceNode {
		nodes = n.Content
	}
	var out []map[string]interface{}
	for _, node := range nodes {
		v, err := nodeValue(node)
		if err != nil {
			return nil, err
		}
		m, ok := v.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("line %d: merge key expects a mapping", node.Line)
		}
		out = append(out, m)
	}
	return out, nil
}

func isNull(n *yaml.Node) bool {
	return n == nil || (n.Kind == yaml.ScalarNode && n.Tag == "!!null")
}

// loadVarsDirs reads host_vars/<name>.{yml,yaml,json} and
// group_vars/<name>.{yml,yaml,json} under dir into data.
func loadVarsDirs(dir string, data *Data) error {
	hostVars, err := readVarsDir(filepath.Join(dir, "host_vars"))
	if err != nil {
		return err
	}
	groupVars, err := readVarsDir(filepath.Join(dir, "group_vars"))
	if err != nil {
		return err
	}
	data.HostVars = hostVars
	data.GroupVars = groupVars
	return nil
}

func readVarsDir(dir string) (map[string]Vars, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	out := make(map[string]Vars)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		switch strings.ToLower(ext) {
		case ".yml", ".yaml", ".json":
		default:
			continue
		}
		path := filepath.Join(dir, entry.Name())
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var doc yaml.Node
		if err := yaml.Unmarshal(content, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if doc.Kind == 0 || len(doc.Content) == 0 {
			continue
		}
		vars, err := nodeVars(doc.Content[0])
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		name := strings.TrimSuffix(entry.Name(), ext)
		out[name] = mergeVars(out[name], vars, MergeReplace)
	}
	return out, nil
}
