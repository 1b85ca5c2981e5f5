package inventory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// ScriptSource runs an executable and reads the inventory from its
// standard output. The executable is called with --list and must print JSON:
//
//	{
//	  "web": {"hosts": ["web1", "web2"], "vars": {"http_port": 80}, "children": ["canary"]},
//	  "db": ["db1"],
//	  "_meta": {"hostvars": {"web1": {"froyo_port": 2222}}}
//	}
type ScriptSource struct {
	path string
}

// NewScriptSource creates an executable inventory source.
func NewScriptSource(path string) *ScriptSource {
	return &ScriptSource{path: path}
}

// Name implements Source.
func (s *ScriptSource) Name() string {
	return s.path
}

// Load implements Source.
func (s *ScriptSource) Load(ctx context.Context) (*Data, error) {
	cmd := exec.CommandContext(ctx, s.path, "--list")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("inventory script %s failed: %w: %s", s.path, err, msg)
		}
		return nil, fmt.Errorf("inventory script %s failed: %w", s.path, err)
	}

	data, err := ParseScriptOutput(stdout.Bytes())
	if err != nil {
		return nil, fmt.Errorf("inventory script %s: %w", s.path, err)
	}
	if abs, err := filepath.Abs(s.path); err == nil {
		data.Origin = abs
	}
	return data, nil
}

type scriptGroup struct {
	Hosts    []string               `json:"hosts"`
	Vars     map[string]interface{} `json:"vars"`
	Children []string               `json:"children"`
}

type scriptMeta struct {
	HostVars map[string]map[string]interface{} `json:"hostvars"`
}

// ParseScriptOutput parses the JSON printed by an inventory executable.
// Groups are emitted in name order; children refer to groups by name.
func ParseScriptOutput(out []byte) (*Data, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	data := &Data{}
	if metaRaw, ok := raw["_meta"]; ok {
		var meta scriptMeta
		if err := json.Unmarshal(metaRaw, &meta); err != nil {
			return nil, fmt.Errorf("invalid _meta: %w", err)
		}
		if len(meta.HostVars) > 0 {
			data.HostVars = make(map[string]Vars, len(meta.HostVars))
			for name, vars := range meta.HostVars {
				data.HostVars[name] = Vars(vars)
			}
		}
		delete(raw, "_meta")
	}

	groups := make(map[string]*scriptGroup, len(raw))
	names := make([]string, 0, len(raw))
	for name, msg := range raw {
		g := &scriptGroup{}
		// A bare list is shorthand for a group's hosts.
		if err := json.Unmarshal(msg, &g.Hosts); err != nil {
			g.Hosts = nil
			if err := json.Unmarshal(msg, g); err != nil {
				return nil, fmt.Errorf("group %q: %w", name, err)
			}
		}
		groups[name] = g
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		g := groups[name]
		gd := &GroupData{Name: name, Vars: Vars(g.Vars)}
		for _, h := range g.Hosts {
			gd.Hosts = append(gd.Hosts, HostData{Name: h})
		}
		for _, child := range g.Children {
			gd.Children = append(gd.Children, &GroupData{Name: child})
		}
		data.Groups = append(data.Groups, gd)
	}
	return data, nil
}
