package inventory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyoctl/pkg/errs"
	"github.com/openfroyo/froyoctl/pkg/vault"
)

// Source produces inventory data.
type Source interface {
	// Name identifies the source in errors and logs.
	Name() string

	// Load reads the source.
	Load(ctx context.Context) (*Data, error)
}

// Data is the ordered, format-independent content of one source.
type Data struct {
	// Origin is the file the data came from, empty for dynamic sources.
	Origin string

	Groups []*GroupData

	// HostVars and GroupVars come from host_vars/ and group_vars/
	// directories or from a dynamic source's metadata. They are applied
	// after Groups.
	HostVars  map[string]Vars
	GroupVars map[string]Vars
}

// GroupData describes one group as written in a source.
type GroupData struct {
	Name     string
	Vars     Vars
	Hosts    []HostData
	Children []*GroupData
}

// HostData describes one host entry. Name may contain a range expression.
type HostData struct {
	Name string
	Vars Vars
}

// BuildOptions configures Build.
type BuildOptions struct {
	MergeMode MergeMode
	Logger    zerolog.Logger
}

// Build loads sources in order and merges them into one inventory. Later
// sources override variables of earlier ones according to the merge mode.
func Build(ctx context.Context, sources []Source, opts BuildOptions) (*Inventory, error) {
	inv := New(opts.MergeMode)

	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		data, err := src.Load(ctx)
		if err != nil {
			var e *errs.Error
			if errors.As(err, &e) {
				return nil, err
			}
			return nil, errs.Wrap(errs.CodeIngest, fmt.Sprintf("failed to load inventory source %s", src.Name()), err).
				WithDetail("source", src.Name())
		}

		if err := inv.Ingest(data); err != nil {
			return nil, fmt.Errorf("inventory source %s: %w", src.Name(), err)
		}

		opts.Logger.Debug().
			Str("source", src.Name()).
			Int("groups", len(data.Groups)).
			Msg("inventory source loaded")
	}

	inv.reconcile()
	return inv, nil
}

// Ingest merges one source's data into the inventory. Groups are created on
// first mention; an edge that would close a cycle fails with CycleDetected.
func (inv *Inventory) Ingest(data *Data) error {
	if data == nil {
		return nil
	}

	for _, gd := range data.Groups {
		if err := inv.ingestGroup(gd, -1, data.Origin); err != nil {
			return err
		}
	}

	// Variables for entities the data never declared are ignored.
	for _, name := range sortedNames(data.GroupVars) {
		gid, ok := inv.groupIdx[name]
		if !ok {
			continue
		}
		inv.MergeGroupVars(gid, normalizeVars(data.GroupVars[name]))
	}
	for _, name := range sortedNames(data.HostVars) {
		hid, ok := inv.hostIdx[name]
		if !ok {
			continue
		}
		inv.MergeHostVars(hid, normalizeVars(data.HostVars[name]))
	}

	inv.reconcile()
	return nil
}

func (inv *Inventory) ingestGroup(gd *GroupData, parent GroupID, origin string) error {
	if err := validateGroupName(gd.Name); err != nil {
		return err
	}

	gid := inv.AddGroup(gd.Name)
	if parent >= 0 {
		if gd.Name == AllGroup {
			return errs.Newf(errs.CodeIngest, "group %q cannot be a child of %q", AllGroup, inv.groups[parent].Name)
		}
		if err := inv.AddEdge(parent, gid); err != nil {
			return err
		}
	}

	if len(gd.Vars) > 0 {
		inv.MergeGroupVars(gid, normalizeVars(gd.Vars))
	}

	for _, hd := range gd.Hosts {
		names, err := ExpandHostPattern(hd.Name)
		if err != nil {
			return errs.Wrap(errs.CodeIngest, fmt.Sprintf("invalid host entry %q in group %q", hd.Name, gd.Name), err)
		}
		for _, raw := range names {
			name, port := splitHostPort(raw)
			hid := inv.AddHost(name)
			inv.AddMember(gid, hid)
			if origin != "" && inv.hosts[hid].Origin == "" {
				inv.hosts[hid].Origin = origin
			}
			if len(hd.Vars) > 0 {
				inv.MergeHostVars(hid, normalizeVars(hd.Vars))
			}
			if port != "" {
				inv.MergeHostVars(hid, Vars{"froyo_port": port})
			}
		}
	}

	for _, child := range gd.Children {
		if err := inv.ingestGroup(child, gid, origin); err != nil {
			return err
		}
	}
	return nil
}

func validateGroupName(name string) error {
	if name == "" {
		return errs.New(errs.CodeIngest, "group name is empty")
	}
	if strings.ContainsAny(name, " ,:!&[]~*?") {
		return errs.Newf(errs.CodeIngest, "group name %q contains characters reserved for host patterns", name)
	}
	return nil
}

// splitHostPort accepts "name:port" host entries. IPv6 addresses, which
// contain more than one colon, are left alone.
func splitHostPort(raw string) (string, string) {
	if strings.Count(raw, ":") != 1 {
		return raw, ""
	}
	idx := strings.LastIndex(raw, ":")
	port := raw[idx+1:]
	if port == "" {
		return raw, ""
	}
	for _, r := range port {
		if r < '0' || r > '9' {
			return raw, ""
		}
	}
	return raw[:idx], port
}

// normalizeVars converts vault envelopes found in plain strings into
// Encrypted values and unifies map types.
func normalizeVars(v Vars) Vars {
	out := make(Vars, len(v))
	for k, val := range v {
		out[k] = normalizeValue(val)
	}
	return out
}

func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		if isEnvelope(val) {
			return Encrypted(strings.TrimSpace(val))
		}
		return val
	case Vars:
		return map[string]interface{}(normalizeVars(val))
	case map[string]interface{}:
		return map[string]interface{}(normalizeVars(val))
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = normalizeValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return v
	}
}

func isEnvelope(s string) bool {
	return vault.IsEncrypted([]byte(strings.TrimSpace(s)))
}

func sortedNames(m map[string]Vars) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// SourcesForPath turns an -i argument into sources: a comma-separated host
// list, a directory (every supported file, lexical order) or a single file
// chosen by extension.
func SourcesForPath(path string, logger zerolog.Logger) ([]Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) && strings.Contains(path, ",") {
			return []Source{NewHostListSource(path)}, nil
		}
		return nil, errs.Wrap(errs.CodeIngest, fmt.Sprintf("inventory path %s", path), err)
	}

	if !info.IsDir() {
		src, ok := sourceForFile(path, info, logger)
		if !ok {
			// An explicitly named file with an unknown extension is read
			// as YAML.
			src = NewYAMLSource(path, logger)
		}
		return []Source{src}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, errs.Wrap(errs.CodeIngest, fmt.Sprintf("read inventory directory %s", path), err)
	}

	var sources []Source
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~") {
			continue
		}
		full := filepath.Join(path, name)
		info, err := entry.Info()
		if err != nil {
			return nil, errs.Wrap(errs.CodeIngest, fmt.Sprintf("stat %s", full), err)
		}
		src, ok := sourceForFile(full, info, logger)
		if !ok {
			logger.Warn().Str("path", full).Msg("skipping file with unsupported inventory format")
			continue
		}
		sources = append(sources, src)
	}
	return sources, nil
}

func sourceForFile(path string, info os.FileInfo, logger zerolog.Logger) (Source, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml", ".json":
		return NewYAMLSource(path, logger), true
	case ".cue":
		return NewCUESource(path), true
	case ".star":
		return NewStarlarkSource(path), true
	case "":
		if info.Mode()&0o111 != 0 {
			return NewScriptSource(path), true
		}
	}
	return nil, false
}
