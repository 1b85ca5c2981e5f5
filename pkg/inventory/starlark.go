package inventory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// maxStarlarkSteps bounds a dynamic inventory script.
const maxStarlarkSteps = 50_000_000

// StarlarkSource runs a Starlark script that builds the inventory. The script
// assigns a dict with the YAML layout to a global named inventory, or
// defines a function inventory() returning one:
//
//	def inventory():
//	    return {
//	        "web": {"hosts": {"web%d" % i: None for i in range(1, 4)}},
//	        "db": {"hosts": {"db1": {"froyo_port": 2222}}},
//	    }
//
// getenv(name, default="") is predeclared.
type StarlarkSource struct {
	path string
}

// NewStarlarkSource creates a Starlark script source.
func NewStarlarkSource(path string) *StarlarkSource {
	return &StarlarkSource{path: path}
}

// Name implements Source.
func (s *StarlarkSource) Name() string {
	return s.path
}

// Load implements Source.
func (s *StarlarkSource) Load(ctx context.Context) (*Data, error) {
	script, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	data, err := EvalStarlark(ctx, s.path, script)
	if err != nil {
		return nil, err
	}
	if abs, err := filepath.Abs(s.path); err == nil {
		data.Origin = abs
	}
	return data, nil
}

// EvalStarlark executes an inventory script. Cancelling ctx stops it.
func EvalStarlark(ctx context.Context, filename string, script []byte) (*Data, error) {
	thread := &starlark.Thread{
		Name:  "inventory",
		Print: func(_ *starlark.Thread, _ string) {},
	}
	thread.SetMaxExecutionSteps(maxStarlarkSteps)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()

	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"getenv": starlark.NewBuiltin("getenv", builtinGetenv),
	}

	globals, err := starlark.ExecFile(thread, filename, script, predeclared)
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	root, ok := globals["inventory"]
	if !ok {
		return nil, fmt.Errorf("%s: script does not define inventory", filename)
	}
	if fn, ok := root.(starlark.Callable); ok {
		root, err = starlark.Call(thread, fn, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("starlark inventory() failed: %w", err)
		}
	}

	dict, ok := root.(*starlark.Dict)
	if !ok {
		return nil, fmt.Errorf("%s: inventory must be a dict, got %s", filename, root.Type())
	}

	data := &Data{}
	for _, item := range dict.Items() {
		name, ok := starlark.AsString(item[0])
		if !ok {
			return nil, fmt.Errorf("%s: group names must be strings", filename)
		}
		gd, err := starlarkGroup(name, item[1])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filename, err)
		}
		data.Groups = append(data.Groups, gd)
	}
	return data, nil
}

func starlarkGroup(name string, v starlark.Value) (*GroupData, error) {
	gd := &GroupData{Name: name}
	if v == starlark.None {
		return gd, nil
	}
	dict, ok := v.(*starlark.Dict)
	if !ok {
		return nil, fmt.Errorf("group %q must be a dict, got %s", name, v.Type())
	}

	for _, item := range dict.Items() {
		key, _ := starlark.AsString(item[0])
		switch key {
		case "vars":
			vars, err := starlarkVars(item[1])
			if err != nil {
				return nil, fmt.Errorf("group %q vars: %w", name, err)
			}
			gd.Vars = vars
		case "hosts":
			hosts, err := starlarkHosts(name, item[1])
			if err != nil {
				return nil, err
			}
			gd.Hosts = hosts
		case "children":
			children, ok := item[1].(*starlark.Dict)
			if !ok {
				return nil, fmt.Errorf("children of group %q must be a dict", name)
			}
			for _, c := range children.Items() {
				childName, ok := starlark.AsString(c[0])
				if !ok {
					return nil, fmt.Errorf("child group names of %q must be strings", name)
				}
				child, err := starlarkGroup(childName, c[1])
				if err != nil {
					return nil, err
				}
				gd.Children = append(gd.Children, child)
			}
		default:
			return nil, fmt.Errorf("group %q: unexpected key %q", name, key)
		}
	}
	return gd, nil
}

// starlarkHosts accepts either a dict of host -> vars|None or a list of
// host names.
func starlarkHosts(group string, v starlark.Value) ([]HostData, error) {
	switch hosts := v.(type) {
	case *starlark.Dict:
		out := make([]HostData, 0, hosts.Len())
		for _, item := range hosts.Items() {
			name, ok := starlark.AsString(item[0])
			if !ok {
				return nil, fmt.Errorf("host names in group %q must be strings", group)
			}
			vars, err := starlarkVars(item[1])
			if err != nil {
				return nil, fmt.Errorf("host %q in group %q: %w", name, group, err)
			}
			out = append(out, HostData{Name: name, Vars: vars})
		}
		return out, nil
	case *starlark.List:
		out := make([]HostData, 0, hosts.Len())
		for i := 0; i < hosts.Len(); i++ {
			name, ok := starlark.AsString(hosts.Index(i))
			if !ok {
				return nil, fmt.Errorf("host names in group %q must be strings", group)
			}
			out = append(out, HostData{Name: name})
		}
		return out, nil
	default:
		return nil, fmt.Errorf("hosts of group %q must be a dict or list", group)
	}
}

func starlarkVars(v starlark.Value) (Vars, error) {
	if v == starlark.None {
		return nil, nil
	}
	goVal, err := fromStarlarkValue(v)
	if err != nil {
		return nil, err
	}
	m, ok := goVal.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("expected a dict of variables, got %s", v.Type())
	}
	return Vars(m), nil
}

func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, item := range val {
			converted, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = converted
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{}, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

func builtinGetenv(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name, def string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "default?", &def); err != nil {
		return nil, err
	}
	if v, ok := os.LookupEnv(name); ok {
		return starlark.String(v), nil
	}
	return starlark.String(def), nil
}
