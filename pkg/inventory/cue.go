package inventory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// CUESource evaluates a CUE file whose value has the YAML inventory layout.
// CUE lets inventories share definitions and constrain variable types:
//
//	#Web: {vars: http_port: int & >0, ...}
//	webservers: #Web & {
//		vars: http_port: 8080
//		hosts: "web[1:3]": null
//	}
type CUESource struct {
	path string
}

// NewCUESource creates a CUE file source.
func NewCUESource(path string) *CUESource {
	return &CUESource{path: path}
}

// Name implements Source.
func (s *CUESource) Name() string {
	return s.path
}

// Load implements Source.
func (s *CUESource) Load(_ context.Context) (*Data, error) {
	content, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}

	data, err := ParseCUE(content, s.path)
	if err != nil {
		return nil, err
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

// ParseCUE evaluates CUE content into inventory data. Definitions and hidden
// fields are not groups.
func ParseCUE(content []byte, filename string) (*Data, error) {
	val := cuecontext.New().CompileBytes(content, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("evaluate %s: %s", filename, cueerrors.Details(err, nil))
	}
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("validate %s: %s", filename, cueerrors.Details(err, nil))
	}

	data := &Data{}
	if val.Kind() != cue.StructKind {
		return nil, fmt.Errorf("%s: inventory root must be a struct of groups", filename)
	}

	iter, err := val.Fields()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	for iter.Next() {
		gd, err := cueGroup(iter.Selector().Unquoted(), iter.Value())
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filename, err)
		}
		data.Groups = append(data.Groups, gd)
	}
	return data, nil
}

func cueGroup(name string, v cue.Value) (*GroupData, error) {
	gd := &GroupData{Name: name}
	if v.Kind() == cue.NullKind {
		return gd, nil
	}
	if v.Kind() != cue.StructKind {
		return nil, fmt.Errorf("group %q must be a struct", name)
	}

	if vars := v.LookupPath(cue.ParsePath("vars")); vars.Exists() {
		decoded, err := cueVars(vars)
		if err != nil {
			return nil, fmt.Errorf("group %q vars: %w", name, err)
		}
		gd.Vars = decoded
	}

	if hosts := v.LookupPath(cue.ParsePath("hosts")); hosts.Exists() && hosts.Kind() != cue.NullKind {
		iter, err := hosts.Fields()
		if err != nil {
			return nil, fmt.Errorf("group %q hosts: %w", name, err)
		}
		for iter.Next() {
			hostName := iter.Selector().Unquoted()
			vars, err := cueVars(iter.Value())
			if err != nil {
				return nil, fmt.Errorf("host %q in group %q: %w", hostName, name, err)
			}
			gd.Hosts = append(gd.Hosts, HostData{Name: hostName, Vars: vars})
		}
	}

	if children := v.LookupPath(cue.ParsePath("children")); children.Exists() && children.Kind() != cue.NullKind {
		iter, err := children.Fields()
		if err != nil {
			return nil, fmt.Errorf("group %q children: %w", name, err)
		}
		for iter.Next() {
			child, err := cueGroup(iter.Selector().Unquoted(), iter.Value())
			if err != nil {
				return nil, err
			}
			gd.Children = append(gd.Children, child)
		}
	}
	return gd, nil
}

func cueVars(v cue.Value) (Vars, error) {
	if v.Kind() == cue.NullKind {
		return nil, nil
	}
	var m map[string]interface{}
	if err := v.Decode(&m); err != nil {
		return nil, err
	}
	return Vars(m), nil
}
