package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/froyoctl/pkg/errs"
	"github.com/openfroyo/froyoctl/pkg/inventory"
)

func newInventoryCommand(version string) *cobra.Command {
	var (
		graph   bool
		list    bool
		host    string
		yamlOut bool
		vf      vaultFlags
	)

	cmd := &cobra.Command{
		Use:   "inventory [group]",
		Short: "Show the inventory",
		Long: `Show the merged inventory.

--list prints every group with its hosts, children and variables, plus the
variables of every host under _meta. --host prints the resolved variables
of one host, with vault values decrypted. --graph draws the group tree,
optionally starting at a group other than all.`,
		Example: `  # Dump the inventory as JSON
  froyoctl inventory -i hosts.yaml --list

  # Resolved variables of one host
  froyoctl inventory -i hosts.yaml --host web1 --vault-id prod@~/.vault_pass

  # Group tree below the web group
  froyoctl inventory -i hosts.yaml --graph web`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 && !graph {
				return fmt.Errorf("a group argument is only accepted with --graph")
			}

			a, err := newApp(cmd, version)
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()

			snap, err := a.loadInventory(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			switch {
			case graph:
				root := inventory.AllGroup
				if len(args) > 0 {
					root = args[0]
				}
				return writeGraph(out, snap, root)

			case host != "":
				h, ok := snap.LookupHost(host)
				if !ok {
					if h = snap.ImplicitLocalhost(); h == nil || host != h.Name {
						return errs.Newf(errs.CodeUnknownGroupOrHost, "unknown host %q", host)
					}
				}
				v, err := a.loadVault(&vf)
				if err != nil {
					return err
				}
				opts := inventory.ResolveOptions{Strict: a.settings.StrictVault}
				if v != nil {
					opts.Decrypter = v
				}
				vars, err := snap.ResolveVars(ctx, h, opts)
				if err != nil {
					return err
				}
				return writeData(out, vars, yamlOut)

			default:
				return writeData(out, listInventory(snap), yamlOut)
			}
		},
	}

	flags := cmd.Flags()
	flags.StringSliceP("inventory", "i", nil, "inventory file, directory or comma-separated host list (repeatable)")
	flags.BoolVar(&graph, "graph", false, "draw the group tree")
	flags.BoolVar(&list, "list", false, "print all groups and hosts (default)")
	flags.StringVar(&host, "host", "", "print the resolved variables of a host")
	flags.BoolVarP(&yamlOut, "yaml", "y", false, "print YAML instead of JSON")
	flags.Bool("strict-vault", false, "reject vault fragments that override plain variables")
	vf.register(flags)
	cmd.MarkFlagsMutuallyExclusive("graph", "list", "host")

	return cmd
}

// listInventory returns the inventory as nested maps: one entry per group
// and a _meta.hostvars entry holding each host's own variables. Encrypted
// values are left as envelopes.
func listInventory(snap *inventory.Snapshot) map[string]interface{} {
	hostvars := make(map[string]interface{})
	for _, h := range snap.Hosts() {
		hostvars[h.Name] = plainVars(h.Vars)
	}
	out := map[string]interface{}{
		"_meta": map[string]interface{}{"hostvars": hostvars},
	}

	for _, g := range snap.Groups() {
		entry := make(map[string]interface{})
		if len(g.Hosts) > 0 {
			names := make([]string, 0, len(g.Hosts))
			for _, id := range g.Hosts {
				names = append(names, snap.Host(id).Name)
			}
			entry["hosts"] = names
		}
		if len(g.Children) > 0 {
			names := make([]string, 0, len(g.Children))
			for _, id := range g.Children {
				names = append(names, snap.Group(id).Name)
			}
			entry["children"] = names
		}
		if len(g.Vars) > 0 {
			entry["vars"] = plainVars(g.Vars)
		}
		out[g.Name] = entry
	}
	return out
}

// plainVars turns Encrypted values into strings so they serialize as
// their envelope text.
func plainVars(vars inventory.Vars) map[string]interface{} {
	out := make(map[string]interface{}, len(vars))
	for k, v := range vars {
		if enc, ok := v.(inventory.Encrypted); ok {
			v = string(enc)
		}
		out[k] = v
	}
	return out
}

func writeData(w io.Writer, v interface{}, asYAML bool) error {
	if asYAML {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("failed to encode output: %w", err)
		}
		return enc.Close()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}

// writeGraph draws the group tree below root:
//
//	@all:
//	  |--@web:
//	  |  |--web1
func writeGraph(w io.Writer, snap *inventory.Snapshot, root string) error {
	g, ok := snap.LookupGroup(root)
	if !ok {
		return errs.Newf(errs.CodeUnknownGroupOrHost, "unknown group %q", root)
	}
	fmt.Fprintf(w, "@%s:\n", g.Name)
	drawGroup(w, snap, g, 1)
	return nil
}

func drawGroup(w io.Writer, snap *inventory.Snapshot, g *inventory.Group, depth int) {
	indent := strings.Repeat("  |", depth-1)
	for _, id := range g.Children {
		child := snap.Group(id)
		fmt.Fprintf(w, "%s  |--@%s:\n", indent, child.Name)
		drawGroup(w, snap, child, depth+1)
	}
	for _, id := range g.Hosts {
		fmt.Fprintf(w, "%s  |--%s\n", indent, snap.Host(id).Name)
	}
}
