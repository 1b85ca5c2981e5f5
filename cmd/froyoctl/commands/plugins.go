package commands

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/openfroyo/froyoctl/pkg/plugins"
)

func newPluginsCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Inspect connection, shell and callback plugins",
	}
	cmd.AddCommand(newPluginsListCommand(version))
	return cmd
}

// pluginListing is the JSON form of plugins list.
type pluginListing struct {
	Plugins  []plugins.Descriptor `json:"plugins"`
	Excluded []excludedPlugin     `json:"excluded,omitempty"`
}

type excludedPlugin struct {
	Path   string       `json:"path"`
	Kind   plugins.Kind `json:"kind"`
	Reason string       `json:"reason"`
}

func newPluginsListCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List available plugins",
		Long: `List the built-in plugins and those discovered in the plugin search
paths, followed by artifacts that were found but excluded, with the reason.

Search paths come from connection_plugins, shell_plugins and
callback_plugins (FROYO_CONNECTION_PLUGINS, ...), colon-separated, first
match wins.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, version)
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()

			registry, err := a.loadRegistry(ctx, io.Discard)
			if err != nil {
				return err
			}
			defer registry.Close(ctx)

			listing := pluginListing{Plugins: registry.Descriptors()}
			for _, c := range registry.Excluded() {
				listing.Excluded = append(listing.Excluded, excludedPlugin{Path: c.Path, Kind: c.Kind, Reason: c.Reason()})
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return writeData(out, listing, false)
			}

			t := newTable("KIND", "NAME", "ORIGIN", "ABI", "PATH")
			for _, d := range listing.Plugins {
				abi := "-"
				if d.ABIVersion != 0 {
					abi = strconv.FormatUint(uint64(d.ABIVersion), 10)
				}
				t.Row(string(d.Kind), d.Name, string(d.Origin), abi, d.Path)
			}
			fmt.Fprintln(out, TitleStyle.Render("Plugins"))
			fmt.Fprintln(out, t.Render())

			if len(listing.Excluded) > 0 {
				fmt.Fprintln(out, WarningStyle.Render("Excluded"))
				for _, e := range listing.Excluded {
					fmt.Fprintf(out, "  %s %s: %s\n", e.Kind, e.Path, ErrorStyle.Render(e.Reason))
				}
			}
			return nil
		},
	}
}
