package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/providers"
	"github.com/openfroyo/converge/pkg/telemetry"
)

// hostFacts is what the agent detects about the managed host.
type hostFacts struct {
	Host      string                 `json:"host"`
	Platform  engine.Platform        `json:"platform"`
	Providers map[engine.Kind]string `json:"providers"`
	Errors    map[engine.Kind]string `json:"errors,omitempty"`
}

func newFactsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "facts",
		Short: "Show the detected platform and selected providers",
		Long: `Detect the platform of the managed host (local, or remote when SSH is
configured) and show which provider would handle each resource kind.

The platform comes from /etc/os-release, falling back to the operating
system name. Provider overrides from settings and --provider apply.`,
		Example: `  # Show facts for this host
  froyo-converge facts

  # Check which provider is used when forcing dnf
  froyo-converge facts --provider package=dnf`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, rt, err := setup(cmd.Context(), false, true)
			defer func() {
				if cerr := rt.Close(); cerr != nil {
					telemetry.FromContext(ctx).WithError(cerr).Warn("failed to release resources")
				}
			}()
			if err != nil {
				return err
			}

			facts := hostFacts{
				Host:      rt.host,
				Platform:  rt.agent.Platform(),
				Providers: make(map[engine.Kind]string),
				Errors:    make(map[engine.Kind]string),
			}
			registry := providers.NewRegistry()
			kinds := []engine.Kind{engine.KindPackage, engine.KindGroup, engine.KindService}
			for _, k := range kinds {
				name, err := registry.Lookup(k, facts.Platform, rt.settings.Providers[k])
				if err != nil {
					facts.Errors[k] = err.Error()
					continue
				}
				facts.Providers[k] = name
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, facts)
			}

			p := facts.Platform
			fmt.Fprintf(out, "host:     %s\n", facts.Host)
			fmt.Fprintf(out, "os:       %s\n", p.OS)
			fmt.Fprintf(out, "platform: %s %s\n", p.ID, p.Version)
			if len(p.Like) > 0 {
				fmt.Fprintf(out, "like:     %v\n", p.Like)
			}
			fmt.Fprintln(out)

			tw := newTable(out)
			fmt.Fprintln(tw, "KIND\tPROVIDER\tAVAILABLE")
			for _, k := range kinds {
				name, ok := facts.Providers[k]
				if !ok {
					name = "none: " + facts.Errors[k]
				}
				fmt.Fprintf(tw, "%s\t%s\t%v\n", k, name, registry.Names(k))
			}
			return tw.Flush()
		},
	}
	return cmd
}
