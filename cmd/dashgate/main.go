// Command dashgate runs the edge gateway in front of a Superset BI host.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/dalemusser/dashgate/app"
	"github.com/dalemusser/dashgate/config"
	"github.com/dalemusser/dashgate/internal/gateway"
	"github.com/dalemusser/dashgate/origin"
	"github.com/dalemusser/dashgate/pantry/version"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          gateway.Name,
		Short:        "Origin policy gateway for a Superset BI host",
		SilenceUsage: true,
	}
	root.Version = version.String()
	root.AddCommand(newServeCmd(), newSettingsCmd(), newCheckOriginCmd())
	return root
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Run(cmd.Context(), gateway.Hooks(cmd.Flags()))
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func newSettingsCmd() *cobra.Command {
	var (
		showSecrets bool
		format      string
	)
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Print the effective BI host settings",
		Long: "Print the host settings after defaults, config file, environment and flags\n" +
			"are merged, using the host's own key names. Secrets are masked unless\n" +
			"--show-secrets is given.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			core, s, err := config.Load(cmd.Flags(), zap.NewNop())
			if err != nil {
				return err
			}
			if !showSecrets {
				r := s.Redacted()
				s = &r
			}
			return render(cmd.OutOrStdout(), format, s.Document(core.CORS))
		},
	}
	config.RegisterFlags(cmd.Flags())
	cmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "Print secrets in clear")
	cmd.Flags().StringVar(&format, "format", "yaml", `Output format "yaml"|"json"`)
	return cmd
}

func render(w io.Writer, format string, doc map[string]any) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

func newCheckOriginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check-origin ORIGIN...",
		Short: "Show the gate's decision for each origin",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			core, _, err := config.Load(cmd.Flags(), zap.NewNop())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !core.CORS.EnableCORS {
				fmt.Fprintln(out, "origin gate disabled (enable_cors=false); no origin is granted")
				return nil
			}
			policy, err := origin.New(origin.ConfigFromCORS(core.CORS))
			if err != nil {
				return err
			}
			for _, o := range args {
				d := policy.Decide(o)
				verdict := "denied"
				if d.Allowed {
					verdict = "allowed"
				}
				fmt.Fprintf(out, "%s\t%s\t%s\n", o, verdict, d.Rule)
			}
			return nil
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}
