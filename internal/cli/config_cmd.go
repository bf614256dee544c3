package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show or validate geolocate configuration",
	}

	var asJSON bool
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(root.cfg)
			}
			root.configShow(cmd.OutOrStdout())
			return nil
		},
	}
	showCmd.Flags().BoolVar(&asJSON, "json", false, "print the effective configuration as JSON")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				root.log.Error("configuration validation", "status", "invalid", "error", err)
				return fmt.Errorf("invalid configuration: %w", err)
			}
			root.log.Info("configuration validation", "status", "valid")
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func (r *Root) configShow(w io.Writer) {
	cfgPath := os.Getenv("GEOLOCATE_CONFIG")
	if cfgPath == "" {
		cfgPath = "(default) ~/.config/geolocate/config.json"
	}
	c := r.cfg

	fmt.Fprintf(w, "Config file: %s\n", cfgPath)
	fmt.Fprintf(w, "\nServices:\n")
	fmt.Fprintf(w, "  Calc:    %s (listen %s)\n", c.Services.CalcURL, c.Server.CalcAddr)
	fmt.Fprintf(w, "  Photos:  %s (listen %s)\n", c.Services.PhotoURL, c.Server.PhotoAddr)
	fmt.Fprintf(w, "  Gateway: listen %s, public %q, language %s\n", c.Server.GatewayAddr, c.Services.PublicURL, c.Services.Language)
	fmt.Fprintf(w, "\nStorage:\n")
	fmt.Fprintf(w, "  Database: %s (%s)\n", c.Database.Path, c.Database.Driver)
	fmt.Fprintf(w, "  Uploads: %s\n", c.Paths.UploadDir)
	fmt.Fprintf(w, "  Import: %s\n", c.Paths.ImportDir)
	fmt.Fprintf(w, "  Results: %s (%s)\n", c.Results.Backend, c.Paths.ResultsDir)
	fmt.Fprintf(w, "\nDetection:\n")
	fmt.Fprintf(w, "  Min area: %d px, min confidence: %.2f\n", c.Detection.MinArea, c.Detection.MinConfidence)
	fmt.Fprintf(w, "  Base offset: %g deg, area normalizer: %g\n", c.Detection.BaseOffsetDeg, c.Detection.AreaNormalizer)
	fmt.Fprintf(w, "  Jitter: %gm (%gm at %.0f%%)\n", c.Detection.JitterMeters, c.Detection.JitterWideMeters, c.Detection.JitterWideChance*100)
	for _, m := range c.Detection.Models {
		fmt.Fprintf(w, "  Model %s: %s\n", m.Name, m.ModelPath)
	}
	fmt.Fprintf(w, "\nRender: %s q%d, overlay %t\n", c.Render.Format, c.Render.Quality, c.Render.Overlay)
	fmt.Fprintf(w, "Timeouts: connect %s, read %s\n", c.Timeouts.Connect.Duration, c.Timeouts.Read.Duration)
	fmt.Fprintf(w, "Workers: %d (queue %d), max image %s\n", c.Batch.Workers, c.Batch.QueueSize, humanize.IBytes(uint64(c.Batch.MaxBytes)))
	fmt.Fprintf(w, "Log: %s/%s, dir %s\n", c.Logging.Level, c.Logging.Format, c.Logging.LogDir)
}
