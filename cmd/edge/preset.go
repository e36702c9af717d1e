package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/starwalkn/edge"
)

var (
	presetOpts   edge.PresetOptions
	presetFormat string
)

var presetCmd = &cobra.Command{
	Use:       "preset static-first|render-first",
	Short:     "Print a starter configuration for one of the two site shapes",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"static-first", "render-first"},
	RunE: func(cmd *cobra.Command, args []string) error {
		var cfg edge.Config

		switch args[0] {
		case "static-first":
			cfg = edge.PresetStaticFirst(presetOpts)
		case "render-first":
			cfg = edge.PresetRenderFirst(presetOpts)
		default:
			return fmt.Errorf("unknown preset %q", args[0])
		}

		if err := edge.Validate(&cfg, "."+presetFormat); err != nil {
			return err
		}

		return writeConfig(cmd.OutOrStdout(), cfg, presetFormat)
	},
}

func init() {
	f := presetCmd.Flags()
	f.StringVar(&presetOpts.Name, "name", "site", "site name")
	f.StringVar(&presetOpts.StaticDir, "static-dir", "", "local directory of rendered pages and assets")
	f.StringVar(&presetOpts.StaticURL, "static-url", "", "remote static distribution URL (instead of --static-dir)")
	f.StringVar(&presetOpts.RendererURL, "renderer-url", "", "dynamic renderer function URL")
	f.StringVar(&presetOpts.StaticPrefix, "static-prefix", "", "static subtree prefix for render-first sites")
	f.StringVar(&presetOpts.ErrorPage, "error-page", "", "page served for 403 and 404 responses")
	f.IntVar(&presetOpts.Port, "port", 8080, "listen port")
	f.StringVarP(&presetFormat, "format", "o", "yaml", "output format: yaml, json or toml")

	_ = presetCmd.MarkFlagRequired("renderer-url")

	rootCmd.AddCommand(presetCmd)
}

func writeConfig(w io.Writer, cfg edge.Config, format string) error {
	switch format {
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)

		if err := enc.Encode(cfg); err != nil {
			return err
		}

		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		return enc.Encode(cfg)
	case "toml":
		return toml.NewEncoder(w).Encode(cfg)
	default:
		return fmt.Errorf("unsupported format %q", format)
	}
}
