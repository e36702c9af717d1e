package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/starwalkn/edge"
)

const fallbackConfigPath = "./edge.yaml"

var cfgPath string

var rootCmd = &cobra.Command{
	Use:          "edge",
	Short:        "Edge content router for hybrid static and rendered sites",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to the configuration file (env EDGE_CONFIG)")
}

func main() {
	// A missing .env file is fine.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (edge.Config, error) {
	if cfgPath == "" {
		cfgPath = os.Getenv("EDGE_CONFIG")
	}
	if cfgPath == "" {
		cfgPath = fallbackConfigPath
	}

	return edge.LoadConfig(cfgPath)
}
