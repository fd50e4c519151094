package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/reassembly/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults and REASM_* environment
overrides have been applied, as YAML.

Examples:
  reasm config show
  reasm config show -c config.yml`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runConfigShow(configFile, os.Stdout); err != nil {
			exitWithError("failed to show config", err)
		}
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Validate a configuration file without running anything.

Examples:
  reasm config validate -c config.yml`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runConfigValidate(configFile, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
}

func runConfigShow(path string, w io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(map[string]*config.GlobalConfig{"reasm": cfg}); err != nil {
		return err
	}
	return enc.Close()
}

func runConfigValidate(path string, w io.Writer) error {
	if path == "" {
		return fmt.Errorf("no config file given, use --config")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "VALID: %s (%d workers, max %d buffered bytes per stream, line size %d)\n",
		path, cfg.Dispatch.Workers, cfg.Stream.MaxBufferBytes, cfg.Line.MaxLineSize)
	return nil
}
