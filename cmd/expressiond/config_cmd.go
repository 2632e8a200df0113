package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/normanking/cortexexpression/internal/channel"
	"github.com/normanking/cortexexpression/internal/config"
	"github.com/normanking/cortexexpression/internal/sink"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration and the files it references",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		errs := []error{cfg.Validate()}
		if cfg.Channels.Overrides != "" {
			if _, err := channel.NewClassifier().LoadOverridesFile(cfg.Channels.Overrides); err != nil {
				errs = append(errs, fmt.Errorf("channels.overrides: %w", err))
			}
		}
		if cfg.Model.Path != "" {
			if _, err := sink.LoadGLTFChannels(cfg.Model.Path); err != nil {
				errs = append(errs, fmt.Errorf("model.path: %w", err))
			}
		}
		if err := errors.Join(errs...); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "configuration OK")
		return nil
	},
}
