package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/normanking/cortexexpression/internal/channel"
	"github.com/normanking/cortexexpression/internal/config"
)

var overridesFile string

var classifyCmd = &cobra.Command{
	Use:   "classify <channel>...",
	Short: "Show how channel names are classified",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := overridesFile
		if path == "" {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			path = cfg.Channels.Overrides
		}

		c := channel.NewClassifier()
		if path != "" {
			if _, err := c.LoadOverridesFile(path); err != nil {
				return err
			}
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "CHANNEL\tCATEGORY\tPRIORITY\tCOMBINABLE")
		for _, name := range args {
			cl := c.Classify(name)
			combinable := make([]string, 0, len(cl.CombinableWith))
			for _, cat := range cl.CombinableWith {
				combinable = append(combinable, cat.String())
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", name, cl.Category, cl.Priority, strings.Join(combinable, ","))
		}
		return tw.Flush()
	},
}

func init() {
	classifyCmd.Flags().StringVar(&overridesFile, "overrides", "", "channel override file (default from config)")
}
