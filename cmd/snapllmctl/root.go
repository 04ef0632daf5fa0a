package main

import (
	"github.com/spf13/cobra"
)

var a *app

var rootCmd = &cobra.Command{
	Use:   "snapllmctl",
	Short: "Control the SnapLLM model-workspace and context-workspace core",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		built, err := newApp()
		if err != nil {
			return err
		}
		a = built
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if a != nil {
			a.close()
		}
	},
}

func init() {
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(contextsCmd)
}
