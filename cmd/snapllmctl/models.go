package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/snapllm/snapllm/internal/modelmgr"
	"github.com/snapllm/snapllm/internal/tier"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Manage loaded models (L1 workspaces)",
}

var modelLoadBackend string

var modelsLoadCmd = &cobra.Command{
	Use:   "load <name> <path>",
	Short: "Load (or flash-reload) a model into the resident set",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := a.models.Load(args[0], args[1], modelmgr.LoadOptions{Backend: modelLoadBackend})
		if err != nil {
			return err
		}
		fmt.Printf("loaded %s (fingerprint %s, binding %s, %s resident)\n",
			info.Name, info.Fingerprint[:12], info.Binding, humanize.Bytes(uint64(info.ResidentBytes)))
		return nil
	},
}

var modelsSwitchCmd = &cobra.Command{
	Use:   "switch <name>",
	Short: "Flip the active-model pointer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := a.models.Switch(args[0]); err != nil {
			return err
		}
		fmt.Printf("active model is now %s\n", args[0])
		return nil
	},
}

var modelsUnloadCmd = &cobra.Command{
	Use:   "unload <name>",
	Short: "Unload a model, keeping its workspace on disk for a flash reload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := a.models.Unload(args[0]); err != nil {
			return err
		}
		fmt.Printf("unloaded %s\n", args[0])
		return nil
	},
}

var modelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every currently loaded model",
	RunE: func(cmd *cobra.Command, args []string) error {
		active, hasActive := a.models.GetActive()
		for _, info := range a.models.List() {
			marker := " "
			if hasActive && info.Name == active.Name {
				marker = "*"
			}
			fmt.Printf("%s %-20s %-6s %10s  accesses=%-4d  last=%s\n",
				marker, info.Name, info.Binding, humanize.Bytes(uint64(info.ResidentBytes)),
				info.AccessCount, info.LastAccessed.Format("15:04:05"))
		}
		return nil
	},
}

var modelsCacheStatsCmd = &cobra.Command{
	Use:   "cache-stats",
	Short: "Show Tiered Allocator occupancy backing the context cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, t := range []tier.Tier{tier.Hot, tier.Warm, tier.Cold} {
			fmt.Printf("%-5s used=%-12s cap=%-12s util=%5.1f%%\n",
				t.String(),
				humanize.Bytes(uint64(a.alloc.Used(t))),
				humanize.Bytes(uint64(a.alloc.Capacity(t))),
				a.alloc.Utilization(t)*100)
		}
		return nil
	},
}

func init() {
	modelsLoadCmd.Flags().StringVar(&modelLoadBackend, "backend", "", "adapter backend to bind (defaults to the Model Manager's default)")

	modelsCmd.AddCommand(modelsLoadCmd, modelsSwitchCmd, modelsUnloadCmd, modelsListCmd, modelsCacheStatsCmd)
}
