package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/snapllm/snapllm/internal/contextmgr"
	"github.com/snapllm/snapllm/internal/engine"
	"github.com/snapllm/snapllm/internal/registry"
)

var contextsCmd = &cobra.Command{
	Use:   "contexts",
	Short: "Manage cached contexts (L2 workspaces)",
}

var (
	ingestModelID string
	ingestName    string
	ingestTTL     time.Duration
)

var contextsIngestCmd = &cobra.Command{
	Use:   "ingest <content>",
	Short: "Prefill and cache a new context, or return the existing one for identical content",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cm, err := a.contextManagerFor(ingestModelID)
		if err != nil {
			return err
		}
		h, err := cm.FindOrCreate(context.Background(), ingestModelID, args[0], contextmgr.IngestOptions{Name: ingestName, TTL: ingestTTL})
		if err != nil {
			return err
		}
		fmt.Printf("context %s  model=%s  tier=%s  tokens=%d\n", h.ContextID, h.ModelID, h.Tier, h.TokenCount)
		return nil
	},
}

var queryMaxTokens int

var contextsQueryCmd = &cobra.Command{
	Use:   "query <context-id> <text>",
	Short: "Run a decode against a cached context",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cm, err := a.contextManagerForContext(args[0])
		if err != nil {
			return err
		}
		cfg := engine.DefaultSamplerConfig()
		if queryMaxTokens > 0 {
			cfg.MaxTokens = queryMaxTokens
		}
		res, err := cm.Query(context.Background(), args[0], args[1], cfg)
		if err != nil {
			return err
		}
		fmt.Println(res.ResponseText)
		fmt.Printf("(cache_hit=%v  context_tokens=%d  query_tokens=%d  generated_tokens=%d  latency=%dms)\n",
			res.CacheHit, res.Usage.ContextTokens, res.Usage.QueryTokens, res.Usage.GeneratedTokens, res.LatencyMs)
		return nil
	},
}

var contextsDeleteCmd = &cobra.Command{
	Use:   "delete <context-id>",
	Short: "Evict and forget a cached context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cm, err := a.contextManagerForContext(args[0])
		if err != nil {
			return err
		}
		if err := cm.Delete(args[0]); err != nil {
			return err
		}
		fmt.Printf("deleted %s\n", args[0])
		return nil
	},
}

func moveTierCmd(use, short string, toFaster bool) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := parseTier(args[1])
			if err != nil {
				return err
			}
			if toFaster {
				_, err = a.alloc.Promote(args[0], target)
			} else {
				_, err = a.alloc.Demote(args[0], target)
			}
			if err != nil {
				return err
			}
			fmt.Printf("%s moved to %s\n", args[0], target)
			return nil
		},
	}
}

var contextsPromoteCmd = moveTierCmd("promote <context-id> <tier>", "Move a context to a faster tier", true)
var contextsDemoteCmd = moveTierCmd("demote <context-id> <tier>", "Move a context to a slower tier", false)

var (
	listModelID   string
	listForceScan bool
)

var contextsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List discovered contexts, optionally filtered by model",
	RunE: func(cmd *cobra.Command, args []string) error {
		var entries []registry.Entry
		if listModelID != "" {
			entries = a.reg.DiscoverContexts(listModelID, listForceScan)
		} else {
			if listForceScan {
				if _, err := a.reg.RebuildFromDisk(); err != nil {
					return err
				}
			}
			for _, es := range a.reg.Snapshot() {
				entries = append(entries, es...)
			}
		}
		for _, e := range entries {
			fmt.Printf("%-36s  model=%-16s  tokens=%-6d  size=%-10s  last=%s\n",
				e.ContextID, e.ModelID, e.TokenCount, humanize.Bytes(uint64(e.StorageSize)),
				e.LastAccessed.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var contextsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Validate the registry and report per-tier context population",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := a.reg.Validate()
		if err != nil {
			return err
		}
		fmt.Printf("%d stale context entries removed by validation against disk\n", n)
		for _, t := range []string{"hot", "warm", "cold"} {
			pt, _ := parseTier(t)
			occ := a.alloc.Snapshot(pt)
			fmt.Printf("%-5s  population=%-4d  util=%5.1f%%\n", t, len(occ), a.alloc.Utilization(pt)*100)
		}
		return nil
	},
}

func init() {
	contextsIngestCmd.Flags().StringVar(&ingestModelID, "model", "", "owning model id (required)")
	contextsIngestCmd.Flags().StringVar(&ingestName, "name", "", "human-readable name for this context")
	contextsIngestCmd.Flags().DurationVar(&ingestTTL, "ttl", 0, "delete this context once it has lived this long (0 disables expiry)")
	contextsIngestCmd.MarkFlagRequired("model")

	contextsQueryCmd.Flags().IntVar(&queryMaxTokens, "max-tokens", 0, "override the sampler's default max generated tokens")

	contextsListCmd.Flags().StringVar(&listModelID, "model-id", "", "restrict listing to one model (empty lists every model)")
	contextsListCmd.Flags().BoolVar(&listForceScan, "force-scan", false, "rescan the frames directory instead of trusting the persisted index")

	contextsCmd.AddCommand(contextsIngestCmd, contextsQueryCmd, contextsDeleteCmd,
		contextsPromoteCmd, contextsDemoteCmd, contextsListCmd, contextsStatsCmd)
}
