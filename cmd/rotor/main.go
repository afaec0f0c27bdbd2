package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kmirotor/rotor/pkg/config"
	"github.com/kmirotor/rotor/pkg/keys"
	"github.com/kmirotor/rotor/pkg/log"
	"github.com/kmirotor/rotor/pkg/state"
	"github.com/kmirotor/rotor/pkg/trace"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath string
	logLevel   string
	logJSON    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rotor",
	Short: "Rotor - multi-key API gateway",
	Long: `Rotor is a local reverse proxy that rotates a pool of API keys across
requests, tracks per-key health against the upstream usage endpoint, and
persists rotation state so quota and billing errors on one key never
interrupt the client.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.Init(log.Config{
			Level:      log.Level(logLevel),
			JSONOutput: logJSON,
			Output:     os.Stderr,
		})
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Rotor version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit JSON logs instead of console output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(confidenceCmd)
	rootCmd.AddCommand(rotateCmd)
	rootCmd.AddCommand(autoRotateCmd)
	rootCmd.AddCommand(unblockCmd)
}

// keyStatus is one row of the status report.
type keyStatus struct {
	Label        string `json:"label"`
	Masked       string `json:"masked"`
	Priority     int    `json:"priority"`
	Disabled     bool   `json:"disabled,omitempty"`
	RequestCount int    `json:"request_count"`
	Err401       int    `json:"error_401"`
	Err403       int    `json:"error_403"`
	Err429       int    `json:"error_429"`
	Err5xx       int    `json:"error_5xx"`
	Exhausted    bool   `json:"exhausted"`
	Blocked      bool   `json:"blocked"`
	BlockReason  string `json:"block_reason,omitempty"`
	LastUsed     string `json:"last_used,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the current rotation state as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, registry, err := loadConfigAndRegistry()
		if err != nil {
			return err
		}
		store, err := state.Load(cfg, registry)
		if err != nil {
			return err
		}
		snapshot := store.Snapshot()

		rows := make([]keyStatus, 0, registry.Len())
		for _, cred := range registry.Keys {
			row := keyStatus{
				Label:     cred.Label,
				Masked:    keys.Mask(cred.Secret),
				Priority:  cred.Priority,
				Disabled:  cred.Disabled,
				Exhausted: snapshot.IsExhausted(cred.Label),
				Blocked:   snapshot.IsBlocked(cred.Label),
			}
			if ks, ok := snapshot.Keys[cred.Label]; ok {
				row.RequestCount = ks.RequestCount
				row.Err401 = ks.Err401
				row.Err403 = ks.Err403
				row.Err429 = ks.Err429
				row.Err5xx = ks.Err5xx
				row.BlockReason = ks.BlockedReason
				row.LastUsed = ks.LastUsed
			}
			rows = append(rows, row)
		}

		report := map[string]any{
			"active_index":        snapshot.ActiveIndex,
			"rotation_index":      snapshot.RotationIndex,
			"auto_rotate":         snapshot.AutoRotate,
			"last_health_refresh": snapshot.LastHealthRefresh,
			"keys":                rows,
		}
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)
	},
}

var confidenceWindow int

var confidenceCmd = &cobra.Command{
	Use:   "confidence",
	Short: "Score rotation fairness over recent trace entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfigAndRegistry()
		if err != nil {
			return err
		}
		entries, err := trace.LoadTail(cfg.TracePath(), confidenceWindow)
		if err != nil {
			return err
		}
		counts := make(map[string]int)
		for _, entry := range entries {
			counts[entry.KeyLabel]++
		}
		report := map[string]any{
			"confidence": trace.Confidence(entries),
			"entries":    len(entries),
			"by_label":   counts,
		}
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)
	},
}

var unblockAll bool

var unblockCmd = &cobra.Command{
	Use:   "unblock [label]",
	Short: "Clear a key's block so it becomes selectable again",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !unblockAll && len(args) == 0 {
			return fmt.Errorf("pass a key label or --all")
		}
		cfg, registry, err := loadConfigAndRegistry()
		if err != nil {
			return err
		}
		store, err := state.Load(cfg, registry)
		if err != nil {
			return err
		}
		cleared := 0
		store.WithLock(func(st *state.State) {
			if unblockAll {
				cleared = st.ClearAllBlocks()
				return
			}
			if st.ClearBlock(args[0]) {
				cleared = 1
			}
		})
		if cleared == 0 {
			fmt.Println("nothing to clear")
			return nil
		}
		store.MarkDirty()
		target := "all blocked keys"
		if !unblockAll {
			target = args[0]
		}
		log.Audit("unblock", map[string]string{"target": target})
		fmt.Printf("cleared %d block(s)\n", cleared)
		return nil
	},
}

func init() {
	confidenceCmd.Flags().IntVar(&confidenceWindow, "window", 200, "number of trailing trace entries to score")
	unblockCmd.Flags().BoolVar(&unblockAll, "all", false, "clear every blocked key")
}

func loadConfigAndRegistry() (*config.Config, *keys.Registry, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	registry := cfg.Registry()
	if registry.Len() == 0 {
		return nil, nil, fmt.Errorf("no keys configured")
	}
	return cfg, registry, nil
}
