package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/kmirotor/rotor/pkg/health"
	"github.com/kmirotor/rotor/pkg/log"
	"github.com/kmirotor/rotor/pkg/rotation"
	"github.com/kmirotor/rotor/pkg/state"
)

var rotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Pick the best key by current usage and make it active",
	Long: `Fetch usage for every key, rank the eligible ones by status, remaining
quota, and error rate, and switch the active key to the winner. When the
current key already ranks best the command stays and explains why.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, registry, err := loadConfigAndRegistry()
		if err != nil {
			return err
		}
		store, err := state.Load(cfg, registry)
		if err != nil {
			return err
		}
		refresher := health.NewRefresher(cfg, registry, store)
		refresher.RefreshAll(context.Background())
		healthSnap := rotation.Health(refresher.Cache().Snapshot())

		engine := rotation.New(registry, cfg)
		var (
			label   string
			rotated bool
			reason  string
			selErr  error
		)
		store.WithLock(func(st *state.State) {
			cred, didRotate, why, err := engine.RotateManual(st, healthSnap, cfg.PreferNextOnTie)
			if err != nil {
				selErr = err
				return
			}
			label, rotated, reason = cred.Label, didRotate, why
		})
		if selErr != nil {
			return selErr
		}
		store.MarkDirty()
		if rotated {
			log.Audit("rotate", map[string]string{"target": label})
		}

		report := map[string]any{
			"active_key": label,
			"rotated":    rotated,
		}
		if reason != "" {
			report["reason"] = reason
		}
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)
	},
}
