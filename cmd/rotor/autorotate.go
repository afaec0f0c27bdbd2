package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kmirotor/rotor/pkg/log"
	"github.com/kmirotor/rotor/pkg/state"
)

var autoRotateCmd = &cobra.Command{
	Use:   "auto-rotate on|off",
	Short: "Enable or disable per-request key rotation",
	Long: `Toggle the persisted auto-rotate flag. While enabled (and permitted by
auto_rotate_allowed), the gateway round-robins across eligible keys on
every request instead of sticking to the active key.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var enable bool
		switch args[0] {
		case "on":
			enable = true
		case "off":
		default:
			return fmt.Errorf("argument must be \"on\" or \"off\"")
		}

		cfg, registry, err := loadConfigAndRegistry()
		if err != nil {
			return err
		}
		if !cfg.AutoRotateAllowed {
			return fmt.Errorf("auto-rotation is disabled by policy; set auto_rotate_allowed first")
		}
		store, err := state.Load(cfg, registry)
		if err != nil {
			return err
		}

		changed := false
		store.WithLock(func(st *state.State) {
			if st.AutoRotate != enable {
				st.AutoRotate = enable
				changed = true
			}
		})
		if !changed {
			fmt.Printf("auto-rotate already %s\n", args[0])
			return nil
		}
		store.MarkDirty()
		action := "auto_rotate_disabled"
		if enable {
			action = "auto_rotate_enabled"
		}
		log.Audit(action, nil)
		fmt.Printf("auto-rotate %s\n", args[0])
		return nil
	},
}
