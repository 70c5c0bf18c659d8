package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/longhorn/engine/internal/config"
	"github.com/longhorn/engine/internal/core/ecs"
	"github.com/longhorn/engine/internal/core/event"
	"github.com/longhorn/engine/internal/input"
)

func newCheckCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "check [scripts...]",
		Short: "Compile scripts and validate their metadata without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return check(cfgPath, args)
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "config file (default $"+config.EnvPath+" or "+config.DefaultPath+")")
	return cmd
}

// check compiles each script on its own so every failure is listed.
func check(cfgPath string, paths []string) error {
	cfg, err := config.Load(config.Path(cfgPath))
	if err != nil {
		return projectErr("load config: %w", err)
	}
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return initErr("init logger: %w", err)
	}
	defer log.Sync()

	host, err := newScriptHost(cfg, ecs.NewWorld(), event.NewBus(), input.NewState(), log)
	if err != nil {
		return err
	}
	defer host.Close()

	failed := 0
	for _, p := range paths {
		if err := host.Preload(p); err != nil {
			failed++
			printFail(fmt.Sprintf("%s: %v", p, err))
			continue
		}
		printOK(p)
	}
	if failed > 0 {
		return projectErr("%d of %d scripts failed", failed, len(paths))
	}
	return nil
}
