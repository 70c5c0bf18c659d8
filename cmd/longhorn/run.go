package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/profile"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/longhorn/engine/internal/config"
	"github.com/longhorn/engine/internal/core/ecs"
	"github.com/longhorn/engine/internal/core/event"
	"github.com/longhorn/engine/internal/core/loop"
	coresys "github.com/longhorn/engine/internal/core/system"
	"github.com/longhorn/engine/internal/input"
	"github.com/longhorn/engine/internal/render"
	"github.com/longhorn/engine/internal/scene"
	"github.com/longhorn/engine/internal/scripting"
	"github.com/longhorn/engine/internal/scripting/jsrt"
	"github.com/longhorn/engine/internal/scripting/luart"
	"github.com/longhorn/engine/internal/system"
	"github.com/longhorn/engine/internal/terminal"
)

// defaultTTYLog receives the log in --tty mode, where stderr belongs to
// the screen.
const defaultTTYLog = "longhorn.log"

type runFlags struct {
	config   string
	scene    string
	headless bool
	frames   uint64
	tty      bool
	profile  string
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a scene until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, f)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.config, "config", "", "config file (default $"+config.EnvPath+" or "+config.DefaultPath+")")
	fl.StringVar(&f.scene, "scene", "scenes/main.yaml", "scene file")
	fl.BoolVar(&f.headless, "headless", false, "synthesise frame time instead of measuring it")
	fl.Uint64Var(&f.frames, "frames", 0, "stop after N frames (0 = config value)")
	fl.BoolVar(&f.tty, "tty", false, "draw to the terminal and read keyboard and mouse from it")
	fl.StringVar(&f.profile, "profile", "", "write a cpu or mem profile to the working directory")
	return cmd
}

func run(cmd *cobra.Command, f runFlags) error {
	switch f.profile {
	case "":
	case "cpu":
		defer profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.NoShutdownHook, profile.Quiet).Stop()
	case "mem":
		defer profile.Start(profile.MemProfile, profile.ProfilePath("."), profile.NoShutdownHook, profile.Quiet).Stop()
	default:
		return fmt.Errorf("--profile must be cpu or mem, got %q", f.profile)
	}

	// 1. Load config
	cfg, err := config.Load(config.Path(f.config))
	if err != nil {
		return projectErr("load config: %w", err)
	}
	if cmd.Flags().Changed("headless") {
		cfg.Loop.Headless = f.headless
	}
	if f.frames > 0 {
		cfg.Loop.MaxFrames = f.frames
	}
	if f.tty && cfg.Logging.File == "" {
		cfg.Logging.File = defaultTTYLog
	}

	// 2. Init logger
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return initErr("init logger: %w", err)
	}
	defer log.Sync()

	printBanner(f.scene)

	// 3. Load the scene and compile every script it names
	printSection("project")
	sc, err := scene.Load(f.scene)
	if err != nil {
		return projectErr("load scene: %w", err)
	}
	printStat("entities", len(sc.Entities))

	world := ecs.NewWorld()
	bus := event.NewBus()
	inputState := input.NewState()

	host, err := newScriptHost(cfg, world, bus, inputState, log)
	if err != nil {
		return err
	}
	defer host.Close()

	scripts := sc.Scripts()
	if err := host.Preload(scripts...); err != nil {
		return projectErr("preload scripts: %w", err)
	}
	printStat("scripts", len(scripts))

	ids, err := sc.Spawn(world)
	if err != nil {
		return projectErr("spawn scene: %w", err)
	}
	printOK(fmt.Sprintf("spawned %d entities", len(ids)))
	fmt.Println()

	// 4. Systems
	printSection("systems")
	sched := coresys.NewScheduler(log.Named("scheduler"))
	if err := sched.Register(system.NewTransformSnapshotSystem()); err != nil {
		return initErr("register systems: %w", err)
	}
	if err := sched.Register(system.NewCleanupSystem(world, bus, log.Named("cleanup"))); err != nil {
		return initErr("register systems: %w", err)
	}
	if err := sched.Resolve(); err != nil {
		return initErr("resolve systems: %w", err)
	}
	printOK("schedule resolved")

	// 5. Input and output
	var (
		backend render.Renderer
		sources []system.InputSource
		term    *terminal.Terminal
	)
	if f.tty {
		term, err = terminal.Open(log.Named("terminal"))
		if err != nil {
			return initErr("%w", err)
		}
		backend = terminal.NewRenderer(term)
		sources = append(sources, term)
	} else {
		backend = render.NewHeadless()
	}
	pipeline := render.NewPipeline(world, render.NewExtractor(cfg.Grid(), cfg.Render.Workers), backend, log.Named("render"))
	defer pipeline.Close()
	if tr, ok := backend.(*terminal.Renderer); ok {
		tr.OnResize = pipeline.Resize
	}
	inputSys := system.NewInputSystem(inputState, 0, log.Named("input"), sources...)

	var quarantined int
	event.Subscribe(bus, func(event.ScriptQuarantined) {
		quarantined++
	})

	lp, err := loop.New(cfg.LoopConfig(), loop.Deps{
		World:     world,
		Scheduler: sched,
		Bus:       bus,
		Input:     inputSys,
		Scripts:   host,
		Render:    pipeline.Render,
	}, log.Named("loop"))
	if err != nil {
		return initErr("%w", err)
	}
	if term != nil {
		term.OnQuit(lp.Stop)
	} else {
		printOK("running headless")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 6. Run
	err = lp.Run(ctx)
	log.Info("shutdown",
		zap.Uint64("frames", lp.Frames()),
		zap.Int("entities", world.EntityCount()),
		zap.Int("quarantined", quarantined),
		zap.Uint64("console_dropped", host.Console().Dropped()),
	)
	if err != nil {
		return fmt.Errorf("run loop: %w", err)
	}
	return nil
}

func newScriptHost(cfg *config.Config, world *ecs.World, bus *event.Bus, in *input.State, log *zap.Logger) (*system.ScriptHost, error) {
	granted, err := cfg.Granted()
	if err != nil {
		return nil, projectErr("%w", err)
	}
	limits, err := cfg.Limits()
	if err != nil {
		return nil, projectErr("%w", err)
	}
	root, err := os.Stat(cfg.Scripting.Root)
	if err != nil || !root.IsDir() {
		return nil, projectErr("script root %q is not a directory", cfg.Scripting.Root)
	}
	cache := scripting.NewSourceCache(os.DirFS(cfg.Scripting.Root))

	runtimes, err := newRuntimes(limits, log)
	if err != nil {
		return nil, initErr("script runtimes: %w", err)
	}

	return system.NewScriptHost(world, bus, cache, system.ScriptHostOptions{
		Granted:             granted,
		Limits:              limits,
		MaxBindingsPerFrame: cfg.Scripting.MaxBindingsPerFrame,
		ConsoleCapacity:     cfg.Scripting.ConsoleCapacity,
		FileRoot:            cfg.Scripting.FileRoot,
		Input:               in,
	}, log.Named("scripts"), runtimes...), nil
}

// newRuntimes builds one runtime per supported language. Replaced in tests.
var newRuntimes = func(limits scripting.Limits, log *zap.Logger) ([]scripting.Runtime, error) {
	lua, err := luart.New(luart.Options{MaxStackDepth: limits.MaxStackDepth}, log.Named("lua"))
	if err != nil {
		return nil, err
	}
	js := jsrt.New(jsrt.Options{MaxStackDepth: limits.MaxStackDepth}, log.Named("js"))
	return []scripting.Runtime{lua, js}, nil
}
