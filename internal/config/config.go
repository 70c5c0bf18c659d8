package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"

	"github.com/longhorn/engine/internal/core/loop"
	"github.com/longhorn/engine/internal/render"
	"github.com/longhorn/engine/internal/scripting"
)

// EnvPath names the environment variable consulted when no --config flag
// is given.
const EnvPath = "LONGHORN_CONFIG"

// DefaultPath is used when neither the flag nor the environment say.
const DefaultPath = "config/engine.toml"

type Config struct {
	Loop      LoopConfig      `toml:"loop"`
	Scripting ScriptingConfig `toml:"scripting"`
	Render    RenderConfig    `toml:"render"`
	Logging   LoggingConfig   `toml:"logging"`
}

type LoopConfig struct {
	FixedDT         time.Duration `toml:"fixed_dt"`
	MaxCatchupSteps int           `toml:"max_catchup_steps"`
	MaxFrameDT      time.Duration `toml:"max_frame_dt"`
	TargetFPS       float64       `toml:"target_fps"`
	VSync           bool          `toml:"vsync"`
	Headless        bool          `toml:"headless"`
	MaxFrames       uint64        `toml:"max_frames"` // 0 runs until stopped
}

type ScriptingConfig struct {
	Root                string         `toml:"root"`      // script files
	FileRoot            string         `toml:"file_root"` // backs engine.read_file
	ConsoleCapacity     int            `toml:"console_capacity"`
	MaxStackDepth       int            `toml:"max_stack_depth"`
	MaxStringLength     int            `toml:"max_string_length"`
	DefaultTimeout      time.Duration  `toml:"default_timeout"`
	DefaultMemory       string         `toml:"default_memory"` // e.g. "64MB"
	DefaultAPIRate      int            `toml:"default_api_rate"`
	DestroyBudget       time.Duration  `toml:"destroy_budget"`
	MaxBindingsPerFrame int            `toml:"max_bindings_per_frame"`
	Grants              []string       `toml:"grants"`
	RateLimits          map[string]int `toml:"rate_limits"`
}

type GridConfig struct {
	Enabled   bool       `toml:"enabled"`
	Size      float32    `toml:"size"`
	Divisions int        `toml:"divisions"`
	Color     [4]float32 `toml:"color"`
}

type RenderConfig struct {
	Grid    GridConfig `toml:"grid"`
	Workers int        `toml:"workers"` // extraction goroutines, 0 = GOMAXPROCS
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "json" or "console"
	File   string `toml:"file"`   // empty logs to stderr
}

// Path picks the config file: the flag value, then $LONGHORN_CONFIG, then
// DefaultPath.
func Path(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv(EnvPath); env != "" {
		return env
	}
	return DefaultPath
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := defaults()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		return nil, fmt.Errorf("parse config %s: unknown key %s", path, undec[0])
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func defaults() *Config {
	lc := loop.DefaultConfig()
	lim := scripting.DefaultLimits()
	grid := render.DefaultGrid()
	return &Config{
		Loop: LoopConfig{
			FixedDT:         lc.FixedDT,
			MaxCatchupSteps: lc.MaxCatchupSteps,
			MaxFrameDT:      lc.MaxFrameDT,
			TargetFPS:       lc.TargetFPS,
		},
		Scripting: ScriptingConfig{
			Root:                ".",
			FileRoot:            ".",
			ConsoleCapacity:     scripting.DefaultConsoleCapacity,
			MaxStackDepth:       lim.MaxStackDepth,
			MaxStringLength:     lim.MaxStringLength,
			DefaultTimeout:      lim.Timeout,
			DefaultMemory:       humanize.IBytes(lim.MaxMemory),
			DestroyBudget:       lim.DestroyBudget,
			MaxBindingsPerFrame: 32,
			Grants:              []string{"console_write", "entity_read", "entity_write"},
		},
		Render: RenderConfig{
			Grid: GridConfig{
				Enabled:   grid.Enabled,
				Size:      grid.Size,
				Divisions: grid.Divisions,
				Color:     grid.Color,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Validate rejects values the engine cannot start with.
func (c *Config) Validate() error {
	if c.Loop.FixedDT <= 0 {
		return fmt.Errorf("loop.fixed_dt must be positive, got %s", c.Loop.FixedDT)
	}
	if c.Loop.TargetFPS <= 0 {
		return fmt.Errorf("loop.target_fps must be positive, got %g", c.Loop.TargetFPS)
	}
	if err := c.LoopConfig().Validate(); err != nil {
		return fmt.Errorf("loop: %w", err)
	}
	if _, err := scripting.ParseGrants(c.Scripting.Grants); err != nil {
		return fmt.Errorf("scripting.grants: %w", err)
	}
	if _, err := c.Limits(); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}

func (c *Config) LoopConfig() loop.Config {
	return loop.Config{
		FixedDT:         c.Loop.FixedDT,
		MaxCatchupSteps: c.Loop.MaxCatchupSteps,
		MaxFrameDT:      c.Loop.MaxFrameDT,
		TargetFPS:       c.Loop.TargetFPS,
		Headless:        c.Loop.Headless,
		VSync:           c.Loop.VSync,
		MaxFrames:       c.Loop.MaxFrames,
	}
}

// Limits are the host-wide script limits; scripts may only tighten them.
func (c *Config) Limits() (scripting.Limits, error) {
	l := scripting.DefaultLimits()
	sc := c.Scripting
	if sc.DefaultMemory != "" {
		n, err := humanize.ParseBytes(sc.DefaultMemory)
		if err != nil {
			return l, fmt.Errorf("scripting.default_memory: %w", err)
		}
		l.MaxMemory = n
	}
	if sc.DefaultTimeout > 0 {
		l.Timeout = sc.DefaultTimeout
	}
	if sc.MaxStackDepth > 0 {
		l.MaxStackDepth = sc.MaxStackDepth
	}
	if sc.MaxStringLength > 0 {
		l.MaxStringLength = sc.MaxStringLength
	}
	if sc.DestroyBudget > 0 {
		l.DestroyBudget = sc.DestroyBudget
	}
	l.APIRate = sc.DefaultAPIRate
	for fn, n := range sc.RateLimits {
		if n < 0 {
			return l, fmt.Errorf("scripting.rate_limits.%s must not be negative", fn)
		}
		l.FunctionRates[fn] = n
	}
	return l, nil
}

// Granted builds the host capability grant.
func (c *Config) Granted() (*scripting.Capabilities, error) {
	gs, err := scripting.ParseGrants(c.Scripting.Grants)
	if err != nil {
		return nil, fmt.Errorf("scripting.grants: %w", err)
	}
	return scripting.NewCapabilities(gs)
}

func (c *Config) Grid() render.GridConfig {
	return render.GridConfig{
		Enabled:   c.Render.Grid.Enabled,
		Size:      c.Render.Grid.Size,
		Divisions: c.Render.Grid.Divisions,
		Color:     c.Render.Grid.Color,
	}
}
