package scripting

import (
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap/zapcore"
)

// Limits bound a single instance.
type Limits struct {
	MaxMemory       uint64        // estimated bytes reachable from the instance
	Timeout         time.Duration // wall clock per call
	MaxStackDepth   int
	MaxStringLength int
	APIRate         int            // calls per second per host function; 0 is unlimited
	FunctionRates   map[string]int // per-function overrides of APIRate
	DestroyBudget   time.Duration  // timeout for destroy on quarantined instances
}

// DefaultFunctionRates caps the chattiest host functions.
var DefaultFunctionRates = map[string]int{
	"console.log":        100,
	"console.warn":       100,
	"console.error":      100,
	"world.createEntity": 50,
}

func DefaultLimits() Limits {
	rates := make(map[string]int, len(DefaultFunctionRates))
	for k, v := range DefaultFunctionRates {
		rates[k] = v
	}
	return Limits{
		MaxMemory:       64 << 20,
		Timeout:         100 * time.Millisecond,
		MaxStackDepth:   200,
		MaxStringLength: 1 << 20,
		FunctionRates:   rates,
		DestroyBudget:   10 * time.Millisecond,
	}
}

// Narrow applies a script's own declarations. A script may tighten the
// host limits but never loosen them.
func (l Limits) Narrow(m Metadata) Limits {
	if m.MaxMemory != 0 && (l.MaxMemory == 0 || m.MaxMemory < l.MaxMemory) {
		l.MaxMemory = m.MaxMemory
	}
	// Zero and negative values would disable a limit, never tighten it.
	if m.Timeout > 0 && (l.Timeout == 0 || m.Timeout < l.Timeout) {
		l.Timeout = m.Timeout
	}
	if m.APIRate > 0 && (l.APIRate == 0 || m.APIRate < l.APIRate) {
		l.APIRate = m.APIRate
	}
	return l
}

// RateFor returns the per-second cap of fn; 0 is unlimited.
func (l Limits) RateFor(fn string) int {
	if n, ok := l.FunctionRates[fn]; ok {
		if l.APIRate != 0 && l.APIRate < n {
			return l.APIRate
		}
		return n
	}
	return l.APIRate
}

func (l Limits) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("memory", humanize.IBytes(l.MaxMemory))
	enc.AddDuration("timeout", l.Timeout)
	enc.AddInt("stack_depth", l.MaxStackDepth)
	enc.AddInt("string_length", l.MaxStringLength)
	enc.AddInt("api_rate", l.APIRate)
	return nil
}
