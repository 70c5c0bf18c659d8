package scripting

import "time"

// Lifecycle methods a script may export.
const (
	MethodInit        = "init"
	MethodUpdate      = "update"
	MethodFixedUpdate = "fixed_update"
	MethodDestroy     = "destroy"
)

// Handle names an instance inside one Runtime.
type Handle uint64

// Runtime is one embedded interpreter serving every script of a language.
// Implementations are confined to the loop goroutine.
//
// Every error returned is a *Error. Calls are bounded by the instance's
// Limits; exceeding one aborts the call with KindResourceLimit.
type Runtime interface {
	Language() Language

	// Load compiles src. Compiled code is cached per Source, so loading the
	// same entry twice is cheap and a reloaded entry compiles afresh.
	Load(src *Source) error

	// CreateInstance allocates isolated state for inst, evaluates the
	// script in it and runs init if the script defines one.
	CreateInstance(src *Source, inst *Instance) (Handle, error)

	// Call invokes a named function of the instance. Calling a method the
	// script does not define is a no-op returning nil.
	Call(h Handle, method string, args ...any) (any, error)

	HasMethod(h Handle, method string) bool

	// InvokeBinding runs the callback registered under bindingID by
	// input.bindKey.
	InvokeBinding(h Handle, bindingID string) error

	// Destroy runs destroy (bounded by budget when positive) and frees the
	// instance. The instance is gone even when destroy fails.
	Destroy(h Handle, budget time.Duration) error

	// ResetRateCounters lets every instance's API rate window roll over.
	ResetRateCounters(now time.Time)

	Instances() int
	Close() error
}
