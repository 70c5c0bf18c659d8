package scripting

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a script error.
type Kind int

const (
	KindCompilation Kind = iota + 1
	KindRuntime
	KindResourceLimit
	KindSecurityViolation
	KindPermissionDenied
	KindInvalidArguments
	KindStateCorruption
	KindPanic
	KindMultiple
)

func (k Kind) String() string {
	switch k {
	case KindCompilation:
		return "compilation error"
	case KindRuntime:
		return "runtime error"
	case KindResourceLimit:
		return "resource limit exceeded"
	case KindSecurityViolation:
		return "security violation"
	case KindPermissionDenied:
		return "permission denied"
	case KindInvalidArguments:
		return "invalid arguments"
	case KindStateCorruption:
		return "state corruption"
	case KindPanic:
		return "script panic"
	case KindMultiple:
		return "multiple errors"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// LimitKind names the resource of a KindResourceLimit error.
type LimitKind string

const (
	LimitExecutionTime LimitKind = "execution_time"
	LimitMemory        LimitKind = "memory"
	LimitStackDepth    LimitKind = "stack_depth"
	LimitStringLength  LimitKind = "string_length"
	LimitAPIRate       LimitKind = "api_rate_limit"
)

// ViolationKind names the rule broken by a KindSecurityViolation error.
type ViolationKind string

const (
	ViolationForbiddenFunction ViolationKind = "forbidden_function"
	ViolationForbiddenPath     ViolationKind = "forbidden_path"
	ViolationSandboxEscape     ViolationKind = "sandbox_escape_attempt"
)

// Location points into script source. Line and Column are 1-based; zero
// means unknown.
type Location struct {
	File   string
	Line   int
	Column int
}

func (l *Location) String() string {
	switch {
	case l.Line == 0:
		return l.File
	case l.Column == 0:
		return fmt.Sprintf("%s:%d", l.File, l.Line)
	}
	return fmt.Sprintf("%s:%d:%d", l.File, l.Line, l.Column)
}

// Error is the single error type crossing the script host boundary.
// Which detail fields are set depends on Kind.
type Error struct {
	Kind     Kind
	ScriptID string
	Location *Location
	Message  string

	// Function is the host API function that produced the error, if any.
	Function string

	// KindResourceLimit
	Limit    LimitKind
	Max      int64
	Observed int64

	// KindSecurityViolation
	Violation ViolationKind

	// KindPermissionDenied
	Resource string
	Action   string
	Required string

	// KindMultiple
	Errs []*Error

	// Err is the underlying cause.
	Err error

	sentinel bool
}

// Sentinels for errors.Is. They match any *Error of the same Kind.
var (
	ErrCompilation       = &Error{Kind: KindCompilation, sentinel: true}
	ErrRuntime           = &Error{Kind: KindRuntime, sentinel: true}
	ErrResourceLimit     = &Error{Kind: KindResourceLimit, sentinel: true}
	ErrSecurityViolation = &Error{Kind: KindSecurityViolation, sentinel: true}
	ErrPermissionDenied  = &Error{Kind: KindPermissionDenied, sentinel: true}
	ErrInvalidArguments  = &Error{Kind: KindInvalidArguments, sentinel: true}
	ErrStateCorruption   = &Error{Kind: KindStateCorruption, sentinel: true}
	ErrPanic             = &Error{Kind: KindPanic, sentinel: true}
	ErrMultiple          = &Error{Kind: KindMultiple, sentinel: true}
)

func (e *Error) Error() string {
	if e.sentinel {
		return e.Kind.String()
	}
	var b strings.Builder
	switch {
	case e.Location != nil:
		b.WriteString(e.Location.String())
		b.WriteString(": ")
	case e.ScriptID != "":
		b.WriteString(e.ScriptID)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	switch e.Kind {
	case KindResourceLimit:
		fmt.Fprintf(&b, ": %s (limit %s, observed %s)", e.Limit, e.formatAmount(e.Max), e.formatAmount(e.Observed))
	case KindSecurityViolation:
		fmt.Fprintf(&b, ": %s", e.Violation)
	case KindPermissionDenied:
		fmt.Fprintf(&b, ": %s %s requires %s", e.Resource, e.Action, e.Required)
	case KindMultiple:
		fmt.Fprintf(&b, " (%d)", len(e.Errs))
		for _, sub := range e.Errs {
			b.WriteString("; ")
			b.WriteString(sub.Error())
		}
	}
	if e.Function != "" {
		fmt.Fprintf(&b, " in %s", e.Function)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil && e.Message == "" {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) formatAmount(v int64) string {
	switch e.Limit {
	case LimitExecutionTime:
		return fmt.Sprintf("%dms", v)
	case LimitMemory:
		return fmt.Sprintf("%dB", v)
	case LimitAPIRate:
		return fmt.Sprintf("%d/s", v)
	}
	return fmt.Sprintf("%d", v)
}

// Unwrap exposes the cause and, for KindMultiple, the aggregated errors.
func (e *Error) Unwrap() []error {
	var out []error
	for _, sub := range e.Errs {
		out = append(out, sub)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.sentinel && t.Kind == e.Kind
}

// Fatal reports whether the error must quarantine the instance that raised
// it. Permission denials and argument validation failures are returned to
// the script instead.
func (e *Error) Fatal() bool {
	switch e.Kind {
	case KindPermissionDenied, KindInvalidArguments:
		return false
	case KindMultiple:
		for _, sub := range e.Errs {
			if sub.Fatal() {
				return true
			}
		}
		return false
	}
	return true
}

// WithScript fills in the script id where it is missing.
func (e *Error) WithScript(id string) *Error {
	if e.ScriptID == "" {
		e.ScriptID = id
	}
	if e.Location != nil && e.Location.File == "" {
		e.Location.File = id
	}
	for _, sub := range e.Errs {
		sub.WithScript(id)
	}
	return e
}

// AsError extracts the *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsFatal reports whether err quarantines. Errors that are not *Error are
// treated as fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if se, ok := AsError(err); ok {
		return se.Fatal()
	}
	return true
}

// ── Constructors ──

func Compilation(scriptID string, loc *Location, msg string, cause error) *Error {
	return &Error{Kind: KindCompilation, ScriptID: scriptID, Location: loc, Message: msg, Err: cause}
}

func RuntimeError(scriptID string, loc *Location, msg string, cause error) *Error {
	return &Error{Kind: KindRuntime, ScriptID: scriptID, Location: loc, Message: msg, Err: cause}
}

func LimitExceeded(kind LimitKind, max, observed int64) *Error {
	return &Error{Kind: KindResourceLimit, Limit: kind, Max: max, Observed: observed}
}

func Violation(kind ViolationKind, detail string) *Error {
	return &Error{Kind: KindSecurityViolation, Violation: kind, Message: detail}
}

func PermissionDenied(resource, action, required string) *Error {
	return &Error{Kind: KindPermissionDenied, Resource: resource, Action: action, Required: required, Function: action}
}

func InvalidArguments(fn, format string, args ...any) *Error {
	return &Error{Kind: KindInvalidArguments, Function: fn, Message: fmt.Sprintf(format, args...)}
}

func StateCorruption(msg string) *Error {
	return &Error{Kind: KindStateCorruption, Message: msg}
}

func Panic(scriptID string, recovered any) *Error {
	return &Error{Kind: KindPanic, ScriptID: scriptID, Message: fmt.Sprint(recovered)}
}

// Join aggregates errors into a KindMultiple. Nil entries are skipped;
// nested KindMultiple errors are flattened. Join returns nil when nothing
// is left and the error itself when exactly one is.
func Join(errs ...error) *Error {
	var flat []*Error
	for _, err := range errs {
		if err == nil {
			continue
		}
		se, ok := AsError(err)
		if !ok {
			se = &Error{Kind: KindRuntime, Message: err.Error(), Err: err}
		}
		if se.Kind == KindMultiple {
			flat = append(flat, se.Errs...)
			continue
		}
		flat = append(flat, se)
	}
	switch len(flat) {
	case 0:
		return nil
	case 1:
		return flat[0]
	}
	return &Error{Kind: KindMultiple, Errs: flat}
}
