// Package looperopts provides functional options for constructing a Loop,
// following the same Type()/Value() dispatch shape the teacher package
// uses for socket options (see sonicopts in the reference pack) rather
// than a struct-of-fields config, so new options don't churn call sites.
package looperopts

import "log"

type OptionType uint8

const (
	TypeAllowNonCallbacks OptionType = iota
	TypeCapacity
	TypeLogger
	maxOption
)

func (t OptionType) String() string {
	switch t {
	case TypeAllowNonCallbacks:
		return "allow_non_callbacks"
	case TypeCapacity:
		return "capacity"
	case TypeLogger:
		return "logger"
	default:
		return "option_unknown"
	}
}

type Option interface {
	Type() OptionType
	Value() interface{}
}

type optionAllowNonCallbacks struct{ v bool }

func (o *optionAllowNonCallbacks) Type() OptionType   { return TypeAllowNonCallbacks }
func (o *optionAllowNonCallbacks) Value() interface{} { return o.v }

// AllowNonCallbacks permits AddFd registrations with a nil callback
// (manual mode), delivering readiness back through PollOnce's return
// value instead of invoking a callback.
func AllowNonCallbacks(v bool) Option { return &optionAllowNonCallbacks{v: v} }

type optionCapacity struct{ v int }

func (o *optionCapacity) Type() OptionType   { return TypeCapacity }
func (o *optionCapacity) Value() interface{} { return o.v }

// Capacity sets the maximum number of readiness events the backend will
// retrieve per wait call. Must be >= 16; values below that are clamped up.
func Capacity(v int) Option { return &optionCapacity{v: v} }

type optionLogger struct{ v *log.Logger }

func (o *optionLogger) Type() OptionType   { return TypeLogger }
func (o *optionLogger) Value() interface{} { return o.v }

// Logger overrides the *log.Logger used for the loop's warn-level
// diagnostics (phantom events, rebuilds, wake failures). Defaults to
// log.Default().
func Logger(v *log.Logger) Option { return &optionLogger{v: v} }

// AddOption replaces any existing option of the same type, matching the
// dedup behaviour of sonicopts.AddOption.
func AddOption(add Option, opts []Option) []Option {
	for i, cur := range opts {
		if cur.Type() == add.Type() {
			opts[i] = add
			return opts
		}
	}
	return append(opts, add)
}
