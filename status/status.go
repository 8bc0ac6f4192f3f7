// Package status defines the stable integer status-code taxonomy used to
// report errors across the serial/JSON protocol, grounded on the range
// layout in original_source/src/status.h.
package status

// Code is a stable, host-reportable status code. Ranges follow spec.md §7.
type Code int

// Transport/OS range: 0-19.
const (
	OK Code = iota
	EAGAIN
	NOOP
	BufferEmpty
	BufferFull
	Initializing
)

// Internal range: 20-99.
const (
	AssertionFailure Code = iota + 20
	PlannerStateInconsistent
	FloatIsInfOrNaN
	StackOverflow
	InternalError
)

// Input range: 100-129.
const (
	UnrecognizedName Code = iota + 100
	MalformedCommand
	ValueOutOfRange
)

// G-code semantics range: 130-199.
const (
	ModalGroupViolation Code = iota + 130
	AxisMissing
	InvalidFeedRate
	FeedrateNotSpecified
	InverseTimeFMissing
	ArcEndpointEqualsStart
	SpindleRequired
	WordMissingOrInvalid
)

// Motion range: 200-249.
const (
	MinLengthMove Code = iota + 200
	MinTimeMove
	PlannerFailedToConverge
	SoftLimitExceeded
	MachineAlarmed
)

// Cycle-failure range: 250+.
const (
	HomingFailed Code = iota + 250
	ProbingFailed
	JoggingFailed
)

func (c Code) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return "unknown status"
}

var names = map[Code]string{
	OK:                       "ok",
	EAGAIN:                   "eagain",
	NOOP:                     "noop",
	BufferEmpty:              "buffer empty",
	BufferFull:               "buffer full",
	Initializing:             "initializing",
	AssertionFailure:         "assertion failure",
	PlannerStateInconsistent: "planner state inconsistent",
	FloatIsInfOrNaN:          "float is inf or nan",
	StackOverflow:            "stack overflow",
	InternalError:            "internal error",
	UnrecognizedName:         "unrecognized name",
	MalformedCommand:         "malformed command",
	ValueOutOfRange:          "value out of range",
	ModalGroupViolation:      "modal group violation",
	AxisMissing:              "axis missing",
	InvalidFeedRate:          "invalid feed rate",
	FeedrateNotSpecified:     "feedrate not specified",
	InverseTimeFMissing:      "inverse-time F missing",
	ArcEndpointEqualsStart:   "arc endpoint equals start",
	SpindleRequired:          "spindle required",
	WordMissingOrInvalid:     "word missing or invalid",
	MinLengthMove:            "minimum length move",
	MinTimeMove:              "minimum time move",
	PlannerFailedToConverge:  "planner failed to converge",
	SoftLimitExceeded:        "soft limit exceeded",
	MachineAlarmed:           "machine alarmed",
	HomingFailed:             "homing failed",
	ProbingFailed:            "probing failed",
	JoggingFailed:            "jogging failed",
}

// Error adapts a Code to the error interface so it can be wrapped with
// github.com/pkg/errors at component boundaries.
type Error struct {
	Code    Code
	Context string
}

func (e *Error) Error() string {
	if e.Context == "" {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Context
}

// New builds a reportable status error.
func New(c Code, context string) *Error {
	return &Error{Code: c, Context: context}
}
