// Package axis holds the per-axis kinematic configuration shared by the
// planner and executor: velocity/feedrate/jerk limits, soft travel limits
// and the axis operating mode. Grounded on the per-axis config block in
// original_source/src/machine.c (mach.a[axis].{jerk_max,junction_dev,...}).
package axis

import "github.com/pkg/errors"

// Ordinal identifies one of the machine's axes by position, matching the
// fixed axis ordering used throughout the planner and executor.
type Ordinal int

// Fixed axis ordinals. At least X, Y, Z, A, B, C must be present.
const (
	X Ordinal = iota
	Y
	Z
	A
	B
	C
	Count // number of axis ordinals
)

func (o Ordinal) String() string {
	if int(o) < len(names) {
		return names[o]
	}
	return "?"
}

var names = [...]string{"x", "y", "z", "a", "b", "c"}

// Mode is the axis operating mode.
type Mode int

const (
	Disabled Mode = iota
	Standard
	Inhibited
	Radius
)

// Axis is one machine axis: its kinematic limits and soft-limit travel
// range. Rotary axes (Mode == Radius) additionally carry a radius used to
// convert linear input into degrees (spec.md §4.3 kinematics hook).
type Axis struct {
	Ordinal Ordinal

	VelocityMax float64 // mm/min or deg/min
	FeedrateMax float64 // mm/min
	JerkMax     float64 // units of 1e6 mm/min^3, matches JERK_MULTIPLIER in the original

	Radius float64 // for rotary axes in Radius mode

	TravelMin, TravelMax float64
	SoftLimitsEnabled    bool

	Mode  Mode
	Homed bool
}

// New returns an Axis in Standard mode with no soft limits enabled.
func New(o Ordinal) *Axis {
	return &Axis{Ordinal: o, Mode: Standard}
}

// CheckSoftLimits validates a target position is within [TravelMin,
// TravelMax] when soft limits are enabled and the axis is homed. Per
// spec.md §4.6, only homed axes are subject to soft-limit rejection.
func (a *Axis) CheckSoftLimits(target float64) error {
	if !a.SoftLimitsEnabled || !a.Homed {
		return nil
	}
	if target < a.TravelMin || target > a.TravelMax {
		return errors.Errorf("axis %s: target %g outside travel [%g, %g]",
			a.Ordinal, target, a.TravelMin, a.TravelMax)
	}
	return nil
}

// SetTravelLimits sets the soft-limit travel range, enforcing the
// travel_min <= travel_max invariant from spec.md §3 when soft limits are
// enabled.
func (a *Axis) SetTravelLimits(min, max float64) error {
	if a.SoftLimitsEnabled && min > max {
		return errors.Errorf("axis %s: travel_min %g > travel_max %g", a.Ordinal, min, max)
	}
	a.TravelMin, a.TravelMax = min, max
	return nil
}

// JerkDiv2 divides JerkMax by two, recomputed on every call; a helper for
// the jerk integration path kept as an implementation alternative (spec.md
// Open Questions).
func (a *Axis) JerkDiv2() float64 { return a.JerkMax / 2 }
