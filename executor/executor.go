// Package executor implements SegmentExecutor (spec.md §4.3), the
// jerk-limited quintic-Bézier velocity curve generator sitting between
// Planner and StepperDriver. Grounded directly on
// original_source/src/plan/exec.c: the forward-difference coefficient
// derivation, the head/body/tail section state machine, Kahan-compensated
// accumulation, waypoint correction and step correction.
package executor

import (
	"math"

	"github.com/cncgo/motioncore/axis"
	"github.com/cncgo/motioncore/stepper"
	"github.com/cncgo/motioncore/status"
)

// NomSegmentUsec is the nominal segment duration target, ≈5ms
// (original_source/src/plan/exec.c, spec.md §4.3).
const NomSegmentUsec = 5000.0

// Step-correction tuning (spec.md §4.3). Factor and Holdoff match the
// worked example in spec.md §8 scenario 6; Threshold and Max are this
// repo's chosen operating defaults (not pinned by a numeric example). All
// four are compile-time constants.
const (
	StepCorrectionFactor    = 0.25
	StepCorrectionHoldoff   = 5
	StepCorrectionThreshold = 2.0
	StepCorrectionMax       = 8
)

// MoveType distinguishes the three buffer kinds Planner can hand the
// executor (original_source/src/plan/buffer.h's move_type_t, generalized
// with a command-queue variant per spec.md §4.4).
type MoveType int

const (
	MoveAline MoveType = iota
	MoveDwell
	MoveCommand
)

// Move is the executor-facing view of one planner buffer: everything
// needed to regenerate its velocity curve and step targets without the
// executor knowing about ring-buffer bookkeeping.
type Move struct {
	Line int
	Type MoveType

	// Unit vector and per-axis kinematic classification, indexed by
	// axis.Ordinal.
	Unit [axis.Count]float64

	HeadLength, BodyLength, TailLength float64
	// Velocities are in units per second; section and segment times are
	// computed from them in seconds.
	EntryVelocity, CruiseVelocity, ExitVelocity float64

	Dwell   float64       // seconds, MoveDwell only
	Command func() error  // MoveCommand only
}

// MotorMap resolves which motor(s) an axis drives and converts an axis
// target position into a motor's target step count (spec.md §4.3
// kinematics hook). A Cartesian machine's implementation is
// steps[m] = axis_position[axis_of(m)] * steps_per_unit(m), with inhibited
// axes and non-driving motors zeroed.
type MotorMap interface {
	// MotorCount returns the number of motors driven.
	MotorCount() int
	// AxisTargetSteps converts position, the absolute target position on
	// motor m's driving axis (already resolved via m's axis assignment),
	// into a target step count for motor m.
	AxisTargetSteps(motor int, axisPosition float64) float64
	// AxisOf returns the axis ordinal motor m is mapped to.
	AxisOf(motor int) axis.Ordinal
}

// MoveSource is implemented by Planner: the narrow interface the executor
// needs to pull the next buffer and release it once fully consumed
// (original_source/src/plan/buffer.h: mp_get_run_buffer/mp_free_run_buffer).
type MoveSource interface {
	GetRunBuffer() (*Move, bool)
	FreeRunBuffer()
}

// EncoderSource is implemented by motor.Manager: the read-back the
// executor needs for its own (coarser, full-step) following-error tracking,
// independent of the motor layer's internal half-step error correction.
type EncoderSource interface {
	EncoderSteps(motor int) (int32, error)
}

type sectionState int

const (
	sectionNew sectionState = iota
	sectionFirstHalf
	sectionSecondHalf
)

type section int

const (
	sectionHead section = iota
	sectionBody
	sectionTail
)

// kahanAdd performs one Kahan-compensated accumulation step: *dest +=
// increment, using *comp to carry forward rounding error, matching the
// compensation indexing in original_source/src/plan/exec.c's forward-diff
// cascade.
func kahanAdd(dest *float64, increment, comp *float64) {
	y := increment - *comp
	v := *dest + y
	*comp = (v - *dest) - y
	*dest = v
}

// runtime holds the executor's per-move, per-segment state: the quintic
// forward-difference machinery and the kinematics step-tracking chain
// (original_source/src/plan/exec.c's `mr` singleton).
type runtime struct {
	move *Move

	sect      section
	state     sectionState
	segments  int
	segCount  int
	segTime   float64

	segVelocity float64
	diff        [5]float64
	diffComp    [5]float64

	position [axis.Count]float64 // current absolute position, per axis
	waypoint [3][axis.Count]float64

	commandedSteps []int64
	positionSteps  []int64
	targetSteps    []int64
	followingError []int32
	holdoff        []int32
}

// Executor is SegmentExecutor.
type Executor struct {
	source  MoveSource
	driver  *stepper.Driver
	motors  MotorMap
	encoder EncoderSource

	rt *runtime
}

// New builds an Executor. SetExecutor on driver must be called separately
// (stepper.Driver.SetExecutor(e)) to complete the wiring, avoiding an
// import cycle between stepper and executor.
func New(source MoveSource, driver *stepper.Driver, motors MotorMap, encoder EncoderSource) *Executor {
	n := motors.MotorCount()
	return &Executor{
		source:  source,
		driver:  driver,
		motors:  motors,
		encoder: encoder,
		rt: &runtime{
			commandedSteps: make([]int64, n),
			positionSteps:  make([]int64, n),
			targetSteps:    make([]int64, n),
			followingError: make([]int32, n),
			holdoff:        make([]int32, n),
		},
	}
}

// Resync sets the executor's target/position/commanded steps to position,
// zeroing its following error and correction holdoff
// (original_source/src/plan/planner.c:mp_set_steps_to_runtime_position),
// used by homing completion and set_position. It does not touch the motor
// layer's encoder count.
func (e *Executor) Resync(positionSteps []int64) {
	rt := e.rt
	for i, p := range positionSteps {
		rt.targetSteps[i] = p
		rt.positionSteps[i] = p
		rt.commandedSteps[i] = p
		rt.followingError[i] = 0
		rt.holdoff[i] = 0
	}
}

// Busy reports whether a move is currently in progress, the signal
// machine's feedhold/queue-flush sequencing needs to know whether it is
// safe to act immediately (state.c's "runtime busy" check).
func (e *Executor) Busy() bool { return e.rt.move != nil }

// FollowingError returns motor m's current following error in steps, for
// status reporting (spec.md §6 variable protocol).
func (e *Executor) FollowingError(m int) int32 { return e.rt.followingError[m] }

// PositionSteps returns motor m's current commanded position in steps, for
// status reporting.
func (e *Executor) PositionSteps(m int) int64 { return e.rt.positionSteps[m] }

// ExecMove implements stepper.Executor. It is called from StepperDriver's
// background request loop whenever the previous segment has been consumed.
func (e *Executor) ExecMove() error {
	rt := e.rt

	if rt.move == nil {
		mv, ok := e.source.GetRunBuffer()
		if !ok {
			return status.New(status.NOOP, "no buffered move")
		}
		rt.move = mv
		rt.sect = sectionHead
		rt.state = sectionNew
		e.computeWaypoints(mv)

		switch mv.Type {
		case MoveDwell:
			e.source.FreeRunBuffer()
			rt.move = nil
			if err := e.driver.PrepDwell(mv.Dwell); err != nil {
				return err
			}
			return nil
		case MoveCommand:
			e.source.FreeRunBuffer()
			rt.move = nil
			if mv.Command != nil {
				if err := mv.Command(); err != nil {
					return err
				}
			}
			return status.New(status.EAGAIN, "command buffer consumed, no segment staged")
		}
	}

	staged, exhausted, err := e.execSection()
	if err != nil {
		return err
	}
	if exhausted {
		// Advancing is pure bookkeeping (no PrepLine call), so it is safe
		// to do within this same ExecMove invocation even if a segment
		// was also staged below.
		if advanced := e.advanceSection(); !advanced {
			e.source.FreeRunBuffer()
			rt.move = nil
		}
	}
	if staged {
		return nil // exactly one driver.PrepLine call happened this call
	}
	// Nothing staged (a zero-length section was skipped): let the caller
	// retry immediately, matching stepper.Driver.runExec's retry-on-EAGAIN
	// loop, itself grounded on ISR(ADCB_CH0_vect)'s while/continue in
	// original_source/avr/src/stepper.c.
	return status.New(status.EAGAIN, "section produced no segment, advanced to next section")
}

// computeWaypoints precomputes the absolute position at the end of each
// section, used to snap position at a section boundary and cancel
// accumulated floating-point drift (spec.md §4.3 waypoint correction).
func (e *Executor) computeWaypoints(mv *Move) {
	rt := e.rt
	pos := rt.position

	accum := func(length float64) [axis.Count]float64 {
		for a := 0; a < int(axis.Count); a++ {
			pos[a] += mv.Unit[a] * length
		}
		return pos
	}
	rt.waypoint[sectionHead] = accum(mv.HeadLength)
	rt.waypoint[sectionBody] = accum(mv.BodyLength)
	rt.waypoint[sectionTail] = accum(mv.TailLength)
}

// advanceSection moves to the next section (head->body->tail) or, from
// tail, ends the move. Returns false once the move is fully consumed.
func (e *Executor) advanceSection() bool {
	rt := e.rt
	switch rt.sect {
	case sectionHead:
		rt.sect = sectionBody
	case sectionBody:
		rt.sect = sectionTail
	case sectionTail:
		return false
	}
	rt.state = sectionNew
	return true
}

// execSection runs the state machine for the current section, staging at
// most one segment. staged reports whether driver.PrepLine was called this
// invocation; exhausted reports whether the section has no more segments
// to produce (the caller should advance to the next section, which is pure
// bookkeeping and safe to do even when staged is also true).
func (e *Executor) execSection() (staged, exhausted bool, err error) {
	rt := e.rt
	mv := rt.move

	switch rt.sect {
	case sectionHead:
		return e.execRamp(mv.HeadLength, mv.EntryVelocity, mv.CruiseVelocity)
	case sectionBody:
		return e.execBody(mv.BodyLength, mv.CruiseVelocity)
	case sectionTail:
		return e.execRamp(mv.TailLength, mv.CruiseVelocity, mv.ExitVelocity)
	}
	return false, true, nil
}

// execRamp drives the quintic forward-difference curve for a head or tail
// section sharing the same state machine
// (original_source/src/plan/exec.c:_exec_aline_head/_exec_aline_tail, the
// non-jerk-exec forward-diff variant).
func (e *Executor) execRamp(length, vFrom, vTo float64) (staged, exhausted bool, err error) {
	rt := e.rt

	switch rt.state {
	case sectionNew:
		if length == 0 {
			return false, true, nil
		}
		moveTime := 2 * length / (vFrom + vTo)
		rt.segments = int(math.Ceil(moveTime * 1e6 / NomSegmentUsec))
		if rt.segments < 1 {
			rt.segments = 1
		}
		rt.segTime = moveTime / float64(rt.segments)
		if rt.segTime < minSegmentTime {
			return false, false, status.New(status.MinTimeMove, "segment time below minimum")
		}
		e.initForwardDiffs(vFrom, vTo)
		rt.segCount = rt.segments
		rt.state = sectionFirstHalf
		fallthrough

	case sectionFirstHalf:
		rt.state = sectionSecondHalf
		segDone, err := e.execSegment()
		if err != nil {
			return false, false, err
		}
		return true, segDone, nil

	case sectionSecondHalf:
		kahanAdd(&rt.segVelocity, &rt.diff[4], &rt.diffComp[4])
		segDone, err := e.execSegment()
		if err != nil {
			return false, false, err
		}
		if segDone {
			return true, true, nil
		}
		kahanAdd(&rt.diff[4], &rt.diff[3], &rt.diffComp[3])
		kahanAdd(&rt.diff[3], &rt.diff[2], &rt.diffComp[2])
		kahanAdd(&rt.diff[2], &rt.diff[1], &rt.diffComp[1])
		kahanAdd(&rt.diff[1], &rt.diff[0], &rt.diffComp[0])
		return true, false, nil
	}
	return false, true, nil
}

// execBody drives the constant-velocity cruise section
// (original_source/src/plan/exec.c:_exec_aline_body).
func (e *Executor) execBody(length, velocity float64) (staged, exhausted bool, err error) {
	rt := e.rt

	if rt.state == sectionNew {
		if length == 0 {
			return false, true, nil
		}
		moveTime := length / velocity
		rt.segments = int(math.Ceil(moveTime * 1e6 / NomSegmentUsec))
		if rt.segments < 1 {
			rt.segments = 1
		}
		rt.segTime = moveTime / float64(rt.segments)
		if rt.segTime < minSegmentTime {
			return false, false, status.New(status.MinTimeMove, "segment time below minimum")
		}
		rt.segVelocity = velocity
		rt.segCount = rt.segments
		rt.state = sectionSecondHalf
	}

	segDone, err := e.execSegment()
	if err != nil {
		return false, false, err
	}
	return true, segDone, nil
}

const minSegmentTime = 0.0005

// initForwardDiffs derives the quintic Bézier forward-difference
// coefficients for a ramp from vFrom to vTo over the current rt.segments,
// including the corrected V(h/2) initial sample
// (original_source/src/plan/exec.c:_init_forward_diffs).
func (e *Executor) initForwardDiffs(vFrom, vTo float64) {
	rt := e.rt

	a := -6*vFrom + 6*vTo
	b := 15*vFrom - 15*vTo
	c := -10*vFrom + 10*vTo

	h := 1.0 / float64(rt.segments)
	ah5 := a * h * h * h * h * h
	bh4 := b * h * h * h * h
	ch3 := c * h * h * h

	rt.diff[4] = 121.0/16.0*ah5 + 5.0*bh4 + 13.0/4.0*ch3
	rt.diff[3] = 165.0/2.0*ah5 + 29.0*bh4 + 9.0*ch3
	rt.diff[2] = 255.0*ah5 + 48.0*bh4 + 6.0*ch3
	rt.diff[1] = 300.0*ah5 + 24.0*bh4
	rt.diff[0] = 120.0 * ah5
	rt.diffComp = [5]float64{}

	halfH := h / 2.0
	halfCh3 := c * halfH * halfH * halfH
	halfBh4 := b * halfH * halfH * halfH * halfH
	halfAh5 := a * halfH * halfH * halfH * halfH * halfH
	rt.segVelocity = halfAh5 + halfBh4 + halfCh3 + vFrom
}

// execSegment stages exactly one segment: computes the target position,
// bucket-brigades commanded/position/target steps, applies step
// correction, runs the kinematics hook and calls driver.PrepLine
// (original_source/src/plan/exec.c:_exec_aline_segment).
func (e *Executor) execSegment() (sectionDone bool, err error) {
	rt := e.rt
	rt.segCount--

	var targetPos [axis.Count]float64
	if rt.segCount == 0 && rt.state == sectionSecondHalf {
		targetPos = rt.waypoint[rt.sect]
	} else {
		segLength := rt.segVelocity * rt.segTime
		for a := 0; a < int(axis.Count); a++ {
			targetPos[a] = rt.position[a] + rt.move.Unit[a]*segLength
		}
	}

	n := e.motors.MotorCount()
	targetSteps := make([]int64, n)

	for m := 0; m < n; m++ {
		rt.commandedSteps[m] = rt.positionSteps[m]
		rt.positionSteps[m] = rt.targetSteps[m]

		enc, encErr := e.encoder.EncoderSteps(m)
		if encErr != nil {
			return false, encErr
		}
		rt.followingError[m] = enc - int32(rt.commandedSteps[m])
	}

	for m := 0; m < n; m++ {
		axPos := targetPos[e.motors.AxisOf(m)]
		raw := e.motors.AxisTargetSteps(m, axPos)
		target := int64(math.Round(raw))

		if rt.holdoff[m] > 0 {
			rt.holdoff[m]--
		} else if fe := rt.followingError[m]; abs32(fe) >= StepCorrectionThreshold {
			travel := target - rt.positionSteps[m]
			correction := clampCorrection(fe, travel)
			target -= int64(correction)
			rt.followingError[m] -= correction
			rt.holdoff[m] = StepCorrectionHoldoff
		}

		rt.targetSteps[m] = target
		targetSteps[m] = target
	}

	if err := e.driver.PrepLine(rt.segTime, int32Slice(targetSteps), StepCorrectionMax); err != nil {
		return false, err
	}
	rt.position = targetPos

	return rt.segCount == 0, nil
}

// clampCorrection bounds a step correction to the factor-scaled error, the
// flat maximum, and the magnitude of the segment's own travel (spec.md
// §4.3).
func clampCorrection(followingError int32, travelSteps int64) int32 {
	mag := float64(followingError) * StepCorrectionFactor
	if mag < 0 {
		mag = -mag
	}
	if StepCorrectionMax < mag {
		mag = StepCorrectionMax
	}
	travelMag := travelSteps
	if travelMag < 0 {
		travelMag = -travelMag
	}
	if float64(travelMag) < mag {
		mag = float64(travelMag)
	}
	if followingError < 0 {
		mag = -mag
	}
	return int32(mag)
}

func abs32(v int32) float64 {
	if v < 0 {
		return float64(-v)
	}
	return float64(v)
}

func int32Slice(in []int64) []int32 {
	out := make([]int32, len(in))
	for i, v := range in {
		out[i] = int32(v)
	}
	return out
}
