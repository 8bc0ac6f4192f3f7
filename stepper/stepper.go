// Package stepper implements StepperDriver, the segment-boundary
// orchestrator sitting between MotorMgr and SegmentExecutor (spec.md
// §4.2/§5), grounded on original_source/avr/src/stepper.c's step-timer ISR
// and the goroutine/channel dispatch style of the teacher's io/stepper.go.
package stepper

import (
	"math"
	"sync"

	"github.com/cncgo/motioncore/hw"
	"github.com/cncgo/motioncore/motor"
	"github.com/cncgo/motioncore/status"
)

// MoveType mirrors move_type_t in original_source/avr/src/stepper.c.
type MoveType int

const (
	MoveNull MoveType = iota
	MoveAline
	MoveDwell
)

// stepTimerFreq is the segment-boundary timer's tick rate, distinct from
// motor.FCPU (the per-motor step-pulse timer's own, much faster, clock).
const stepTimerFreq = 1_000_000 // Hz

// MaxSegmentTime bounds a prepared segment's duration (spec.md §3, ≈50ms);
// segments longer than this don't fit the 16-bit seg_period register
// (original_source/avr/src/stepper.c:st_prep_line).
const MaxSegmentTime = 0.05 // seconds

// MinSegmentTime rejects degenerate near-zero-duration segments (spec.md
// §3, ≈0.5ms).
const MinSegmentTime = 0.0005

// dwellTickSeconds is the fixed tick period used while dwelling
// (original_source sets st.seg_period = STEP_TIMER_FREQ * 0.001, 1ms).
const dwellTickSeconds = 0.001

// Executor is the callback surface StepperDriver drives when it needs the
// next segment prepared. Implemented by the executor package; StepperDriver
// only depends on this interface, so executor may depend on stepper without
// an import cycle.
type Executor interface {
	// ExecMove computes the next segment (if any) and, as a side effect,
	// calls StepperDriver.PrepLine or PrepDwell to stage it. It returns a
	// status.Error wrapping status.NOOP when there is nothing to execute,
	// EAGAIN to be retried immediately within the same request, or nil on
	// success.
	ExecMove() error
}

// Driver is StepperDriver: it ticks forward one segment boundary at a time,
// calling EndMove/LoadMove across all motors and soliciting the next
// segment from an Executor via a coalesced low-priority request, the same
// role ADCB_CH0_vect plays in the original source.
type Driver struct {
	mu      sync.Mutex
	motors  *motor.Manager
	backend hw.Backend
	exec    Executor

	busy        bool
	requesting  bool
	dwellTicks  uint32
	moveReady   bool
	moveQueued  bool
	moveType    MoveType
	segPeriod   uint16
	prepDwell   uint32

	estopped func() bool

	execDone chan struct{}
}

// New builds a Driver over n motors' worth of hardware.
func New(motors *motor.Manager, backend hw.Backend) *Driver {
	d := &Driver{
		motors:   motors,
		backend:  backend,
		estopped: func() bool { return false },
		execDone: make(chan struct{}, 1),
	}
	go d.requestLoop()
	return d
}

// SetExecutor wires the executor consulted for the next segment. Must be
// called before the first Tick (spec.md §9's fixed wiring order: StepGen
// before Executor, but Executor's callback still needs registering here).
func (d *Driver) SetExecutor(e Executor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.exec = e
}

// SetEstopChecker overrides the default (never-tripped) estop predicate.
func (d *Driver) SetEstopChecker(f func() bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.estopped = f
}

// Done signals once per completed background ExecMove request, letting
// tests synchronize with the asynchronous request/exec handoff rather than
// polling.
func (d *Driver) Done() <-chan struct{} { return d.execDone }

// Busy reports whether motors or a dwell are currently running
// (original_source/avr/src/stepper.c:st_is_busy).
func (d *Driver) Busy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.busy
}

// Shutdown disables all motors and clears pending move state
// (original_source/avr/src/stepper.c:st_shutdown).
func (d *Driver) Shutdown() error {
	d.mu.Lock()
	d.dwellTicks = 0
	d.moveType = MoveNull
	d.mu.Unlock()
	return d.motors.Shutdown()
}

// PrepLine stages an ALINE segment: computes the segment-boundary timer
// period and forwards each motor's (time, target) to motor.Manager.PrepMove,
// applying correctionCap as the flat step-correction ceiling
// (original_source/avr/src/stepper.c:st_prep_line).
func (d *Driver) PrepLine(timeSeconds float64, targets []int32, correctionCap int32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.moveReady {
		return status.New(status.InternalError, "st_prep_line: previous move still ready")
	}
	if math.IsInf(timeSeconds, 0) {
		return status.New(status.InternalError, "segment time is infinite")
	}
	if math.IsNaN(timeSeconds) {
		return status.New(status.InternalError, "segment time is NaN")
	}
	if timeSeconds < MinSegmentTime {
		return status.New(status.MinTimeMove, "segment time below minimum")
	}
	if MaxSegmentTime < timeSeconds {
		return status.New(status.ValueOutOfRange, "segment time exceeds maximum")
	}

	d.moveType = MoveAline
	d.segPeriod = uint16(math.Round(timeSeconds * stepTimerFreq))

	for i, target := range targets {
		if err := d.motors.PrepMove(i, timeSeconds, target, correctionCap); err != nil {
			return err
		}
	}
	d.moveQueued = true
	return nil
}

// PrepDwell stages a dwell of the given duration
// (original_source/avr/src/stepper.c:st_prep_dwell).
func (d *Driver) PrepDwell(seconds float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.moveReady {
		return status.New(status.InternalError, "st_prep_dwell: previous move still ready")
	}
	d.moveType = MoveDwell
	d.segPeriod = uint16(stepTimerFreq * dwellTickSeconds)
	d.prepDwell = uint32(seconds * 1000)
	d.moveQueued = true
	return nil
}

// Tick simulates one step-timer interrupt: a segment boundary. The driver
// never schedules it itself: tests call it explicitly, and cmd/simulator
// calls it from a wall-clock ticker alongside hw.Sim.Advance.
func (d *Driver) Tick() {
	d.mu.Lock()

	if d.dwellTicks > 0 {
		d.dwellTicks--
		if d.dwellTicks > 0 {
			d.mu.Unlock()
			return
		}
	}

	for i := 0; i < d.motors.Count(); i++ {
		d.motors.EndMove(i)
	}

	if d.estopped() {
		d.moveType = MoveNull
		d.mu.Unlock()
		return
	}

	if !d.moveReady {
		d.busy = false
		d.mu.Unlock()
		d.requestExec()
		return
	}

	// Wait until all motors have energized (original_source/src/motor.c:
	// motor_energizing, consulted from original_source/avr/src/stepper.c's
	// boundary-tick handler) before committing to the segment.
	if d.energizing() {
		d.mu.Unlock()
		return
	}

	if d.segPeriod > 0 {
		for i := 0; i < d.motors.Count(); i++ {
			d.motors.LoadMove(i)
		}
		d.busy = true
		d.dwellTicks = d.prepDwell
	}

	d.moveType = MoveNull
	d.segPeriod = 0
	d.prepDwell = 0
	d.moveReady = false

	dwelling := d.dwellTicks > 0
	d.mu.Unlock()

	if !dwelling {
		d.requestExec()
	}
}

// energizing reports whether any power-managed motor has not yet reached
// its powered state, the driver-ack-pending check original_source's
// motor_energizing performs before st_prep_line's caller is allowed to
// load a move. PowerDisabled motors are exempt, matching
// original_source/avr/src/motor.c:motor_is_enabled, which excludes
// disabled motors from power sequencing entirely; gating on them would
// block every tick forever once a machine leaves any motor unconfigured.
func (d *Driver) energizing() bool {
	for i := 0; i < d.motors.Count(); i++ {
		cfg, err := d.motors.ConfigOf(i)
		if err != nil || cfg.PowerMode == motor.PowerDisabled {
			continue
		}
		if powered, err := d.motors.Powered(i); err == nil && !powered {
			return true
		}
	}
	return false
}

// requestExec coalesces a request to run the executor's ExecMove on the
// background goroutine, matching _request_exec_move's "already requesting"
// test-and-set via hw.Backend.RequestSoftInterrupt.
func (d *Driver) requestExec() {
	d.mu.Lock()
	if d.requesting {
		d.mu.Unlock()
		return
	}
	d.requesting = true
	d.mu.Unlock()
	d.backend.RequestSoftInterrupt()
}

// requestLoop is the background goroutine standing in for ADCB_CH0_vect: it
// waits for a coalesced soft-interrupt request and runs the executor until
// it reports anything other than EAGAIN.
func (d *Driver) requestLoop() {
	for range d.backend.SoftInterrupts() {
		d.runExec()
	}
}

func (d *Driver) runExec() {
	d.mu.Lock()
	exec := d.exec
	d.mu.Unlock()
	if exec == nil {
		d.clearRequesting()
		return
	}

	for {
		err := exec.ExecMove()
		if se, ok := err.(*status.Error); ok && se.Code == status.EAGAIN {
			continue
		}
		if se, ok := err.(*status.Error); ok && se.Code == status.NOOP {
			break
		}
		if err == nil {
			d.mu.Lock()
			d.moveQueued = false
			d.moveReady = true
			d.mu.Unlock()
		}
		break
	}

	d.clearRequesting()
	select {
	case d.execDone <- struct{}{}:
	default:
	}
}

func (d *Driver) clearRequesting() {
	d.mu.Lock()
	d.requesting = false
	d.mu.Unlock()
	d.backend.ClearInterrupt()
}
