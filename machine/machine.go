// Package machine owns G-code modal state, coordinate offsets, soft-limit
// checks and the feedhold/queue-flush/cycle-start sequencing state machine
// that sits above the planner. Grounded on
// original_source/src/plan/state.c (mp_state_callback and friends) for the
// sequencing rules, and spec.md §3/§4.6/§5 for the state shape.
package machine

import (
	"log"
	"math"
	"sync"

	"github.com/pkg/errors"

	"github.com/cncgo/motioncore/axis"
	"github.com/cncgo/motioncore/status"
)

// State is the top-level run state, matching original_source's
// plannerState_t. spec.md's broader MachineState enum collapses onto this
// one with Alarm added for the soft-alarm case spec.md §7 describes
// separately from Estopped (resumable by reset vs. terminal).
type State int

const (
	StateReady State = iota
	StateRunning
	StateStopping
	StateHolding
	StateAlarmed
	StateEstopped
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateHolding:
		return "holding"
	case StateAlarmed:
		return "alarmed"
	case StateEstopped:
		return "estopped"
	default:
		return "?"
	}
}

// Cycle is the active cycle type, matching original_source's
// plannerCycle_t. Only settable from StateReady (mp_set_cycle).
type Cycle int

const (
	CycleOff Cycle = iota
	CycleMachining
	CycleHoming
	CycleProbing
	CycleCalibrating
	CycleJogging
)

func (c Cycle) String() string {
	switch c {
	case CycleOff:
		return "off"
	case CycleMachining:
		return "machining"
	case CycleHoming:
		return "homing"
	case CycleProbing:
		return "probing"
	case CycleCalibrating:
		return "calibrating"
	case CycleJogging:
		return "jogging"
	default:
		return "?"
	}
}

// HoldState is the feedhold sub-state, matching original_source's
// holdState_t and spec.md §5's off→sync→plan→decel→hold→end-hold cycle.
type HoldState int

const (
	HoldOff HoldState = iota
	HoldSync
	HoldPlan
	HoldDecel
	HoldHeld
	HoldEnd
)

func (h HoldState) String() string {
	switch h {
	case HoldOff:
		return "off"
	case HoldSync:
		return "sync"
	case HoldPlan:
		return "plan"
	case HoldDecel:
		return "decel"
	case HoldHeld:
		return "hold"
	case HoldEnd:
		return "end-hold"
	default:
		return "?"
	}
}

// PlannerPort is the slice of planner.Planner that Machine drives. Queued
// moves and synchronous commands pass through it; *planner.Planner
// satisfies this directly.
type PlannerPort interface {
	Aline(target [axis.Count]float64, f float64, inverseTime bool, jerkOverride float64, line int32) error
	Dwell(seconds float64, line int32) error
	CommandQueue(cmd func() error, line int32) error
	SetPosition(pos [axis.Count]float64)
	Flush()
	QueueEmpty() bool
}

// RuntimePort reports whether the executor is presently mid-move, the
// signal original_source's state machine calls "runtime busy" when
// deciding whether a queue-flush or cycle-start can be honored immediately
// (state.c: mp_state_callback's flush/start branches).
type RuntimePort interface {
	Busy() bool
}

// offset is one coordinate system's per-axis origin.
type offset [axis.Count]float64

// CoordSystem selects among the absolute frame and G54-G59, spec.md §3.
type CoordSystem int

const (
	CoordAbs CoordSystem = iota
	CoordG54
	CoordG55
	CoordG56
	CoordG57
	CoordG58
	CoordG59
	coordCount
)

// Machine is the top-level owner of modal state, coordinate offsets,
// soft-limit enforcement and the feedhold/flush/start sequencing state
// machine described in original_source/src/plan/state.c. It does not parse
// G-code: callers present already-decoded Feed/Rapid/Dwell/QueueCommand
// calls (spec.md §1 Non-goals).
type Machine struct {
	mu sync.Mutex

	log *log.Logger

	planner PlannerPort
	runtime RuntimePort
	axes    [axis.Count]*axis.Axis

	state State
	cycle Cycle
	hold  HoldState

	holdRequested  bool
	flushRequested bool
	startRequested bool

	alarmReason string

	coord       CoordSystem
	offsets     [coordCount]offset
	g92Offset   offset
	g92Active   bool

	position [axis.Count]float64 // last commanded target, in the absolute machine frame
}

// New returns a Machine in StateReady with no offsets applied. axes must be
// indexed by axis.Ordinal and have axis.Count entries; entries for axes the
// machine does not have may be nil.
func New(planner PlannerPort, runtime RuntimePort, axes [axis.Count]*axis.Axis, logger *log.Logger) *Machine {
	if logger == nil {
		logger = log.Default()
	}
	return &Machine{
		log:     logger,
		planner: planner,
		runtime: runtime,
		axes:    axes,
		state:   StateReady,
		cycle:   CycleOff,
		hold:    HoldOff,
	}
}

// State returns the current run state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Cycle returns the active cycle type.
func (m *Machine) Cycle() Cycle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cycle
}

// HoldState returns the current feedhold sub-state.
func (m *Machine) HoldState() HoldState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hold
}

// setState applies a state change, logging the transition on real change,
// matching state.c's mp_set_state. A no-op if state is unchanged; StateEstopped can never be left (state.c: "cannot leave
// STATE_ESTOPPED").
func (m *Machine) setState(s State) {
	if m.state == s {
		return
	}
	if m.state == StateEstopped {
		return
	}
	m.log.Printf("machine: state %s -> %s", m.state, s)
	m.state = s
}

// SetCycle sets the active cycle type. Only callable from StateReady, and a
// non-machining cycle can only be entered or left via CycleOff — two
// non-machining cycles can never transition directly into one another
// (state.c: mp_set_cycle).
func (m *Machine) SetCycle(c Cycle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c == m.cycle {
		return nil
	}
	if m.state != StateReady {
		return status.New(status.InternalError, "cycle change requires ready state")
	}
	if m.cycle != CycleOff && m.cycle != CycleMachining && c != CycleOff && c != CycleMachining {
		return status.New(status.InternalError, "cannot switch directly between non-machining cycles")
	}
	m.log.Printf("machine: cycle %s -> %s", m.cycle, c)
	m.cycle = c
	return nil
}

// StateRunning transitions StateReady into StateRunning, the entry point
// for dispatching queued motion (state.c: mp_state_running).
func (m *Machine) StateRunning() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateReady {
		m.setState(StateRunning)
	}
}

// StateIdle returns to StateReady with hold cleared and any pending
// cycle-start request cancelled (state.c: mp_state_idle).
func (m *Machine) StateIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setState(StateReady)
	m.hold = HoldOff
	m.startRequested = false
}

// StateEstop forces StateEstopped immediately; only a process restart can
// clear it (state.c: mp_state_estop).
func (m *Machine) StateEstop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log.Printf("machine: ESTOP")
	m.state = StateEstopped
}

// Alarm enters the soft-alarm state described in spec.md §7: the queue is
// preserved (unlike a flush) and Feed, Rapid, Dwell and QueueCommand are
// rejected until Reset. reason is logged for the operator. Alarm only
// changes Machine's own state; it does not halt the planner, executor or
// motors, so motion already queued keeps executing.
func (m *Machine) Alarm(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateEstopped {
		return
	}
	m.log.Printf("machine: ALARM: %s", reason)
	m.alarmReason = reason
	m.state = StateAlarmed
}

// Reset clears a soft alarm back to StateReady. It is a no-op outside
// StateAlarmed; StateEstopped can only be cleared by a process restart.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateAlarmed {
		return
	}
	m.log.Printf("machine: alarm cleared (%s)", m.alarmReason)
	m.alarmReason = ""
	m.state = StateReady
}

// RequestHold records a feedhold request (state.c: mp_request_hold).
func (m *Machine) RequestHold() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.holdRequested = true
}

// RequestFlush records a queue-flush request (state.c: mp_request_flush).
func (m *Machine) RequestFlush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushRequested = true
}

// RequestStart records a cycle-start request (state.c: mp_request_start).
func (m *Machine) RequestStart() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startRequested = true
}

// HoldCallback advances the feedhold sub-state machine once the executor
// reports whether the in-flight decelerate-to-zero move is done. SYNC
// always advances to PLAN on the next call (the planner has had a chance
// to shorten the in-flight move by then); DECEL only advances to HOLD once
// done is true (state.c: mp_state_hold_callback).
func (m *Machine) HoldCallback(done bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.hold {
	case HoldSync:
		m.hold = HoldPlan
	case HoldDecel:
		if done {
			m.hold = HoldHeld
			m.setState(StateHolding)
		}
	}
}

// Poll interprets the three request flags against the current state,
// exactly reproducing state.c's mp_state_callback. Before any flag is
// examined, a StateRunning machine with no hold underway, an empty planner
// queue and an idle runtime returns to StateReady.
//
//   - hold: honored only while StateRunning, entering HoldSync; ignored
//     once a hold is already underway or motion has already stopped.
//   - flush: during an active feedhold it is deferred (left set) until the
//     hold completes; during StateRunning it is ignored and cleared,
//     since moves are in flight and nothing is safe to discard yet; from
//     StateReady or StateHolding, once the runtime is no longer busy, it
//     flushes the planner queue and returns to StateReady.
//   - start: during an active feedhold it is deferred; during
//     StateRunning it is ignored and cleared; from StateHolding it ends
//     the hold and resumes running.
func (m *Machine) Poll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateRunning && m.hold == HoldOff && m.planner.QueueEmpty() && (m.runtime == nil || !m.runtime.Busy()) {
		m.setState(StateReady)
	}

	if m.holdRequested {
		if m.state == StateRunning && m.hold == HoldOff {
			m.log.Printf("machine: feedhold requested")
			m.hold = HoldSync
			m.setState(StateStopping)
		}
		m.holdRequested = false
	}

	holdActive := m.hold != HoldOff && m.hold != HoldHeld

	if m.flushRequested {
		switch {
		case holdActive:
			// deferred: leave the flag set for a later Poll once the hold
			// finishes.
		case m.state == StateRunning:
			m.flushRequested = false
		case m.state == StateReady || m.state == StateHolding:
			if m.runtime == nil || !m.runtime.Busy() {
				m.log.Printf("machine: queue flush")
				m.planner.Flush()
				m.hold = HoldOff
				m.setState(StateReady)
				m.flushRequested = false
			}
		default:
			m.flushRequested = false
		}
	}

	if m.startRequested {
		switch {
		case holdActive:
			// deferred, same reasoning as flush above.
		case m.state == StateRunning:
			m.startRequested = false
		case m.state == StateHolding:
			m.log.Printf("machine: cycle start")
			m.hold = HoldOff
			m.setState(StateRunning)
			m.startRequested = false
		default:
			m.startRequested = false
		}
	}
}

// SetCoordOffset sets the origin table for one coordinate system.
func (m *Machine) SetCoordOffset(cs CoordSystem, off [axis.Count]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offsets[cs] = offset(off)
}

// SelectCoordSystem switches the active work coordinate system.
func (m *Machine) SelectCoordSystem(cs CoordSystem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.coord = cs
}

// SetG92Offset installs a G92 origin shift on top of the active coordinate
// system, spec.md §4.6.
func (m *Machine) SetG92Offset(off [axis.Count]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.g92Offset = offset(off)
	m.g92Active = true
}

// ClearG92Offset removes the G92 origin shift.
func (m *Machine) ClearG92Offset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.g92Active = false
	m.g92Offset = offset{}
}

// resolveTarget maps a work-coordinate target to an absolute machine-frame
// target by applying the active coordinate-system offset and any G92
// shift, then checks soft limits on each homed axis.
func (m *Machine) resolveTarget(work [axis.Count]float64) ([axis.Count]float64, error) {
	var abs [axis.Count]float64
	off := m.offsets[m.coord]
	for i := 0; i < int(axis.Count); i++ {
		abs[i] = work[i] + off[i]
		if m.g92Active {
			abs[i] += m.g92Offset[i]
		}
		a := m.axes[i]
		if a == nil {
			continue
		}
		if err := a.CheckSoftLimits(abs[i]); err != nil {
			return abs, errors.Wrapf(status.New(status.SoftLimitExceeded, err.Error()), "axis %s", axis.Ordinal(i))
		}
	}
	return abs, nil
}

// checkRunnable rejects new motion while alarmed or estopped, spec.md §7.
func (m *Machine) checkRunnable() error {
	switch m.state {
	case StateAlarmed, StateEstopped:
		return status.New(status.MachineAlarmed, m.state.String())
	}
	return nil
}

// Feed queues a coordinated move to work-coordinate target at feedrate f
// (units/min, or inverse-time if inverseTime is set), resolving coordinate
// offsets and soft limits first.
func (m *Machine) Feed(work [axis.Count]float64, f float64, inverseTime bool, line int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkRunnable(); err != nil {
		return err
	}
	abs, err := m.resolveTarget(work)
	if err != nil {
		return err
	}
	if err := m.planner.Aline(abs, f, inverseTime, 0, line); err != nil {
		return err
	}
	m.position = abs
	return nil
}

// Rapid queues an uncoordinated (G0-style) move at the axes' velocity
// ceiling rather than a programmed feedrate.
func (m *Machine) Rapid(work [axis.Count]float64, line int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkRunnable(); err != nil {
		return err
	}
	abs, err := m.resolveTarget(work)
	if err != nil {
		return err
	}
	// A requested feedrate of math.MaxFloat64 always loses to the
	// direction-scaled velocity ceiling inside Aline, so the move cruises
	// at the axes' own limit rather than the zero a bare f=0 would produce.
	if err := m.planner.Aline(abs, math.MaxFloat64, false, 0, line); err != nil {
		return err
	}
	m.position = abs
	return nil
}

// Dwell queues a stop-motion pause of the given duration.
func (m *Machine) Dwell(seconds float64, line int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkRunnable(); err != nil {
		return err
	}
	return m.planner.Dwell(seconds, line)
}

// QueueCommand queues a synchronous side effect (spindle speed, coolant,
// tool change, coordinate-offset update) so it fires exactly at the buffer
// boundary the planner reaches it at, spec.md §4.6.
func (m *Machine) QueueCommand(cmd func() error, line int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkRunnable(); err != nil {
		return err
	}
	return m.planner.CommandQueue(cmd, line)
}

// Position returns the last commanded target in the absolute machine
// frame. SyncPosition pushes this value into the planner after a queue
// flush or homing, in place of an inverse-kinematics readback of the
// runtime's step counts, since MotorMap only exposes a forward
// axis-to-steps mapping (see DESIGN.md).
func (m *Machine) Position() [axis.Count]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.position
}

// SyncPosition pushes the last commanded target into the planner as its
// current position, used after a queue flush or a homing cycle completes.
func (m *Machine) SyncPosition() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.planner.SetPosition(m.position)
}

// SetAbsolutePosition overwrites the tracked machine-frame position
// directly, used when a cycle (homing, probing) establishes a new known
// position outside the ordinary Feed/Rapid path.
func (m *Machine) SetAbsolutePosition(pos [axis.Count]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.position = pos
	m.planner.SetPosition(pos)
}
